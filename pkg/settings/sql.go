package settings

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const settingsRowID = 1

// SQLStore keeps settings as a single row in Postgres or SQLite.
type SQLStore struct {
	db      *sql.DB
	dialect string
	now     func() time.Time
}

// OpenSQL opens driver ("postgres" or "sqlite") and applies migrations.
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	var (
		sqlDriver string
		dialect   goose.Dialect
	)
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "pgx":
		sqlDriver, dialect = "pgx", goose.DialectPostgres
	case "sqlite", "sqlite3":
		sqlDriver, dialect = "sqlite", goose.DialectSQLite3
	default:
		return nil, fmt.Errorf("unsupported settings driver %q", driver)
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("settings: open %s: %w", sqlDriver, err)
	}
	if sqlDriver == "sqlite" {
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("settings: ping: %w", err)
	}
	if err := migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLStore{db: db, dialect: sqlDriver, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB, dialect goose.Dialect) error {
	dir, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("settings: migrations: %w", err)
	}
	provider, err := goose.NewProvider(dialect, db, dir)
	if err != nil {
		return fmt.Errorf("settings: migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("settings: migrate: %w", err)
	}
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) Load(ctx context.Context) (Settings, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, s.bind("SELECT payload FROM live_settings WHERE id = ?"), settingsRowID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Default(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("settings: load: %w", err)
	}
	out := Default()
	if err := yaml.Unmarshal([]byte(payload), &out); err != nil {
		return Settings{}, fmt.Errorf("settings: decode row: %w", err)
	}
	if err := out.Validate(); err != nil {
		return Settings{}, fmt.Errorf("settings: invalid row: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Save(ctx context.Context, in Settings) error {
	if err := in.Validate(); err != nil {
		return err
	}
	payload, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}
	query := s.bind(`INSERT INTO live_settings (id, payload, updated_at) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`)
	if _, err := s.db.ExecContext(ctx, query, settingsRowID, string(payload), s.now().UTC()); err != nil {
		return fmt.Errorf("settings: save: %w", err)
	}
	return nil
}

// bind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) bind(query string) string {
	if s.dialect != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
