package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-live/pkg/live/prompts"
	"github.com/vango-go/vai-live/pkg/live/session"
	"github.com/vango-go/vai-live/pkg/live/transport"
)

func sample() Settings {
	s := Default()
	s.Provider = "openai"
	s.APIKey = "sk-test-1234567890"
	s.Model = "gpt-4o-realtime-preview"
	s.Verbosity = "verbose"
	s.Profile = "sales"
	s.WebSearch = true
	s.CustomPrompt = "Mention the pricing page."
	return s
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	s := Default()
	s.Provider = "bard"
	assert.Error(t, s.Validate())

	s = Default()
	s.Verbosity = "chatty"
	assert.Error(t, s.Validate())

	s = Default()
	s.Profile = "poker"
	assert.Error(t, s.Validate())

	s = Default()
	s.SampleRate = -1
	assert.Error(t, s.Validate())
}

func TestRedacted(t *testing.T) {
	s := sample()
	assert.Equal(t, "sk-t****7890", s.Redacted().APIKey)
	assert.Equal(t, "sk-test-1234567890", s.APIKey)

	s.APIKey = "short"
	assert.Equal(t, "****", s.Redacted().APIKey)
	s.APIKey = ""
	assert.Equal(t, "", s.Redacted().APIKey)
}

func TestSessionConfigRoundTrip(t *testing.T) {
	cfg, err := sample().SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, transport.ProviderOpenAI, cfg.Provider)
	assert.Equal(t, prompts.VerbosityVerbose, cfg.Verbosity)
	assert.Equal(t, prompts.ProfileSales, cfg.Profile)
	assert.True(t, cfg.Tools.WebSearch)
	assert.Equal(t, sample(), FromSessionConfig(cfg))
}

func TestFileStoreMissingFileReturnsDefaults(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "settings.yaml"), zerolog.Nop())
	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Default(), got)
}

func TestFileStoreSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")
	store := NewFileStore(path, zerolog.Nop())
	require.NoError(t, store.Save(context.Background(), sample()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, sample(), got)
}

func TestFileStoreRejectsInvalid(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "settings.yaml"), zerolog.Nop())
	s := sample()
	s.Provider = "nope"
	assert.Error(t, store.Save(context.Background(), s))

	require.NoError(t, os.WriteFile(store.Path, []byte("provider: [oops"), 0o600))
	_, err := store.Load(context.Background())
	assert.Error(t, err)
}

func TestFileStoreWatch(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "settings.yaml"), zerolog.Nop())
	require.NoError(t, store.Save(context.Background(), Default()))

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan Settings, 4)
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx, func(s Settings) { got <- s }) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, store.Save(context.Background(), sample()))

	select {
	case s := <-got:
		assert.Equal(t, "openai", s.Provider)
	case <-time.After(3 * time.Second):
		t.Fatalf("no reload after settings change")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQL(ctx, "sqlite", filepath.Join(t.TempDir(), "live.db"))
	require.NoError(t, err)
	defer store.Close()

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, Default(), got)

	require.NoError(t, store.Save(ctx, sample()))
	updated := sample()
	updated.Model = "gpt-4o-mini-realtime-preview"
	require.NoError(t, store.Save(ctx, updated))

	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	var rows int
	require.NoError(t, store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM live_settings").Scan(&rows))
	assert.Equal(t, 1, rows)
}

func TestSQLiteStoreRejectsInvalidRow(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQL(ctx, "sqlite", filepath.Join(t.TempDir(), "live.db"))
	require.NoError(t, err)
	defer store.Close()

	_, err = store.db.ExecContext(ctx, "INSERT INTO live_settings (id, payload, updated_at) VALUES (?, ?, ?)",
		settingsRowID, "provider: gemini\nverbosity: medium\n", time.Now().UTC())
	require.NoError(t, err)

	_, err = store.Load(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid row")
}

func TestSQLiteStoreReopenKeepsRow(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "live.db")
	store, err := OpenSQL(ctx, "sqlite", path)
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, sample()))
	require.NoError(t, store.Close())

	store, err = OpenSQL(ctx, "sqlite", path)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sample(), got)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("VAI_LIVE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VAI_LIVE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := OpenSQL(ctx, "postgres", dsn)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Save(ctx, sample()))
	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sample(), got)
}

func TestOpenSQLUnknownDriver(t *testing.T) {
	_, err := OpenSQL(context.Background(), "mysql", "x")
	assert.Error(t, err)
}

func TestBindPostgresPlaceholders(t *testing.T) {
	s := &SQLStore{dialect: "pgx"}
	assert.Equal(t, "VALUES ($1, $2)", s.bind("VALUES (?, ?)"))
	s.dialect = "sqlite"
	assert.Equal(t, "VALUES (?, ?)", s.bind("VALUES (?, ?)"))
}

type memStore struct{ saved []Settings }

func (m *memStore) Load(context.Context) (Settings, error) { return Default(), nil }
func (m *memStore) Save(_ context.Context, s Settings) error {
	m.saved = append(m.saved, s)
	return nil
}

func TestSaverAdaptsStore(t *testing.T) {
	mem := &memStore{}
	var saver session.ConfigSaver = Saver{Store: mem}
	cfg, err := sample().SessionConfig()
	require.NoError(t, err)
	require.NoError(t, saver.SaveConfig(context.Background(), cfg))
	require.Len(t, mem.saved, 1)
	assert.Equal(t, "sk-test-1234567890", mem.saved[0].APIKey)
}
