// Package redispub publishes session events to a Redis channel so other
// processes can follow a live session.
package redispub

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vango-go/vai-live/pkg/live/metrics"
	"github.com/vango-go/vai-live/pkg/live/protocol"
)

const DefaultChannel = "vai-live:events"

// Publisher is a protocol.Sink. Publishing is synchronous, so callers wrap it
// in a protocol.BufferedSink before handing it to a session.
type Publisher struct {
	client  redis.UniversalClient
	channel string
	timeout time.Duration
	log     zerolog.Logger
}

func New(client redis.UniversalClient, channel string, logger zerolog.Logger) *Publisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Publisher{
		client:  client,
		channel: channel,
		timeout: 2 * time.Second,
		log:     logger,
	}
}

// Dial connects to addr and verifies the server answers.
func Dial(ctx context.Context, addr, channel string, logger zerolog.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return New(client, channel, logger), nil
}

func (p *Publisher) Channel() string { return p.channel }

func (p *Publisher) Emit(ev protocol.Event) {
	frame, err := protocol.Marshal(ev)
	if err != nil {
		p.log.Error().Err(err).Msg("encode event for redis")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.channel, frame).Err(); err != nil {
		metrics.RecordSinkDropped("redis", 1)
		p.log.Warn().Err(err).Str("channel", p.channel).Msg("publish event")
	}
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
