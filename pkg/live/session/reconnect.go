package session

import (
	"context"
	"errors"
	"time"
)

type ReconnectOutcome int

const (
	ReconnectSucceeded ReconnectOutcome = iota
	ReconnectExhausted
	ReconnectAborted
	ReconnectFatal
)

func (o ReconnectOutcome) String() string {
	switch o {
	case ReconnectSucceeded:
		return "succeeded"
	case ReconnectExhausted:
		return "exhausted"
	case ReconnectAborted:
		return "aborted"
	case ReconnectFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Reconnector retries a connection a bounded number of times with a fixed
// delay before each attempt.
type Reconnector struct {
	MaxAttempts int
	Delay       time.Duration
	Sleep       func(ctx context.Context, d time.Duration) error
}

func NewReconnector(maxAttempts int, delay time.Duration, sleep func(context.Context, time.Duration) error) *Reconnector {
	if maxAttempts <= 0 {
		maxAttempts = DefaultTuning().ReconnectMaxAttempts
	}
	if sleep == nil {
		sleep = sleepContext
	}
	return &Reconnector{MaxAttempts: maxAttempts, Delay: delay, Sleep: sleep}
}

// Run calls attempt with n = 1..MaxAttempts until one succeeds. Auth errors
// stop the loop immediately; stale-generation errors or cancellation abort it.
func (r *Reconnector) Run(ctx context.Context, attempt func(ctx context.Context, n int) error) (ReconnectOutcome, error) {
	var lastErr error
	for n := 1; n <= r.MaxAttempts; n++ {
		if err := r.Sleep(ctx, r.Delay); err != nil {
			return ReconnectAborted, err
		}
		if ctx.Err() != nil {
			return ReconnectAborted, ctx.Err()
		}
		err := attempt(ctx, n)
		if err == nil {
			return ReconnectSucceeded, nil
		}
		switch {
		case ctx.Err() != nil, errors.Is(err, errStaleGeneration):
			return ReconnectAborted, err
		case IsAuthError(err):
			return ReconnectFatal, err
		}
		lastErr = err
	}
	return ReconnectExhausted, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
