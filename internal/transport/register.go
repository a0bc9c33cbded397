package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Registrar is implemented by adapters that can announce the device.
type Registrar interface {
	Register(ctx context.Context, d Device) error
}

// RegisterWithRetry calls r.Register until it succeeds, the backend refuses
// the device permanently, or maxElapsed has passed.
func RegisterWithRetry(ctx context.Context, r Registrar, d Device, maxElapsed time.Duration, logger *slog.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		err := r.Register(ctx, d)
		if err == nil {
			return nil
		}
		var se *StatusError
		if errors.As(err, &se) && se.Permanent() {
			return backoff.Permanent(err)
		}
		logger.Warn("device registration failed, retrying", "attempt", attempt, "error", err)
		return err
	}

	return backoff.Retry(op, backoff.WithContext(b, ctx))
}
