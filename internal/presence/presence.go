// Package presence applies the driver online/location feed to every
// component that tracks drivers: the matching pool and the Redis GEO mirror.
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/example/ride-settlement/internal/models"
)

var ErrInvalidLocation = errors.New("invalid driver location")

// Updater consumes one presence update.
type Updater interface {
	ApplyLocation(ctx context.Context, d models.DriverLocation) error
}

// Fanout applies each update to all updaters in order, retrying each with
// exponential backoff. Attempts and Delay default to 3 and 200ms.
type Fanout struct {
	Updaters []Updater
	Attempts int
	Delay    time.Duration
	Logger   *slog.Logger

	validate *validator.Validate
}

func NewFanout(logger *slog.Logger, updaters ...Updater) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{Updaters: updaters, Attempts: 3, Delay: 200 * time.Millisecond, Logger: logger, validate: validator.New()}
}

// Apply validates d and hands it to every updater. It returns the joined
// errors of the updaters that still failed after retries.
func (f *Fanout) Apply(ctx context.Context, d models.DriverLocation) error {
	if f.validate == nil {
		f.validate = validator.New()
	}
	if err := f.validate.Struct(d); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLocation, err)
	}
	if d.Updated.IsZero() {
		d.Updated = time.Now()
	}
	var errs []error
	for _, u := range f.Updaters {
		if err := applyWithRetry(ctx, u, d, f.Attempts, f.Delay); err != nil {
			f.Logger.Warn("presence update failed", "driver_id", d.ID, "updater", fmt.Sprintf("%T", u), "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// applyWithRetry calls u up to attempts times, doubling delay between tries.
func applyWithRetry(ctx context.Context, u Updater, d models.DriverLocation, attempts int, delay time.Duration) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = u.ApplyLocation(ctx, d); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	return err
}
