package outbox

import (
	"context"
	"errors"
	"time"
)

// Cleaner deletes Processed records older than the retention window.
type Cleaner struct {
	store Store
	opts  CleanerOptions
}

func NewCleaner(store Store, opts CleanerOptions) (*Cleaner, error) {
	if store == nil {
		return nil, invalidConfig("store is required")
	}
	opts.setDefaults()
	if opts.Retention < 0 {
		return nil, invalidConfig("retention must not be negative")
	}
	return &Cleaner{store: store, opts: opts}, nil
}

func (c *Cleaner) Run(ctx context.Context) error {
	if ctx == nil {
		return invalidConfig("ctx is required")
	}
	if !c.opts.Enabled {
		return nil
	}

	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := c.CleanOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.opts.Logger.WithError(err).Warn("outbox: cleaner tick failed")
		}
	}
}

// CleanOnce deletes Processed records older than the configured retention.
func (c *Cleaner) CleanOnce(ctx context.Context) (int64, error) {
	return c.CleanBefore(ctx, c.opts.Now().Add(-c.opts.Retention))
}

func (c *Cleaner) CleanBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := c.store.CleanupProcessed(ctx, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		getMetrics().cleanedTotal.Add(float64(n))
		c.opts.Logger.WithField("deleted", n).Info("outbox: cleaned processed records")
	}
	return n, nil
}
