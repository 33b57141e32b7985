// Package feed delivers newly stored events to subscribers in order. Each
// subscriber keeps a cursor over the store's sequence numbers and catches up
// with batched reads, so delivery is ordered and at-least-once even across
// reconnects.
package feed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/honeytrail/internal/event"
	"github.com/lvonguyen/honeytrail/internal/observability"
)

// EventSource reads stored events after a cursor position.
type EventSource interface {
	After(ctx context.Context, lastID int64, limit int) ([]event.Event, error)
}

// Config controls feed pacing.
type Config struct {
	// PollInterval bounds delivery latency when no insert wakeup arrives.
	PollInterval time.Duration
	// BatchSize caps one catch-up read.
	BatchSize int
}

// DefaultConfig returns the feed defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 2 * time.Second,
		BatchSize:    100,
	}
}

// Feed serves ordered event subscriptions over the store.
type Feed struct {
	source   EventSource
	notifier *Notifier
	config   Config
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// New creates a feed. metrics may be nil.
func New(source EventSource, notifier *Notifier, config Config, logger *zap.Logger, metrics *observability.Metrics) *Feed {
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	return &Feed{
		source:   source,
		notifier: notifier,
		config:   config,
		logger:   logger,
		metrics:  metrics,
	}
}

// Subscribe streams events with id greater than lastSeenID, in ascending id
// order, until ctx is done. The returned channel is closed on cancellation.
//
// A subscriber that reconnects with its last delivered id resumes exactly
// where it left off; reconnecting with an older id redelivers, which is the
// at-least-once contract.
func (f *Feed) Subscribe(ctx context.Context, lastSeenID int64) <-chan event.Event {
	out := make(chan event.Event)
	subID, wake := f.notifier.Register()

	if f.metrics != nil {
		f.metrics.FeedSubscribers.Inc()
	}
	f.logger.Debug("feed subscriber attached",
		zap.String("subscriber", subID), zap.Int64("after_id", lastSeenID))

	go func() {
		defer func() {
			f.notifier.Unregister(subID)
			if f.metrics != nil {
				f.metrics.FeedSubscribers.Dec()
			}
			close(out)
			f.logger.Debug("feed subscriber detached", zap.String("subscriber", subID))
		}()

		ticker := time.NewTicker(f.config.PollInterval)
		defer ticker.Stop()

		cursor := lastSeenID
		for {
			// Drain everything past the cursor before sleeping. The
			// cursor only advances after a successful send, so an
			// event is never skipped.
			for {
				batch, err := f.source.After(ctx, cursor, f.config.BatchSize)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					f.logger.Warn("feed catch-up read failed",
						zap.String("subscriber", subID), zap.Error(err))
					break
				}
				if len(batch) == 0 {
					break
				}
				for _, ev := range batch {
					select {
					case out <- ev:
						cursor = ev.ID
					case <-ctx.Done():
						return
					}
				}
				if len(batch) < f.config.BatchSize {
					break
				}
			}

			select {
			case <-wake:
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
