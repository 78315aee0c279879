package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Publisher delivers a message to live subscribers.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Relay drains pending outbox rows into a Publisher.
type Relay struct {
	outbox    *Outbox
	publisher Publisher
	interval  time.Duration
	batch     int
	logger    *slog.Logger
}

func NewRelay(outbox *Outbox, publisher Publisher, interval time.Duration, batch int, logger *slog.Logger) *Relay {
	if interval <= 0 {
		interval = time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{outbox: outbox, publisher: publisher, interval: interval, batch: batch, logger: logger}
}

// Run flushes on every tick until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if _, err := r.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("outbox relay flush failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Flush publishes one batch in order and marks the delivered prefix. A
// publish failure stops the batch so ordering is preserved on retry.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	msgs, err := r.outbox.Pending(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	delivered := make([]uint64, 0, len(msgs))
	var publishErr error
	for _, msg := range msgs {
		if err := r.publisher.Publish(ctx, msg); err != nil {
			publishErr = err
			break
		}
		delivered = append(delivered, msg.Seq)
	}
	if err := r.outbox.MarkPublished(ctx, delivered); err != nil {
		return 0, err
	}
	return len(delivered), publishErr
}
