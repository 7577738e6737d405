package notify

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	"github.com/drblury/blockflow/internal/indexer/store"
	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
	"github.com/drblury/blockflow/internal/runtime/logging"
	"github.com/drblury/blockflow/internal/runtime/metadata"
)

// PublishObserver is told about every batch the relay hands to the bus.
type PublishObserver interface {
	OnPublished(channel string, notifications int)
}

// RelayOption customises a Relay.
type RelayOption func(*Relay)

// WithMaxElapsed bounds how long a single record is retried before Flush
// gives up.
func WithMaxElapsed(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.maxElapsed = d
		}
	}
}

// WithObserver registers a publish observer, usually the service metrics.
func WithObserver(o PublishObserver) RelayOption {
	return func(r *Relay) { r.observer = o }
}

// WithClock overrides the clock used for published-at stamps.
func WithClock(now func() time.Time) RelayOption {
	return func(r *Relay) { r.now = now }
}

// Relay publishes committed outbox records and marks them published. Flush
// calls are serialized, so the post-commit flush and the periodic sweep never
// publish the same record twice.
type Relay struct {
	mu sync.Mutex

	store      store.Store
	publisher  message.Publisher
	logger     logging.ServiceLogger
	maxElapsed time.Duration
	observer   PublishObserver
	now        func() time.Time
}

// NewRelay wires a relay. Records are published to the topic named after
// their channel.
func NewRelay(st store.Store, publisher message.Publisher, logger logging.ServiceLogger, opts ...RelayOption) (*Relay, error) {
	if st == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	r := &Relay{
		store:      st,
		publisher:  publisher,
		logger:     logger.With(logging.LogFields{"component": "notify.Relay"}),
		maxElapsed: 10 * time.Second,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Flush publishes every pending record up to maxHeight in (height, seq)
// order and returns how many were published. It stops at the first record
// that cannot be published so later records never overtake it.
func (r *Relay) Flush(ctx context.Context, maxHeight uint64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, err := r.store.PendingOutbox(ctx, maxHeight)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, rec := range pending {
		if err := r.publish(ctx, rec); err != nil {
			r.logger.Error("Failed to publish outbox record", err, logging.LogFields{
				"block_height": rec.Height,
				"seq":          rec.Seq,
				"channel":      rec.Channel,
			})
			return published, err
		}
		if err := r.store.MarkOutboxPublished(ctx, []string{rec.ID}, r.now().UTC()); err != nil {
			return published, err
		}
		published++
		if r.observer != nil {
			r.observer.OnPublished(rec.Channel, 1)
		}
	}

	if published > 0 {
		r.logger.Debug("Outbox flushed", logging.LogFields{"max_height": maxHeight, "published": published})
	}
	return published, nil
}

func (r *Relay) publish(ctx context.Context, rec store.OutboxRecord) error {
	md := metadata.Notification(rec.Channel, rec.PartitionKey, rec.SchemaVersion, rec.Height, rec.Seq).
		With(metadata.KeyProducedAt, r.now().UTC().Format(time.RFC3339Nano))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		msg := message.NewMessage(rec.ID, rec.Payload)
		msg.Metadata = metadata.ToWatermill(md)
		return struct{}{}, r.publisher.Publish(rec.Channel, msg)
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(r.maxElapsed))
	if err != nil {
		return &errspkg.PublishError{Topic: rec.Channel, Err: err}
	}
	return nil
}
