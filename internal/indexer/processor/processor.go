// Package processor applies one block at a time: it validates every event,
// turns events into handlers, runs them through the scheduler inside a single
// store transaction and writes the resulting notifications to the outbox
// before committing. Post-commit effects run only after a successful commit.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/blockflow/internal/indexer/block"
	"github.com/drblury/blockflow/internal/indexer/cache"
	"github.com/drblury/blockflow/internal/indexer/handlers"
	"github.com/drblury/blockflow/internal/indexer/notify"
	"github.com/drblury/blockflow/internal/indexer/refresher"
	"github.com/drblury/blockflow/internal/indexer/scheduler"
	"github.com/drblury/blockflow/internal/indexer/store"
	"github.com/drblury/blockflow/internal/indexer/validators"
	"github.com/drblury/blockflow/internal/runtime/config"
	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
	"github.com/drblury/blockflow/internal/runtime/logging"
)

// Option configures a Processor.
type Option func(*Processor)

// WithConfig applies the pipeline settings of cfg.
func WithConfig(cfg *config.Config) Option {
	return func(p *Processor) {
		if cfg == nil {
			return
		}
		p.workers = cfg.WorkerPoolSize
		if cfg.MaxNotificationBatchBytes > 0 {
			p.maxBatchBytes = cfg.MaxNotificationBatchBytes
		}
		p.timeout = cfg.ProcessingTimeout()
		p.ignoreUnknownMarketOnFunding = cfg.IgnoreUnknownMarketOnFunding
		p.skipStatefulOrders = cfg.SkipStatefulOrderUUIDs
		p.websocketMessages = cfg.WebsocketMessagesEnabled()
	}
}

// WithWorkers bounds how many execution groups run at once.
func WithWorkers(n int) Option {
	return func(p *Processor) { p.workers = n }
}

// WithTimeout sets the per-block deadline.
func WithTimeout(d time.Duration) Option {
	return func(p *Processor) { p.timeout = d }
}

// WithMaxBatchBytes caps the serialized size of one outbound batch.
func WithMaxBatchBytes(n int) Option {
	return func(p *Processor) { p.maxBatchBytes = n }
}

// WithIgnoreUnknownMarketOnFunding drops funding updates for unknown markets
// with a warning instead of failing the block.
func WithIgnoreUnknownMarketOnFunding(ignore bool) Option {
	return func(p *Processor) { p.ignoreUnknownMarketOnFunding = ignore }
}

// WithSkippedStatefulOrders drops stateful events of the listed orders.
func WithSkippedStatefulOrders(orderUUIDs []string) Option {
	return func(p *Processor) { p.skipStatefulOrders = orderUUIDs }
}

// WithWebsocketMessages toggles the outbox. When disabled no notification is
// stored or published.
func WithWebsocketMessages(enabled bool) Option {
	return func(p *Processor) { p.websocketMessages = enabled }
}

// WithCache enables the post-commit redis writes.
func WithCache(c *cache.Cache) Option {
	return func(p *Processor) { p.cache = c }
}

// WithRelay publishes the outbox right after each commit.
func WithRelay(r *notify.Relay) Option {
	return func(p *Processor) { p.relay = r }
}

// WithHooks registers lifecycle callbacks. Repeated calls merge.
func WithHooks(h BlockHooks) Option {
	return func(p *Processor) { p.hooks = p.hooks.Merge(h) }
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Processor) { p.tracer = t }
}

// Processor is the block orchestrator. It is not safe to process two blocks
// concurrently; the router feeds it one message at a time.
type Processor struct {
	store     store.Store
	refresher *refresher.Refresher
	relay     *notify.Relay
	cache     *cache.Cache
	logger    logging.ServiceLogger
	tracer    trace.Tracer
	hooks     BlockHooks

	workers                      int
	maxBatchBytes                int
	timeout                      time.Duration
	ignoreUnknownMarketOnFunding bool
	skipStatefulOrders           []string
	websocketMessages            bool

	registry  *validators.Registry
	factory   *handlers.Factory
	scheduler *scheduler.Scheduler
	batcher   *notify.Batcher
}

// New wires a Processor. The refresher must already be initialised.
func New(st store.Store, ref *refresher.Refresher, logger logging.ServiceLogger, opts ...Option) (*Processor, error) {
	if st == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if ref == nil {
		return nil, errors.New("blockflow: refresher is required")
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	p := &Processor{
		store:             st,
		refresher:         ref,
		logger:            logger.With(logging.LogFields{"component": "processor"}),
		tracer:            otel.Tracer("blockflow/processor"),
		workers:           config.DefaultWorkerPoolSize,
		maxBatchBytes:     config.DefaultMaxNotificationBatchBytes,
		timeout:           config.DefaultBlockProcessingTimeout,
		websocketMessages: true,
	}
	for _, opt := range opts {
		opt(p)
	}

	p.registry = validators.New(logger, ref, validators.WithIgnoreUnknownMarketOnFunding(p.ignoreUnknownMarketOnFunding))
	p.factory = handlers.NewFactory(logger, handlers.WithSkippedStatefulOrders(p.skipStatefulOrders))
	p.scheduler = scheduler.New(p.workers, logger, scheduler.WithObserver(p.hooks.OnHandler))
	p.batcher = notify.NewBatcher(p.maxBatchBytes, logger)
	return p, nil
}

// ProcessRaw decodes a block envelope and processes it.
func (p *Processor) ProcessRaw(ctx context.Context, raw []byte) error {
	p.transition(0, StateIdle, StateDecoding)
	b, err := block.Decode(raw)
	if err != nil {
		p.transition(0, StateDecoding, StateFailed)
		p.logger.Error("Unable to decode block", err, logging.LogFields{"bytes": len(raw)})
		return err
	}
	return p.process(ctx, b, StateDecoding)
}

// Process applies an already decoded block.
func (p *Processor) Process(ctx context.Context, b block.Block) error {
	return p.process(ctx, b, StateIdle)
}

// run tracks the state of one block.
type run struct {
	p      *Processor
	height uint64
	state  State
}

func (r *run) to(next State) {
	r.p.transition(r.height, r.state, next)
	r.state = next
}

func (p *Processor) transition(height uint64, from, to State) {
	p.logger.Debug("Block state changed", logging.LogFields{
		"block_height": height,
		"from":         from.String(),
		"to":           to.String(),
	})
	if p.hooks.OnStateChange != nil {
		p.hooks.OnStateChange(height, from, to)
	}
}

func (p *Processor) process(parent context.Context, b block.Block, from State) (err error) {
	started := time.Now()
	// Router shutdown must not abandon an open transaction; only the block
	// deadline may cut processing short.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.timeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "ProcessBlock", trace.WithAttributes(
		attribute.Int64("block.height", int64(b.Height)),
		attribute.Int("block.events", len(b.Events)),
	))
	defer span.End()

	r := &run{p: p, height: b.Height, state: from}
	logger := p.logger.With(logging.LogFields{"block_height": b.Height})
	defer func() {
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %w", errspkg.ErrBlockTimeout, err)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			logger.Error("Error processing block", err, logging.LogFields{
				"state":       r.state.String(),
				"duration_ms": time.Since(started).Milliseconds(),
			})
			r.to(StateFailed)
		}
		if p.hooks.OnBlockDone != nil {
			p.hooks.OnBlockDone(b.Height, time.Since(started), err)
		}
	}()

	latest, ok, err := p.store.LatestBlockHeight(ctx)
	if err != nil {
		return err
	}
	if ok && b.Height <= latest {
		return p.alreadyParsed(ctx, logger, r, b.Height, latest)
	}

	r.to(StateValidating)
	hs, err := p.createHandlers(ctx, logger, b)
	if err != nil {
		return err
	}

	r.to(StateScheduling)
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("Failed to roll back block transaction", rbErr, nil)
		}
		if refreshErr := p.refresher.Refresh(context.WithoutCancel(ctx)); refreshErr != nil {
			logger.Warn("Failed to refresh market cache after rollback", logging.LogFields{"error": refreshErr.Error()})
		}
	}()
	if err := writeBlockRows(ctx, tx, b); err != nil {
		return err
	}

	r.to(StateApplying)
	env := &handlers.Env{
		Tx:      tx,
		Markets: p.refresher,
		Updates: refresher.NewUpdates(),
		Cache:   cache.NewOps(),
		Logger:  logger,
	}
	applyCtx, applySpan := p.tracer.Start(ctx, "ApplyHandlers", trace.WithAttributes(attribute.Int("handlers", len(hs))))
	ns, err := p.scheduler.Run(applyCtx, hs, env)
	applySpan.End()
	if err != nil {
		return err
	}

	r.to(StatePublishing)
	blockTime := handlers.FormatTime(b.Time)
	heightNote, err := notify.BlockHeight(b.Height, blockTime)
	if err != nil {
		return err
	}
	ns = append(ns, heightNote)
	env.Cache.SetLatestBlockHeight(b.Height, blockTime)

	if p.websocketMessages {
		batches, err := p.batcher.Batch(ns)
		if err != nil {
			return err
		}
		if err := tx.InsertOutbox(ctx, notify.Records(b.Height, batches)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true

	p.refresher.Apply(env.Updates)
	if p.cache != nil {
		if err := p.cache.Apply(ctx, env.Cache); err != nil {
			logger.Warn("Post-commit cache update failed", logging.LogFields{"error": err.Error()})
		}
	}
	if p.websocketMessages && p.relay != nil {
		if _, err := p.relay.Flush(ctx, b.Height); err != nil {
			return err
		}
	}

	r.to(StateCommitted)
	logger.Debug("Block committed", logging.LogFields{
		"handlers":      len(hs),
		"notifications": len(ns),
		"duration_ms":   time.Since(started).Milliseconds(),
	})
	return nil
}

// alreadyParsed acknowledges a redelivered block. Its notifications may still
// be sitting in the outbox if the earlier attempt failed after commit.
func (p *Processor) alreadyParsed(ctx context.Context, logger logging.ServiceLogger, r *run, height, latest uint64) error {
	logger.Info("Block already parsed", logging.LogFields{"latest_block_height": latest})
	if p.hooks.OnAlreadyParsed != nil {
		p.hooks.OnAlreadyParsed(height)
	}
	if p.websocketMessages && p.relay != nil {
		r.to(StatePublishing)
		if _, err := p.relay.Flush(ctx, height); err != nil {
			return err
		}
	}
	r.to(StateCommitted)
	return nil
}

// createHandlers validates every event in block order and returns their
// handlers. Events of unknown subtypes are logged and skipped.
func (p *Processor) createHandlers(ctx context.Context, logger logging.ServiceLogger, b block.Block) ([]handlers.Handler, error) {
	_, span := p.tracer.Start(ctx, "ValidateEvents")
	defer span.End()

	var hs []handlers.Handler
	for _, ev := range b.Events {
		validated, err := p.registry.Validate(b, ev)
		if err != nil {
			if p.hooks.OnParseError != nil {
				p.hooks.OnParseError(ev.Subtype)
			}
			if errors.Is(err, errspkg.ErrUnknownSubtype) {
				logger.Error("Unable to parse event subtype", err, logging.LogFields{
					"subtype":          ev.Subtype,
					"transactionIndex": ev.TransactionIndex,
					"eventIndex":       ev.EventIndex,
				})
				continue
			}
			// The registry has already logged the violation with its event.
			return nil, err
		}
		hs = append(hs, p.factory.Create(validated, block.TransactionID(b.Height, ev.TransactionIndex))...)
	}
	return hs, nil
}

func writeBlockRows(ctx context.Context, tx store.Tx, b block.Block) error {
	if err := tx.InsertBlock(ctx, store.BlockRow{Height: b.Height, Time: b.Time}); err != nil {
		return err
	}

	txs := make([]store.TransactionRow, len(b.TransactionHashes))
	for i, hash := range b.TransactionHashes {
		txs[i] = store.TransactionRow{
			ID:     block.TransactionID(b.Height, int32(i)),
			Height: b.Height,
			Index:  int32(i),
			Hash:   hash,
		}
	}
	if len(txs) > 0 {
		if err := tx.InsertTransactions(ctx, txs); err != nil {
			return err
		}
	}

	evs := make([]store.EventRow, len(b.Events))
	for i, ev := range b.Events {
		c := b.Coordinates(ev)
		evs[i] = store.EventRow{
			ID:               block.TendermintEventID(c),
			Height:           b.Height,
			TransactionIndex: ev.TransactionIndex,
			EventIndex:       ev.EventIndex,
			Subtype:          ev.Subtype,
		}
	}
	if len(evs) > 0 {
		return tx.InsertEvents(ctx, evs)
	}
	return nil
}
