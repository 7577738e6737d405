// Package cache mirrors a few block results into redis for the read side:
// the latest processed height and the premium samples that feed the next
// funding rate. Writes are collected during a block and applied after commit.
package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/drblury/blockflow/internal/runtime/logging"
)

// Redis keys.
const (
	KeyLatestBlockHeight  = "v4/latest_block_height"
	nextFundingKeyPrefix  = "v4/next_funding/"
	latestBlockTimeSuffix = "_time"
)

// NextFundingKey is the list of premium samples for one perpetual ticker.
func NextFundingKey(ticker string) string {
	return nextFundingKeyPrefix + ticker
}

type opKind int

const (
	opAddSample opKind = iota
	opClearSamples
	opLatestHeight
)

type op struct {
	kind   opKind
	key    string
	value  string
	height uint64
}

// Ops collects the cache writes of one block. It is safe for concurrent use.
type Ops struct {
	mu  sync.Mutex
	ops []op
}

// NewOps returns an empty collector.
func NewOps() *Ops { return &Ops{} }

// AddFundingSample appends a premium sample for ticker.
func (o *Ops) AddFundingSample(ticker string, rate decimal.Decimal) {
	o.append(op{kind: opAddSample, key: NextFundingKey(ticker), value: rate.String()})
}

// ClearFundingSamples drops the samples of ticker once a funding rate is settled.
func (o *Ops) ClearFundingSamples(ticker string) {
	o.append(op{kind: opClearSamples, key: NextFundingKey(ticker)})
}

// SetLatestBlockHeight records the committed height. Heights only move forward.
func (o *Ops) SetLatestBlockHeight(height uint64, blockTime string) {
	o.append(op{kind: opLatestHeight, key: KeyLatestBlockHeight, value: blockTime, height: height})
}

func (o *Ops) append(x op) {
	o.mu.Lock()
	o.ops = append(o.ops, x)
	o.mu.Unlock()
}

// Len reports how many writes are queued.
func (o *Ops) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ops)
}

// Cache applies collected writes to redis.
type Cache struct {
	client redis.Cmdable
	logger logging.ServiceLogger
}

// New wraps a redis client. Tests pass a redismock client.
func New(client redis.Cmdable, logger logging.ServiceLogger) *Cache {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Cache{client: client, logger: logger.With(logging.LogFields{"component": "cache"})}
}

// Open connects to the redis instance at url.
func Open(url string, logger logging.ServiceLogger) (*Cache, *redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, err
	}
	client := redis.NewClient(opt)
	return New(client, logger), client, nil
}

// Apply runs the queued writes in order. Every write is attempted; the
// returned error joins the failures.
func (c *Cache) Apply(ctx context.Context, ops *Ops) error {
	if ops == nil {
		return nil
	}
	ops.mu.Lock()
	queued := append([]op(nil), ops.ops...)
	ops.mu.Unlock()

	var errs []error
	for _, x := range queued {
		var err error
		switch x.kind {
		case opAddSample:
			err = c.client.RPush(ctx, x.key, x.value).Err()
		case opClearSamples:
			err = c.client.Del(ctx, x.key).Err()
		case opLatestHeight:
			err = c.setLatestHeight(ctx, x.height, x.value)
		}
		if err != nil {
			c.logger.Error("Cache write failed", err, logging.LogFields{"key": x.key})
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) setLatestHeight(ctx context.Context, height uint64, blockTime string) error {
	current, err := c.LatestBlockHeight(ctx)
	if err != nil {
		return err
	}
	if current >= height && current != 0 {
		return nil
	}
	if err := c.client.Set(ctx, KeyLatestBlockHeight, strconv.FormatUint(height, 10), 0).Err(); err != nil {
		return err
	}
	return c.client.Set(ctx, KeyLatestBlockHeight+latestBlockTimeSuffix, blockTime, 0).Err()
}

// LatestBlockHeight returns the cached height, 0 when unset.
func (c *Cache) LatestBlockHeight(ctx context.Context) (uint64, error) {
	raw, err := c.client.Get(ctx, KeyLatestBlockHeight).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(raw, 10, 64)
}

// FundingSamples returns the queued premium samples of ticker.
func (c *Cache) FundingSamples(ctx context.Context, ticker string) ([]decimal.Decimal, error) {
	raw, err := c.client.LRange(ctx, NextFundingKey(ticker), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]decimal.Decimal, 0, len(raw))
	for _, s := range raw {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
