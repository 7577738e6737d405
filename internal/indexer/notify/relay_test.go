package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/blockflow/internal/indexer/store"
	"github.com/drblury/blockflow/internal/indexer/store/memstore"
	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
	"github.com/drblury/blockflow/internal/runtime/metadata"
)

type recordingPublisher struct {
	mu       sync.Mutex
	failures int
	topics   []string
	messages []*message.Message
}

func (p *recordingPublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	for _, m := range msgs {
		p.topics = append(p.topics, topic)
		p.messages = append(p.messages, m)
	}
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

type countingObserver struct {
	byChannel map[string]int
}

func (o *countingObserver) OnPublished(channel string, n int) {
	o.byChannel[channel] += n
}

func seedOutbox(t *testing.T, st *memstore.Store, height uint64, batches []Batch) []store.OutboxRecord {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx)
	require.NoError(t, err)
	records := Records(height, batches)
	require.NoError(t, tx.InsertOutbox(ctx, records))
	require.NoError(t, tx.Commit())
	return records
}

func TestRelayPublishesInOrderAndMarksPublished(t *testing.T) {
	st := memstore.New()
	pub := &recordingPublisher{}
	obs := &countingObserver{byChannel: map[string]int{}}
	relay, err := NewRelay(st, pub, nil, WithObserver(obs))
	require.NoError(t, err)

	records := seedOutbox(t, st, 7, []Batch{
		{Channel: ChannelSubaccounts, PartitionKey: "s1", Payload: []byte(`[{}]`), SchemaVersion: SubaccountsSchemaVersion},
		{Channel: ChannelTrades, PartitionKey: "0", Payload: []byte(`[{}]`), SchemaVersion: TradesSchemaVersion},
	})
	seedOutbox(t, st, 8, []Batch{{Channel: ChannelBlockHeight, PartitionKey: "block_height", Payload: []byte(`[{}]`)}})

	n, err := relay.Flush(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, pub.messages, 2)
	assert.Equal(t, []string{ChannelSubaccounts, ChannelTrades}, pub.topics)
	assert.Equal(t, records[0].ID, pub.messages[0].UUID)
	md := metadata.FromWatermill(pub.messages[1].Metadata)
	assert.Equal(t, "0", md[metadata.KeyPartition])
	assert.Equal(t, TradesSchemaVersion, md[metadata.KeySchemaVersion])
	h, ok := md.BlockHeight()
	assert.True(t, ok)
	assert.Equal(t, uint64(7), h)
	_, ok = md.ProducedAt()
	assert.True(t, ok)

	pending, err := st.PendingOutbox(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, uint64(8), pending[0].Height)
	assert.Equal(t, 1, obs.byChannel[ChannelTrades])

	// A second flush of the same height has nothing left to send.
	n, err = relay.Flush(context.Background(), 7)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRelayRetriesTransientPublishFailures(t *testing.T) {
	st := memstore.New()
	pub := &recordingPublisher{failures: 2}
	relay, err := NewRelay(st, pub, nil, WithMaxElapsed(5*time.Second))
	require.NoError(t, err)

	seedOutbox(t, st, 1, []Batch{{Channel: ChannelMarkets, PartitionKey: "m", Payload: []byte(`[]`)}})

	n, err := relay.Flush(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, pub.messages, 1)
}

func TestRelayGivesUpAndLeavesRecordsPending(t *testing.T) {
	st := memstore.New()
	pub := &recordingPublisher{failures: 1 << 30}
	relay, err := NewRelay(st, pub, nil, WithMaxElapsed(200*time.Millisecond))
	require.NoError(t, err)

	seedOutbox(t, st, 3, []Batch{
		{Channel: ChannelMarkets, PartitionKey: "m", Payload: []byte(`[]`)},
		{Channel: ChannelTrades, PartitionKey: "0", Payload: []byte(`[]`)},
	})

	n, err := relay.Flush(context.Background(), 3)
	require.Error(t, err)
	assert.Zero(t, n)

	var pubErr *errspkg.PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, ChannelMarkets, pubErr.Topic)
	assert.True(t, errspkg.IsTransient(err))

	pending, err := st.PendingOutbox(context.Background(), 3)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestNewRelayRequiresDependencies(t *testing.T) {
	_, err := NewRelay(nil, &recordingPublisher{}, nil)
	assert.ErrorIs(t, err, errspkg.ErrStoreRequired)
	_, err = NewRelay(memstore.New(), nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)
}
