package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/blockflow/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.SupportsPartitioning)
}

func TestCapabilities(t *testing.T) {
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestPartitionKey(t *testing.T) {
	msg := message.NewMessage("id", []byte("{}"))
	msg.Metadata.Set(transport.PartitionKeyMetadata, "subaccount_abc")

	key, err := PartitionKey("to-websockets-subaccounts", msg)
	require.NoError(t, err)
	assert.Equal(t, "subaccount_abc", key)

	key, err = PartitionKey("to-websockets-block-height", message.NewMessage("id2", nil))
	require.NoError(t, err)
	assert.Equal(t, "to-websockets-block-height", key)
}

func TestMarshalerCarriesPartitionKey(t *testing.T) {
	msg := message.NewMessage("id", []byte(`{"height":"10"}`))
	msg.Metadata.Set(transport.PartitionKeyMetadata, "market_0")

	produced, err := Marshaler().Marshal("to-websockets-markets", msg)
	require.NoError(t, err)
	require.NotNil(t, produced.Key)
	key, err := produced.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "market_0", string(key))
}

func TestPublisherSaramaConfig(t *testing.T) {
	t.Run("raises max message bytes for large batches", func(t *testing.T) {
		sc := PublisherSaramaConfig(&mockConfig{clientID: "ender-1", maxBytes: 4 << 20})
		assert.Equal(t, "ender-1", sc.ClientID)
		assert.Equal(t, 4<<20+messageHeadroom, sc.Producer.MaxMessageBytes)
		assert.True(t, sc.Producer.Return.Successes)
	})

	t.Run("keeps library default for small batches", func(t *testing.T) {
		def := kafka.DefaultSaramaSyncPublisherConfig().Producer.MaxMessageBytes
		sc := PublisherSaramaConfig(&mockConfig{maxBytes: 1024})
		assert.Equal(t, def, sc.Producer.MaxMessageBytes)
	})
}

func TestBuild(t *testing.T) {
	t.Run("creates transport with mocked factories", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		mockPub := &mockPublisher{}
		mockSub := &mockSubscriber{}

		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			assert.NotNil(t, cfg.Marshaler)
			require.NotNil(t, cfg.OverwriteSaramaConfig)
			assert.Equal(t, "ender", cfg.OverwriteSaramaConfig.ClientID)
			return mockPub, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
			assert.Equal(t, "test-group", cfg.ConsumerGroup)
			assert.NotNil(t, cfg.Unmarshaler)
			return mockSub, nil
		}

		cfg := &mockConfig{
			brokers:       []string{"localhost:9092"},
			clientID:      "ender",
			consumerGroup: "test-group",
		}
		tr, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, mockPub, tr.Publisher)
		assert.Equal(t, mockSub, tr.Subscriber)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		defer func() { PublisherFactory = originalPubFactory }()

		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &mockConfig{brokers: []string{"localhost:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("closes publisher when subscriber factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		pub := &mockPublisher{}
		PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &mockConfig{brokers: []string{"localhost:9092"}}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.closed)
	})
}

type mockConfig struct {
	brokers       []string
	clientID      string
	consumerGroup string
	maxBytes      int
}

func (m *mockConfig) GetPubSubSystem() string       { return "kafka" }
func (m *mockConfig) GetKafkaBrokers() []string     { return m.brokers }
func (m *mockConfig) GetKafkaClientID() string      { return m.clientID }
func (m *mockConfig) GetKafkaConsumerGroup() string { return m.consumerGroup }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetMaxMessageBytes() int       { return m.maxBytes }

type mockPublisher struct{ closed bool }

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { m.closed = true; return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
