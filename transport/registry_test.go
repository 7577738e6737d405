package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockConfig struct {
	pubSubSystem string
	maxBytes     int
}

func (m *mockConfig) GetPubSubSystem() string       { return m.pubSubSystem }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaClientID() string      { return "" }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetNATSURL() string            { return "" }
func (m *mockConfig) GetMaxMessageBytes() int       { return m.maxBytes }

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	return nil
}

func (m *mockPublisher) Close() error {
	return nil
}

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (m *mockSubscriber) Close() error {
	return nil
}

func mockBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return Transport{
		Publisher:  &mockPublisher{},
		Subscriber: &mockSubscriber{},
	}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.Empty(t, reg.Names())
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()

	reg.Register("test-transport", mockBuilder, Capabilities{
		SupportsOrdering: true,
		SupportsAck:      true,
	})

	assert.True(t, reg.Has("test-transport"))
	assert.Contains(t, reg.Names(), "test-transport")

	caps := reg.GetCapabilities("test-transport")
	assert.Equal(t, "test-transport", caps.Name, "empty name defaults to the registered one")
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.SupportsAck)
	assert.False(t, caps.SupportsNack)
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	reg := NewRegistry()

	reg.Register("kafka", mockBuilder, NATSCapabilities)
	reg.Register("kafka", mockBuilder, KafkaCapabilities)

	assert.Equal(t, []string{"kafka"}, reg.Names())
	assert.True(t, reg.GetCapabilities("kafka").SupportsReliableDelivery())
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	reg := NewRegistry()
	caps := reg.GetCapabilities("unknown")
	assert.Equal(t, "unknown", caps.Name)
	assert.False(t, caps.SupportsOrdering)
	assert.False(t, caps.SupportsPartitioning)
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-transport", mockBuilder, Capabilities{})

	tr, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "test-transport"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
}

func TestRegistry_Build_NilConfig(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Build(context.Background(), nil, nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "config is required")
}

func TestRegistry_Build_UnknownTransport(t *testing.T) {
	reg := NewRegistry()
	reg.Register("channel", mockBuilder, ChannelCapabilities)

	_, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "unknown-transport"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown transport")
	assert.Contains(t, err.Error(), "channel")
}

func TestRegistry_Build_BuilderError(t *testing.T) {
	reg := NewRegistry()

	expectedErr := errors.New("builder error")
	reg.Register("failing-transport", func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, expectedErr
	}, Capabilities{})

	_, err := reg.Build(context.Background(), &mockConfig{pubSubSystem: "failing-transport"}, nil)
	assert.Equal(t, expectedErr, err)
}

func TestRegistry_Names(t *testing.T) {
	reg := NewRegistry()
	assert.Empty(t, reg.Names())

	reg.Register("transport3", mockBuilder, Capabilities{})
	reg.Register("transport1", mockBuilder, Capabilities{})
	reg.Register("transport2", mockBuilder, Capabilities{})

	assert.Equal(t, []string{"transport1", "transport2", "transport3"}, reg.Names())
}

func TestRegistry_Check(t *testing.T) {
	reg := NewRegistry()
	reg.Register("channel", mockBuilder, ChannelCapabilities)
	reg.Register("kafka", mockBuilder, KafkaCapabilities)
	reg.Register("nats", mockBuilder, NATSCapabilities)

	tests := []struct {
		name     string
		cfg      *mockConfig
		messages []string
	}{
		{
			name: "channel fits any batch",
			cfg:  &mockConfig{pubSubSystem: "channel", maxBytes: 10 << 20},
		},
		{
			name: "kafka within size limit",
			cfg:  &mockConfig{pubSubSystem: "kafka", maxBytes: 1 << 20},
		},
		{
			name: "nats cannot order or redeliver",
			cfg:  &mockConfig{pubSubSystem: "nats", maxBytes: 1024},
			messages: []string{
				"Transport does not guarantee ordering; blocks may arrive out of height order",
				"Transport cannot redeliver; a failed block is lost until the producer resends it",
			},
		},
		{
			name: "kafka batch larger than message limit",
			cfg:  &mockConfig{pubSubSystem: "kafka", maxBytes: 2 << 20},
			messages: []string{
				"Notification batches may exceed the transport message size limit",
			},
		},
		{
			name: "unregistered transport has no guarantees",
			cfg:  &mockConfig{pubSubSystem: "carrier-pigeon"},
			messages: []string{
				"Transport does not guarantee ordering; blocks may arrive out of height order",
				"Transport cannot redeliver; a failed block is lost until the producer resends it",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reg.Check(tt.cfg)
			messages := make([]string, 0, len(got))
			for _, s := range got {
				messages = append(messages, s.Message)
				assert.Equal(t, tt.cfg.pubSubSystem, s.Fields["pubsub_system"])
			}
			if len(tt.messages) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.messages, messages)
		})
	}
}

func TestRegistry_CheckReportsSizes(t *testing.T) {
	reg := NewRegistry()
	reg.Register("kafka", mockBuilder, KafkaCapabilities)

	got := reg.Check(&mockConfig{pubSubSystem: "kafka", maxBytes: 4 << 20})
	require.Len(t, got, 1)
	assert.Equal(t, 4<<20, got[0].Fields["max_notification_batch_bytes"])
	assert.Equal(t, int64(1048576), got[0].Fields["transport_max_message_size"])
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				reg.Register("transport", mockBuilder, ChannelCapabilities)
				reg.Has("transport")
				reg.Names()
				reg.Check(&mockConfig{pubSubSystem: "transport"})
			}
			done <- true
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	assert.True(t, reg.Has("transport"))
}

func TestBuildWithDefaultRegistry(t *testing.T) {
	_, err := Build(context.Background(), &mockConfig{pubSubSystem: "nonexistent"}, nil)
	assert.Error(t, err)
}

func TestPackageLevelRegister(t *testing.T) {
	Register("test-pkg-transport", mockBuilder, Capabilities{SupportsPartitioning: true})

	assert.True(t, DefaultRegistry.Has("test-pkg-transport"))
	caps := GetCapabilities("test-pkg-transport")
	assert.Equal(t, "test-pkg-transport", caps.Name)
	assert.True(t, caps.SupportsPartitioning)
}
