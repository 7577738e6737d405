// Package kafka provides the Kafka transport for blockflow. Outbound messages
// are partitioned by their partition_key metadata so that notifications for one
// subaccount or market stay ordered.
package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/blockflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// messageHeadroom covers watermill metadata headers on top of the batch payload.
const messageHeadroom = 16 << 10

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.KafkaCapabilities)
}

// PartitionKey routes a message by its partition_key metadata. Messages
// without one fall back to the topic, which keeps them on a single partition.
func PartitionKey(topic string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(transport.PartitionKeyMetadata); key != "" {
		return key, nil
	}
	return topic, nil
}

// Marshaler is the partitioning marshaler shared by publisher and subscriber.
func Marshaler() kafka.MarshalerUnmarshaler {
	return kafka.NewWithPartitioningMarshaler(PartitionKey)
}

// PublisherSaramaConfig tunes the sync producer for notification batches.
func PublisherSaramaConfig(cfg transport.Config) *sarama.Config {
	sc := kafka.DefaultSaramaSyncPublisherConfig()
	if id := cfg.GetKafkaClientID(); id != "" {
		sc.ClientID = id
	}
	if n := cfg.GetMaxMessageBytes(); n > 0 && n+messageHeadroom > sc.Producer.MaxMessageBytes {
		sc.Producer.MaxMessageBytes = n + messageHeadroom
	}
	return sc
}

// SubscriberSaramaConfig starts new consumer groups from the oldest block.
func SubscriberSaramaConfig(cfg transport.Config) *sarama.Config {
	sc := kafka.DefaultSaramaSubscriberConfig()
	if id := cfg.GetKafkaClientID(); id != "" {
		sc.ClientID = id
	}
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	return sc
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	marshaler := Marshaler()

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: PublisherSaramaConfig(cfg),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               brokers,
			Unmarshaler:           marshaler,
			ConsumerGroup:         cfg.GetKafkaConsumerGroup(),
			OverwriteSaramaConfig: SubscriberSaramaConfig(cfg),
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
