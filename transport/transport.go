// Package transport defines the interfaces shared by blockflow transports.
// Each implementation (kafka, nats, channel) lives in its own sub-package and
// registers itself with the transport registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// PartitionKeyMetadata is the metadata key transports use to route a message
// to a partition. Messages sharing a key keep their relative order.
const PartitionKeyMetadata = "partition_key"

// Transport combines a publisher and subscriber pair produced by a factory.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	// NATS
	GetNATSURL() string

	// GetMaxMessageBytes is the largest payload the publisher must accept.
	GetMaxMessageBytes() int
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
