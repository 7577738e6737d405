package blockflow

import (
	runtimepkg "github.com/drblury/blockflow/internal/runtime"
	configpkg "github.com/drblury/blockflow/internal/runtime/config"
	errspkg "github.com/drblury/blockflow/internal/runtime/errors"
	idspkg "github.com/drblury/blockflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/blockflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/blockflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/blockflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/blockflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	BlockProcessor      = runtimepkg.BlockProcessor

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	// Block message lifecycle hooks
	MessageContext = runtimepkg.MessageContext
	MessageHooks   = runtimepkg.MessageHooks

	Metrics         = runtimepkg.Metrics
	MetricsSnapshot = runtimepkg.MetricsSnapshot

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	ConfigValidationError = errspkg.ConfigValidationError
	ParseMessageError     = errspkg.ParseMessageError
	DecodeError           = errspkg.DecodeError
	PersistenceError      = errspkg.PersistenceError
	InvariantError        = errspkg.InvariantError
	PublishError          = errspkg.PublishError

	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.Load

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	MessageHooksMiddleware  = runtimepkg.MessageHooksMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	LoggingHooks = runtimepkg.LoggingHooks
	MetricsHooks = runtimepkg.MetricsHooks
	NewMetrics   = runtimepkg.NewMetrics

	// Transport registry. The channel, kafka and nats transports are
	// registered by the runtime.
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	IsTransient = errspkg.IsTransient
	IsPermanent = errspkg.IsPermanent
	IsFatal     = errspkg.IsFatal

	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrStoreRequired     = errspkg.ErrStoreRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrProcessorRequired = errspkg.ErrProcessorRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrUnknownSubtype    = errspkg.ErrUnknownSubtype
	ErrBlockTimeout      = errspkg.ErrBlockTimeout

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	CreateULID = idspkg.CreateULID
)

// Metadata keys carried on inbound blocks and outbound notifications.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyPartition     = metadatapkg.KeyPartition
	MetadataKeyChannel       = metadatapkg.KeyChannel
	MetadataKeyBlockHeight   = metadatapkg.KeyBlockHeight
	MetadataKeyProducedAt    = metadatapkg.KeyProducedAt
)

// BlocksHandlerName is the router handler name of the block consumer.
const BlocksHandlerName = runtimepkg.BlocksHandlerName
