// Package blockflow is the block pipeline of a blockchain event indexer. It
// consumes one message per block from a broker, validates every event in it,
// turns each event into a handler, runs the handlers concurrently where their
// parallelization keys allow, commits the resulting writes in a single store
// transaction and publishes websocket notifications for the committed block.
//
// The pipeline is built on Watermill. Config selects the transport (Kafka,
// NATS or Go channels), Service hosts the router with the default middleware
// chain, and a BlockProcessor registered with RegisterBlockProcessor handles
// each block. A minimal setup fills Config, creates a Service, builds the
// processor around the service publisher and calls Start; cmd/ender does
// exactly that.
//
// # Transports
//
// Transports register themselves with the transport registry:
//   - channel: in-memory Go channels for tests and local runs
//   - kafka: partitioned, ordered delivery with consumer groups
//   - nats: core NATS with queue groups
//
// # Middleware
//
// The default chain stamps correlation IDs, logs message metadata, traces with
// OpenTelemetry, records Prometheus router metrics, runs MessageHooks,
// retries transient failures with exponential backoff, parks undecodable
// blocks on the poison queue and recovers panics. Extra middleware can be
// added via ServiceDependencies.Middlewares.
//
// # Errors
//
// Errors carry their own classification. Use IsTransient, IsPermanent and
// IsFatal rather than matching on messages. A fatal InvariantError stops the
// service and is returned from Start.
package blockflow
