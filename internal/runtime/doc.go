/*
Package runtime hosts the block consumer of the ender.

# Architecture Overview

The runtime package wires one Watermill router handler, "ender_blocks", to
the blocks topic of the configured transport. Each message carries one
encoded block which is handed to a BlockProcessor. The processor owns the
decode, validate, schedule, apply and publish stages; the runtime owns
delivery, retries and process lifecycle.

# Middleware (middleware.go)

The block handler is wrapped, outermost first, by:
  - CorrelationID: stamps a ULID when the producer did not
  - LogMessages: debug logging of message metadata
  - Tracer: one OpenTelemetry span per block
  - Metrics: Watermill's Prometheus router metrics
  - MessageHooks: lifecycle callbacks (hooks.go)
  - Retry: exponential backoff, only for transient errors
  - PoisonQueue: parks blocks whose envelope cannot be decoded
  - Recoverer: turns panics into errors

# Error handling

Errors returned by the processor are classified by the errors sub-package.
Transient store and publish failures are retried. Invariant violations stop
the service: Start returns the first fatal error and later deliveries are
refused without being acknowledged.

# Sub-packages

  - config/: ender configuration, loading and validation
  - errors/: sentinel errors and error classification
  - ids/: ULID generation
  - jsoncodec/: JSON encoding of websocket payloads
  - logging/: ServiceLogger and adapters
  - metadata/: message header keys
  - supervisor/: periodic background tasks
*/
package runtime
