package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/blockflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/blockflow/internal/runtime/metadata"
)

// MessageContext provides information about one inbound block message to hooks.
type MessageContext struct {
	// HandlerName is the name of the router handler processing the message.
	HandlerName string
	// Topic is the topic the message was received from.
	Topic string
	// MessageUUID is the unique identifier of the message.
	MessageUUID string
	// Metadata contains the message metadata.
	Metadata message.Metadata
	// Context is the context associated with the message.
	Context context.Context
	// BlockHeight is taken from the block_height header when the producer sets one.
	BlockHeight uint64
	// StartedAt is when processing started.
	StartedAt time.Time
	// QueuedFor is the time between the producer stamp and StartedAt. Zero
	// when the producer did not stamp the message.
	QueuedFor time.Duration
	// Duration is how long the handler took (only set in OnMessageDone and OnMessageError).
	Duration time.Duration
}

// MessageHooks defines callbacks for the lifecycle of a block message.
// All hooks are optional.
type MessageHooks struct {
	// OnMessageStart is called before the block is handed to the processor.
	OnMessageStart func(ctx MessageContext)

	// OnMessageDone is called when the block was committed or skipped.
	OnMessageDone func(ctx MessageContext)

	// OnMessageError is called when processing returned an error. The
	// message will be retried, poisoned or nacked depending on the error.
	OnMessageError func(ctx MessageContext, err error)
}

// Merge combines two MessageHooks. Hooks from other run after hooks from h.
func (h MessageHooks) Merge(other MessageHooks) MessageHooks {
	return MessageHooks{
		OnMessageStart: chainContextHooks(h.OnMessageStart, other.OnMessageStart),
		OnMessageDone:  chainContextHooks(h.OnMessageDone, other.OnMessageDone),
		OnMessageError: chainErrorHooks(h.OnMessageError, other.OnMessageError),
	}
}

func chainContextHooks(a, b func(MessageContext)) func(MessageContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx MessageContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(MessageContext, error)) func(MessageContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx MessageContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// MessageHooksMiddleware invokes the service hooks around every block message.
func MessageHooksMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "message_hooks",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return messageHooksMiddleware(s.hooks, time.Now), nil
		},
	}
}

func messageHooksMiddleware(hooks MessageHooks, now func() time.Time) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			mctx := newMessageContext(msg, now())

			if hooks.OnMessageStart != nil {
				hooks.OnMessageStart(mctx)
			}

			msgs, err := h(msg)
			mctx.Duration = now().Sub(mctx.StartedAt)

			if err != nil {
				if hooks.OnMessageError != nil {
					hooks.OnMessageError(mctx, err)
				}
			} else if hooks.OnMessageDone != nil {
				hooks.OnMessageDone(mctx)
			}

			return msgs, err
		}
	}
}

func newMessageContext(msg *message.Message, startedAt time.Time) MessageContext {
	ctx := msg.Context()
	md := metadatapkg.FromWatermill(msg.Metadata)
	mctx := MessageContext{
		HandlerName: message.HandlerNameFromCtx(ctx),
		Topic:       message.SubscribeTopicFromCtx(ctx),
		MessageUUID: msg.UUID,
		Metadata:    msg.Metadata,
		Context:     ctx,
		StartedAt:   startedAt,
	}
	if height, ok := md.BlockHeight(); ok {
		mctx.BlockHeight = height
	}
	if produced, ok := md.ProducedAt(); ok && startedAt.After(produced) {
		mctx.QueuedFor = startedAt.Sub(produced)
	}
	return mctx
}

// LoggingHooks returns hooks that log failed block messages. Successful
// blocks are already logged by the processor.
func LoggingHooks(logger loggingpkg.ServiceLogger) MessageHooks {
	return MessageHooks{
		OnMessageError: func(ctx MessageContext, err error) {
			logger.Error("Block message failed", err, loggingpkg.LogFields{
				"handler":      ctx.HandlerName,
				"topic":        ctx.Topic,
				"message_uuid": ctx.MessageUUID,
				"block_height": ctx.BlockHeight,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks returns hooks that count received messages and their queue time.
func MetricsHooks(m *Metrics) MessageHooks {
	return MessageHooks{
		OnMessageStart: func(ctx MessageContext) {
			m.RecordReceived(ctx.QueuedFor)
		},
	}
}
