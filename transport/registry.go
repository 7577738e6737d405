package transport

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

// Registry maps pub/sub system names to the builders and delivery guarantees
// of the transports the ender can consume blocks from.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	build Builder
	caps  Capabilities
}

// DefaultRegistry holds the built-in transports. Each transport package adds
// itself from init.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds or replaces the transport named after a PubSubSystem value
// ("kafka", "nats", "channel"). An empty caps.Name is set to name.
func (r *Registry) Register(name string, build Builder, caps Capabilities) {
	if caps.Name == "" {
		caps.Name = name
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[name] = entry{build: build, caps: caps}
}

// GetCapabilities returns the guarantees of a registered transport. Unknown
// transports report none.
func (r *Registry) GetCapabilities(name string) Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.caps
	}
	return Capabilities{Name: name}
}

// Build creates the transport selected by cfg.GetPubSubSystem.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, errors.New("config is required")
	}
	name := cfg.GetPubSubSystem()

	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return Transport{}, fmt.Errorf("unknown transport: %q (registered: %v)", name, r.Names())
	}
	return e.build(ctx, cfg, logger)
}

// Shortfall is one way a transport falls short of what block consumption
// needs. The service still starts; shortfalls are reported as warnings.
type Shortfall struct {
	Message string
	Fields  map[string]any
}

// Check lists the shortfalls of the transport cfg selects. Blocks must arrive
// in height order, a failed block must be redelivered, and every outbound
// notification batch must fit in one message.
func (r *Registry) Check(cfg Config) []Shortfall {
	name := cfg.GetPubSubSystem()
	caps := r.GetCapabilities(name)
	fields := func(extra map[string]any) map[string]any {
		out := map[string]any{"pubsub_system": name}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	var out []Shortfall
	if !caps.SupportsOrdering {
		out = append(out, Shortfall{
			Message: "Transport does not guarantee ordering; blocks may arrive out of height order",
			Fields:  fields(nil),
		})
	}
	if !caps.SupportsReliableDelivery() {
		out = append(out, Shortfall{
			Message: "Transport cannot redeliver; a failed block is lost until the producer resends it",
			Fields:  fields(nil),
		})
	}
	if limit := cfg.GetMaxMessageBytes(); !caps.Fits(limit) {
		out = append(out, Shortfall{
			Message: "Notification batches may exceed the transport message size limit",
			Fields: fields(map[string]any{
				"max_notification_batch_bytes": limit,
				"transport_max_message_size":   caps.MaxMessageSize,
			}),
		})
	}
	return out
}

// Names returns the registered transport names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// Register adds a transport to DefaultRegistry.
func Register(name string, build Builder, caps Capabilities) {
	DefaultRegistry.Register(name, build, caps)
}

// GetCapabilities looks name up in DefaultRegistry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}

// Build creates a transport from DefaultRegistry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
