package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/blockflow/internal/runtime/config"
	loggingpkg "github.com/drblury/blockflow/internal/runtime/logging"
	transportpkg "github.com/drblury/blockflow/transport"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

type testPublisher struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *testPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, topic)
	return nil
}

func (p *testPublisher) Close() error { return nil }

type testSubscriber struct{}

func (s *testSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch := make(chan *message.Message)
	close(ch)
	return ch, nil
}

func (s *testSubscriber) Close() error { return nil }

// fakeProcessor records payloads and answers with the errors queued in errs.
type fakeProcessor struct {
	mu       sync.Mutex
	payloads []string
	errs     []error
	done     chan string
}

func newFakeProcessor(errs ...error) *fakeProcessor {
	return &fakeProcessor{errs: errs, done: make(chan string, 64)}
}

func (p *fakeProcessor) ProcessRaw(_ context.Context, raw []byte) error {
	p.mu.Lock()
	p.payloads = append(p.payloads, string(raw))
	var err error
	if len(p.errs) > 0 {
		err, p.errs = p.errs[0], p.errs[1:]
	}
	p.mu.Unlock()
	if err == nil {
		p.done <- string(raw)
	}
	return err
}

func (p *fakeProcessor) Payloads() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.payloads...)
}

func newTestConfig() *configpkg.Config {
	cfg := &configpkg.Config{
		PubSubSystem:         "channel",
		RetryInitialInterval: time.Millisecond,
		RetryMaxInterval:     2 * time.Millisecond,
	}
	cfg.ApplyDefaults()
	return cfg
}

type testHarness struct {
	svc      *Service
	pubSub   *gochannel.GoChannel
	registry *prometheus.Registry
}

func newTestHarness(t *testing.T, cfg *configpkg.Config, deps ServiceDependencies) *testHarness {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true, OutputChannelBuffer: 16}, watermill.NopLogger{})
	reg := prometheus.NewRegistry()
	deps.Transport = &transportpkg.Transport{Publisher: pubSub, Subscriber: pubSub}
	deps.Registerer = reg

	svc, err := TryNewService(cfg, newTestLogger(), context.Background(), deps)
	require.NoError(t, err)
	return &testHarness{svc: svc, pubSub: pubSub, registry: reg}
}

// start runs the service in the background and waits until it consumes.
func (h *testHarness) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.svc.Start(ctx) }()
	<-h.svc.Running()
	return cancel, errCh
}

func (h *testHarness) publishBlocks(t *testing.T, payloads ...string) {
	t.Helper()
	for _, p := range payloads {
		require.NoError(t, h.pubSub.Publish(h.svc.Conf.BlocksTopic, message.NewMessage(watermill.NewUUID(), []byte(p))))
	}
}
