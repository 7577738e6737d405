package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/blockflow/internal/indexer/cache"
	"github.com/drblury/blockflow/internal/indexer/notify"
	"github.com/drblury/blockflow/internal/indexer/processor"
	"github.com/drblury/blockflow/internal/indexer/refresher"
	"github.com/drblury/blockflow/internal/indexer/store"
	"github.com/drblury/blockflow/internal/indexer/store/memstore"
	"github.com/drblury/blockflow/internal/indexer/store/postgres"
	"github.com/drblury/blockflow/internal/runtime"
	"github.com/drblury/blockflow/internal/runtime/config"
	"github.com/drblury/blockflow/internal/runtime/logging"
	"github.com/drblury/blockflow/internal/runtime/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Consume blocks until interrupted or a fatal error occurs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		a, err := newApp(ctx, cfg, logger, st, runtime.ServiceDependencies{})
		if err != nil {
			_ = st.Close()
			return err
		}
		defer func() {
			if err := a.close(); err != nil {
				logger.Error("Shutdown finished with errors", err, nil)
			}
		}()
		return a.run(ctx)
	},
}

// openStore picks postgres when a URL is configured and the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.PostgresURL == "" {
		return memstore.New(), nil
	}
	st, err := postgres.Open(ctx, postgres.Config{
		ConnectionString: cfg.PostgresURL,
		MaxOpenConns:     cfg.PostgresMaxOpenConns,
		Migrate:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return st, nil
}

// app is one wired ender process.
type app struct {
	cfg        *config.Config
	logger     logging.ServiceLogger
	store      store.Store
	refresher  *refresher.Refresher
	relay      *notify.Relay
	svc        *runtime.Service
	supervisor *supervisor.Supervisor
	closers    []func() error
}

// newApp wires the pipeline around st. The app takes ownership of st.
func newApp(ctx context.Context, cfg *config.Config, logger logging.ServiceLogger, st store.Store, deps runtime.ServiceDependencies) (*app, error) {
	a := &app{cfg: cfg, logger: logger, store: st}

	ref, err := refresher.New(st, logger)
	if err != nil {
		return nil, err
	}
	if err := ref.Init(ctx); err != nil {
		return nil, fmt.Errorf("load market metadata: %w", err)
	}
	a.refresher = ref

	svc, err := runtime.TryNewService(cfg, logger, ctx, deps)
	if err != nil {
		return nil, err
	}
	a.svc = svc

	relay, err := notify.NewRelay(st, svc.Publisher(), logger,
		notify.WithMaxElapsed(cfg.PublishMaxElapsed),
		notify.WithObserver(svc.Metrics()),
	)
	if err != nil {
		return nil, err
	}
	a.relay = relay

	opts := []processor.Option{
		processor.WithConfig(cfg),
		processor.WithRelay(relay),
		processor.WithHooks(svc.Metrics().BlockHooks()),
	}
	if cfg.RedisURL != "" {
		c, client, err := cache.Open(cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		opts = append(opts, processor.WithCache(c))
	}

	proc, err := processor.New(st, ref, logger, opts...)
	if err != nil {
		return nil, err
	}
	if err := svc.RegisterBlockProcessor(proc); err != nil {
		return nil, err
	}

	a.supervisor = supervisor.New(logger)
	a.supervisor.Add(supervisor.Task{
		Name:     "refresh_markets",
		Interval: cfg.RefreshInterval,
		Run:      ref.Refresh,
	})
	if cfg.WebsocketMessagesEnabled() {
		a.supervisor.Add(supervisor.Task{
			Name:       "outbox_relay",
			Interval:   cfg.OutboxRelayInterval,
			RunOnStart: true,
			Run:        a.flushOutbox,
		})
	}
	return a, nil
}

// flushOutbox publishes whatever an earlier process committed but never sent.
func (a *app) flushOutbox(ctx context.Context) error {
	height, ok, err := a.store.LatestBlockHeight(ctx)
	if err != nil || !ok {
		return err
	}
	_, err = a.relay.Flush(ctx, height)
	return err
}

// run blocks until ctx is done or the service stops. A fatal pipeline error
// is returned so the process exits non-zero.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return a.svc.Start(gctx)
	})
	g.Go(func() error {
		if err := a.supervisor.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func (a *app) close() error {
	errs := []error{a.svc.Close()}
	if err := a.refresher.Shutdown(context.Background()); err != nil {
		errs = append(errs, err)
	}
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	errs = append(errs, a.store.Close())
	return errors.Join(errs...)
}
