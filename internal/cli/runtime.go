package cli

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/runplaneHQ/runplane-go/bus"
	"github.com/runplaneHQ/runplane-go/compact"
	"github.com/runplaneHQ/runplane-go/internal/config"
	"github.com/runplaneHQ/runplane-go/observe"
	otelsink "github.com/runplaneHQ/runplane-go/observe/otel"
	"github.com/runplaneHQ/runplane-go/observe/trace"
	tracesqlite "github.com/runplaneHQ/runplane-go/observe/trace/sqlite"
	"github.com/runplaneHQ/runplane-go/reasoner"
	"github.com/runplaneHQ/runplane-go/runner"
	"github.com/runplaneHQ/runplane-go/state"
	"github.com/runplaneHQ/runplane-go/state/factory"
)

// runtimeDeps is everything a CLI command needs to drive runs locally or
// serve the API.
type runtimeDeps struct {
	cfg        config.Config
	store      state.Store
	bus        *bus.Bus
	controller *runner.Controller
	traceStore trace.Store
	sink       observe.Sink
	cleanup    func()
}

func buildRuntime(ctx context.Context, opts cliOptions) (*runtimeDeps, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}

	store, err := factory.New(factory.Config{
		Backend:       cfg.Store.Backend,
		SQLitePath:    cfg.Store.SQLitePath,
		RedisAddr:     cfg.Store.RedisAddr,
		RedisPassword: cfg.Store.RedisPassword,
		RedisDB:       cfg.Store.RedisDB,
		RedisTTL:      time.Duration(cfg.Store.RedisTTLHours) * time.Hour,
	})
	if err != nil {
		return nil, err
	}

	busOpts := []bus.Option{}
	if cfg.Bus.Retention > 0 {
		busOpts = append(busOpts, bus.WithRetention(cfg.Bus.Retention))
	}
	if cfg.Bus.SubscriberBuffer > 0 {
		busOpts = append(busOpts, bus.WithSubscriberBuffer(cfg.Bus.SubscriberBuffer))
	}
	eventBus := bus.New(busOpts...)

	compactOpts := []compact.Option{}
	if cfg.Compactor.BudgetTokens > 0 {
		compactOpts = append(compactOpts, compact.WithBudget(cfg.Compactor.BudgetTokens))
	}
	if cfg.Compactor.KeepLast > 0 {
		compactOpts = append(compactOpts, compact.WithKeepLast(cfg.Compactor.KeepLast))
	}
	compactor := compact.New(compactOpts...)

	deps := &runtimeDeps{cfg: cfg, store: store, bus: eventBus}

	var closers []func()
	if cfg.Trace.Enabled {
		traceStore, err := tracesqlite.New(cfg.Trace.SQLitePath)
		if err != nil {
			closeStore(store)
			return nil, err
		}
		deps.traceStore = traceStore
		closers = append(closers, func() {
			if err := traceStore.Close(); err != nil {
				log.Printf("trace store close failed: %v", err)
			}
		})

		sinks := []observe.Sink{
			observe.SinkFunc(func(ctx context.Context, record observe.Record) error {
				return traceStore.SaveRecord(ctx, record)
			}),
		}
		if cfg.Trace.OTel {
			sinks = append(sinks, otelsink.NewSink(otel.GetTracerProvider()))
		}
		async := observe.NewAsyncSink(observe.NewMultiSink(sinks...), 256)
		closers = append(closers, async.Close)
		deps.sink = async
	}

	runnerOpts := []runner.Option{}
	if deps.sink != nil {
		runnerOpts = append(runnerOpts, runner.WithObserver(deps.sink))
	}
	controller, err := runner.New(store, eventBus, compactor, reasoner.Echo{}, runnerOpts...)
	if err != nil {
		closeStore(store)
		for _, fn := range closers {
			fn()
		}
		return nil, err
	}
	deps.controller = controller

	deps.cleanup = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
		closeStore(store)
	}
	return deps, nil
}
