package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/traffic-gateway/internal/admin"
	"github.com/signalsfoundry/traffic-gateway/internal/channel"
	"github.com/signalsfoundry/traffic-gateway/internal/config"
	"github.com/signalsfoundry/traffic-gateway/internal/engine"
	"github.com/signalsfoundry/traffic-gateway/internal/functions"
	"github.com/signalsfoundry/traffic-gateway/internal/logging"
	"github.com/signalsfoundry/traffic-gateway/internal/observability"
	"github.com/signalsfoundry/traffic-gateway/internal/router"
	"github.com/signalsfoundry/traffic-gateway/internal/supervisor"
	"github.com/signalsfoundry/traffic-gateway/model"
)

const engineHost = "127.0.0.1"

// run wires every component from cfg and blocks until ctx ends or the
// supervisor gives up. A nil proc launches the configured engine binary.
func run(ctx context.Context, cfg config.Config, log logging.Logger, proc supervisor.Process) error {
	if log == nil {
		log = logging.Noop()
	}

	collector, err := observability.NewGatewayCollector(nil)
	if err != nil {
		return err
	}
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		log.Warn(ctx, "tracing disabled", logging.Err(err))
		shutdownTracing = nil
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	network, _ := cfg.SelectedNetwork()
	if proc == nil {
		proc = supervisor.NewEngineProcess(supervisor.ProcessConfig{
			Binary:      cfg.Engine.Binary,
			Args:        supervisor.EngineArgs(network, cfg.Engine.Port, cfg.Engine.StepLength, cfg.Engine.ExtraArgs),
			Output:      os.Stderr,
			StopTimeout: cfg.Engine.StopTimeout,
		}, log)
	}

	bridge := engine.New(engine.Options{
		Addr:        net.JoinHostPort(engineHost, strconv.Itoa(cfg.Engine.Port)),
		CallTimeout: cfg.Engine.CallTimeout,
		Log:         log,
		Metrics:     collector,
	})

	deps := functions.Deps{
		Engine:   bridge,
		Scenario: network.ID,
		Simulation: functions.SimulationOptions{
			AutoStep:     cfg.Simulation.AutoStep,
			StepInterval: cfg.Simulation.StepInterval,
			Mode:         cfg.StepMode(),
		},
		Log: log,
	}
	var onRestart func()
	enabled := cfg.Enabled()
	if enabled[model.FunctionalityRoute] {
		inv, err := router.New(routerConfig(cfg, network.NetFile), log, collector)
		if err != nil {
			return err
		}
		deps.Router = inv
		onRestart = inv.Purge
	}

	sup, err := supervisor.New(supervisor.Options{
		Config: supervisor.Config{
			Bindings:              cfg.Bindings(),
			HealthInterval:        cfg.Supervisor.HealthInterval,
			ConnectAttempts:       cfg.Supervisor.ConnectAttempts,
			ConnectBackoff:        cfg.Supervisor.ConnectBackoff,
			ConnectBackoffMax:     cfg.Supervisor.ConnectBackoffMax,
			RestartDelay:          cfg.Supervisor.RestartDelay,
			MaxRestarts:           cfg.Supervisor.MaxRestarts,
			RestartWindow:         cfg.Supervisor.RestartWindow,
			MaxDegradedRecoveries: cfg.Supervisor.MaxDegradedRecoveries,
		},
		Process:   proc,
		Bridge:    bridge,
		Channels:  channelFactory(cfg, deps, log, collector),
		OnRestart: onRestart,
		Log:       log,
		Metrics:   collector,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.AdminAddr != "" {
		functionalities := make([]model.Functionality, 0, len(enabled))
		for _, b := range cfg.Bindings() {
			functionalities = append(functionalities, b.Functionality)
		}
		adminSrv := admin.New(admin.Options{
			Addr:            cfg.AdminAddr,
			Functionalities: functionalities,
			Log:             log,
			Metrics:         collector,
		})
		sup.Observe(adminSrv.Observe)
		if err := adminSrv.Start(ctx); err != nil {
			return err
		}
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			adminSrv.Stop(stopCtx)
			return nil
		})
	}

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(collector)}
		g.Go(func() error {
			log.Info(gctx, "serving Prometheus metrics", logging.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn(gctx, "metrics server exited", logging.Err(err))
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(stopCtx)
		})
	}

	g.Go(func() error {
		log.Info(gctx, "gateway starting",
			logging.String("network", network.ID),
			logging.Int("base_port", cfg.BasePort),
			logging.Int("functionalities", len(enabled)),
		)
		return sup.Run(gctx)
	})

	return g.Wait()
}

// channelFactory builds a fresh channel and catalogue for a binding; the
// supervisor calls it again on every restart.
func channelFactory(cfg config.Config, deps functions.Deps, log logging.Logger, collector *observability.GatewayCollector) supervisor.ChannelFactory {
	return func(b model.Binding) (supervisor.Channel, error) {
		handler, task, err := functions.For(b.Functionality, deps)
		if err != nil {
			return nil, err
		}
		return channel.New(channel.Options{
			Functionality: b.Functionality,
			Addr:          net.JoinHostPort(cfg.Host, strconv.Itoa(b.Port)),
			Handler:       handler,
			Task:          task,
			GracePeriod:   cfg.Channel.GracePeriod,
			Log:           log,
			Metrics:       collector,
		}), nil
	}
}

func routerConfig(cfg config.Config, netFile string) router.Config {
	return router.Config{
		Binary:    cfg.Router.Binary,
		NetFile:   netFile,
		WorkDir:   cfg.Router.WorkDir,
		ExtraArgs: cfg.Router.ExtraArgs,
		Timeout:   cfg.Router.Timeout,
		QueueWait: cfg.Router.QueueWait,
		CacheSize: cfg.Router.CacheSize,
	}
}

func metricsMux(collector *observability.GatewayCollector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return mux
}
