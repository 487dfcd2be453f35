package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/circuitworld/core"
	"github.com/signalsfoundry/circuitworld/internal/config"
	"github.com/signalsfoundry/circuitworld/internal/events"
	"github.com/signalsfoundry/circuitworld/internal/logging"
	"github.com/signalsfoundry/circuitworld/internal/mapfile"
	"github.com/signalsfoundry/circuitworld/internal/mapstore"
	"github.com/signalsfoundry/circuitworld/internal/observability"
	"github.com/signalsfoundry/circuitworld/internal/transport/ws"
	"github.com/signalsfoundry/circuitworld/timectrl"
)

// engineHealthService reports NOT_SERVING once the tick loop has stopped.
const engineHealthService = "circuitworld.Engine"

// run wires the simulation and its servers and blocks until ctx is done.
func run(ctx context.Context, cfg config.Config, log logging.Logger, httpLis, grpcLis net.Listener) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	engineMetrics, err := observability.NewEngineCollector(reg)
	if err != nil {
		return fmt.Errorf("engine metrics: %w", err)
	}
	schedMetrics, err := observability.NewSchedulerCollector(reg)
	if err != nil {
		return fmt.Errorf("scheduler metrics: %w", err)
	}
	rpcMetrics, err := observability.NewRPCCollector(reg)
	if err != nil {
		return fmt.Errorf("rpc metrics: %w", err)
	}

	var store *mapstore.Store
	if cfg.Maps.StorePath != "" {
		store, err = mapstore.Open(cfg.Maps.StorePath, mapstore.WithLogger(log))
		if err != nil {
			return fmt.Errorf("open map store: %w", err)
		}
		defer store.Close()
	}

	world, err := loadWorld(ctx, cfg, store, log)
	if err != nil {
		return err
	}

	sim := cfg.Simulation
	tc := timectrl.NewTimeController(time.Now().UTC(), sim.TickInterval, sim.PumpInterval(), sim.ClockMode())
	sched := events.NewScheduler(tc, events.WithLogger(log), events.WithRecorder(schedMetrics))
	engine := core.NewEngine(world, sched,
		core.WithEngineLogger(log),
		core.WithEngineMetrics(engineMetrics),
	)

	hub := ws.NewHub(ws.WithLogger(log), ws.WithObserverGauge(engineMetrics))
	engine.AddTickHook(hub.Publish)

	tc.OnPump(func(ctx context.Context, _ time.Time) {
		_ = engine.RunDue(ctx)
	})
	tc.OnTick(func(ctx context.Context, _ time.Time) {
		_, _ = engine.Tick(ctx)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", engineMetrics.Handler())
	mux.Handle("/snapshot", ws.SnapshotHandler(engine.Snapshot))
	mux.Handle("/ws", hub.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	healthSrv := health.NewServer()
	grpcSrv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			observability.RunIDUnaryServerInterceptor(log),
			observability.TracingUnaryServerInterceptor(),
			rpcMetrics.UnaryServerInterceptor(),
		),
	)
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthSrv.SetServingStatus(engineHealthService, healthpb.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 2)
	go func() {
		log.Info(ctx, "serving HTTP", logging.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		log.Info(ctx, "serving gRPC", logging.String("addr", grpcLis.Addr().String()))
		if err := grpcSrv.Serve(grpcLis); err != nil {
			serveErr <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	simCtx, stopSim := context.WithCancel(ctx)
	defer stopSim()
	simCtx, runLog := logging.WithRunLogger(simCtx, log)
	simDone := make(chan error, 1)
	go func() {
		runLog.Info(simCtx, "simulation started",
			logging.String("mode", sim.ClockMode().String()),
			logging.Duration("tick_interval", sim.TickInterval),
			logging.Int("pump_hz", sim.PumpHz),
			logging.Int64("max_ticks", sim.MaxTicks))
		simDone <- tc.Run(simCtx, sim.MaxTicks)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	case err := <-simDone:
		simDone = nil
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("tick loop: %w", err)
			break
		}
		runLog.Info(simCtx, "simulation finished", logging.Int64("ticks", tc.Ticks()))
		healthSrv.SetServingStatus(engineHealthService, healthpb.HealthCheckResponse_NOT_SERVING)
		select {
		case <-ctx.Done():
		case runErr = <-serveErr:
		}
	}

	log.Info(context.Background(), "shutting down circuitd")
	stopSim()
	if simDone != nil {
		<-simDone
	}
	healthSrv.Shutdown()
	hub.Close()
	grpcSrv.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// loadWorld loads maps from the maps directory and then the store, with
// stored maps replacing files of the same name. The initial map is created
// walled-in and empty when neither source has it, and gets a player.
func loadWorld(ctx context.Context, cfg config.Config, store *mapstore.Store, log logging.Logger) (*core.World, error) {
	recs, err := mapfile.LoadDir(cfg.Maps.Dir)
	if err != nil {
		log.Warn(ctx, "some map files failed to load", logging.String("dir", cfg.Maps.Dir), logging.Err(err))
	}
	if store != nil {
		stored, err := store.LoadAll(ctx)
		if err != nil {
			log.Warn(ctx, "some stored maps failed to load", logging.Err(err))
		}
		recs = append(recs, stored...)
	}

	world := core.NewWorld()
	for _, rec := range recs {
		gm, err := mapfile.Build(rec)
		if err != nil {
			log.Warn(ctx, "skipping map", logging.String("map", rec.Name), logging.Err(err))
			continue
		}
		if err := gm.ValidateExits(); err != nil {
			log.Warn(ctx, "map has open edges", logging.String("map", gm.Name()), logging.Err(err))
		}
		if err := world.ReplaceMap(gm); err != nil {
			return nil, err
		}
	}

	initial, err := world.Map(cfg.Maps.Initial)
	if errors.Is(err, core.ErrMapNotFound) {
		initial, err = walledMap(cfg.Maps.Initial)
		if err != nil {
			return nil, err
		}
		if err := world.AddMap(initial); err != nil {
			return nil, err
		}
		log.Info(ctx, "created empty initial map", logging.String("map", initial.Name()))
	} else if err != nil {
		return nil, err
	}

	if len(initial.ElementsOfKind(core.KindPlayer)) == 0 {
		player, err := core.NewElement(core.KindPlayer, initial.PlayerStart())
		if err != nil {
			return nil, err
		}
		if err := initial.Add(player); err != nil {
			return nil, err
		}
	}

	maps, elements := world.Counts()
	log.Info(ctx, "world loaded", logging.Int("maps", maps), logging.Int("elements", elements))
	return world, nil
}

// walledMap builds a map enclosed on every side, one wall per edge cell.
func walledMap(name string) (*core.GameMap, error) {
	gm := core.NewGameMap(name)
	seen := make(map[core.Point]bool)
	for _, side := range []core.Side{core.SideUp, core.SideDown, core.SideLeft, core.SideRight} {
		walls, err := core.BuildWall(side)
		if err != nil {
			return nil, err
		}
		for _, w := range walls {
			if seen[w.Position()] {
				continue
			}
			seen[w.Position()] = true
			if err := gm.Add(w); err != nil {
				return nil, err
			}
		}
	}
	return gm, nil
}
