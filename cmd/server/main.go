package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"subspace.ai/internal/config"
	"subspace.ai/internal/controller"
	"subspace.ai/internal/dole"
	"subspace.ai/internal/health"
	"subspace.ai/internal/persistence/indexdb"
	"subspace.ai/internal/persistence/journal"
	"subspace.ai/internal/protocol"
	"subspace.ai/internal/telemetry"
	"subspace.ai/internal/transport/httpapi"
	"subspace.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/subspace.yaml", "path to subspace.yaml (missing file means defaults)")
		dataDir    = flag.String("data", "", "database directory (overrides database_directory)")
		method     = flag.String("division_method", "", "simple|dole|neural_dole (overrides division_method)")
		grpcHealth = flag.String("grpc_health_addr", "", "grpc health listen address (overrides grpc_health_addr; empty to disable)")
		pprofHTTP  = flag.Bool("pprof", false, "serve /debug/pprof")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if d := strings.TrimSpace(*dataDir); d != "" {
		cfg.DatabaseDirectory = d
	}
	if m := strings.TrimSpace(*method); m != "" {
		cfg.Method, err = dole.ParseMethod(m)
		if err != nil {
			logger.Fatalf("-division_method: %v", err)
		}
	}
	if g := strings.TrimSpace(*grpcHealth); g != "" {
		cfg.GRPCHealthAddr = g
	}
	if err := os.MkdirAll(cfg.DatabaseDirectory, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, "subspace-controller", cfg.OTelEndpoint)
	if err != nil {
		logger.Fatalf("telemetry: %v", err)
	}
	defer func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = shutdownTracing(ctx2)
	}()

	st, err := controller.LoadState(cfg.DatabaseDirectory)
	if err != nil {
		// A corrupt database must not be silently replaced by an empty one.
		logger.Fatalf("load state: %v", err)
	}
	ctrl, err := controller.New(controller.Config{
		DataDir:          cfg.DatabaseDirectory,
		Method:           cfg.Method,
		LogTransfers:     cfg.LogItemTransfers,
		BroadcastMaxRate: cfg.BroadcastMaxRate,
		DoleTick:         cfg.DoleTick,
		SaveInterval:     cfg.SaveInterval,
		MaxSaveBytes:     cfg.MaxSaveBytes,
		RetainTicks:      cfg.Adaptive.RetainTicks,
	}, st, logger)
	if err != nil {
		logger.Fatalf("controller: %v", err)
	}

	if cfg.Journal.Enabled {
		j := journal.NewTransferJournal(cfg.DatabaseDirectory)
		defer j.Close()
		ctrl.SetJournal(j)
	}
	apiOpts := httpapi.Options{Admin: cfg.AdminHTTP}
	if cfg.Index.Enabled {
		idx, err := indexdb.OpenSQLite(filepath.Join(cfg.DatabaseDirectory, "index", "transfers.sqlite"))
		if err != nil {
			logger.Printf("transfer index disabled: %v", err)
		} else {
			defer idx.Close()
			ctrl.SetIndex(idx)
			apiOpts.Index = idx
		}
	}

	validator, err := protocol.NewValidator()
	if err != nil {
		logger.Fatalf("schemas: %v", err)
	}

	mux := http.NewServeMux()
	httpapi.New(ctrl, apiOpts, logger).Register(mux)
	mux.HandleFunc("/v1/ws", ws.NewServer(ctrl, validator, logger, ws.Options{}).Handler())
	if *pprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		logger.Printf("listening on %s (division_method=%s)", *addr, cfg.Method)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		return srv.Shutdown(ctx2)
	})
	if hc := strings.TrimSpace(cfg.GRPCHealthAddr); hc != "" {
		lis, err := net.Listen("tcp", hc)
		if err != nil {
			logger.Fatalf("grpc health listen: %v", err)
		}
		g.Go(func() error {
			logger.Printf("grpc health on %s", lis.Addr())
			return health.NewServer(ctrl).Serve(gctx, lis)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Printf("stopped: %v", err)
		return
	}
	logger.Printf("stopped")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
