package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	pb "github.com/pixperk/tasklock/api/v1"
	"github.com/pixperk/tasklock/pkg/config"
	"github.com/pixperk/tasklock/pkg/gateway"
	"github.com/pixperk/tasklock/pkg/lock"
	"github.com/pixperk/tasklock/pkg/registry"
	"github.com/pixperk/tasklock/pkg/server"
	"github.com/pixperk/tasklock/pkg/store"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tasklock: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "Path to the YAML config file")
		nodeID     = flag.String("node-id", "", "Unique node ID (generates UUID if empty)")
		grpcAddr   = flag.String("grpc-addr", "", "gRPC server address")
		httpAddr   = flag.String("http-addr", "", "HTTP gateway address")
		backendArg = flag.String("backend", "", "Store backend: bolt, redis, raft or memory")
		raftAddr   = flag.String("raft-addr", "", "Raft bind address")
		dataDir    = flag.String("data-dir", "", "Data directory for Raft storage")
		bootstrap  = flag.Bool("bootstrap", false, "Bootstrap a new raft cluster")
		logLevel   = flag.String("log-level", "", "Log level: trace, debug, info, warn, error")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	//flags override the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "node-id":
			cfg.NodeID = *nodeID
		case "grpc-addr":
			cfg.GRPCAddr = *grpcAddr
		case "http-addr":
			cfg.HTTPAddr = *httpAddr
		case "backend":
			cfg.Store.Backend = *backendArg
		case "raft-addr":
			cfg.Store.Raft.BindAddr = *raftAddr
		case "data-dir":
			cfg.Store.Raft.DataDir = *dataDir
		case "bootstrap":
			cfg.Store.Raft.Bootstrap = *bootstrap
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:       "tasklock",
		Level:      hclog.LevelFromString(cfg.Log.Level),
		JSONFormat: cfg.Log.JSON,
	})

	logger.Info("starting tasklock node",
		"node_id", cfg.NodeID,
		"grpc", cfg.GRPCAddr,
		"http", cfg.HTTPAddr,
		"backend", cfg.Store.Backend,
		"task_kinds", len(cfg.TaskKinds),
	)

	reg, err := registry.New(cfg.Kinds()...)
	if err != nil {
		return err
	}
	for _, k := range reg.All() {
		logger.Debug("task kind registered", "name", k.Name, "lease_timeout", k.LeaseTimeout)
	}

	be, err := openBackend(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.shutdown(); err != nil {
			logger.Error("backend shutdown failed", "error", err)
		}
	}()

	st := store.New(be, store.WithTxnTimeout(cfg.Store.TxnTimeout), store.WithLogger(logger))
	defer st.Close()

	mgr := lock.NewManager(st, lock.WithLogger(logger))

	srvOpts := []server.Option{
		server.WithLogger(logger),
		server.WithNodeInfo(cfg.NodeID, be.Name()),
	}
	if be.leadership != nil {
		srvOpts = append(srvOpts, server.WithLeadership(be.leadership))
	}
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(server.UnaryLogger(logger)))
	pb.RegisterLockServiceServer(grpcServer, server.NewServer(mgr, reg, srvOpts...))

	listener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCAddr, err)
	}

	gwServer := gateway.NewServer(cfg.HTTPAddr, mgr, reg, gateway.Options{
		Health: be.health,
		Join:   be.join,
		Logger: logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
		return grpcServer.Serve(listener)
	})
	g.Go(func() error {
		logger.Info("HTTP gateway listening", "addr", cfg.HTTPAddr)
		return gwServer.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down gracefully")
		//the gateway stops on its own once ctx is done
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
