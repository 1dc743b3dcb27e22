package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrreg/discovery"
	"github.com/ryandielhenn/zephyrreg/internal/config"
	"github.com/ryandielhenn/zephyrreg/internal/telemetry"
	"github.com/ryandielhenn/zephyrreg/pkg/node"
	"github.com/ryandielhenn/zephyrreg/pkg/registry"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cmd := &cobra.Command{
		Use:           "zephyrreg",
		Short:         "Rank registry for cluster members",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServer(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	config.ServerFlags(cmd.Flags())

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "zephyrreg:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Server) (err error) {
	logger, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return err
	}
	defer func() {
		// stderr sync fails on some platforms, ignore it
		_ = logger.Sync()
	}()
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}
	telemetry.SetBuildInfo(version, gitSHA)

	// 1. Registry loop and its expiry sweeper
	svc := registry.New(
		registry.WithLogger(logger.Named("registry")),
		registry.WithMemberTimeout(cfg.MemberTimeout),
	)
	sweeper := registry.NewSweeper(svc, cfg.SweepInterval, nil, logger.Named("sweeper"))

	// 2. HTTP endpoints
	n := node.NewNode(svc, cfg.InstanceID, node.NormalizeHostPort(cfg.AdvertiseAddr, "5559"), logger.Named("http"))
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           n.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The registry loop outlives the listener so that requests accepted
	// before shutdown are still answered.
	svcCtx, stopSvc := context.WithCancel(context.Background())
	defer stopSvc()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(svcCtx) })

	sweeperDone := make(chan struct{})
	g.Go(func() error {
		defer close(sweeperDone)
		sweeper.Run(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Listen), zap.String("id", n.ID()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen %s: %w", cfg.Listen, err)
		}
		return nil
	})

	// 3. Announce the endpoint in etcd, if configured
	var etcdCleanup func() error
	if cfg.Etcd.Enabled() {
		cleanup, err := announce(gctx, cfg, n, logger)
		if err != nil {
			logger.Error("cannot announce registry in etcd", zap.Error(err))
		} else {
			etcdCleanup = cleanup
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		<-sweeperDone

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		shutdownErr := httpServer.Shutdown(shutdownCtx)

		stopSvc()
		return shutdownErr
	})

	err = g.Wait()
	if etcdCleanup != nil {
		err = multierr.Append(err, etcdCleanup())
	}
	if err == nil {
		logger.Info("bye")
	}
	return err
}

func announce(ctx context.Context, cfg config.Server, n *node.Node, logger *zap.Logger) (func() error, error) {
	cli, err := discovery.NewClient(cfg.Etcd.Endpoints, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("announcing registry", zap.String("id", n.ID()), zap.String("addr", n.Addr()), zap.Strings("etcd", cli.Endpoints()))
	leaseID, cancel, err := discovery.Announce(ctx, cli, cfg.Etcd.Namespace, n.ID(), n.Addr(), int64(cfg.Etcd.LeaseTTL.Seconds()))
	if err != nil {
		return nil, multierr.Append(err, cli.Close())
	}
	return func() error {
		cancel()
		revokeCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_, revokeErr := cli.Revoke(revokeCtx, leaseID)
		return multierr.Combine(revokeErr, cli.Close())
	}, nil
}
