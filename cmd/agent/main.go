package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrreg/discovery"
	"github.com/ryandielhenn/zephyrreg/internal/config"
	"github.com/ryandielhenn/zephyrreg/internal/telemetry"
	"github.com/ryandielhenn/zephyrreg/pkg/agent"
	"github.com/ryandielhenn/zephyrreg/pkg/node"
	"github.com/ryandielhenn/zephyrreg/pkg/transport"
)

func main() {
	cmd := &cobra.Command{
		Use:           "zephyrreg-agent",
		Short:         "Keep a cluster member registered and alive",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadAgent(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	config.AgentFlags(cmd.Flags())

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "zephyrreg-agent:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Agent) (err error) {
	logger, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.JSON)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ep := transport.NewEndpoint(cfg.RequestTimeout)
	g, gctx := errgroup.WithContext(ctx)

	if cfg.RegistryURL != "" {
		ep.Set(cfg.RegistryURL)
	} else {
		cli, cliErr := discovery.NewClient(cfg.Etcd.Endpoints, logger)
		if cliErr != nil {
			return cliErr
		}
		defer func() { err = multierr.Append(err, cli.Close()) }()

		g.Go(func() error {
			return discovery.Watch(gctx, cli, cfg.Etcd.Namespace, func(peers map[string]string) {
				addr, ok := discovery.Pick(peers)
				if !ok {
					logger.Warn("no registry announced in etcd")
					ep.Set("")
					return
				}
				ep.Set("http://" + node.NormalizeHostPort(addr, "5559"))
				logger.Info("using registry", zap.String("url", ep.URL()))
			})
		})
	}

	a, err := agent.New(cfg.Name, ep,
		agent.WithLogger(logger.Named("agent")),
		agent.WithInterval(cfg.Interval),
		agent.OnChange(func(v agent.View) {
			logger.Info("cluster view",
				zap.Int64("rank", v.Rank),
				zap.String("coordinator", v.Coordinator),
				zap.Any("members", v.Members),
			)
		}),
	)
	if err != nil {
		return err
	}

	g.Go(func() error { return a.Run(gctx) })

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
