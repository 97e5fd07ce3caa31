package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/anshveerturna/PredatorBrowser/pkg/api"
)

const shutdownGrace = 30 * time.Second

type serveOptions struct {
	*rootOptions
	addr      string
	clientRPS float64
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the execution cluster and its admin API",
		Long: `Run the execution cluster behind the admin HTTP API.

Endpoints:
  GET    /healthz
  GET    /metrics
  POST   /v1/actions
  DELETE /v1/actions/{action_id}
  DELETE /v1/sessions/{tenant}/{workflow}
  GET    /v1/audit/{tenant}/{workflow}/verify
  GET    /v1/audit/{tenant}/{workflow}/export
  GET    /v1/tenants/{tenant}/usage`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().Float64Var(&opts.clientRPS, "client-rps", 50, "per-client request rate on /v1")
	return cmd
}

func serve(ctx context.Context, opts *serveOptions) error {
	cfg, logger := opts.cfg, opts.logger
	rt, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	rt.cluster.Start(ctx)

	engineCfg := cfg.EngineSettings("")
	waitFor := time.Duration(engineCfg.MaxAttempts)*(engineCfg.ActionTimeout+engineCfg.MaxBackoff) + time.Minute
	handler := api.New(rt.cluster, rt.trail,
		api.WithUsage(rt.quotas),
		api.WithGatherer(rt.registry),
		api.WithLimiter(api.NewClientLimiter(ctx, opts.clientRPS, int(opts.clientRPS)*2)),
		api.WithActionTimeout(waitFor),
		api.WithLogger(logger))

	addr := cfg.Server.Addr
	if opts.addr != "" {
		addr = opts.addr
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: max(time.Duration(cfg.Server.WriteTimeoutMS)*time.Millisecond, waitFor+5*time.Second),
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("admin api listening", zap.String("addr", addr), zap.Int("nodes", cfg.Cluster.NodeCount))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
		if serveErr != nil {
			logger.Error("admin api failed", zap.Error(serveErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	logger.Info("shutting down")
	return errors.Join(
		serveErr,
		srv.Shutdown(shutdownCtx),
		rt.cluster.Stop(shutdownCtx),
		rt.Close(shutdownCtx),
	)
}
