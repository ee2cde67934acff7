package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/autoforge/coreengine/grpc"
)

const metricsShutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr        string
	MetricsAddr string
	InProcess   bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator loop and the gRPC control surface",
		Long: `Run the backlog orchestrator until interrupted. Every tick it requeues
stuck items and dispatches actionable change requests onto free permits.
Each item runs as a child "run-cycle" process unless --in-process is set.

The control surface (enqueue, approve, reject, requeue, process-next,
status, event stream) listens on the gRPC address. Prometheus metrics are
served on /metrics when a metrics address is configured.

SIGINT or SIGTERM cancels in-flight cycles, which revert, and then stops.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "gRPC listen address (default from config)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "metrics listen address (default from config; empty disables)")
	cmd.Flags().BoolVar(&opts.InProcess, "in-process", false, "run cycles inside this process instead of child processes")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	a, err := newApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.GRPC.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	metricsAddr := a.cfg.Observability.MetricsAddr
	if opts.MetricsAddr != "" {
		metricsAddr = opts.MetricsAddr
	}

	ctx := cmd.Context()
	bus := a.newBus()
	runner, err := a.newRunner(opts.InProcess)
	if err != nil {
		return err
	}
	coord, err := a.newCoordinator(ctx, runner, bus)
	if err != nil {
		return err
	}

	server := grpc.NewGracefulServer(grpc.NewControlServer(coord, bus, a.logger), addr)

	a.logger.Info("autoforge_starting",
		"version", version,
		"grpc_addr", addr,
		"metrics_addr", metricsAddr,
		"state_dir", a.cfg.StateDir,
		"in_process", opts.InProcess,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coord.Run(ctx)
	})
	g.Go(func() error {
		return server.Start(ctx)
	})
	if metricsAddr != "" {
		g.Go(func() error {
			return serveMetrics(ctx, metricsAddr)
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("autoforge_stopped", "error", err.Error())
		return err
	}
	a.logger.Info("autoforge_stopped")
	return nil
}

// serveMetrics serves /metrics until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}
