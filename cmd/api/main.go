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
	"golang.org/x/sync/errgroup"

	"disputeflow/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "disputeflow",
		Short:        "Dispute enforcement state machine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "disputeflow.yaml", "Path to the YAML config file (optional)")

	var noSweep bool
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the deadline sweep",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), configPath, func(ctx context.Context, a *app) error {
				return runServe(ctx, a, !noSweep)
			})
		},
	}
	serveCmd.Flags().BoolVar(&noSweep, "no-sweep", false, "Do not run the deadline sweep in this process")

	var once bool
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Fire expired deadlines and cure windows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), configPath, func(ctx context.Context, a *app) error {
				s := a.sweeper()
				if !once {
					return ignoreCanceled(s.Run(ctx))
				}
				rep, err := s.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d fired=%d skipped=%d failed=%d\n",
					rep.Scanned, rep.Fired, rep.Skipped, rep.Failed)
				return nil
			})
		},
	}
	sweepCmd.Flags().BoolVar(&once, "once", false, "Run a single sweep and exit")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), configPath, func(ctx context.Context, a *app) error {
				return a.migrate(ctx)
			})
		},
	}

	root.AddCommand(serveCmd, sweepCmd, migrateCmd)
	return root
}

// withApp loads configuration, wires the services and runs fn until it
// returns or the process is signalled.
func withApp(parent context.Context, configPath string, fn func(context.Context, *app) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func runServe(ctx context.Context, a *app, sweeping bool) error {
	if a.cfg.JWTSecret == "" {
		return errors.New("serve: JWT_SECRET is required")
	}
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           NewServer(a.disputes, a.accounts, a.entities, a.logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.WithField("addr", srv.Addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if sweeping {
		g.Go(func() error {
			return ignoreCanceled(a.sweeper().Run(gctx))
		})
	}
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
