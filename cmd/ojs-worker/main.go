package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/builtin"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/manager"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/server"
)

const healthService = "ojs.worker"

func main() {
	rootCmd := &cobra.Command{
		Use:           "ojs-worker",
		Short:         "Background job worker on NATS JetStream",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(serveCmd(), provisionCmd(), enqueueCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// setup loads configuration, installs the default logger and wires the app.
func setup() (*server.App, error) {
	cfg, err := server.LoadConfig()
	if err != nil {
		return nil, err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	return server.NewApp(cfg, logger, func(m *manager.Manager) error {
		return builtin.Register(m, nil)
	})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume jobs and serve the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	app, err := setup()
	if err != nil {
		return err
	}
	cfg := app.Config

	if err := app.Start(ctx); err != nil {
		app.Close(context.Background())
		return fmt.Errorf("starting job processing: %w", err)
	}
	slog.Info("job processing started", "transport", cfg.Transport, "url", cfg.NatsURL, "consume", cfg.Consume)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      app.Router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 2)
	go func() {
		slog.Info("admin API listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		srv.Close()
		app.Close(context.Background())
		return fmt.Errorf("listening for gRPC on %s: %w", cfg.GRPCPort, err)
	}
	go func() {
		slog.Info("gRPC health listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case runErr = <-errCh:
		slog.Error("server failed, shutting down", "error", runErr)
	}

	healthSrv.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	if err := app.Close(shutdownCtx); err != nil {
		slog.Error("closing transport", "error", err)
	}
	grpcServer.GracefulStop()

	slog.Info("worker stopped")
	return runErr
}

func provisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create topics and subscriptions for every registered job",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := setup()
			if err != nil {
				return err
			}
			defer app.Close(context.Background())
			if err := app.Manager.Provision(cmd.Context()); err != nil {
				return err
			}
			for _, q := range app.Manager.Queues() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\ttopic=%s\tsubscription=%s\n", q.JobName, q.Topic, q.Subscription)
			}
			return nil
		},
	}
}

func enqueueCmd() *cobra.Command {
	var (
		priority string
		delay    string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <job> [json]",
		Short: "Publish one job; the payload defaults to {}",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := "{}"
			if len(args) == 2 {
				payload = args[1]
			}

			var opts []manager.EnqueueOption
			if priority != "" {
				p, err := core.ParsePriority(priority)
				if err != nil {
					return err
				}
				opts = append(opts, manager.WithPriority(p))
			}
			if delay != "" {
				d, err := core.ParseDelay(delay)
				if err != nil {
					return err
				}
				opts = append(opts, manager.WithDelay(d))
			}

			app, err := setup()
			if err != nil {
				return err
			}
			defer app.Close(context.Background())

			id, err := app.Manager.EnqueueRaw(cmd.Context(), args[0], []byte(strings.TrimSpace(payload)), opts...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", "", "Low|BelowNormal|Normal|AboveNormal|High")
	cmd.Flags().StringVar(&delay, "delay", "", "delay as a Go (90s) or ISO 8601 (PT1M30S) duration")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), core.Version)
		},
	}
}
