package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tapcash/engagement-service/internal/config"
	"tapcash/engagement-service/internal/grpcserver"
	"tapcash/engagement-service/internal/httpapi"
	"tapcash/engagement-service/internal/scheduler"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers and the reconcile schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, log *zap.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	// ── Listeners ────────────────────────────────────────────────────────────
	// Both ports are bound before anything is served so a bind failure
	// leaves nothing running.
	var grpcLis net.Listener
	if cfg.Server.GRPCPort != "" {
		grpcLis, err = net.Listen("tcp", fmt.Sprintf(":%s", cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
	}
	httpLis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.Server.HTTPPort))
	if err != nil {
		if grpcLis != nil {
			_ = grpcLis.Close()
		}
		return fmt.Errorf("http listen: %w", err)
	}

	// ── Reconcile schedule ───────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	if cfg.ReconcileEnabled() {
		sched = scheduler.New(a.reconciler, cfg.Reconcile.Schedule, log)
		if err := sched.Start(ctx); err != nil {
			_ = httpLis.Close()
			if grpcLis != nil {
				_ = grpcLis.Close()
			}
			return err
		}
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	routerOpts := httpapi.Options{JWTSecret: cfg.Auth.JWTSecret}
	if a.metrics != nil {
		routerOpts.MetricsHandler = a.metrics.Handler()
		routerOpts.MetricsPath = cfg.Metrics.Path
	}
	srv := &http.Server{
		Handler:      httpapi.NewRouter(httpapi.NewHandler(a.service, log), routerOpts),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
	}
	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", httpLis.Addr().String()), zap.String("version", Version))
		if err := srv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// ── gRPC server ──────────────────────────────────────────────────────────
	var gs *grpc.Server
	if grpcLis != nil {
		gs = grpc.NewServer(grpc.UnaryInterceptor(grpcserver.LoggingInterceptor(log)))
		grpcserver.Register(gs, grpcserver.NewServer(a.service, log))
		hs := health.NewServer()
		hs.SetServingStatus(grpcserver.ServiceName, healthpb.HealthCheckResponse_SERVING)
		healthpb.RegisterHealthServer(gs, hs)

		go func() {
			log.Info("grpc listening", zap.String("addr", grpcLis.Addr().String()))
			if err := gs.Serve(grpcLis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		log.Error("server failed, shutting down", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if sched != nil {
		sched.Stop()
	}
	if gs != nil {
		gs.GracefulStop()
	}
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn("http shutdown", zap.Error(shutdownErr))
	}
	log.Info("stopped")
	return err
}
