package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"moodvoice/internal/api"
)

func (a *app) serveCmd() *cobra.Command {
	var (
		port     int
		host     string
		grpcAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP, WebSocket and gRPC APIs",
		Long: `Serve the classifier over HTTP (POST /api/predict, GET /api/history,
GET /api/models, GET /health, GET /metrics), WebSocket (/ws) and the
gRPC control stream (moodvoice.Control/Stream).

Authentication is enabled when auth.jwt_secret or MOODVOICE_JWT_SECRET is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("grpc-addr") {
				cfg.Server.GRPCAddr = grpcAddr
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, cfg, logger, runtimeOptions{
				history:    true,
				registerer: prometheus.DefaultRegisterer,
			})
			if err != nil {
				return err
			}
			stopPruner := func() {}
			defer func() {
				// pruner пишет в хранилище истории: остановить до его закрытия
				stopPruner()
				rt.Close()
			}()

			auth := api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
			if !auth.Enabled() {
				logger.Warn("authentication disabled, requests run as " + api.AnonymousUser)
			}

			if rt.history != nil {
				stopPruner = startPruner(ctx, rt.history, rt.cfg.HistoryWindow(), time.Hour, logger)
			}

			server := api.NewServer(api.Options{
				Addr:            net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
				GRPCAddr:        cfg.Server.GRPCAddr,
				ReadTimeout:     cfg.Server.ReadTimeout,
				ShutdownTimeout: cfg.Server.ShutdownTimeout,
			}, rt.predictions, rt.modelMgr, auth, prometheus.DefaultGatherer, logger)

			if err := server.Run(ctx); err != nil {
				return fmt.Errorf("server stopped: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP port")
	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "HTTP bind address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC address: unix:/path, npipe:name or host:port")
	return cmd
}

// historyPruner is the part of the history store the pruner needs
type historyPruner interface {
	Prune(before time.Time) (int, error)
}

// startPruner drops records older than window every interval. The returned
// stop cancels the loop and waits for an in-flight prune to finish.
func startPruner(ctx context.Context, store historyPruner, window, interval time.Duration, logger *zap.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if n, err := store.Prune(time.Now().Add(-window)); err != nil {
				logger.Warn("history prune failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("history pruned", zap.Int("records", n))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}
