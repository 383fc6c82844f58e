package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/walletlink/internal/config"
	"github.com/alexjbarnes/walletlink/internal/server"
	"github.com/alexjbarnes/walletlink/internal/state"
	"github.com/alexjbarnes/walletlink/internal/walletlink"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Host the session and stay connected until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}

			logger.Info("walletlink starting",
				slog.String("version", Version),
				slog.String("api_url", cfg.APIURL),
				slog.Bool("metrics", cfg.MetricsListenAddr != ""),
			)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runDaemon(ctx, cfg, logger)
		},
	}
}

// newConnection wires the engine for session s from the configuration.
func newConnection(cfg *config.Config, s walletlink.Session, listener walletlink.Listener, metrics *walletlink.Metrics, logger *slog.Logger) (*walletlink.Connection, error) {
	cipher, err := walletlink.NewAESCipher(s.Secret)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	return walletlink.NewConnection(walletlink.Config{
		URL:      cfg.WebSocketURL(),
		Session:  s,
		Cipher:   cipher,
		Listener: listener,
		Fetcher:  walletlink.NewClient(cfg.APIURL, nil, logger),
		Environment: walletlink.Environment{
			Origin:      cfg.Origin,
			RelaySource: cfg.RelaySource(),
		},
		HeartbeatInterval: cfg.HeartbeatInterval,
		RequestTimeout:    cfg.RequestTimeout,
		UnseenFetchDelay:  cfg.UnseenFetchDelay,
		ReconnectPolicy:   walletlink.FixedDelay(cfg.ReconnectDelay),
		Metrics:           metrics,
		Logger:            logger,
	})
}

// runDaemon hosts the stored session until ctx is cancelled or the
// wallet resets the session.
func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	s, err := loadOrCreateSession(st, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	listener := walletlink.NewDedup(&stateListener{
		store:     st,
		sessionID: s.ID,
		logger:    logger,
		onReset:   cancel,
	})

	metrics := walletlink.NewMetrics(prometheus.DefaultRegisterer)

	conn, err := newConnection(cfg, s, listener, metrics, logger)
	if err != nil {
		return err
	}
	defer conn.Destroy()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := conn.Connect(gctx); err != nil {
			return fmt.Errorf("connecting: %w", err)
		}

		if err := conn.CheckUnseenEvents(gctx); err != nil {
			logger.Warn("checking unseen events", slog.String("error", err.Error()))
		}

		<-gctx.Done()
		logger.Info("shutting down", slog.String("session_id", s.ID))

		return nil
	})

	if cfg.MetricsListenAddr != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsListenAddr, conn, logger)
		})
	}

	return g.Wait()
}

// serveMetrics exposes the default Prometheus registry and the health of
// conn until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, conn *walletlink.Connection, logger *slog.Logger) error {
	mux := server.NewMux(server.MuxConfig{
		Gatherer: prometheus.DefaultGatherer,
		Status:   conn,
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting metrics server", slog.String("listen", addr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server error: %w", err)
	}

	return nil
}
