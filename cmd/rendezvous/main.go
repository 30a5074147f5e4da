// Command rendezvous runs the matchmaking and signaling broker: it wires
// the Shared State Store, Queue Manager, Pair Manager, Connection Registry,
// Matchmaker, Signal Relay, Abuse Controller, and Connection Gateway into a
// single HTTP server and drives it until told to shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rendezvous/signaling/internal/abuse"
	"github.com/rendezvous/signaling/internal/config"
	"github.com/rendezvous/signaling/internal/gateway"
	"github.com/rendezvous/signaling/internal/httpapi"
	"github.com/rendezvous/signaling/internal/logging"
	"github.com/rendezvous/signaling/internal/matchmaker"
	"github.com/rendezvous/signaling/internal/pair"
	"github.com/rendezvous/signaling/internal/queue"
	"github.com/rendezvous/signaling/internal/registry"
	"github.com/rendezvous/signaling/internal/relay"
	"github.com/rendezvous/signaling/internal/sss"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rendezvous:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.SSS)
	if err != nil {
		return fmt.Errorf("open shared state store: %w", err)
	}
	defer store.Close()

	reg := registry.New(store, cfg.SSS.InstanceID, cfg.SSS.DeliveryTopic, logger)
	regErrs := make(chan error, 1)
	go func() { regErrs <- reg.Run(ctx) }()

	q := queue.New(store, reg, logger, cfg.QueuePopAttempts)
	pairs := pair.New(store, logger)

	var gw *gateway.Gateway
	onBan := func(ip, reason string) {
		if gw != nil {
			gw.OnBan(ip, reason)
		}
	}
	abuseCfg := abuse.Config{
		ReportThreshold:    cfg.ReportThreshold,
		ReportTTL:          cfg.ReportTTL,
		ReportReasonMaxLen: cfg.ReportReasonMaxLen,
		NextCooldown:       cfg.NextCooldown,
		BansChannel:        cfg.SSS.BansChannel,
	}
	abuseCtl := abuse.New(store, abuseCfg, onBan, logger)
	if err := abuseCtl.WarmCache(ctx); err != nil {
		return fmt.Errorf("warm abuse cache: %w", err)
	}

	mm := matchmaker.New(q, pairs, reg, reg, abuseCtl, logger)
	rel := relay.New(pairs, reg, cfg.SignalMaxBytes, logger)

	gw = gateway.New(abuseCtl, reg, mm, rel, abuseCtl, logger, gateway.Options{
		AllowedOrigins:  cfg.AllowedOrigins,
		PingInterval:    cfg.PingInterval,
		MaxPayloadBytes: cfg.MaxPayloadBytes,
	})

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:      logger,
		Abuse:       abuseCtl,
		Clients:     gw.ClientCount,
		QueueLen:    func() int { return q.Len(ctx) },
		PairCount:   func() int { return pairs.Count(ctx) },
		TURN:        cfg.TURN,
		AdminToken:  cfg.AdminToken,
		RateLimiter: httpapi.NewSlidingWindowLimiter(cfg.AdminRateLimitWindow, cfg.AdminRateLimitMax, time.Now),
		TimeSource:  time.Now,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeWS)
	handlers.Register(mux)

	server := &http.Server{
		Addr:    cfg.Address,
		Handler: mux,
	}

	serveErrs := make(chan error, 1)
	go func() {
		logger.Info("rendezvous listening", logging.String("addr", cfg.Address))
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			serveErrs <- server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			serveErrs <- server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErrs:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
	case err := <-regErrs:
		if err != nil && err != context.Canceled {
			logger.Error("registry bus stopped", logging.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	gw.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", logging.Error(err))
	}
	return nil
}

// openStore connects to Redis at cfg.URL. An empty URL yields an in-process
// store instead; config.Load rejects an empty RENDEZVOUS_SSS_URL, so run
// always takes the Redis path.
func openStore(ctx context.Context, cfg config.SSSConfig) (sss.Store, error) {
	if cfg.URL == "" {
		return sss.NewMemory(), nil
	}
	return sss.OpenRedis(ctx, cfg.URL)
}
