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

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/x402flash/x402-flash-go/internal/config"
	"github.com/x402flash/x402-flash-go/internal/ledger"
	"github.com/x402flash/x402-flash-go/internal/proxy"
	"github.com/x402flash/x402-flash-go/internal/server"
	"github.com/x402flash/x402-flash-go/internal/settle"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Redis ─────────────────────────────────────────────────────────────────
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal("redis ping failed", zap.Error(err))
	}

	// ── Ledger gateway ────────────────────────────────────────────────────────
	gw, err := ledger.NewClient(cfg.Ledger.RPCURL, cfg.Ledger.ContractID, log)
	if err != nil {
		log.Fatal("ledger client init failed", zap.Error(err))
	}
	defer gw.Close()

	// ── Settlement engine (recover pending vouchers, then run) ────────────────
	engine := settle.NewEngine(gw, settle.NewRecordStore(rdb), log)
	if err := engine.Recover(ctx); err != nil {
		log.Fatal("settlement recovery failed", zap.Error(err))
	}
	go engine.Run(ctx)

	// ── Route policies ────────────────────────────────────────────────────────
	table, err := server.NewPolicyTable(server.PoliciesFromRules(cfg.Routes))
	if err != nil {
		log.Fatal("route policy load failed", zap.Error(err))
	}

	tracker := server.NewUsageTracker()
	srv := server.New(table, engine, tracker, cfg.Payment.Address, cfg.Ledger.ContractID, log)

	upstream, err := proxy.NewHandler(cfg.Upstream.URL, log)
	if err != nil {
		log.Fatal("upstream proxy init failed", zap.Error(err))
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(srv.TrackUsage())
	r.Use(server.RateLimit(rdb, server.RateLimitConfig{
		Window:      time.Duration(cfg.RateLimit.WindowSec) * time.Second,
		MaxRequests: cfg.RateLimit.MaxRequests,
	}))
	r.Use(srv.PaymentMiddleware())

	srv.RegisterOps(r)
	upstream.Register(r, table.Policies())

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Info("flashd starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("network", cfg.Ledger.Network),
			zap.String("contract", cfg.Ledger.ContractID),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
