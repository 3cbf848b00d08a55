package main

import (
	"context"
	"crypto/ecdsa"
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

	"github.com/0gfoundation/x402-facilitator/internal/api"
	"github.com/0gfoundation/x402-facilitator/internal/auth"
	"github.com/0gfoundation/x402-facilitator/internal/chain"
	"github.com/0gfoundation/x402-facilitator/internal/config"
	"github.com/0gfoundation/x402-facilitator/internal/facilitator"
	"github.com/0gfoundation/x402-facilitator/internal/fee"
	"github.com/0gfoundation/x402-facilitator/internal/networks"
	"github.com/0gfoundation/x402-facilitator/internal/whitelist"
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

	// ── Redis (settle dedup + fee retry queue) ────────────────────────────────
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis ping failed", zap.Error(err))
		}
		defer rdb.Close()
	} else {
		log.Warn("REDIS_ADDR empty: settlement dedup and fee retries disabled")
	}

	a, err := build(cfg, rdb, log)
	if err != nil {
		log.Fatal("init failed", zap.Error(err))
	}
	defer a.chains.Close()

	// ── Goroutines ────────────────────────────────────────────────────────────
	go a.fees.RunRetryWorker(ctx, a.networks)

	// ── HTTP server ───────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: a.router,
	}

	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	// In-flight settlements wait up to the receipt timeout.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ReceiptTimeout()+15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

// app is the wired facilitator stack.
type app struct {
	router   *gin.Engine
	chains   *chain.Factory
	fees     *fee.Module
	networks []string
}

// build wires registry, signer factory, whitelist, fees and the HTTP routes.
// rdb may be nil.
func build(cfg *config.Config, rdb *redis.Client, log *zap.Logger) (*app, error) {
	// ── Chain registry + signer factory ───────────────────────────────────────
	reg, err := networks.NewRegistry(cfg.NetworkOverrides(), cfg.EnabledNetworks())
	if err != nil {
		return nil, fmt.Errorf("network registry: %w", err)
	}

	var key *ecdsa.PrivateKey
	if cfg.Facilitator.PrivateKey != "" {
		if key, err = chain.ParsePrivateKey(cfg.Facilitator.PrivateKey); err != nil {
			return nil, fmt.Errorf("FACILITATOR_WALLET_PRIVATE_KEY: %w", err)
		}
	} else {
		log.Warn("no facilitator key: running verify-only")
	}

	chains := chain.NewFactory(key, reg, chain.Options{
		RPCTimeout:     cfg.RPCTimeout(),
		ReceiptTimeout: cfg.ReceiptTimeout(),
		TxPerSecond:    cfg.RPC.TxPerSecond,
	}, log)

	// ── Whitelist, fees, facilitator ──────────────────────────────────────────
	wl := whitelist.New(chains, reg, whitelist.Options{
		Manual:      cfg.ManualWhitelist(),
		TestWallets: cfg.TestWallets(),
		Sources:     cfg.WhitelistSources(),
		TTL:         cfg.CacheTTL(),
	}, log)

	fees := fee.New(chains, rdb, fee.Options{
		Amount:        cfg.FeeAmount(),
		MaxAttempts:   cfg.Fee.RetryMaxAttempts,
		RetryInterval: cfg.FeeRetryInterval(),
	}, log)

	fac := facilitator.New(reg, chains, wl, fees, rdb, facilitator.Options{
		SplitterMinAmount: cfg.SplitterMinAmount(),
		ReceiptTimeout:    cfg.ReceiptTimeout(),
	}, log)

	// ── Routes ────────────────────────────────────────────────────────────────
	r := gin.New()
	r.Use(api.Recovery(log))
	api.NewHandler(fac, log).Register(r)

	if ops := cfg.Operators(); len(ops) > 0 {
		if rdb == nil {
			log.Warn("OPERATOR_ADDRESSES set without redis: admin routes disabled")
		} else {
			admin := r.Group("/admin", auth.Middleware(rdb, ops))
			api.NewAdmin(wl, fees, log).Register(admin)
		}
	}

	log.Info("facilitator ready",
		zap.String("address", chains.Address().Hex()),
		zap.Strings("networks", reg.Networks()),
		zap.String("fee", cfg.FeeAmount().String()),
	)
	return &app{router: r, chains: chains, fees: fees, networks: reg.Networks()}, nil
}
