package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"rollcall/internal/cache"
	"rollcall/internal/checkin"
	"rollcall/internal/config"
	"rollcall/internal/db"
	internalhttp "rollcall/internal/http"
	"rollcall/internal/jobs"
	"rollcall/internal/qr"
	"rollcall/internal/session"
	"rollcall/internal/token"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connection failed: %v", err)
	}
	defer pool.Close()
	store := db.NewStore(pool)

	var cacheClient *cache.Cache
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			cancel()
			log.Fatalf("redis ping failed: %v", err)
		}
		cancel()
		defer func() {
			if err := redisClient.Close(); err != nil {
				log.Printf("redis close error: %v", err)
			}
		}()
		cacheClient = cache.New(redisClient)
	}

	tokenCodec := token.NewCodec(cfg.TokenSecret, cfg.TokenTTL)
	qrCodec := qr.NewCodec(cfg.QRSigningKey, cfg.QRValidityWindow)

	authority := session.NewAuthority(store.Queries, tokenCodec)
	proximity := checkin.NewProximityVerifier(store.Queries, tokenCodec, cfg.RSSIThreshold)
	qrVerifier := checkin.NewQRVerifier(store.Queries, qrCodec, cfg.MaxCheckInDistance)

	server := internalhttp.NewServer(cfg, store.Queries, cacheClient, authority, proximity, qrVerifier)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	jobs.StartSessionSweep(ctx, cfg, store)

	go func() {
		log.Printf("rollcall http listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
