package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"opsforge.io/internal/audit"
	"opsforge.io/internal/config"
	"opsforge.io/internal/httpapi"
	"opsforge.io/internal/iam"
	"opsforge.io/internal/obs"
	"opsforge.io/internal/store/pg"
)

var version = "0.3.1"

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.Logger().Fatal("config", zap.Error(err))
	}

	log := obs.InitLogger(cfg.Environment)
	defer func() { _ = log.Sync() }()
	obs.Init()

	// store: PostgreSQL with an in-memory fallback for development
	var store iam.Store = iam.NewMemStore()
	var probe httpapi.ReadyProbe
	if cfg.DatabaseURL != "" {
		pgStore, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatal("open db", zap.Error(err))
		}
		defer pgStore.Close()
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		log.Warn("DATABASE_URL not set, using in-memory store")
	}

	// token blacklist: Redis when configured, process-local otherwise
	var blacklist iam.Blacklist = iam.NewMemoryBlacklist()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = client.Close() }()
		blacklist = iam.NewRedisBlacklist(client)
	}

	recorder := audit.NewRecorder(store.Audit(), log)

	svc, err := iam.New(store, recorder, blacklist, iam.Config{
		TokenSecret:   []byte(cfg.TokenSecret),
		Issuer:        cfg.TokenIssuer,
		AccessTTL:     cfg.AccessTTL,
		RefreshTTL:    cfg.RefreshTTL,
		InvitationTTL: cfg.InvitationTTL,
		MFAIssuer:     cfg.MFAIssuer,

		LoginMaxAttempts: cfg.LoginMaxAttempts,
		LoginWindow:      cfg.LoginWindow,
	})
	if err != nil {
		log.Fatal("wire services", zap.Error(err))
	}

	api := httpapi.New(svc, recorder, httpapi.Options{
		ReadyProbe:  probe,
		Version:     version,
		Log:         log,
		CORSOrigins: cfg.CORSAllowedOrigins,
		RateRPS:     cfg.RequestsPerSecond,
		RateBurst:   cfg.RequestBurst,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info("starting opsforge-iam", zap.String("version", version), zap.String("addr", srv.Addr))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	log.Info("stopped")
}
