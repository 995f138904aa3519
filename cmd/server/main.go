package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	cloudfirestore "cloud.google.com/go/firestore"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waynelab/chathub/internal/ai"
	"github.com/waynelab/chathub/internal/auth"
	"github.com/waynelab/chathub/internal/bus"
	"github.com/waynelab/chathub/internal/config"
	"github.com/waynelab/chathub/internal/gateway"
	"github.com/waynelab/chathub/internal/history"
	"github.com/waynelab/chathub/internal/janitor"
	"github.com/waynelab/chathub/internal/logger"
	"github.com/waynelab/chathub/internal/metrics"
	"github.com/waynelab/chathub/internal/store"
	fsstore "github.com/waynelab/chathub/internal/store/firestore"
	"github.com/waynelab/chathub/internal/ws"
)

func main() {
	cfg := config.Load()
	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))

	gin.SetMode(cfg.GinMode)

	if cfg.JWTSecret == "" {
		log.Error("JWT_SECRET is required")
		os.Exit(1)
	}
	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret)
	if err != nil {
		log.Error("jwt verifier init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx := context.Background()

	// Durable store. Firestore is the production backend; without a project
	// id the server refuses to start rather than run without persistence.
	if cfg.FirestoreProjectID == "" {
		log.Error("FIRESTORE_PROJECT_ID is required")
		os.Exit(1)
	}
	fsClient, err := cloudfirestore.NewClient(ctx, cfg.FirestoreProjectID)
	if err != nil {
		log.Error("firestore init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer fsClient.Close()
	repos := fsstore.New(fsClient)

	// Cross-instance bus. A single instance can run without NATS on the
	// in-process bus.
	var fleet bus.PubSub
	if cfg.NatsURL != "" {
		natsBus, err := bus.Connect(cfg.NatsURL, log)
		if err != nil {
			log.Error("nats init failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		fleet = natsBus
	} else {
		log.Warn("NATS_URL not set, running single-instance on the in-process bus")
		fleet = bus.NewMemoryBus()
	}
	defer fleet.Close()

	cache := store.NewMemoryCache(cfg.RateBucketCap+cfg.MaxInflight+4096, store.SystemClock())

	var generator ai.Generator
	if cfg.AIBaseURL != "" {
		generator = ai.NewClient(cfg.AIBaseURL, cfg.AIAPIKey, log)
	} else {
		log.Warn("AI_BASE_URL not set, @-mentions are disabled")
	}

	gw := gateway.New(gateway.Deps{
		Messages:  repos.Messages(),
		Rooms:     repos.Rooms(),
		Users:     repos.Users(),
		Files:     repos.Files(),
		Sessions:  repos.Sessions(),
		Cache:     cache,
		Bus:       fleet,
		Verifier:  verifier,
		Generator: generator,
		Clock:     store.SystemClock(),
		Logger:    log,
	}, gateway.Options{
		MaxConnections:     cfg.MaxConnections,
		MaxStreams:         cfg.MaxStreams,
		MaxRoomEntries:     cfg.MaxRoomEntries,
		PreemptGrace:       cfg.PreemptGrace,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		RateBucketCap:      cfg.RateBucketCap,
		UserCacheSize:      cfg.UserCacheSize,
		UserCacheTTL:       cfg.UserCacheTTL,
		AccessTTL:          cfg.AccessCacheTTL,
		HistoryPageSize:    cfg.HistoryPageSize,
		History: history.Options{
			Timeout:     cfg.HistoryTimeout,
			Retries:     cfg.HistoryRetries,
			Backoff:     cfg.HistoryBackoff,
			BackoffMax:  cfg.HistoryBackoffMax,
			HistoryTTL:  cfg.HistoryCacheTTL,
			MaxInflight: cfg.MaxInflight,
		},
		AIModels: cfg.AIModels,
	})
	if err := gw.Run(); err != nil {
		log.Error("bus subscription failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	jan := janitor.New(janitorTasks(gw, cfg), janitor.Options{
		Schedule:      cfg.JanitorInterval,
		SoftHeapBytes: cfg.SoftHeapBytes,
		HardHeapBytes: cfg.HardHeapBytes,
	}, log)
	if err := jan.Start(); err != nil {
		log.Error("janitor start failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "instance": logger.InstanceID()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", ws.Handler(gw.Authenticator(), gw, cfg.SendBufferSize, log))

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("server listening",
			slog.String("port", cfg.Port),
			slog.String("instance", logger.InstanceID()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	// Stop accepting sessions first, then wind the core down.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown incomplete", slog.String("error", err.Error()))
	}
	jan.Stop()
	gw.Shutdown(shutdownCtx)
	log.Info("bye")
}

// janitorTasks binds the periodic sweeps to the gateway's registries.
func janitorTasks(gw *gateway.Gateway, cfg *config.Config) janitor.Tasks {
	tasks := janitor.Tasks{
		SweepRateBuckets: func() int { return gw.Limiter().Sweep(cfg.RateBucketMaxAge) },
		SweepConnections: func() int {
			n := gw.Connections().SweepDead()
			metrics.ActiveConnections.Set(float64(gw.Connections().Len()))
			return n
		},
		SweepInflight: func() int { return gw.History().SweepInflight(cfg.InflightMaxAge) },
		ShedMemory: func() {
			gw.Limiter().Reset()
			gw.History().ClearInflight()
		},
	}
	if streams := gw.Streams(); streams != nil {
		tasks.ExpireStreams = func() int {
			n := streams.ExpireIdle(cfg.StreamIdle)
			metrics.ActiveStreams.Set(float64(streams.Len()))
			return n
		}
	}
	return tasks
}
