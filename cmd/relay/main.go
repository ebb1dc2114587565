package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/wavechat/callcore/config"
	"github.com/wavechat/callcore/internal/directory"
	"github.com/wavechat/callcore/internal/identity"
	"github.com/wavechat/callcore/internal/relay"
)

const sweepInterval = time.Minute

func main() {
	cfg := config.Load()

	w := zerolog.ConsoleWriter{Out: os.Stdout}
	l := zerolog.New(w).With().Timestamp().Logger()

	store, err := directory.NewStore(cfg.Redis, l)
	if err != nil {
		l.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer store.Close()
	l.Info().Msg("redis connection established")

	ids := identity.NewService(cfg.JWTSecret)
	registry := relay.NewRegistry(l)
	router := relay.New(registry, store, l)

	// Janitor for rooms idle past the configured timeout.
	sweepDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepDone:
				return
			case <-ticker.C:
				registry.SweepIdle(cfg.RoomIdleTimeout)
			}
		}
	}()
	defer close(sweepDone)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()
	r.Use(relay.OriginFilter(cfg.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": registry.RoomCount()})
	})

	api := r.Group("/api")
	{
		api.GET("/ice-servers", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"stunServers": cfg.STUNServers})
		})
		api.POST("/identity", ids.IssueHandler())
		api.POST("/rooms", ids.Auth(), store.CreateRoom)
		api.GET("/rooms/:roomId", store.GetRoom)
		api.DELETE("/rooms/:roomId", ids.Auth(), store.DeleteRoom)
	}

	ws := r.Group("/ws")
	{
		ws.GET("/signal/:roomId", relay.Signaling(router, ids, store, l))
	}

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		l.Info().Str("port", cfg.Port).Msg("starting signaling relay")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			l.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	l.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		l.Error().Err(err).Msg("server forced to shutdown")
	}
}
