package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/nrednav/cuid2"

	"uk.co.dudmesh.sitechat/internal/boot"
	"uk.co.dudmesh.sitechat/internal/handlers"
	"uk.co.dudmesh.sitechat/internal/identity"
	"uk.co.dudmesh.sitechat/internal/metrics"
	"uk.co.dudmesh.sitechat/internal/realtime"
	"uk.co.dudmesh.sitechat/internal/store"
	"uk.co.dudmesh.sitechat/internal/unread"
)

// unreadCounts reads through the local cache and fans invalidations out to
// every configured target.
type unreadCounts struct {
	*unread.Cache
	invalidator unread.Invalidator
}

func (u unreadCounts) Invalidate(ctx context.Context, keys ...string) error {
	return u.invalidator.Invalidate(ctx, keys...)
}

func main() {
	config, err := boot.Load()
	if err != nil {
		log.Fatalf("boot: %+v", err)
	}
	log.SetLevel(log.INFO)
	metrics.Register()

	hub := realtime.NewHub(realtime.DefaultBuffer)
	defer hub.Close()

	chatStore, err := store.New(config, hub)
	if err != nil {
		log.Fatalf("opening store: %+v", err)
	}
	defer chatStore.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	cache := unread.NewCache(chatStore)
	counts := unreadCounts{Cache: cache, invalidator: cache}
	if config.Redis.URL != "" {
		shared, err := unread.NewRedisInvalidator(config.Redis.URL)
		if err != nil {
			log.Fatalf("connecting to redis: %+v", err)
		}
		defer shared.Close()
		go shared.Listen(ctx, cache)
		counts.invalidator = unread.Fanout{cache, shared}
		log.Infof("unread invalidations shared through redis")
	}

	tokens := identity.NewTokens(config.Auth.Secret)
	if config.Auth.PublicJWK != "" {
		if tokens, err = tokens.WithPublicKey(config.Auth.PublicJWK); err != nil {
			log.Fatalf("loading JWT_PUBLIC_JWK: %+v", err)
		}
		log.Infof("accepting ES256 tokens from the configured identity provider")
	}

	server := echo.New()
	server.HTTPErrorHandler = handlers.ErrorHandler
	server.Use(middleware.BodyLimit("10M"))
	server.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return cuid2.Generate()
		},
	}))
	server.Use(echoprometheus.NewMiddleware("sitechat"))
	server.Use(middleware.Recover())

	server.Logger.SetLevel(log.INFO)

	headers := []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderXRequestID}
	server.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     config.AllowedOrigins(),
		AllowHeaders:     headers,
		AllowCredentials: true,
	}))

	handlers.Mount(server, handlers.Dependencies{
		Tokens:   tokens,
		Store:    chatStore,
		Unread:   counts,
		Events:   hub,
		Upgrader: handlers.Upgrader(config.AllowedOrigins()),
	})

	go func() {
		metricsServer := echo.New()
		metricsServer.HideBanner = true
		metricsServer.GET("/metrics", echoprometheus.NewHandler())
		if err := metricsServer.Start(":" + config.Server.MetricsPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	go func() {
		if err := server.Start(":" + config.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.Logger.Fatal("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit
	stop()
	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdown); err != nil {
		server.Logger.Fatal(err)
	}
}
