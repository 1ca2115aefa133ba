package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/formlock/internal/config"
	"github.com/ehr/formlock/internal/domain/formlease"
	"github.com/ehr/formlock/internal/platform/auth"
	"github.com/ehr/formlock/internal/platform/db"
	"github.com/ehr/formlock/internal/platform/metrics"
	"github.com/ehr/formlock/internal/platform/middleware"
	"github.com/ehr/formlock/internal/platform/websocket"
)

const version = "0.1.0"

type server struct {
	echo   *echo.Echo
	svc    *formlease.Service
	hub    *websocket.Hub
	closer []func()
}

func (s *server) Close() {
	for i := len(s.closer) - 1; i >= 0; i-- {
		s.closer[i]()
	}
}

// store is an opened lease backend.
type store struct {
	repo   formlease.Repository
	pool   *pgxpool.Pool
	health echo.HandlerFunc
	close  func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	switch cfg.LeaseBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		return &store{
			repo:   formlease.NewRepo(pool),
			pool:   pool,
			health: db.PoolHealthHandler(pool),
			close:  pool.Close,
		}, nil

	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		logger.Info().Str("prefix", cfg.RedisPrefix).Msg("connected to redis")
		ping := db.PingFunc(func(ctx context.Context) error { return client.Ping(ctx).Err() })
		return &store{
			repo:   formlease.NewRedisRepo(client, cfg.RedisPrefix),
			health: db.HealthHandler(config.BackendRedis, ping, nil),
			close:  func() { client.Close() },
		}, nil

	case config.BackendMemory, "":
		logger.Warn().Msg("using in-memory lease store; leases are lost on restart")
		ping := db.PingFunc(func(context.Context) error { return nil })
		return &store{
			repo:   formlease.NewMemoryRepo(),
			health: db.HealthHandler(config.BackendMemory, ping, nil),
			close:  func() {},
		}, nil
	}
	return nil, fmt.Errorf("unknown lease backend %q", cfg.LeaseBackend)
}

func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	mode, err := formlease.ParseAcquireMode(cfg.LeaseAcquireMode)
	if err != nil {
		return nil, err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	srv := &server{closer: []func(){st.close}}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv.hub = websocket.NewHub(logger)
	srv.svc = formlease.NewService(st.repo)
	srv.svc.SetAcquireMode(mode)
	srv.svc.SetPublisher(srv.hub)
	srv.svc.SetMetrics(metrics.NewLease(reg))
	srv.svc.SetLogger(logger)

	leaseHandler := formlease.NewHandler(srv.svc)
	if cfg.SessionSigningKey != "" {
		tokens, err := auth.NewSessionTokens([]byte(cfg.SessionSigningKey))
		if err != nil {
			srv.Close()
			return nil, err
		}
		leaseHandler.SetSessionTokens(tokens)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost},
		AllowHeaders:  []string{"Content-Type", middleware.RequestIDHeader, auth.SessionTokenHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
	}))

	api := e.Group("")
	api.Use(middleware.BodyLimit("1M"))
	api.Use(middleware.RequestTimeout(30 * time.Second))
	if st.pool != nil {
		api.Use(db.ConnMiddleware(st.pool))
	}
	leaseHandler.RegisterRoutes(api)

	websocket.NewHandler(srv.hub).RegisterRoutes(e.Group(""))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"version": version,
			"clients": srv.hub.ClientCount(),
		})
	})
	e.GET("/health/db", st.health)
	e.GET("/metrics", metrics.Handler(reg))

	srv.echo = e
	return srv, nil
}
