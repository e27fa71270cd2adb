// Copyright 2025 Dimagi
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"time"

	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dimagi/commcare-hq-sub036/casesync"
)

// ServerConfig holds configuration for the server
type ServerConfig struct {
	DatabaseURL string
	// RedisAddr enables the Redis payload cache; empty means in-memory.
	RedisAddr string
	JWTSecret string
	Logger    *slog.Logger
	AppName   string
	Restore   casesync.RestoreConfig
	Applier   casesync.ApplierConfig
	// Owners maps user IDs to extra owner IDs (groups). Optional.
	Owners map[string][]string
}

// ServerComponents holds the initialized server components
type ServerComponents struct {
	Pool        *pgxpool.Pool
	Redis       *redis.Client
	Applier     *casesync.Applier
	Restore     *casesync.RestoreService
	Cleanliness *casesync.CleanlinessTracker
	Metrics     *casesync.StageMetrics
	JWTAuth     *casesync.JWTAuth
	Handler     http.Handler
	Logger      *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
}

// TestServer represents a running test server instance
type TestServer struct {
	*ServerComponents
	HTTPServer *httptest.Server
}

// SetupServer initializes all server components (database, engine, handlers).
// This is the shared logic used by both main() and tests. With an empty
// DatabaseURL everything runs on in-memory stores.
func SetupServer(config *ServerConfig) (*ServerComponents, error) {
	ctx, cancel := context.WithCancel(context.Background())

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	var (
		pool      *pgxpool.Pool
		cases     casesync.CaseStore
		syncLogs  casesync.SyncLogStore
		flags     casesync.CleanlinessStore
		jobs      casesync.JobStore
		rdb       *redis.Client
		cache     casesync.PayloadCache
	)

	if config.DatabaseURL != "" {
		poolConfig, err := pgxpool.ParseConfig(config.DatabaseURL)
		if err != nil {
			cancel()
			return nil, err
		}
		poolConfig.MaxConns = 50
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = time.Hour
		poolConfig.MaxConnIdleTime = time.Minute * 30

		pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			cancel()
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			cancel()
			return nil, err
		}
		if err := casesync.InitializeSchema(ctx, pool); err != nil {
			pool.Close()
			cancel()
			return nil, err
		}
		cases = casesync.NewPgCaseStore(pool)
		syncLogs = casesync.NewPgSyncLogStore(pool)
		flags = casesync.NewPgCleanlinessStore(pool)
		jobs = casesync.NewPgJobStore(pool)
	} else {
		logger.Warn("no database URL configured, using in-memory stores")
		cases = casesync.NewMemoryCaseStore()
		syncLogs = casesync.NewMemorySyncLogStore()
		flags = casesync.NewMemoryCleanlinessStore()
		jobs = casesync.NewMemoryJobStore()
	}

	if config.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: config.RedisAddr})
		if err := rdb.Ping().Err(); err != nil {
			if pool != nil {
				pool.Close()
			}
			cancel()
			return nil, err
		}
		cache = casesync.NewRedisPayloadCache(rdb, config.AppName)
	} else {
		cache = casesync.NewMemoryPayloadCache()
	}

	metrics := casesync.NewStageMetrics()
	cleanliness := casesync.NewCleanlinessTracker(cases, flags, logger)
	applier := casesync.NewApplier(cases, syncLogs, cleanliness, cache, metrics, config.Applier, logger)
	owners := &casesync.StaticOwnerProvider{Owners: config.Owners}
	restore := casesync.NewRestoreService(
		cases, syncLogs, cleanliness, owners, cache, jobs, metrics, config.Restore, logger)

	jwtSecret := config.JWTSecret
	if jwtSecret == "" {
		jwtSecret = "your-secret-key-change-in-production"
		logger.Warn("Using default JWT secret - change in production!")
	}
	jwtAuth := casesync.NewJWTAuth(jwtSecret)

	handlers := casesync.NewHTTPHandlers(applier, restore, jwtAuth, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", HandleHealth)
	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(metrics.Snapshot())
	})

	// Dummy signin endpoint returns a JWT for provided user/device; any password accepted
	mux.HandleFunc("POST /dummy-signin", func(w http.ResponseWriter, r *http.Request) {
		type signinReq struct {
			User     string `json:"user"`
			Password string `json:"password"`
			Device   string `json:"device"`
		}
		type signinResp struct {
			Token     string `json:"token"`
			ExpiresIn int64  `json:"expires_in"`
			User      string `json:"user"`
			Device    string `json:"device"`
		}
		var req signinReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_request", "message": "invalid JSON"})
			return
		}
		if req.User == "" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_request", "message": "user required"})
			return
		}
		if req.Device == "" {
			req.Device = "device-" + strconv.FormatInt(time.Now().UnixNano(), 36)
		}
		tok, err := jwtAuth.GenerateToken(req.User, req.Device, 5*time.Minute)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "token_error", "message": err.Error()})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(signinResp{Token: tok, ExpiresIn: int64(300), User: req.User, Device: req.Device})
	})

	apiMux := http.NewServeMux()
	handlers.Register(apiMux)
	mux.Handle("/casesync/", LoggingMiddleware(jwtAuth.Middleware(apiMux), logger))

	return &ServerComponents{
		Pool:        pool,
		Redis:       rdb,
		Applier:     applier,
		Restore:     restore,
		Cleanliness: cleanliness,
		Metrics:     metrics,
		JWTAuth:     jwtAuth,
		Handler:     mux,
		Logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Close shuts down the server components and cleans up resources
func (sc *ServerComponents) Close() {
	if sc.Pool != nil {
		sc.Pool.Close()
	}
	if sc.Redis != nil {
		_ = sc.Redis.Close()
	}
	if sc.cancel != nil {
		sc.cancel()
	}
}

// NewTestServer creates a new test server instance using the shared server setup
func NewTestServer(config *ServerConfig) (*TestServer, error) {
	components, err := SetupServer(config)
	if err != nil {
		return nil, err
	}

	httpServer := httptest.NewServer(components.Handler)

	return &TestServer{
		ServerComponents: components,
		HTTPServer:       httpServer,
	}, nil
}

// Close shuts down the test server and cleans up resources
func (ts *TestServer) Close() {
	if ts.HTTPServer != nil {
		ts.HTTPServer.Close()
	}
	ts.ServerComponents.Close()
}

// URL returns the base URL of the test server
func (ts *TestServer) URL() string {
	return ts.HTTPServer.URL
}

// GenerateToken generates a JWT token for testing
func (ts *TestServer) GenerateToken(userID, deviceID string, duration time.Duration) (string, error) {
	return ts.JWTAuth.GenerateToken(userID, deviceID, duration)
}

// HandleHealth reports process liveness.
func HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// LoggingMiddleware logs HTTP requests with timing and status.
func LoggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: 200}
		next.ServeHTTP(wrapped, r)
		logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start).String(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
