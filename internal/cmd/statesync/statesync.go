// Package statesync parses the sync service's flags and starts its runtime:
// storage backend, session manager, and the observer websocket endpoint.
package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	entrypoint "github.com/emberline/statesync/internal/platform/cmd"
	"github.com/emberline/statesync/internal/session"
	"github.com/emberline/statesync/internal/storage"
	"github.com/emberline/statesync/internal/storage/memory"
	redisstore "github.com/emberline/statesync/internal/storage/redis"
	sqlitestore "github.com/emberline/statesync/internal/storage/sqlite"
	"github.com/emberline/statesync/internal/transport/ws"
)

const shutdownTimeout = 10 * time.Second

// Config holds sync service configuration. Environment values are defaults;
// flags override.
type Config struct {
	Addr         string `env:"STATESYNC_ADDR" envDefault:":8082"`
	Backend      string `env:"STATESYNC_BACKEND" envDefault:"sqlite"`
	SQLitePath   string `env:"STATESYNC_SQLITE_PATH" envDefault:"statesync.db"`
	RedisURL     string `env:"STATESYNC_REDIS_URL"`
	TokenSecret  string `env:"STATESYNC_TOKEN_SECRET"`
	TemplatePath string `env:"STATESYNC_TEMPLATE_PATH"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "The service listen address")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Storage backend: sqlite, redis, or memory")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "SQLite database path")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis connection URL")
	fs.StringVar(&cfg.TemplatePath, "template", cfg.TemplatePath, "JSON schema template path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the sync service and blocks until ctx is canceled.
func Run(ctx context.Context, cfg Config) error {
	if cfg.TokenSecret == "" {
		return errors.New("STATESYNC_TOKEN_SECRET is required")
	}
	template, err := loadTemplate(cfg.TemplatePath)
	if err != nil {
		return err
	}
	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceStatesync, func(ctx context.Context) error {
		hub := ws.NewHub([]byte(cfg.TokenSecret))
		mgr := session.NewManager(backend, hub, template, session.Hooks{})

		// Entity sessions follow observer connections: an authenticated
		// observer starts its entity's session, a dropped one releases it.
		bridge := newSessionBridge(mgr)
		hub.OnConnect(func(entityID string) { bridge.observerConnected(ctx, entityID) })
		hub.OnDisconnect(func(entityID string) { bridge.observerDisconnected(context.Background(), entityID) })

		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

		srv := &http.Server{Addr: cfg.Addr, Handler: mux}
		errCh := make(chan error, 1)
		go func() {
			log.Printf("statesync listening addr=%s backend=%s", cfg.Addr, cfg.Backend)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown server: %w", err)
			}
			return nil
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serve: %w", err)
		}
	})
}

// openBackend selects and opens the configured storage backend.
func openBackend(ctx context.Context, cfg Config) (storage.Backend, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		backend, err := sqlitestore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite backend: %w", err)
		}
		return backend, func() { backend.Close() }, nil
	case "redis":
		backend, err := redisstore.NewBackend(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis backend: %w", err)
		}
		return backend, func() { backend.Close() }, nil
	case "memory":
		return memory.NewBackend(), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// loadTemplate reads the JSON schema template. An empty path means no
// defaults; reconciliation becomes a no-op.
func loadTemplate(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	var template map[string]any
	if err := json.Unmarshal(raw, &template); err != nil {
		return nil, fmt.Errorf("parse template: %w", err)
	}
	return template, nil
}
