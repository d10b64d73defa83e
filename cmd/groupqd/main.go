// Command groupqd is the example wiring binary for groupq: it loads
// configuration from the environment, connects to Redis, constructs a
// Manager, registers a couple of demo handlers, and serves /metrics for
// Prometheus scraping. It is not the HTTP admin API or dashboard — those
// are out of scope for this module (spec.md Non-goals) — but every repo in
// this corpus takes this same ambient shape: a cmd/ binary that wires
// config, logging, store, and a metrics endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/groupq/groupq/manager"
	"github.com/groupq/groupq/store"
	"github.com/groupq/groupq/task"
)

func main() {
	cfg := manager.LoadConfigFromEnv()
	logger := cfg.Logger.With().Str("component", "groupqd").Logger()

	logger.Info().Str("addr", cfg.Store.Addr).Msg("connecting to redis")
	s, err := store.NewRedisStore(cfg.Store)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}

	m, err := manager.New(cfg, s)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct manager")
	}

	ctx := context.Background()
	registerDemoQueues(ctx, m, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":8090"
	if v := os.Getenv("GROUPQD_HTTP_ADDR"); v != "" {
		addr = v
	}
	srv := &http.Server{Addr: addr, Handler: mux}

	fmt.Println("==================================================")
	fmt.Println("groupq — distributed task queue")
	fmt.Println("==================================================")
	fmt.Printf("Instance:   %s\n", cfg.InstanceID)
	fmt.Printf("Redis:      %s\n", cfg.Store.Addr)
	fmt.Printf("Listening:  %s (/health, /metrics)\n", addr)
	fmt.Println("==================================================")

	go func() {
		logger.Info().Str("addr", addr).Msg("groupqd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = m.Close()
}

// registerDemoQueues creates the two demo queues named in spec.md's worked
// examples — a plain "emails" queue and a "reports" queue whose jobs are
// admitted through a group — each with a handler that just logs and echoes
// its payload back as the result. A real deployment replaces these with its
// own CreateQueue calls and handler registrations.
func registerDemoQueues(ctx context.Context, m *manager.Manager, logger zerolog.Logger) {
	emailCfg := manager.DefaultQueueConfig()
	emailCfg.Concurrency = 4
	if _, err := m.CreateQueue(ctx, "emails", emailCfg); err != nil {
		logger.Warn().Err(err).Msg("failed to create demo queue 'emails'")
	}

	reportCfg := manager.DefaultQueueConfig()
	reportCfg.Concurrency = 2
	reportCfg.MaxRetries = 3
	if _, err := m.CreateQueue(ctx, "reports", reportCfg); err != nil {
		logger.Warn().Err(err).Msg("failed to create demo queue 'reports'")
	}

	echoHandler := func(ctx context.Context, data []byte) (any, error) {
		logger.Info().RawJSON("payload", data).Msg("demo handler invoked")
		return map[string]any{"echo": json.RawMessage(data)}, nil
	}
	if err := m.RegisterHandler("emails", "send-welcome-email", echoHandler); err != nil {
		logger.Warn().Err(err).Msg("failed to register demo handler for 'emails'")
	}
	if err := m.RegisterHandler("reports", "generate-report", echoHandler); err != nil {
		logger.Warn().Err(err).Msg("failed to register demo handler for 'reports'")
	}

	opts := task.DefaultOptions()
	opts.Queue = "emails"
	if _, err := m.AddTask(ctx, "send-welcome-email", mustJSON(map[string]string{"to": "demo@example.com"}), opts); err != nil {
		logger.Warn().Err(err).Msg("failed to enqueue demo task")
	}

	groupOpts := task.DefaultOptions()
	groupOpts.Queue = "reports"
	groupOpts.Group = "tenant-demo"
	if err := m.AddTaskToGroup(ctx, "generate-report", groupOpts, mustJSON(map[string]string{"tenant": "demo"})); err != nil {
		logger.Warn().Err(err).Msg("failed to enqueue demo grouped task")
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
