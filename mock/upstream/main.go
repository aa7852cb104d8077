// Command upstream runs a mock OpenAI-compatible backend for local runs and
// load tests of the gateway without real credentials.
//
// One server answers for every provider: point OPENAI_BASE_URL,
// GROQ_BASE_URL, VLLM_BASE_URL and friends at http://localhost:19001/v1.
//
// Behaviour flags (via env):
//
//	PORT              listen port (default 19001)
//	MOCK_LATENCY_MS   artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   fraction [0,1] of requests that return HTTP 503 (default 0)
//	MOCK_STREAM_WORDS words in a generated response (default 10)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Config holds the mock's runtime behaviour.
type Config struct {
	LatencyMS   int
	ErrorRate   float64
	StreamWords int
}

func loadConfig() Config {
	c := Config{StreamWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_STREAM_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.StreamWords = n
		}
	}
	return c
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	port := os.Getenv("PORT")
	if port == "" {
		port = "19001"
	}

	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     newHandler(cfg),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		log.Info("mock upstream listening",
			slog.String("addr", srv.Addr),
			slog.Int("latency_ms", cfg.LatencyMS),
			slog.Float64("error_rate", cfg.ErrorRate),
			slog.Int("stream_words", cfg.StreamWords),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Info("mock upstream stopped")
}
