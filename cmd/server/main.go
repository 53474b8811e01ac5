// Narrative memory engine entry point.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/narrative-memory-engine/internal/cache"
	"github.com/narrative-memory-engine/internal/config"
	"github.com/narrative-memory-engine/internal/llm"
	"github.com/narrative-memory-engine/internal/server"
	"github.com/narrative-memory-engine/internal/session"
	"github.com/narrative-memory-engine/internal/storage"
)

const persistInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger.Info("Starting narrative memory engine",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("data_dir", cfg.DataDir),
		zap.Bool("llm_extractor", cfg.EnableLLMExtractor))

	store, err := storage.NewStore(cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("Failed to open data directory", zap.Error(err))
	}

	ctxCache, err := cache.NewContextCache(cache.DefaultMaxCost, cache.DefaultTTL, logger)
	if err != nil {
		logger.Fatal("Failed to create context cache", zap.Error(err))
	}
	defer ctxCache.Close()

	llmClient := llm.NewClient(llm.Config{
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		MaxTokens: llm.DefaultConfig().MaxTokens,
		Timeout:   cfg.LLMTimeout(),
	}, logger)

	registry, err := session.NewRegistry(cfg, store, ctxCache, llmClient, logger)
	if err != nil {
		logger.Fatal("Failed to create session registry", zap.Error(err))
	}

	router := mux.NewRouter()
	server.NewServer(registry, logger).SetupRoutes(router)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handlers.LoggingHandler(os.Stdout, cors(router)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Duration(cfg.LLM.TimeoutSeconds+30) * time.Second,
	}

	stopPersist := make(chan struct{})
	go func() {
		ticker := time.NewTicker(persistInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := registry.PersistAll(); err != nil {
					logger.Warn("Periodic persist failed", zap.Error(err))
				}
			case <-stopPersist:
				return
			}
		}
	}()

	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	close(stopPersist)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown failed", zap.Error(err))
	}
	if err := registry.Close(); err != nil {
		logger.Warn("Session flush failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}
