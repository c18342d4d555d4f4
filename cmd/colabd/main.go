package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/scratchcollab/colabd/pkg/logger"
	"github.com/scratchcollab/colabd/pkg/server"
	"github.com/scratchcollab/colabd/pkg/ticket"
	"github.com/scratchcollab/colabd/pkg/workspace"
)

// Config holds all server configuration (§6 Environment).
type Config struct {
	Port                    string
	NodeEnv                 string
	EmptyWorkspaceRetention time.Duration
}

func main() {
	logger.Init()

	config := Config{
		Port:                    getEnv("PORT", "4000"),
		NodeEnv:                 getEnv("NODE_ENV", "development"),
		EmptyWorkspaceRetention: time.Duration(getEnvInt("COLAB_EMPTY_WORKSPACE_RETENTION_MS", 120000)) * time.Millisecond,
	}

	logger.Info("Starting colabd server...")
	logger.Info("Port: %s", config.Port)
	logger.Info("NODE_ENV: %s", config.NodeEnv)
	logger.Info("Empty workspace retention: %s", config.EmptyWorkspaceRetention)

	isProduction := config.NodeEnv == "production"
	verifier := ticket.NewVerifier(isProduction)
	registry := workspace.NewRegistry(config.EmptyWorkspaceRetention)

	srv := server.NewServer(registry, verifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down...")
		cancel()
		srv.Shutdown(ctx)
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%s", config.Port)
	log.Fatal(srv.ListenAndServe(addr))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil && i >= 0 {
			return i
		}
	}
	return defaultValue
}
