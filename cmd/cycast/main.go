// Cycast - an Icecast-compatible streaming server with playlist fallback
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/cycast/cycast/internal/config"
	"github.com/cycast/cycast/internal/server"
)

// Version information - injected at build time via ldflags
var (
	version   = "dev"
	gitCommit = "unknown"
)

// Exit codes
const (
	exitOK     = 0
	exitConfig = 1
	exitBind   = 2
)

func main() {
	configPath := pflag.StringP("config", "c", "config.hcl", "Path to HCL configuration file")
	showVersion := pflag.Bool("version", false, "Show version information")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("Cycast %s (%s)\n", version, gitCommit)
		os.Exit(exitOK)
	}

	logger := log.New(os.Stdout, "[Cycast] ", log.LstdFlags|log.Lmsgprefix)

	settings, err := config.Load(*configPath)
	if err != nil {
		logger.Printf("Configuration error: %v", err)
		os.Exit(exitConfig)
	}

	if settings.Server.SourcePassword == "hackme" {
		logger.Println("WARNING: using default source password 'hackme' - change this in production")
	}

	logger.Printf("Starting Cycast %s", version)
	logger.Printf("Station: %s", settings.StationName)
	logger.Printf("Source port: %d, listen port: %d, mount: %s",
		settings.Server.SourcePort, settings.Server.ListenPort, settings.Server.MountPoint)
	logger.Printf("Buffer: %d MB, chunk: %d bytes", settings.BufferBytes/(1024*1024), settings.ChunkSize)

	srv := server.New(settings, logger)
	if err := srv.Start(); err != nil {
		logger.Printf("Failed to start server: %v", err)
		if errors.Is(err, server.ErrBind) {
			os.Exit(exitBind)
		}
		os.Exit(exitConfig)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Printf("Received %v, shutting down...", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		logger.Printf("Error during shutdown: %v", err)
		os.Exit(exitConfig)
	}

	logger.Println("Cycast shutdown complete")
	os.Exit(exitOK)
}
