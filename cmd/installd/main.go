package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/packagesmith/installd/internal/infrastructure/config"
	"github.com/packagesmith/installd/internal/infrastructure/server"
)

func main() {
	// Flags override environment configuration.
	port := flag.String("port", "", "Server port")
	stageRoot := flag.String("stage-root", "", "Session content area root")
	stateDir := flag.String("state-dir", "", "Persisted session record directory")
	installRoot := flag.String("install-root", "", "Committed package root")
	activationURL := flag.String("activation", "", "Module activation service URL")
	dev := flag.Bool("dev", false, "Development logging")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *stageRoot != "" {
		cfg.Sessions.StageRoot = *stageRoot
	}
	if *stateDir != "" {
		cfg.Sessions.StateDir = *stateDir
	}
	if *installRoot != "" {
		cfg.Sessions.InstallRoot = *installRoot
	}
	if *activationURL != "" {
		cfg.Activation.BaseURL = *activationURL
	}
	if *dev {
		cfg.Logging.Development = true
	}

	srv, err := server.New(cfg, server.Options{})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.Run(); err != nil {
			errChan <- err
		}
	}()

	select {
	case <-sigChan:
		ctx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Error during shutdown: %v", err)
		}
	case err := <-errChan:
		log.Fatalf("Server error: %v", err)
	}
}
