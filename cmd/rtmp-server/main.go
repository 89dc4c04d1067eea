package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/driftloop/rtmp-go/internal/logger"
	srv "github.com/driftloop/rtmp-go/internal/rtmp/server"
	"github.com/driftloop/rtmp-go/internal/rtmp/storage"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		// flag parse errors were already printed by the flag package; the
		// validation errors parseFlags returns after parsing are printed here.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.showVersion {
		fmt.Println(version)
		return
	}

	// Initialize global logger and set level based on flag
	logger.Init()
	if err := logger.SetLevel(cfg.logLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.logLevel)
	}
	log := logger.Logger().With("component", "cli")

	var storageProvider storage.Provider
	switch cfg.storageProvider {
	case "azure":
		storageProvider = storage.ProviderAzure
	case "s3":
		storageProvider = storage.ProviderS3
	}

	server := srv.New(srv.Config{
		ListenAddr:         cfg.listenAddr,
		ChunkSize:          uint32(cfg.chunkSize),
		WindowAckSize:      2_500_000, // matches control burst constant
		RecordAll:          cfg.recordAll,
		RecordDir:          cfg.recordDir,
		LogLevel:           cfg.logLevel,
		RelayDestinations:  cfg.relayDestinations,
		HookScripts:        cfg.hookScripts,
		HookWebhooks:       cfg.hookWebhooks,
		HookStdioFormat:    cfg.hookStdioFormat,
		HookTimeout:        cfg.hookTimeout,
		HookConcurrency:    cfg.hookConcurrency,
		StorageProvider:    storageProvider,
		StorageAzureURL:    cfg.storageAzureURL,
		StorageContainer:   cfg.storageContainer,
		StorageS3Bucket:    cfg.storageS3Bucket,
		StorageS3Region:    cfg.storageS3Region,
		StorageS3AccessKey: cfg.storageS3Access,
		StorageS3SecretKey: cfg.storageS3Secret,
		PresenceRedisAddr:  cfg.presenceRedis,
		InstanceID:         cfg.instanceID,
		PublishAuthHash:    cfg.publishAuthHash,
		EventStreamAddr:    cfg.eventStreamAddr,
	})

	if err := server.Start(); err != nil {
		log.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	log.Info("server started", "addr", server.Addr().String(), "version", version)

	var eventHTTP *http.Server
	if cfg.eventStreamAddr != "" {
		if hub := server.EventHub(); hub != nil {
			eventHTTP = &http.Server{Addr: cfg.eventStreamAddr, Handler: hub}
			go func() {
				log.Info("event stream listening", "addr", cfg.eventStreamAddr)
				if err := eventHTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("event stream server error", "error", err)
				}
			}()
		}
	}

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Perform shutdown in a separate goroutine in case it blocks; we just wait or force exit on timeout.
	done := make(chan struct{})
	go func() {
		if eventHTTP != nil {
			if err := eventHTTP.Shutdown(shutdownCtx); err != nil {
				log.Error("event stream shutdown error", "error", err)
			}
		}
		if err := server.Stop(); err != nil {
			log.Error("server stop error", "error", err)
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("server stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}
