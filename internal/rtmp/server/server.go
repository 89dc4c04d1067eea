package server

// RTMP Server Listener
// --------------------
// Provides a TCP listener + connection manager integrating the handshake,
// session state machine and connection lifecycle implemented in the conn
// and session packages:
//   * Listen on configured address (default :1935)
//   * Accept loop spawning a goroutine per connection (via conn.Accept)
//   * Track active connections in a concurrent-safe map
//   * Graceful shutdown: stop accepting, close all connections, wait
//   * Configuration options (chunk/window sizes, recording, hooks, relay)
//   * Exposed methods for tests: Start, Stop, Addr, ConnectionCount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/driftloop/rtmp-go/internal/logger"
	"github.com/driftloop/rtmp-go/internal/rtmp/client"
	iconn "github.com/driftloop/rtmp-go/internal/rtmp/conn"
	"github.com/driftloop/rtmp-go/internal/rtmp/relay"
	"github.com/driftloop/rtmp-go/internal/rtmp/server/auth"
	"github.com/driftloop/rtmp-go/internal/rtmp/server/eventstream"
	"github.com/driftloop/rtmp-go/internal/rtmp/server/hooks"
	"github.com/driftloop/rtmp-go/internal/rtmp/server/presence"
	"github.com/driftloop/rtmp-go/internal/rtmp/session"
	"github.com/driftloop/rtmp-go/internal/rtmp/storage"
)

// Config holds server configuration knobs. Future tasks may extend with
// validation / functional options. For now we keep a plain struct.
type Config struct {
	ListenAddr        string
	ChunkSize         uint32 // initial outbound chunk size (after control burst peer will update)
	WindowAckSize     uint32 // advertised window acknowledgement size
	RecordAll         bool
	RecordDir         string
	LogLevel          string
	RelayDestinations []string // NEW: List of destination URLs for relay
	// Hook configuration (all optional for backward compatibility)
	HookScripts     []string // event_type=script_path pairs
	HookWebhooks    []string // event_type=webhook_url pairs
	HookStdioFormat string   // "json", "env", or "" (disabled)
	HookTimeout     string   // timeout duration
	HookConcurrency int      // max concurrent hook executions

	// Recording upload (optional, disabled when StorageProvider is empty)
	StorageProvider    storage.Provider
	StorageAzureURL    string
	StorageContainer   string
	StorageS3Bucket    string
	StorageS3Region    string
	StorageS3AccessKey string // static S3 credentials; empty uses the default credential chain
	StorageS3SecretKey string

	// Distributed presence (optional, disabled when PresenceRedisAddr is empty)
	PresenceRedisAddr string
	InstanceID        string

	// Publish authorization (optional, disabled when PublishAuthHash is empty)
	PublishAuthHash string

	// EventStream (optional, disabled when EventStreamAddr is empty)
	EventStreamAddr string
}

// applyDefaults fills zero values with sensible defaults.
func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":1935"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 4096
	} // matches control burst constant
	if c.WindowAckSize == 0 {
		c.WindowAckSize = 2_500_000
	} // matches control burst
	if c.RecordDir == "" {
		c.RecordDir = "recordings"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Server encapsulates listener + active connection tracking.
type Server struct {
	cfg                Config
	l                  net.Listener
	log                *slog.Logger
	reg                *Registry
	destinationManager *relay.DestinationManager // NEW: Multi-destination relay manager
	hookManager        *hooks.HookManager        // NEW: Event hook manager
	eventHub           *eventstream.Hub          // NEW: WebSocket event fan-out
	presenceTracker    *presence.Tracker         // NEW: distributed publish presence
	publishAuth        *auth.Validator           // NEW: publish-time token gate
	storageSidecar     *storage.Sidecar          // NEW: recording upload sidecar
	storageCtx         context.Context
	storageCancel      context.CancelFunc

	mu          sync.RWMutex
	conns       map[string]*iconn.Connection
	acceptingWg sync.WaitGroup // waits for accept loop exit
	closing     bool
}

// New creates a new, unstarted Server instance.
func New(cfg Config) *Server {
	cfg.applyDefaults()
	log := logger.Logger()

	// Initialize destination manager if destinations are provided
	var destMgr *relay.DestinationManager
	if len(cfg.RelayDestinations) > 0 {
		var err error
		// Create a client factory that wraps the client.New function
		clientFactory := func(url string) (relay.RTMPClient, error) {
			return client.New(url)
		}
		destMgr, err = relay.NewDestinationManager(cfg.RelayDestinations, log, clientFactory)
		if err != nil {
			log.Error("Failed to initialize destination manager", "error", err)
			// Continue without relay functionality
		}
	}

	// Initialize hook manager (always safe, even with empty config)
	hookMgr := initializeHookManager(cfg, log)

	var eventHub *eventstream.Hub
	if cfg.EventStreamAddr != "" {
		eventHub = eventstream.NewHub(log)
		for _, et := range eventstream.AllEventTypes() {
			if err := hookMgr.RegisterHook(et, eventHub); err != nil {
				log.Error("failed to register eventstream hub", "error", err, "event_type", et)
			}
		}
	}

	var presenceTracker *presence.Tracker
	if cfg.PresenceRedisAddr != "" {
		presenceTracker = presence.NewTracker(presence.Config{
			RedisAddr:  cfg.PresenceRedisAddr,
			InstanceID: cfg.InstanceID,
		})
	}

	publishAuth, err := auth.NewValidator(cfg.PublishAuthHash)
	if err != nil {
		log.Error("invalid publish-auth hash, publish authorization disabled", "error", err)
		publishAuth, _ = auth.NewValidator("")
	}

	var sidecar *storage.Sidecar
	var storageCtx context.Context
	var storageCancel context.CancelFunc
	if cfg.StorageProvider != storage.ProviderNone {
		backend, err := storage.NewBackend(storage.Config{
			Provider:        cfg.StorageProvider,
			AzureAccountURL: cfg.StorageAzureURL,
			AzureContainer:  cfg.StorageContainer,
			S3Bucket:        cfg.StorageS3Bucket,
			S3Region:        cfg.StorageS3Region,
			S3AccessKey:     cfg.StorageS3AccessKey,
			S3SecretKey:     cfg.StorageS3SecretKey,
		})
		if err != nil {
			log.Error("failed to initialize storage backend", "error", err)
		} else if backend != nil {
			if err := os.MkdirAll(cfg.RecordDir, 0755); err != nil {
				log.Error("failed to create record dir for storage sidecar", "error", err)
			} else if sc, err := storage.NewSidecar(cfg.RecordDir, backend, log); err != nil {
				log.Error("failed to initialize storage sidecar", "error", err)
			} else {
				sidecar = sc
				storageCtx, storageCancel = context.WithCancel(context.Background())
			}
		}
	}

	return &Server{
		cfg:                cfg,
		reg:                NewRegistry(),
		conns:              make(map[string]*iconn.Connection),
		log:                log.With("component", "rtmp_server"),
		destinationManager: destMgr,
		hookManager:        hookMgr,
		eventHub:           eventHub,
		presenceTracker:    presenceTracker,
		publishAuth:        publishAuth,
		storageSidecar:     sidecar,
		storageCtx:         storageCtx,
		storageCancel:      storageCancel,
	}
}

// EventHub returns the server's WebSocket event hub, or nil if
// EventStreamAddr wasn't configured. The embedder mounts it on its own
// http.ServeMux (e.g. `mux.Handle("/events", srv.EventHub())`).
func (s *Server) EventHub() *eventstream.Hub { return s.eventHub }

// Start begins listening and launches the accept loop. It's safe to call
// only once; repeated calls return an error.
func (s *Server) Start() error {
	if s == nil {
		return errors.New("nil server")
	}
	s.mu.Lock()
	if s.l != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.l = ln
	s.mu.Unlock()

	if s.storageSidecar != nil {
		s.storageSidecar.Run(s.storageCtx)
	}

	s.log.Info("RTMP server listening", "addr", ln.Addr().String())
	s.acceptingWg.Add(1)
	go s.acceptLoop()
	return nil
}

// acceptLoop runs until listener close. Each successful accept performs the
// RTMP handshake via conn.Accept which internally sends the mandated
// control burst (§4.4).
func (s *Server) acceptLoop() {
	defer s.acceptingWg.Done()
	scfg := session.ServerConfig{ChunkSize: s.cfg.ChunkSize, WindowAckSize: s.cfg.WindowAckSize, PeerBandwidth: s.cfg.WindowAckSize}
	for {
		s.mu.RLock()
		l := s.l
		s.mu.RUnlock()
		if l == nil {
			return
		}
		c, err := iconn.Accept(l, scfg)
		if err != nil {
			s.mu.RLock()
			closing := s.closing
			s.mu.RUnlock()
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if closing || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept error", "error", err)
			continue
		}
		s.mu.Lock()
		s.conns[c.ID()] = c
		s.mu.Unlock()
		remote := c.NetConn().RemoteAddr()
		s.log.Info("connection registered", "conn_id", c.ID(), "remote", remote.String())

		if clientAddr, ok := remote.(*net.TCPAddr); ok {
			if serverAddr, ok := s.Addr().(*net.TCPAddr); ok {
				s.triggerHookEvent(hooks.EventConnectionAccept, c.ID(), "", map[string]interface{}{
					"client_ip":   clientAddr.IP.String(),
					"client_port": clientAddr.Port,
					"server_ip":   serverAddr.IP.String(),
					"server_port": serverAddr.Port,
				})
			}
		}

		// Wire event handling so real clients (OBS/ffmpeg) can complete
		// connect/createStream/publish/play and media is relayed.
		attachEventHandling(c, s.reg, &s.cfg, s.log, s.destinationManager, s.hookManager, s.publishAuth, s.presenceTracker, s.storageSidecar)
		// Start the read loop after the handler is attached to avoid missing events.
		c.Start()
	}
}

// Stop gracefully shuts down the server: stops accepting new connections,
// closes all active ones, waits for accept loop completion.
func (s *Server) Stop() error {
	if s == nil {
		return errors.New("nil server")
	}
	s.mu.Lock()
	if s.l == nil {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	l := s.l
	s.l = nil
	s.mu.Unlock()
	_ = l.Close()

	// Close all connections and clean up recorders.
	s.mu.RLock()
	for id, c := range s.conns {
		// Trigger connection close event before closing
		s.triggerHookEvent(hooks.EventConnectionClose, c.ID(), "", map[string]interface{}{
			"reason": "server_shutdown",
		})
		_ = c.Close()
		delete(s.conns, id)
	}
	s.mu.RUnlock()

	// Clean up all active recorders
	s.cleanupAllRecorders()

	// Close destination manager
	if s.destinationManager != nil {
		if err := s.destinationManager.Close(); err != nil {
			s.log.Error("Error closing destination manager", "error", err)
		}
	}

	// Close hook manager
	if s.hookManager != nil {
		if err := s.hookManager.Close(); err != nil {
			s.log.Error("Error closing hook manager", "error", err)
		}
	}

	if s.storageCancel != nil {
		s.storageCancel()
	}
	if s.storageSidecar != nil {
		if err := s.storageSidecar.Close(); err != nil {
			s.log.Error("Error closing storage sidecar", "error", err)
		}
	}
	if s.presenceTracker != nil {
		if err := s.presenceTracker.Close(); err != nil {
			s.log.Error("Error closing presence tracker", "error", err)
		}
	}

	s.acceptingWg.Wait()
	s.log.Info("RTMP server stopped")
	return nil
}

// Addr returns the bound listener address (nil if not started).
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.l == nil {
		return nil
	}
	return s.l.Addr()
}

// ConnectionCount returns current number of tracked active connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// cleanupAllRecorders closes all active recorders in the registry.
// This is called during server shutdown to ensure all FLV files are properly closed.
func (s *Server) cleanupAllRecorders() {
	if s == nil || s.reg == nil {
		return
	}

	s.reg.mu.RLock()
	streams := make([]*Stream, 0, len(s.reg.streams))
	for _, stream := range s.reg.streams {
		streams = append(streams, stream)
	}
	s.reg.mu.RUnlock()

	for _, stream := range streams {
		if stream == nil {
			continue
		}

		stream.mu.Lock()
		if stream.Recorder != nil {
			path := stream.Recorder.Path()
			if err := stream.Recorder.Close(); err != nil {
				s.log.Error("recorder close error", "error", err, "stream_key", stream.Key)
			} else {
				s.log.Info("recorder closed", "stream_key", stream.Key)
				if path != "" && s.storageSidecar != nil {
					s.storageSidecar.Enqueue(path)
				}
			}
			stream.Recorder = nil
		}
		stream.mu.Unlock()
	}
}

// initializeHookManager creates and configures the hook manager based on server config
func initializeHookManager(cfg Config, logger *slog.Logger) *hooks.HookManager {
	// Create hook config from server config
	hookConfig := hooks.HookConfig{
		Timeout:     cfg.HookTimeout,
		Concurrency: cfg.HookConcurrency,
		StdioFormat: cfg.HookStdioFormat,
	}

	// Apply defaults if not specified
	if hookConfig.Timeout == "" {
		hookConfig.Timeout = "30s"
	}
	if hookConfig.Concurrency == 0 {
		hookConfig.Concurrency = 10
	}

	// Create hook manager
	hookManager := hooks.NewHookManager(hookConfig, logger)

	// Register shell hooks from configuration
	if err := registerShellHooks(hookManager, cfg.HookScripts, logger); err != nil {
		logger.Error("Failed to register shell hooks", "error", err)
	}

	// Register webhook hooks from configuration
	if err := registerWebhookHooks(hookManager, cfg.HookWebhooks, logger); err != nil {
		logger.Error("Failed to register webhook hooks", "error", err)
	}

	return hookManager
}

// triggerHookEvent is a helper method to trigger hook events safely
func (s *Server) triggerHookEvent(eventType hooks.EventType, connID, streamKey string, data map[string]interface{}) {
	if s == nil || s.hookManager == nil {
		return // Hooks disabled or server not initialized
	}

	event := hooks.NewEvent(eventType).
		WithConnID(connID).
		WithStreamKey(streamKey)

	// Add data fields if provided
	for key, value := range data {
		event.WithData(key, value)
	}

	s.hookManager.TriggerEvent(context.Background(), *event)
}

// registerShellHooks parses and registers shell hooks from configuration
func registerShellHooks(hookManager *hooks.HookManager, scripts []string, logger *slog.Logger) error {
	for i, script := range scripts {
		parts := strings.SplitN(script, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid shell hook format: %s", script)
		}

		eventType := hooks.EventType(parts[0])
		scriptPath := parts[1]

		// Create shell hook with a fixed 30s timeout; the manager does not
		// override it, and the configured HookTimeout is not applied here.
		shellHook := hooks.NewShellHook(
			fmt.Sprintf("shell_%d", i),
			scriptPath,
			30*time.Second, // fixed timeout
		)

		if err := hookManager.RegisterHook(eventType, shellHook); err != nil {
			return fmt.Errorf("failed to register shell hook %s: %w", script, err)
		}

		logger.Info("Registered shell hook", "event_type", eventType, "script_path", scriptPath)
	}

	return nil
}

// registerWebhookHooks parses and registers webhook hooks from configuration
func registerWebhookHooks(hookManager *hooks.HookManager, webhooks []string, logger *slog.Logger) error {
	for i, webhook := range webhooks {
		parts := strings.SplitN(webhook, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid webhook hook format: %s", webhook)
		}

		eventType := hooks.EventType(parts[0])
		webhookURL := parts[1]

		// Create webhook hook with default timeout
		webhookHook := hooks.NewWebhookHook(
			fmt.Sprintf("webhook_%d", i),
			webhookURL,
			30*time.Second, // Default timeout
		)

		if err := hookManager.RegisterHook(eventType, webhookHook); err != nil {
			return fmt.Errorf("failed to register webhook hook %s: %w", webhook, err)
		}

		logger.Info("Registered webhook hook", "event_type", eventType, "webhook_url", webhookURL)
	}

	return nil
}
