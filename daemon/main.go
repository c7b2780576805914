package main

import (
	"context"
	"crypto/ed25519"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/meshdrop/backend/daemon/api/server"
	"github.com/meshdrop/backend/daemon/config"
	"github.com/meshdrop/backend/daemon/manager"
	"github.com/meshdrop/backend/daemon/service"
	"github.com/meshdrop/backend/daemon/transport"
	"github.com/meshdrop/backend/internal/availability"
	meshcrypto "github.com/meshdrop/backend/internal/crypto"
	"github.com/meshdrop/backend/internal/crypto/identity"
	"github.com/meshdrop/backend/internal/dispatch"
	"github.com/meshdrop/backend/internal/dispatch/retryqueue"
	"github.com/meshdrop/backend/internal/observability"
	"github.com/meshdrop/backend/internal/quicutil"
	"github.com/meshdrop/backend/internal/ratelimit"
	"github.com/meshdrop/backend/internal/store"
	"github.com/meshdrop/backend/internal/transfer"
)

func main() {
	// Parse command line flags
	grpcAddr := flag.String("grpc-addr", "127.0.0.1:9090", "gRPC server address")
	restAddr := flag.String("rest-addr", "127.0.0.1:8080", "REST server address")
	quicAddr := flag.String("quic-addr", ":4433", "QUIC listener address")
	observAddr := flag.String("observ-addr", "127.0.0.1:8081", "Observability server address")
	configPath := flag.String("config", "", "Path to YAML config file")
	mode := flag.String("mode", "", "Run mode (e.g., test)")
	flag.Parse()

	// Initialize observability
	logger := observability.NewLogger("meshdrop-daemon", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")
	if shutdown, err := observability.InitTracing(context.Background(), "meshdrop-daemon"); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("Meshdrop Daemon starting...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal(err, "Failed to load config")
	}
	cfg.GRPCAddress = *grpcAddr
	cfg.RESTAddress = *restAddr
	cfg.QUICAddress = *quicAddr
	if *mode == "test" {
		// Test-specific config
	}

	logger.Info("Configuration loaded")
	log.Printf("  QUIC Address: %s", cfg.QUICAddress)
	log.Printf("  Chunk Size: %d bytes", cfg.ChunkSize)
	log.Printf("  Worker Count: %d", cfg.WorkerCount)

	// Persistent node identity, shared by the Dispatcher's sessions and
	// the HTTP API's GetKeys endpoint.
	privPath := filepath.Join(cfg.KeysDirectory, "id_ed25519")
	pubPath := filepath.Join(cfg.KeysDirectory, "id_ed25519.pub")
	nodePriv, nodePub, err := identity.LoadOrCreate(privPath, pubPath)
	if err != nil {
		logger.Fatal(err, "Failed to load node identity")
	}
	nodeId := meshcrypto.ComputeFingerprint(nodePub)

	chunkStore, err := store.Open(cfg.ChunkStorePath)
	if err != nil {
		logger.Fatal(err, "Failed to open chunk store")
	}
	defer chunkStore.Close()

	if err := os.MkdirAll(cfg.DownloadDirectory, 0o755); err != nil {
		logger.Fatal(err, "Failed to create download directory")
	}
	transfer.DestDir = cfg.DownloadDirectory

	retryQueue, err := retryqueue.Open(cfg.RetryQueuePath)
	if err != nil {
		logger.Fatal(err, "Failed to open retry queue")
	}
	defer retryQueue.Close()

	peers := &dispatcherPeers{}
	availIndex := availability.New(peers)

	dispatcher := dispatch.New(nodeId, chunkStore, availIndex, retryQueue, logger)
	peers.d = dispatcher

	retryWorker := retryqueue.NewWorker(retryQueue, 30*time.Second, cfg.WorkerCount, func(item retryqueue.Item) bool {
		_, err := dispatcher.StartSend(item.FileId, item.PeerId, item.Manifest)
		return err == nil
	})
	go retryWorker.Run()
	defer retryWorker.Stop()

	// Initialize session store, backed by a SQLite PersistentStore so
	// in-flight transfer bookkeeping survives a daemon restart.
	sessionStore := manager.NewSessionStore()
	persistentStore, err := manager.NewPersistentStore(cfg.SessionStorePath)
	if err != nil {
		logger.Fatal(err, "Failed to open session persistence store")
	}
	defer persistentStore.Close()
	sessionStore.SetPersistence(persistentStore)
	restored, err := sessionStore.RestoreFrom(persistentStore)
	if err != nil {
		logger.Error(err, "Failed to restore sessions from persistence store")
	} else if restored > 0 {
		logger.Info("Restored sessions from persistence store")
	}
	logger.Info("Session store initialized")

	// Initialize event publisher
	eventPublisher := service.NewEventPublisher(cfg.EventBufferSize)
	log.Printf("Event publisher initialized (buffer size: %d)", cfg.EventBufferSize)

	// Initialize transfer service, backed by the Dispatcher for the
	// actual wire-level send/receive.
	transferService, err := service.NewTransferService(
		sessionStore,
		eventPublisher,
		cfg.KeysDirectory,
		cfg.ChunkSize,
		dispatcher,
		chunkStore,
	)
	if err != nil {
		logger.Fatal(err, "Failed to initialize transfer service")
	}
	logger.Info("Transfer service initialized")

	// Register health checks
	if *mode != "test" {
		healthChecker.RegisterCheck("quic_listener", observability.QUICListenerCheck(cfg.QUICAddress))
		healthChecker.RegisterCheck("keystore", observability.KeystoreCheck(true))
		healthChecker.RegisterCheck("database", observability.DatabaseCheck(persistentStore.DB()))
		healthChecker.RegisterCheck("disk_space", observability.DiskSpaceCheck(cfg.ChunkStorePath, 1))
		healthChecker.RegisterCheck("peer_sessions", observability.PeerSessionCheck(func() int {
			return len(dispatcher.ListPeers())
		}))
	}

	// Generate self-signed TLS certificate for QUIC
	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		logger.Fatal(err, "Failed to generate TLS certificate")
	}
	logger.Info("Generated self-signed TLS certificate for QUIC")

	tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		logger.Fatal(err, "Failed to create TLS config")
	}

	// Start QUIC listener
	quicListener, err := transport.ListenQUIC(cfg.QUICAddress, tlsConfig)
	if err != nil {
		logger.Fatal(err, "Failed to start QUIC listener")
	}
	defer quicListener.Close()

	logger.Info("QUIC listener started on " + cfg.QUICAddress)

	// Start metrics and health HTTP server
	go startObservabilityServer(*observAddr, metrics, healthChecker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	tb := ratelimit.NewTokenBucket(50, 100) // 50 conn/s, burst 100
	defer cancel()

	go func() { // connection accept loop (rate-limited)
		for {
			select {
			case <-ctx.Done():
				return
			default:
				if !tb.Allow(1) {
					time.Sleep(10 * time.Millisecond)
					continue
				}
				conn, err := quicListener.Accept(ctx)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					logger.Error(err, "Failed to accept QUIC connection")
					metrics.RecordQUICConnection(false)
					continue
				}

				logger.ConnectionEstablished(conn.GetConnection().RemoteAddr().String(), "conn-id")
				metrics.RecordQUICConnection(true)

				go acceptPeer(ctx, conn, dispatcher, nodePriv, nodePub, logger)
			}
		}
	}()

	// Start API servers (gRPC + REST gateway + SSE)
	grpcStop, restStop, err := server.StartAPIServers(context.Background(), cfg.GRPCAddress, cfg.RESTAddress, server.NewDaemonAPIServer(transferService, sessionStore, eventPublisher))
	if err != nil {
		logger.Fatal(err, "Failed to start API servers")
	}
	logger.Info("API servers started: gRPC on " + cfg.GRPCAddress + ", REST on " + cfg.RESTAddress)

	logger.Info("Meshdrop Daemon running")
	logger.Info("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")
	cancel()
	grpcStop()
	restStop()

	cleanedUp := sessionStore.CleanupOldSessions(24 * time.Hour)
	log.Printf("Cleaned up %d old sessions", cleanedUp)

	logger.Info("Daemon stopped")
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("Observability server listening on " + addr + " (metrics, health, pprof)")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "Observability server error")
	}
}

// acceptPeer accepts the session protocol's bidirectional stream on an
// inbound QUIC connection and hands it to the Dispatcher, which drives
// the handshake/key-exchange and, once authenticated, routes the
// resulting PeerSession's traffic to the right TransferEngine.
func acceptPeer(
	ctx context.Context,
	conn *transport.QUICConnection,
	dispatcher *dispatch.Dispatcher,
	priv ed25519.PrivateKey,
	pub ed25519.PublicKey,
	logger *observability.Logger,
) {
	stream, err := conn.AcceptSessionStream(ctx)
	if err != nil {
		logger.Error(err, "failed to accept session stream")
		conn.Close()
		return
	}
	if _, err := dispatcher.AcceptConnection(stream, priv, pub); err != nil {
		logger.Error(err, "session handshake failed")
		conn.Close()
		return
	}
}

// dispatcherPeers adapts a *dispatch.Dispatcher to availability.KnownPeers.
// The Index and the Dispatcher are constructed together in main, each
// needing the other, so this indirection is set after both exist.
type dispatcherPeers struct {
	d *dispatch.Dispatcher
}

func (p *dispatcherPeers) IsKnown(nodeId string) bool {
	return p.d != nil && p.d.IsKnown(nodeId)
}

func (p *dispatcherPeers) IsAuthenticated(nodeId string) bool {
	return p.d != nil && p.d.IsAuthenticated(nodeId)
}
