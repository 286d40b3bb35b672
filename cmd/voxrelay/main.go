// Command voxrelay runs the realtime voice server: a QUIC/WebTransport
// datagram transport (with a WebSocket fallback for clients without
// datagram support), a single-actor fan-out owning ACL/channel state, and
// a REST API for account, channel and attachment management.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"voxrelay/internal/blob"
	"voxrelay/internal/fanout"
	"voxrelay/internal/httpapi"
	"voxrelay/internal/metrics"
	"voxrelay/internal/obslog"
	"voxrelay/internal/realtime"
	"voxrelay/store"
	"voxrelay/transport/server"
	"voxrelay/transport/substrate"
)

// Version is the current server version, set at build time via -ldflags.
var Version = "0.1.0-dev"

func main() {
	if runCLI(os.Args[1:], dbPathFlag()) {
		return
	}

	var (
		voiceAddr    = flag.String("voice-addr", ":8443", "QUIC/WebTransport datagram listen address")
		wsAddr       = flag.String("ws-addr", ":8444", "WebSocket fallback listen address")
		apiAddr      = flag.String("api-addr", ":8080", "REST API listen address")
		metricsAddr  = flag.String("metrics-addr", ":9090", "Prometheus /metrics listen address")
		dbPath       = flag.String("db", "voxrelay.db", "SQLite database path")
		blobDir      = flag.String("blob-dir", "blobs", "attachment storage directory")
		recordingDir = flag.String("recording-dir", "recordings", "voice recording output directory")
		certHost     = flag.String("cert-hostname", "localhost", "hostname for the self-signed TLS certificate")
		certValidity = flag.Duration("cert-validity", 90*24*time.Hour, "self-signed TLS certificate validity")
		logLevel     = flag.String("log-level", "info", "debug, info, warn or error")
		logFile      = flag.String("log-file", "voxrelay.log", "rotated log file path (empty disables)")
		logConsole   = flag.Bool("log-console", true, "also log human-readable output to stderr")
	)
	flag.Parse()

	logger := obslog.New(obslog.Config{
		Level:    *logLevel,
		FilePath: *logFile,
		Console:  *logConsole,
	})
	defer logger.Sync()

	if err := run(runConfig{
		voiceAddr:    *voiceAddr,
		wsAddr:       *wsAddr,
		apiAddr:      *apiAddr,
		metricsAddr:  *metricsAddr,
		dbPath:       *dbPath,
		blobDir:      *blobDir,
		recordingDir: *recordingDir,
		certHost:     *certHost,
		certValidity: *certValidity,
	}, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

// dbPathFlag peeks the -db flag ahead of the main flag.Parse so CLI
// subcommands (which run before the server starts) can open the right file.
func dbPathFlag() string {
	for i, a := range os.Args {
		if a == "-db" || a == "--db" {
			if i+1 < len(os.Args) {
				return os.Args[i+1]
			}
		}
	}
	return "voxrelay.db"
}

type runConfig struct {
	voiceAddr    string
	wsAddr       string
	apiAddr      string
	metricsAddr  string
	dbPath       string
	blobDir      string
	recordingDir string
	certHost     string
	certValidity time.Duration
}

func run(cfg runConfig, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(cfg.dbPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	blobs, err := blob.NewStore(cfg.blobDir, st, logger)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	reg, promReg := metrics.New()

	fo := fanout.New(st, logger, reg)
	go fo.Run(ctx)

	tlsConfig, fingerprint, err := generateTLSConfig(cfg.certValidity, cfg.certHost)
	if err != nil {
		return fmt.Errorf("generate TLS config: %w", err)
	}
	logger.Info("generated self-signed certificate", zap.String("sha256", fingerprint))

	authenticate := realtime.Authenticate(st)
	handler := realtime.NewHandler(fo, logger)
	idGen := func() string { return uuid.NewString() }

	voiceListener, err := substrate.NewWebTransportListener(cfg.voiceAddr, "/voice", tlsConfig, authenticate)
	if err != nil {
		return fmt.Errorf("start webtransport listener: %w", err)
	}
	voiceServer := server.New(voiceListener, idGen, logger, handler, reg)

	wsListener, err := substrate.NewWebSocketListener(cfg.wsAddr, "/voice", tlsConfig, authenticate)
	if err != nil {
		return fmt.Errorf("start websocket listener: %w", err)
	}
	wsServer := server.New(wsListener, idGen, logger, handler, reg)

	errCh := make(chan error, 4)
	go func() { errCh <- voiceServer.Run(ctx) }()
	go func() { errCh <- wsServer.Run(ctx) }()

	apiServer := httpapi.New(st, blobs, fo, logger, cfg.recordingDir)
	go func() {
		if err := apiServer.Run(ctx, cfg.apiAddr); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	metricsSrv := &http.Server{Addr: cfg.metricsAddr, Handler: metrics.Handler(promReg)}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	go maintenanceLoop(ctx, st, logger)

	logger.Info("voxrelay listening",
		zap.String("voice_addr", cfg.voiceAddr),
		zap.String("ws_addr", cfg.wsAddr),
		zap.String("api_addr", cfg.apiAddr),
		zap.String("metrics_addr", cfg.metricsAddr),
		zap.String("version", Version),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error("component failed", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	_ = voiceListener.Close()
	_ = wsListener.Close()

	return nil
}

// maintenanceLoop purges expired sessions and bans and runs SQLite's
// incremental optimizer on a steady cadence until ctx is cancelled.
func maintenanceLoop(ctx context.Context, st *store.Store, logger *zap.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := st.PurgeExpiredSessions(); err != nil {
				logger.Warn("purge expired sessions", zap.Error(err))
			} else if n > 0 {
				logger.Debug("purged expired sessions", zap.Int64("count", n))
			}
			if n, err := st.PurgeExpiredBans(); err != nil {
				logger.Warn("purge expired bans", zap.Error(err))
			} else if n > 0 {
				logger.Debug("purged expired bans", zap.Int64("count", n))
			}
			if err := st.Optimize(); err != nil {
				logger.Warn("optimize database", zap.Error(err))
			}
		}
	}
}
