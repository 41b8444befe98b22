package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/chunkrelay/internal/config"
	internalhttp "github.com/jmylchreest/chunkrelay/internal/http"
	"github.com/jmylchreest/chunkrelay/internal/http/handlers"
	"github.com/jmylchreest/chunkrelay/internal/metrics"
	"github.com/jmylchreest/chunkrelay/internal/progress"
	"github.com/jmylchreest/chunkrelay/internal/registry"
	"github.com/jmylchreest/chunkrelay/internal/session"
	"github.com/jmylchreest/chunkrelay/internal/startup"
	"github.com/jmylchreest/chunkrelay/internal/storage"
	"github.com/jmylchreest/chunkrelay/internal/stream"
	"github.com/jmylchreest/chunkrelay/internal/telemetry"
	"github.com/jmylchreest/chunkrelay/internal/transcoder"
	"github.com/jmylchreest/chunkrelay/internal/upstream"
	"github.com/jmylchreest/chunkrelay/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chunkrelay server",
	Long: `Start the chunkrelay HTTP server.

The server provides:
- Transcode start, subtitle, stop and ping endpoints for players
- Segment list and manifest callbacks for the transcoder
- The command template callback for the upstream coordinator
- Session and health API under /api/v1, OpenAPI documentation at /docs
- Prometheus metrics at /metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
	serveCmd.Flags().Int("port", 3000, "Port to listen on")
	serveCmd.Flags().String("transcoder-dir", "", "Transcoder root directory")
	serveCmd.Flags().String("load-balancer", "", "Upstream coordinator base URL")
	serveCmd.Flags().String("registry", "", "Chunk registry driver (memory, redis)")
	serveCmd.Flags().String("redis-url", "", "Redis URL for the redis registry")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("transcoder.dir", serveCmd.Flags().Lookup("transcoder-dir"))
	mustBindPFlag("upstream.load_balancer", serveCmd.Flags().Lookup("load-balancer"))
	mustBindPFlag("registry.driver", serveCmd.Flags().Lookup("registry"))
	mustBindPFlag("registry.redis_url", serveCmd.Flags().Lookup("redis-url"))
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, version.ApplicationName, version.Version, logger)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("flushing traces failed", slog.String("error", err.Error()))
		}
	}()

	metrics.Register(prometheus.DefaultRegisterer)

	box, err := storage.NewSandbox(cfg.Transcoder.CachePath())
	if err != nil {
		return fmt.Errorf("resolving transcoder cache: %w", err)
	}
	checkTranscoder(cfg, box, logger)

	reg, err := registry.Open(ctx, cfg.Registry, logger)
	if err != nil {
		return fmt.Errorf("opening chunk registry: %w", err)
	}
	defer reg.Close()

	manager := session.NewManager(cfg.Session, transcoder.Options{
		Config:    cfg,
		Registry:  reg,
		Forwarder: upstream.NewClient(cfg.Upstream, logger),
		Fatal:     transcoder.DefaultFatalHandler(logger),
		Logger:    logger,
	})

	sweeper := startup.NewSweeper(cfg.Transcoder.CachePath(), cfg.Cache.OrphanMaxAge.Duration(),
		func(sid string) bool {
			_, ok := manager.Lookup(sid)
			return ok
		}, logger)
	if removed := sweeper.Sweep(); removed > 0 {
		logger.Info("cleaned orphaned session directories on startup",
			slog.Int("removed_count", removed),
		)
	}
	if err := sweeper.Start(cfg.Cache.OrphanSweep); err != nil {
		return err
	}

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)
	registerHandlers(server, cfg, box, reg, manager, logger)

	logger.Info("starting chunkrelay server",
		slog.String("address", cfg.Server.Address()),
		slog.String("version", version.Version),
		slog.String("transcoder_dir", cfg.Transcoder.Dir),
		slog.String("registry", cfg.Registry.Driver),
	)

	serveErr := server.ListenAndServe(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	sweeper.Stop(shutdownCtx)
	manager.Close(shutdownCtx)

	return serveErr
}

func registerHandlers(server *internalhttp.Server, cfg *config.Config, box *storage.Sandbox, reg registry.Registry, manager *session.Manager, logger *slog.Logger) {
	health := handlers.NewHealthHandler(version.Version, manager)
	if p, ok := reg.(handlers.Pinger); ok {
		health = health.WithRegistry(p)
	}
	health.Register(server.API())

	handlers.NewSessionHandler(manager, reg, logger).Register(server.API())

	files := stream.NewFileServer(box)
	streams := stream.NewHandler(manager, reg, files, cfg.Stream.MaxRangeSize.Bytes(), logger)
	handlers.NewTranscodeHandler(streams, manager).RegisterChiRoutes(server.Router())

	ingestor := progress.NewIngestor(reg, logger)
	handlers.NewProgressHandler(ingestor, manager, cfg.Stream.SeglistBodyLimit.Bytes()).RegisterChiRoutes(server.Router())
}

// checkTranscoder reports setup problems early. Launching still treats a
// missing binary as fatal.
func checkTranscoder(cfg *config.Config, box *storage.Sandbox, logger *slog.Logger) {
	if _, err := transcoder.ResolveBinary(cfg.Transcoder); err != nil {
		logger.Warn("transcoder binary not found",
			slog.String("path", transcoder.BinaryPath(cfg.Transcoder)),
			slog.String("error", err.Error()),
		)
	}
	if err := box.Ensure(); err != nil {
		logger.Warn("creating transcoder cache directory failed",
			slog.String("path", box.BaseDir()),
			slog.String("error", err.Error()),
		)
	}
}
