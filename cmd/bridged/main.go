// Package main implements bridged, the DLNA/UPnP-to-AirPlay bridge daemon.
//
// bridged is designed for unattended operation: it discovers AirPlay
// receivers, exposes each as a DLNA MediaRenderer and a Web API endpoint,
// and restarts failed components with the same supervisor discipline used
// for individual streaming sessions.
//
// Usage:
//
//	bridged [options]
//
// Options:
//
//	--config=PATH   Path to config file (default: /etc/bridge/config.yaml)
//	--lock-path=PATH Path to the single-instance lock file
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--help          Show this help message
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nonu1l/unairplay/internal/config"
	"github.com/nonu1l/unairplay/internal/configstore"
	"github.com/nonu1l/unairplay/internal/devicemanager"
	"github.com/nonu1l/unairplay/internal/dlna"
	"github.com/nonu1l/unairplay/internal/eventbus"
	"github.com/nonu1l/unairplay/internal/health"
	"github.com/nonu1l/unairplay/internal/lock"
	"github.com/nonu1l/unairplay/internal/supervisor"
	"github.com/nonu1l/unairplay/internal/util"
	"github.com/nonu1l/unairplay/internal/virtualdevice"
	"github.com/nonu1l/unairplay/internal/web"
)

var (
	Version   = "dev"
	GitCommit = "none"
	BuildDate = "unknown"
)

var (
	configPath = flag.String("config", "/etc/bridge/config.yaml", "Path to configuration file")
	lockPath   = flag.String("lock-path", "/var/run/bridge/bridged.lock", "Path to the single-instance lock file")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()
	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(*logLevel)}))
	log.Info("starting bridged", "version", Version, "commit", GitCommit, "built", BuildDate)

	if err := run(log); err != nil {
		log.Error("bridged exited with error", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	fl, err := lock.NewFileLock(*lockPath)
	if err != nil {
		return fmt.Errorf("create lock: %w", err)
	}
	if err := fl.Acquire(lock.DefaultAcquireTimeout); err != nil {
		return fmt.Errorf("another bridged instance is already running: %w", err)
	}
	defer func() {
		if err := fl.Release(); err != nil {
			log.Warn("failed to release lock", "error", err)
		}
	}()

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store, err := configstore.New(cfg.ConfigStoreDir)
	if err != nil {
		return fmt.Errorf("open config store: %w", err)
	}

	tracker := util.NewResourceTracker()
	defer func() {
		for _, err := range tracker.CleanupAll() {
			log.Warn("resource cleanup error", "error", err)
		}
	}()

	bus := eventbus.New(log)
	registry := virtualdevice.NewRegistry(bus, log)

	sup := supervisor.New(supervisor.Config{
		Name:            "bridged",
		ShutdownTimeout: 30 * time.Second,
	})

	if err := sup.Add(registry); err != nil {
		return fmt.Errorf("register device registry: %w", err)
	}

	dm, err := devicemanager.New(bus, devicemanager.Config{
		Supervisor:          sup,
		ConfigStore:         store,
		DiscoveryIntervalS:  cfg.DiscoveryIntervalS,
		EnableServerSpeaker: cfg.EnableServerSpeaker,
		FFmpegPath:          cfg.FFmpegPath,
		AirPlaySenderPath:   cfg.AirPlaySenderPath,
		CacheDir:            cfg.CacheDir,
		BufferGateBytes:     cfg.BufferGateBytes,
		PipelineConf:        cfg.Pipeline,
		DefaultDSP:          cfg.DefaultDSP,
		Logger:              log,
	})
	if err != nil {
		return fmt.Errorf("create device manager: %w", err)
	}
	if err := sup.Add(dm); err != nil {
		return fmt.Errorf("register device manager: %w", err)
	}

	dlnaSvc := dlna.New(dlna.Config{
		Bus:           bus,
		Registry:      registry,
		NotifyTimeout: cfg.Discovery.NotifyTimeout,
		Logger:        log,
	})
	if err := sup.Add(dlnaSvc); err != nil {
		return fmt.Errorf("register dlna service: %w", err)
	}

	healthHandler := health.NewHandler(supervisorStatusProvider{sup})
	webSrv := web.New(web.Config{Bus: bus, Registry: registry, Health: healthHandler, Logger: log})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- serveHTTP(ctx, fmt.Sprintf(":%d", cfg.HTTPPort), dlnaSvc.Router(), tracker, "dlna") }()
	go func() { errCh <- serveHTTP(ctx, fmt.Sprintf(":%d", cfg.WebPort), webSrv.Router(), tracker, "web") }()

	log.Info("bridged running", "http_port", cfg.HTTPPort, "web_port", cfg.WebPort)
	supErr := sup.Run(ctx)
	cancel()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && err != http.ErrServerClosed {
			log.Warn("http server stopped with error", "error", err)
		}
	}

	if supErr != nil && supErr != context.Canceled {
		return supErr
	}
	log.Info("bridged shutdown complete")
	return nil
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler, tracker *util.ResourceTracker, name string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: handler}
	tracker.TrackResource(name+"-listener", ln)
	defer tracker.UntrackResource(name + "-listener")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// supervisorStatusProvider adapts supervisor.Supervisor.Status into
// health.StatusProvider, so /healthz reports every registered service
// (device manager, registry, DLNA service) without the daemon maintaining
// a second status list.
type supervisorStatusProvider struct {
	sup *supervisor.Supervisor
}

func (p supervisorStatusProvider) Services() []health.ServiceInfo {
	statuses := p.sup.Status()
	out := make([]health.ServiceInfo, 0, len(statuses))
	for _, st := range statuses {
		info := health.ServiceInfo{
			Name:     st.Name,
			State:    st.State.String(),
			Uptime:   st.Uptime,
			Healthy:  st.State == supervisor.ServiceStateRunning,
			Restarts: st.Restarts,
		}
		if st.LastError != nil {
			info.Error = st.LastError.Error()
		}
		out = append(out, info)
	}
	return out
}

func loadConfiguration(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printUsage() {
	fmt.Println("bridged - DLNA/UPnP to AirPlay bridge daemon")
	fmt.Printf("Version: %s (%s)\n\n", Version, GitCommit)
	fmt.Println("Usage: bridged [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("The daemon discovers AirPlay receivers and bridges each as a DLNA")
	fmt.Println("MediaRenderer, with a Web API for status, volume, and DSP control.")
	fmt.Println()
	fmt.Println("Signals:")
	fmt.Println("  SIGINT, SIGTERM  Graceful shutdown")
}
