package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"netcam-capture/camera"
	"netcam-capture/config"
	"netcam-capture/events"
	"netcam-capture/mjpeg"
	"netcam-capture/netcam"
	"netcam-capture/web"
)

const (
	DefaultConfigPath = "config.toml"
	AppName           = "Netcam Capture"
	AppVersion        = "1.0.0"
)

// Application represents the main application
type Application struct {
	config *config.Config
	logger *zap.Logger

	// Components
	cameraManager *camera.Manager
	webServer     *web.Server
	publisher     *events.Publisher

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func main() {
	var (
		configPath  = flag.String("config", DefaultConfigPath, "Path to configuration file")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
		writeConfig = flag.Bool("write-config", false, "Write the effective configuration to -config and exit")
		version     = flag.Bool("version", false, "Show version information")
		help        = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *version {
		fmt.Printf("%s v%s\n", AppName, AppVersion)
		fmt.Printf("Go version: %s\n", runtime.Version())
		fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *help {
		fmt.Printf("%s v%s\n\n", AppName, AppVersion)
		fmt.Println("Keeps live connections to network cameras and serves their latest frames")
		fmt.Println("\nUsage:")
		flag.PrintDefaults()
		fmt.Println("\nEnvironment Variables:")
		fmt.Println("  NETCAM_PUBLIC_HOST - Override auto-detected public host")
		fmt.Println("  NETCAM_USERPASS    - Override camera credentials (user:pass)")
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *writeConfig {
		if err := config.SaveConfig(cfg, *configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration written to %s\n", *configPath)
		os.Exit(0)
	}

	level := cfg.Logging.Level
	if *logLevel != "" {
		level = *logLevel
	}

	logger, err := createLogger(level, cfg.Logging.LogDir, cfg.Logging.MaxLogFiles)
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting "+AppName,
		zap.String("version", AppVersion),
		zap.String("go_version", runtime.Version()),
		zap.String("platform", runtime.GOOS+"/"+runtime.GOARCH))

	if host := os.Getenv("NETCAM_PUBLIC_HOST"); host != "" {
		cfg.Server.PublicHost = host
		logger.Info("Public host overridden from environment", zap.String("host", host))
	}
	if userpass := os.Getenv("NETCAM_USERPASS"); userpass != "" {
		cfg.Netcam.UserPass = userpass
		logger.Info("Camera credentials overridden from environment")
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	logger.Info("Configuration loaded",
		zap.String("path", *configPath),
		zap.Int("cameras", len(cfg.Cameras)),
		zap.Bool("web_enabled", cfg.Server.Enabled),
		zap.Int("web_port", cfg.Server.WebPort),
		zap.Bool("mqtt_enabled", cfg.MQTT.Enabled))

	app := NewApplication(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		logger.Fatal("Failed to start application", zap.Error(err))
	}

	select {
	case sig := <-signalCh:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled")
	}

	logger.Info("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(app.config.Timeouts.ShutdownTimeout)*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Shutdown complete")
}

// NewApplication creates a new application instance
func NewApplication(cfg *config.Config, logger *zap.Logger) *Application {
	ctx, cancel := context.WithCancel(context.Background())

	return &Application{
		config: cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// decoderFactory builds the transport-specific decoder for each camera.
func (a *Application) decoderFactory() camera.DecoderFactory {
	opts := mjpeg.Options{
		GstBinary:    a.config.Netcam.GstBinary,
		GstLatency:   a.config.Netcam.GstLatencyDuration(),
		StartTimeout: a.config.Netcam.StartTimeoutDuration(),
		Quality:      a.config.Netcam.JPEGQuality,
		ReadTimeout:  a.config.Netcam.ReadTimeoutDuration(),
		MaxFrameSize: a.config.Netcam.MaxFrameSizeMB << 20,
	}

	return func(transport netcam.Transport, logger *zap.Logger) (netcam.Decoder, error) {
		return mjpeg.NewDecoder(transport, opts, logger)
	}
}

// Start starts all application components
func (a *Application) Start(ctx context.Context) error {
	a.logger.Info("Starting application components")

	manager, err := camera.NewManager(a.config, a.decoderFactory(), a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize camera manager: %w", err)
	}
	a.cameraManager = manager

	if a.config.Server.Enabled {
		a.webServer = web.NewServer(a.config, a.cameraManager, a.logger.With(zap.String("component", "web")))
		if err := a.webServer.Start(); err != nil {
			return fmt.Errorf("failed to start web server: %w", err)
		}
	}

	if err := a.cameraManager.Start(a.ctx); err != nil {
		return fmt.Errorf("failed to start cameras: %w", err)
	}

	if a.config.MQTT.Enabled {
		if err := a.startPublisher(); err != nil {
			return fmt.Errorf("failed to start MQTT publisher: %w", err)
		}
	}

	a.logger.Info("Application started successfully",
		zap.Strings("cameras", a.cameraManager.GetCameraList()),
		zap.String("web_url", fmt.Sprintf("http://%s:%d", a.config.Server.PublicHost, a.config.Server.WebPort)))

	return nil
}

// startPublisher connects to the broker in the background; a broker that is
// down at startup does not keep the cameras from running.
func (a *Application) startPublisher() error {
	publisher, err := events.NewPublisher(a.config.MQTT, a.cameraManager, a.logger.With(zap.String("component", "mqtt")))
	if err != nil {
		return err
	}
	a.publisher = publisher

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()

		if err := publisher.Connect(a.ctx); err != nil {
			a.logger.Warn("MQTT broker not reachable yet, retrying in background", zap.Error(err))
		}
		publisher.Run(a.ctx, a.config.MQTT.PublishIntervalDuration())
	}()

	return nil
}

// Stop gracefully stops all application components
func (a *Application) Stop(ctx context.Context) error {
	a.logger.Info("Stopping application")

	a.cancel()

	// Subscribers first so no websocket waits on a camera being torn down.
	if a.webServer != nil {
		if err := a.webServer.Stop(); err != nil {
			a.logger.Error("Error stopping web server", zap.Error(err))
		}
	}

	var stopErr error
	if a.cameraManager != nil {
		if err := a.cameraManager.Stop(); err != nil {
			a.logger.Error("Error stopping camera manager", zap.Error(err))
			stopErr = err
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.logger.Info("All components stopped gracefully")
	case <-ctx.Done():
		a.logger.Warn("Shutdown timeout reached, forcing exit")
	}

	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Error("Error closing MQTT publisher", zap.Error(err))
		}
	}

	return stopErr
}

// createLogger creates a structured logger writing to stdout and a timestamped
// file in logDir, keeping the newest maxFiles files.
func createLogger(level, logDir string, maxFiles int) (*zap.Logger, error) {
	zapLevel, err := zapcore.ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}

	outputs := []string{"stdout"}
	errorOutputs := []string{"stderr"}

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log dir: %w", err)
		}
		ts := time.Now().Format("20060102-150405")
		logFile := filepath.Join(logDir, fmt.Sprintf("netcam-capture-%s.log", ts))

		if maxFiles <= 0 {
			maxFiles = 20
		}
		files, _ := filepath.Glob(filepath.Join(logDir, "netcam-capture-*.log"))
		if len(files) >= maxFiles {
			sort.Strings(files) // lexicographic order matches timestamp
			for _, f := range files[:len(files)-maxFiles+1] {
				_ = os.Remove(f)
			}
		}

		outputs = append(outputs, logFile)
		errorOutputs = append(errorOutputs, logFile)
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Sampling: &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		},
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "timestamp",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      outputs,
		ErrorOutputPaths: errorOutputs,
	}

	return config.Build()
}
