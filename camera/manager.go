package camera

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"netcam-capture/config"
	"netcam-capture/netcam"
)

// DecoderFactory builds the decoder for one camera connection.
type DecoderFactory func(transport netcam.Transport, logger *zap.Logger) (netcam.Decoder, error)

// ErrCameraNotFound is returned for an id that is not configured.
var ErrCameraNotFound = errors.New("camera not found")

// Manager owns one netcam session per configured camera and runs a producer
// goroutine for each. It applies the reconnect policy: after a run of
// consecutive acquisition failures the session is reconnected with
// exponential backoff.
type Manager struct {
	config *config.Config
	logger *zap.Logger

	cameras map[string]*Camera
	order   []string

	backoff Backoff

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// Camera represents a single camera instance
type Camera struct {
	ID     string
	Config config.CameraConfig
	Netcam *netcam.Context
	logger *zap.Logger

	isRunning           atomic.Bool
	consecutiveFailures atomic.Int64
	connectAttempts     atomic.Uint64
	lastError           atomic.Pointer[string]
}

// Status is the externally visible state of one camera.
type Status struct {
	netcam.Stats
	Running             bool   `json:"running"`
	Width               int    `json:"width,omitempty"`
	Height              int    `json:"height,omitempty"`
	ConsecutiveFailures int64  `json:"consecutive_failures"`
	ConnectAttempts     uint64 `json:"connect_attempts"`
	LastError           string `json:"last_error,omitempty"`
}

// NewManager creates a netcam session for every configured camera. No
// connection is made until Start.
func NewManager(cfg *config.Config, newDecoder DecoderFactory, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		config:  cfg,
		logger:  logger,
		cameras: make(map[string]*Camera),
		backoff: Backoff{
			Initial: cfg.Netcam.ReconnectDelayDuration(),
			Max:     cfg.Netcam.MaxReconnectDelayDuration(),
		},
	}

	for _, camCfg := range cfg.Cameras {
		if _, exists := m.cameras[camCfg.ID]; exists {
			return nil, fmt.Errorf("duplicate camera id %q", camCfg.ID)
		}

		ncCfg, err := camCfg.NetcamConfig(cfg.Netcam.UserPass)
		if err != nil {
			return nil, fmt.Errorf("camera %s: %w", camCfg.ID, err)
		}

		camLogger := logger.With(zap.String("camera", camCfg.ID))
		decoder, err := newDecoder(ncCfg.Transport, camLogger)
		if err != nil {
			return nil, fmt.Errorf("failed to create decoder for camera %s: %w", camCfg.ID, err)
		}

		nc, err := netcam.New(ncCfg, decoder, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create netcam for camera %s: %w", camCfg.ID, err)
		}

		m.cameras[camCfg.ID] = &Camera{
			ID:     camCfg.ID,
			Config: camCfg,
			Netcam: nc,
			logger: camLogger,
		}
		m.order = append(m.order, camCfg.ID)
	}

	return m, nil
}

// Start launches the producer goroutine of every camera and the periodic
// stats logger.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("camera manager already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	for _, id := range m.order {
		cam := m.cameras[id]
		cam.isRunning.Store(true)

		m.wg.Add(1)
		go m.run(ctx, cam)
	}

	if interval := time.Duration(m.config.Logging.StatsLogInterval) * time.Second; interval > 0 {
		m.wg.Add(1)
		go m.monitorStats(ctx, interval)
	}

	m.logger.Info("Camera manager started", zap.Int("cameras", len(m.order)))
	return nil
}

// run is the producer loop of one camera.
func (m *Manager) run(ctx context.Context, cam *Camera) {
	defer m.wg.Done()
	defer cam.isRunning.Store(false)

	cam.logger.Info("Starting capture loop", zap.String("target", cam.Netcam.Target().URL()))

	cam.connectAttempts.Add(1)
	if err := cam.Netcam.Connect(ctx); err != nil {
		if errors.Is(err, netcam.ErrClosed) {
			return
		}
		cam.recordError(err)
		cam.logger.Warn("Initial connection failed", zap.Error(err))
		if !m.reconnect(ctx, cam) {
			return
		}
	}

	threshold := int64(m.config.Netcam.ReconnectAfterFailures)
	if threshold < 1 {
		threshold = 1
	}

	for ctx.Err() == nil {
		err := cam.Netcam.Acquire(ctx)
		if err == nil {
			cam.consecutiveFailures.Store(0)
			continue
		}
		if errors.Is(err, netcam.ErrClosed) || ctx.Err() != nil {
			break
		}

		failures := cam.consecutiveFailures.Add(1)
		cam.recordError(err)
		cam.logger.Warn("Frame acquisition failed",
			zap.Error(err),
			zap.Int64("consecutive_failures", failures))

		if failures >= threshold {
			if !m.reconnect(ctx, cam) {
				break
			}
			cam.consecutiveFailures.Store(0)
		}
	}

	cam.logger.Info("Capture loop stopped")
}

// reconnect retries the connection with backoff until it succeeds. It
// returns false when the camera is shutting down.
func (m *Manager) reconnect(ctx context.Context, cam *Camera) bool {
	for attempt := 1; ; attempt++ {
		delay := m.backoff.Delay(attempt)
		cam.logger.Info("Reconnecting camera",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		if !sleep(ctx, delay) {
			return false
		}

		cam.connectAttempts.Add(1)
		err := cam.Netcam.Reconnect(ctx)
		if err == nil {
			cam.logger.Info("Camera reconnected", zap.Int("attempt", attempt))
			return true
		}
		if errors.Is(err, netcam.ErrClosed) || ctx.Err() != nil {
			return false
		}

		cam.recordError(err)
		cam.logger.Warn("Reconnect failed", zap.Int("attempt", attempt), zap.Error(err))
	}
}

func (c *Camera) recordError(err error) {
	msg := err.Error()
	c.lastError.Store(&msg)
}

// monitorStats logs per-camera frame rates periodically.
func (m *Manager) monitorStats(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastFrames := make(map[string]uint64, len(m.order))
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			elapsed := now.Sub(lastTime).Seconds()

			for _, id := range m.order {
				stats := m.cameras[id].Netcam.Stats()
				fps := float64(stats.Frames-lastFrames[id]) / elapsed

				m.logger.Info("Netcam stats",
					zap.String("camera", id),
					zap.String("state", stats.State),
					zap.Float64("fps", fps),
					zap.Uint64("frames", stats.Frames),
					zap.Uint64("decode_errors", stats.DecodeErrors),
					zap.Uint64("acquire_failures", stats.AcquireFailures),
					zap.Uint64("reconnects", stats.Reconnects),
					zap.Duration("frame_interval", stats.FrameInterval),
					zap.Int("frame_size", stats.UsualFrameSize))

				lastFrames[id] = stats.Frames
			}
			lastTime = now
		}
	}
}

// Stop closes every session and waits for the producer goroutines to exit.
// Consumers blocked on a frame are released with netcam.ErrClosed.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("Shutting down camera manager")

	if m.cancel != nil {
		m.cancel()
	}

	var errs []error
	for _, id := range m.order {
		if err := m.cameras[id].Netcam.Close(); err != nil {
			errs = append(errs, fmt.Errorf("camera %s: %w", id, err))
		}
	}

	m.wg.Wait()
	m.running = false

	m.logger.Info("Camera manager shutdown complete")
	return errors.Join(errs...)
}

// GetCamera returns a camera instance
func (m *Manager) GetCamera(cameraID string) (*Camera, error) {
	camera, exists := m.cameras[cameraID]
	if !exists {
		return nil, fmt.Errorf("camera %s: %w", cameraID, ErrCameraNotFound)
	}
	return camera, nil
}

// GetNetcam returns the frame exchange of a camera.
func (m *Manager) GetNetcam(cameraID string) (*netcam.Context, error) {
	camera, err := m.GetCamera(cameraID)
	if err != nil {
		return nil, err
	}
	return camera.Netcam, nil
}

// GetCameraList returns the configured camera IDs in configuration order
func (m *Manager) GetCameraList() []string {
	return append([]string(nil), m.order...)
}

// IsRunning checks if a camera's capture loop is active
func (m *Manager) IsRunning(cameraID string) bool {
	camera, exists := m.cameras[cameraID]
	if !exists {
		return false
	}
	return camera.isRunning.Load()
}

// GetStatus returns status information for all cameras, sorted by ID
func (m *Manager) GetStatus() []Status {
	status := make([]Status, 0, len(m.cameras))
	for _, camera := range m.cameras {
		status = append(status, camera.Status())
	}
	sort.Slice(status, func(i, j int) bool { return status[i].ID < status[j].ID })
	return status
}

// Status returns the camera's current status.
func (c *Camera) Status() Status {
	s := Status{
		Stats:               c.Netcam.Stats(),
		Running:             c.isRunning.Load(),
		Width:               c.Config.Width,
		Height:              c.Config.Height,
		ConsecutiveFailures: c.consecutiveFailures.Load(),
		ConnectAttempts:     c.connectAttempts.Load(),
	}
	if msg := c.lastError.Load(); msg != nil {
		s.LastError = *msg
	}
	return s
}
