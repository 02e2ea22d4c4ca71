// Package netcam maintains a live connection to a network camera, decodes its
// frames on a single producer goroutine and hands the most recent frame to any
// number of consumers through a double buffer.
//
// A typical producer loop:
//
//	nc, _ := netcam.New(cfg, decoder, logger)
//	if err := nc.Connect(ctx); err != nil { ... }
//	for {
//		if err := nc.Acquire(ctx); err != nil {
//			// caller decides when to nc.Reconnect(ctx)
//		}
//	}
//
// Consumers call WaitForFrame, Snapshot or View, or poll FrameCount.
package netcam

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config describes one camera connection.
type Config struct {
	ID        string
	Scheme    string
	Host      string
	Port      int
	Path      string
	Transport Transport

	// UserPass is the per-camera "user:pass" string.
	UserPass string
	// UserPassOverride takes precedence over UserPass when set.
	UserPassOverride string
}

// Stats is a point-in-time view of a netcam session.
type Stats struct {
	ID              string        `json:"id"`
	Session         string        `json:"session"`
	Target          string        `json:"target"`
	Transport       string        `json:"transport"`
	State           string        `json:"state"`
	Frames          uint64        `json:"frames"`
	DecodeErrors    uint64        `json:"decode_errors"`
	AcquireFailures uint64        `json:"acquire_failures"`
	Reconnects      uint64        `json:"reconnects"`
	FrameInterval   time.Duration `json:"frame_interval_ns"`
	UsualFrameSize  int           `json:"usual_frame_size"`
	LastFrameAt     time.Time     `json:"last_frame_at"`
}

// Context is one capture session: the decoder connection, the two frame
// buffers and the timing statistics.
type Context struct {
	id      string
	session string
	logger  *zap.Logger
	target  Target
	conn    *connection
	clock   func() time.Time

	// producer serializes Connect, Acquire, Reconnect and Close.
	producer sync.Mutex

	// Two-slot arena. bufs[latest] is published; the other slot is the
	// producer's receiving buffer. latest is only changed under mu.
	bufs   [2]Buffer
	latest atomic.Uint32

	mu         sync.Mutex
	cond       *sync.Cond
	frameCount uint64
	closed     bool

	// Producer-owned.
	timing    timing
	usualSize int

	decodeErrors    atomic.Uint64
	acquireFailures atomic.Uint64
	reconnects      atomic.Uint64
	intervalMicros  atomic.Int64
	lastFrameNanos  atomic.Int64
	usualSizeStat   atomic.Int64
}

// New validates cfg and prepares a session. No connection is made until Connect.
func New(cfg Config, decoder Decoder, logger *zap.Logger) (*Context, error) {
	if decoder == nil {
		return nil, fmt.Errorf("netcam: decoder is required")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("netcam: camera host is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "rtsp"
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportTCP
	}

	session := uuid.NewString()
	logger = logger.With(zap.String("camera", cfg.ID), zap.String("session", session))

	port, clamped := SanitizePort(cfg.Port)
	if clamped {
		logger.Warn("Camera port out of range, clamping",
			zap.Int("configured", cfg.Port),
			zap.Int("port", port))
	}

	user, pass := ResolveCredentials(cfg.UserPassOverride, cfg.UserPass)

	target := Target{
		Scheme:    cfg.Scheme,
		Host:      cfg.Host,
		Port:      port,
		Path:      cfg.Path,
		Transport: cfg.Transport,
		User:      user,
		Pass:      pass,
	}

	public := target
	public.User, public.Pass = "", ""

	c := &Context{
		id:      cfg.ID,
		session: session,
		logger:  logger,
		target:  public,
		conn:    newConnection(target, decoder, logger),
		clock:   time.Now,
	}
	c.cond = sync.NewCond(&c.mu)
	c.latest.Store(1)

	return c, nil
}

// ID returns the configured camera id.
func (c *Context) ID() string {
	return c.id
}

// Target returns the sanitized connection target without credentials.
func (c *Context) Target() Target {
	return c.target
}

// State returns the connection state.
func (c *Context) State() State {
	return c.conn.State()
}

// Connect opens the decoder session. A failure returns a *ConnectionError and
// leaves no session open.
func (c *Context) Connect(ctx context.Context) error {
	c.producer.Lock()
	defer c.producer.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	return c.conn.connect(ctx)
}

// Reconnect closes the current decoder session and connects again. It is
// never called automatically.
func (c *Context) Reconnect(ctx context.Context) error {
	c.producer.Lock()
	defer c.producer.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	c.reconnects.Add(1)
	return c.conn.reconnect(ctx)
}

// Acquire decodes one frame into the receiving buffer and publishes it as the
// latest frame. It returns an error wrapping ErrNoFrame when the decoder ran out
// of packets before a frame was complete.
func (c *Context) Acquire(ctx context.Context) error {
	c.producer.Lock()
	defer c.producer.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	if !c.conn.open {
		c.acquireFailures.Add(1)
		return ErrNotConnected
	}

	if err := c.decodeFrame(ctx); err != nil {
		c.acquireFailures.Add(1)
		return err
	}

	c.updateTiming(c.receiving().capturedAt)
	c.publish()
	return nil
}

func (c *Context) updateTiming(now time.Time) {
	if !c.timing.update(now) {
		c.logger.Warn("Could not read frame time, skipping frame interval update")
		return
	}

	c.intervalMicros.Store(int64(c.timing.avg))
	c.lastFrameNanos.Store(now.UnixNano())
	c.logger.Debug("Calculated frame time", zap.Float64("frame_time_us", c.timing.avg))
}

// Close stops the session. Consumers blocked in WaitForFrame return ErrClosed.
// The decoder is closed first so that a producer blocked on a read returns, then
// Close waits for any in-flight Acquire before releasing the session.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()

	if err := c.conn.decoder.Close(); err != nil {
		c.logger.Debug("Error interrupting decoder", zap.Error(err))
	}

	c.producer.Lock()
	defer c.producer.Unlock()
	c.conn.teardown()

	c.logger.Info("Netcam closed",
		zap.Uint64("frames", c.FrameCount()),
		zap.Uint64("reconnects", c.reconnects.Load()))
	return nil
}

func (c *Context) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Stats returns the current session statistics.
func (c *Context) Stats() Stats {
	s := Stats{
		ID:              c.id,
		Session:         c.session,
		Target:          c.target.URL(),
		Transport:       string(c.target.Transport),
		State:           c.State().String(),
		Frames:          c.FrameCount(),
		DecodeErrors:    c.decodeErrors.Load(),
		AcquireFailures: c.acquireFailures.Load(),
		Reconnects:      c.reconnects.Load(),
		FrameInterval:   time.Duration(c.intervalMicros.Load()) * time.Microsecond,
		UsualFrameSize:  int(c.usualSizeStat.Load()),
	}
	if ns := c.lastFrameNanos.Load(); ns != 0 {
		s.LastFrameAt = time.Unix(0, ns)
	}
	return s
}
