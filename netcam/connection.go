package netcam

import (
	"context"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
)

// Port range accepted by the connection manager.
const (
	MinPort = 0
	MaxPort = 65535
)

// State is the connection lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// SanitizePort clamps port into [MinPort, MaxPort]. The second result reports
// whether the value was changed.
func SanitizePort(port int) (int, bool) {
	switch {
	case port > MaxPort:
		return MaxPort, true
	case port < MinPort:
		return MinPort, true
	default:
		return port, false
	}
}

// ResolveCredentials picks override over userpass and splits the result at the
// first ':' into user and password. Without a separator only the user is set.
func ResolveCredentials(override, userpass string) (user, pass string) {
	src := userpass
	if override != "" {
		src = override
	}
	if src == "" {
		return "", ""
	}

	user, pass, _ = strings.Cut(src, ":")
	return user, pass
}

// connection owns the Decoder session for one netcam.
type connection struct {
	target  Target
	decoder Decoder
	logger  *zap.Logger

	stream int
	open   bool
	state  atomic.Int32
}

func newConnection(target Target, decoder Decoder, logger *zap.Logger) *connection {
	return &connection{
		target:  target,
		decoder: decoder,
		logger:  logger,
		stream:  -1,
	}
}

func (c *connection) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.Debug("Connection state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", s))
	}
}

func (c *connection) State() State {
	return State(c.state.Load())
}

// connect opens a decoder session and selects its video stream.
func (c *connection) connect(ctx context.Context) error {
	c.setState(StateConnecting)
	return c.dial(ctx)
}

// reconnect closes the current session, if any, and connects again.
func (c *connection) reconnect(ctx context.Context) error {
	c.setState(StateReconnecting)
	c.closeSession()

	c.logger.Info("Reconnecting to camera", zap.String("url", c.target.URL()))
	return c.dial(ctx)
}

func (c *connection) dial(ctx context.Context) error {
	url := c.target.URL()

	if err := c.decoder.Open(ctx, c.target); err != nil {
		c.abort()
		c.logger.Error("Unable to open input", zap.String("url", url), zap.Error(err))
		return &ConnectionError{Stage: StageOpen, Target: url, Err: err}
	}

	stream, err := c.decoder.SelectStream(MediaVideo)
	if err != nil {
		c.abort()
		c.logger.Error("Could not find video stream in input", zap.String("url", url), zap.Error(err))
		return &ConnectionError{Stage: StageSelectStream, Target: url, Err: err}
	}

	c.stream = stream
	c.open = true
	c.setState(StateStreaming)

	c.logger.Info("Connected to camera",
		zap.String("url", url),
		zap.String("transport", string(c.target.Transport)),
		zap.Int("stream", stream))
	return nil
}

// abort releases whatever a failed dial acquired.
func (c *connection) abort() {
	if err := c.decoder.Close(); err != nil {
		c.logger.Debug("Error releasing partial session", zap.Error(err))
	}
	c.open = false
	c.stream = -1
	c.setState(StateDisconnected)
}

func (c *connection) closeSession() {
	if !c.open {
		return
	}
	if err := c.decoder.Close(); err != nil {
		c.logger.Warn("Error closing decoder session", zap.Error(err))
	}
	c.open = false
	c.stream = -1
}

// teardown releases the session and the credentials. Safe to call repeatedly.
func (c *connection) teardown() {
	c.closeSession()
	c.target.User = ""
	c.target.Pass = ""
	c.setState(StateDisconnected)
}
