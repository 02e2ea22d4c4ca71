package mjpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"netcam-capture/netcam"
)

const (
	defaultGstBinary    = "gst-launch-1.0"
	defaultStartTimeout = 10 * time.Second
	defaultQuality      = 85
	stopGracePeriod     = 2 * time.Second
)

// gstSource pulls an RTSP stream through a gst-launch-1.0 pipeline that
// re-encodes every picture as JPEG on stdout. Each JPEG is one packet on
// stream 0.
type gstSource struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
	stdout  io.ReadCloser
	reader  *frameReader
	pending []byte
	stderr  *stderrTail

	closing atomic.Bool

	// interrupt aborts an Open still waiting for the first picture.
	imu       sync.Mutex
	interrupt chan struct{}
}

func newGstSource(opts Options, logger *zap.Logger) *gstSource {
	return &gstSource{opts: opts, logger: logger}
}

// pipelineArgs builds the gst-launch-1.0 argument list. Each element property
// is its own argument so locations and credentials need no quoting.
func pipelineArgs(target netcam.Target, opts Options) []string {
	protocols := "tcp"
	if target.Transport == netcam.TransportUDP {
		protocols = "udp"
	}

	args := []string{
		"-q",
		"rtspsrc",
		"location=" + target.URL(),
		"protocols=" + protocols,
		fmt.Sprintf("latency=%d", opts.GstLatency.Milliseconds()),
	}
	if target.User != "" {
		args = append(args, "user-id="+target.User)
	}
	if target.Pass != "" {
		args = append(args, "user-pw="+target.Pass)
	}

	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = defaultQuality
	}

	args = append(args,
		"!", "decodebin",
		"!", "videoconvert",
		"!", "jpegenc", fmt.Sprintf("quality=%d", quality),
		"!", "fdsink", "fd=1", "sync=false",
	)
	return args
}

// Open starts the pipeline and waits for its first picture, so a camera that
// cannot be reached fails here rather than on the first read.
func (s *gstSource) Open(ctx context.Context, target netcam.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd != nil {
		return fmt.Errorf("pipeline already running")
	}
	s.closing.Store(false)

	s.imu.Lock()
	s.interrupt = make(chan struct{})
	interrupt := s.interrupt
	s.imu.Unlock()

	binary := s.opts.GstBinary
	if binary == "" {
		binary = defaultGstBinary
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, binary, pipelineArgs(target, s.opts)...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = stopGracePeriod

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	// Wait returns only after stderr has been drained into the tail.
	tail := &stderrTail{logger: s.logger}
	cmd.Stderr = tail

	s.logger.Info("Starting GStreamer RTSP pipeline",
		zap.String("location", target.URL()),
		zap.String("transport", string(target.Transport)))

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start %s: %w", binary, err)
	}

	s.cmd = cmd
	s.cancel = cancel
	s.stdout = stdout
	s.reader = newFrameReader(stdout, s.opts.MaxFrameSize)
	s.stderr = tail

	first, err := s.awaitFirstFrame(ctx, interrupt)
	if err != nil {
		s.stopLocked()
		if tail := s.stderr.String(); tail != "" {
			return fmt.Errorf("pipeline produced no frame: %w (%s)", err, tail)
		}
		return fmt.Errorf("pipeline produced no frame: %w", err)
	}
	s.pending = first
	return nil
}

func (s *gstSource) awaitFirstFrame(ctx context.Context, interrupt <-chan struct{}) ([]byte, error) {
	timeout := s.opts.StartTimeout
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}

	type result struct {
		frame []byte
		err   error
	}
	done := make(chan result, 1)
	reader := s.reader
	go func() {
		frame, err := reader.next()
		if err == nil {
			frame = append([]byte(nil), frame...)
		}
		done <- result{frame, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.frame, r.err
	case <-timer.C:
		return nil, fmt.Errorf("no frame within %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-interrupt:
		return nil, netcam.ErrClosed
	}
}

// SelectStream reports stream 0 for video. The pipeline carries no audio.
func (s *gstSource) SelectStream(kind netcam.MediaKind) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cmd == nil {
		return -1, netcam.ErrNotConnected
	}
	if kind != netcam.MediaVideo {
		return -1, fmt.Errorf("%w: no %s stream in pipeline", netcam.ErrStreamNotFound, kind)
	}
	return 0, nil
}

// ReadPacket returns the next JPEG from the pipeline. The packet data is only
// valid until the next call.
func (s *gstSource) ReadPacket() (netcam.Packet, error) {
	s.mu.Lock()
	reader := s.reader
	if s.pending != nil {
		pkt := netcam.Packet{Stream: 0, Data: s.pending}
		s.pending = nil
		s.mu.Unlock()
		return pkt, nil
	}
	s.mu.Unlock()

	if reader == nil {
		return netcam.Packet{}, io.EOF
	}

	frame, err := reader.next()
	if err != nil {
		if s.closing.Load() || errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
			return netcam.Packet{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return netcam.Packet{}, fmt.Errorf("pipeline exited mid-frame: %w", err)
		}
		return netcam.Packet{}, fmt.Errorf("read pipeline output: %w", err)
	}
	return netcam.Packet{Stream: 0, Data: frame}, nil
}

func (s *gstSource) Decode(pkt netcam.Packet) (netcam.DecodedFrame, error) {
	return decodeJPEG(pkt.Data)
}

// Close interrupts the pipeline, giving it a grace period before it is killed.
// A blocked ReadPacket returns io.EOF.
func (s *gstSource) Close() error {
	s.closing.Store(true)

	s.imu.Lock()
	if s.interrupt != nil {
		close(s.interrupt)
		s.interrupt = nil
	}
	s.imu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return nil
}

func (s *gstSource) stopLocked() {
	if s.cmd == nil {
		return
	}

	s.cancel()
	s.stdout.Close()

	err := s.cmd.Wait()

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		s.logger.Info("GStreamer pipeline finished")
	case errors.As(err, &exitErr):
		s.logger.Info("GStreamer pipeline stopped", zap.Int("exit_code", exitErr.ExitCode()))
	default:
		s.logger.Debug("GStreamer wait error", zap.Error(err))
	}

	s.cmd = nil
	s.cancel = nil
	s.stdout = nil
	s.reader = nil
	s.pending = nil
}

// stderrTail logs pipeline stderr line by line and keeps the last few lines
// for error reports.
type stderrTail struct {
	logger  *zap.Logger
	mu      sync.Mutex
	partial []byte
	lines   []string
}

const stderrTailLines = 5

func (t *stderrTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.partial = append(t.partial, p...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(t.partial[:i]), "\r")
		t.partial = t.partial[i+1:]
		if line == "" {
			continue
		}

		t.logger.Debug("gstreamer_stderr", zap.String("line", line))
		t.lines = append(t.lines, line)
		if len(t.lines) > stderrTailLines {
			t.lines = t.lines[len(t.lines)-stderrTailLines:]
		}
	}
	return len(p), nil
}

func (t *stderrTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "; ")
}
