package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gomjpeg "github.com/mattn/go-mjpeg"
	"go.uber.org/zap"

	"netcam-capture/netcam"
)

// httpSource reads a multipart/x-mixed-replace MJPEG stream, the format most
// IP cameras serve on their /video or /mjpg endpoints. Every part is one
// packet on stream 0.
type httpSource struct {
	opts   Options
	logger *zap.Logger
	client *http.Client

	mu       sync.Mutex
	res      *http.Response
	body     *partLimiter
	decoder  *gomjpeg.Decoder
	cancel   context.CancelFunc
	timedOut bool
}

func newHTTPSource(opts Options, logger *zap.Logger) *httpSource {
	return &httpSource{opts: opts, logger: logger, client: &http.Client{}}
}

func streamURL(target netcam.Target) string {
	t := target
	if t.Scheme != "http" && t.Scheme != "https" {
		t.Scheme = "http"
	}
	return t.URL()
}

func (s *httpSource) Open(ctx context.Context, target netcam.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.res != nil {
		return fmt.Errorf("mjpeg stream already open")
	}

	// The session outlives ctx, which only bounds connection setup.
	sessCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	url := streamURL(target)
	req, err := http.NewRequestWithContext(sessCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to build request: %w", err)
	}
	if target.User != "" {
		req.SetBasicAuth(target.User, target.Pass)
	}

	if s.opts.StartTimeout > 0 {
		timer := time.AfterFunc(s.opts.StartTimeout, cancel)
		defer timer.Stop()
	}

	res, err := s.client.Do(req)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to request %s: %w", url, err)
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		cancel()
		return fmt.Errorf("camera answered %s", res.Status)
	}

	// The multipart reader buffers a whole part, so the size bound has to be
	// enforced on the body while the part is read.
	body := newPartLimiter(res.Body, s.maxFrameSize())
	res.Body = body

	dec, err := gomjpeg.NewDecoderFromResponse(res)
	if err != nil {
		res.Body.Close()
		cancel()
		return fmt.Errorf("not an mjpeg stream: %w", err)
	}

	s.res = res
	s.body = body
	s.decoder = dec
	s.cancel = cancel
	s.timedOut = false

	s.logger.Info("MJPEG stream opened",
		zap.String("url", url),
		zap.String("content_type", res.Header.Get("Content-Type")))
	return nil
}

func (s *httpSource) SelectStream(kind netcam.MediaKind) (int, error) {
	if kind != netcam.MediaVideo {
		return -1, netcam.ErrStreamNotFound
	}
	return 0, nil
}

func (s *httpSource) ReadPacket() (netcam.Packet, error) {
	s.mu.Lock()
	dec, cancel, body := s.decoder, s.cancel, s.body
	s.mu.Unlock()

	if dec == nil {
		return netcam.Packet{}, fmt.Errorf("mjpeg stream not open")
	}
	body.reset()

	// A stalled camera keeps the connection open without sending parts.
	var watchdog *time.Timer
	if s.opts.ReadTimeout > 0 {
		watchdog = time.AfterFunc(s.opts.ReadTimeout, func() {
			s.mu.Lock()
			s.timedOut = true
			s.mu.Unlock()
			cancel()
		})
	}

	data, err := dec.DecodeRaw()
	if watchdog != nil {
		watchdog.Stop()
	}
	if err != nil {
		if body.exceeded() {
			return netcam.Packet{}, fmt.Errorf("%w: part over %d bytes", ErrFrameTooLarge, body.maxPart)
		}
		s.mu.Lock()
		timedOut := s.timedOut
		s.mu.Unlock()
		if timedOut {
			return netcam.Packet{}, fmt.Errorf("no picture within %s: %w", s.opts.ReadTimeout, err)
		}
		return netcam.Packet{}, err
	}

	if maxSize := s.maxFrameSize(); len(data) > maxSize {
		return netcam.Packet{}, fmt.Errorf("%w: %d bytes over %d", ErrFrameTooLarge, len(data), maxSize)
	}
	return netcam.Packet{Stream: 0, Data: data}, nil
}

func (s *httpSource) Decode(pkt netcam.Packet) (netcam.DecodedFrame, error) {
	if len(pkt.Data) == 0 {
		return nil, errors.New("empty mjpeg part")
	}
	return decodeJPEG(pkt.Data)
}

func (s *httpSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.res == nil {
		return nil
	}
	s.cancel()
	err := s.res.Body.Close()
	s.res = nil
	s.body = nil
	s.decoder = nil
	s.cancel = nil
	s.logger.Info("MJPEG stream closed")
	return err
}

func (s *httpSource) maxFrameSize() int {
	if s.opts.MaxFrameSize > 0 {
		return s.opts.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

// partReadSlack covers the multipart reader's look-ahead past a boundary.
const partReadSlack = 64 * 1024

// partLimiter fails reads once more than maxPart bytes (plus slack) have been
// read since the last reset. A tripped limiter stays tripped: the stream is no
// longer aligned on a part and must be reopened.
type partLimiter struct {
	rc      io.ReadCloser
	maxPart int

	mu      sync.Mutex
	n       int
	tripped bool
}

func newPartLimiter(rc io.ReadCloser, maxPart int) *partLimiter {
	return &partLimiter{rc: rc, maxPart: maxPart}
}

func (l *partLimiter) Read(p []byte) (int, error) {
	l.mu.Lock()
	if l.tripped || l.n > l.maxPart+partReadSlack {
		l.tripped = true
		l.mu.Unlock()
		return 0, ErrFrameTooLarge
	}
	l.mu.Unlock()

	n, err := l.rc.Read(p)

	l.mu.Lock()
	l.n += n
	l.mu.Unlock()
	return n, err
}

func (l *partLimiter) Close() error {
	return l.rc.Close()
}

func (l *partLimiter) reset() {
	l.mu.Lock()
	l.n = 0
	l.mu.Unlock()
}

func (l *partLimiter) exceeded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tripped
}
