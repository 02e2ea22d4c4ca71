package web

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"netcam-capture/camera"
	"netcam-capture/config"
	"netcam-capture/netcam"
)

// Cameras is the camera registry the HTTP surface reads from.
type Cameras interface {
	GetCameraList() []string
	GetNetcam(id string) (*netcam.Context, error)
	GetStatus() []camera.Status
}

// Server represents the status and snapshot web server
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	listener   net.Listener

	handlers *Handlers
	frames   *FrameStreamer
}

// NewServer creates a new web server
func NewServer(cfg *config.Config, cameras Cameras, logger *zap.Logger) *Server {
	frames := NewFrameStreamer(cameras, cfg.Server.AllowedOrigins,
		time.Duration(cfg.Timeouts.WaitFrameTimeout)*time.Millisecond,
		cfg.Server.SnapshotQuality, logger.With(zap.String("component", "frames")))

	return &Server{
		config:   cfg,
		logger:   logger,
		handlers: NewHandlers(cfg, cameras, logger),
		frames:   frames,
	}
}

// Router returns the HTTP routes wrapped in middleware.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handlers.HandleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handlers.HandleAPIStatus).Methods(http.MethodGet)
	api.HandleFunc("/cameras", s.handlers.HandleAPICameras).Methods(http.MethodGet)
	api.HandleFunc("/cameras/{id}", s.handlers.HandleAPICamera).Methods(http.MethodGet)
	api.HandleFunc("/cameras/{id}/snapshot", s.handlers.HandleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/cameras/{id}/frames", s.frames.HandleWebSocket).Methods(http.MethodGet)
	api.HandleFunc("/cameras/{id}/mjpeg", s.handlers.HandleMJPEG).Methods(http.MethodGet)

	r.Use(s.loggingMiddleware, corsMiddleware)
	return r
}

// Start binds the listening socket and serves in the background. A bind
// failure is returned directly.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.BindIP, s.config.Server.WebPort)
	s.logger.Info("Starting web server", zap.String("address", addr))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln

	s.httpServer = &http.Server{
		Handler:     s.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: frame websockets are long lived.
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Web server error", zap.Error(err))
		}
	}()

	s.logger.Info("Web server started",
		zap.String("address", ln.Addr().String()),
		zap.String("url", fmt.Sprintf("http://%s:%d", s.config.Server.PublicHost, s.config.Server.WebPort)))

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// corsMiddleware adds permissive CORS headers and answers preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(lw, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", lw.statusCode),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

// loggingResponseWriter wraps http.ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

// Flush lets streamed responses pass through the middleware.
func (lrw *loggingResponseWriter) Flush() {
	if f, ok := lrw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the middleware.
func (lrw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	lrw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Stop stops the web server and disconnects frame subscribers
func (s *Server) Stop() error {
	s.logger.Info("Stopping web server")

	s.frames.CloseAll()
	s.handlers.stopStreams()

	if s.httpServer == nil {
		return nil
	}

	timeout := time.Duration(s.config.Timeouts.HTTPShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error("Error during server shutdown", zap.Error(err))
		return err
	}

	s.logger.Info("Web server stopped")
	return nil
}
