package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"netcam-capture/camera"
	"netcam-capture/config"
	"netcam-capture/mjpeg"
	"netcam-capture/netcam"
)

// Handlers manages HTTP request handlers
type Handlers struct {
	config  *config.Config
	logger  *zap.Logger
	cameras Cameras

	startedAt time.Time

	// Reused I420 copies for snapshot encoding.
	framePool sync.Pool

	// streams is cancelled on shutdown to end open MJPEG responses.
	streams     context.Context
	stopStreams context.CancelFunc
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, cameras Cameras, logger *zap.Logger) *Handlers {
	streams, stop := context.WithCancel(context.Background())
	return &Handlers{
		config:      cfg,
		logger:      logger,
		cameras:     cameras,
		startedAt:   time.Now(),
		streams:     streams,
		stopStreams: stop,
	}
}

// HandleHealth returns health check information
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	statuses := h.cameras.GetStatus()

	streaming := 0
	for _, st := range statuses {
		if st.State == netcam.StateStreaming.String() {
			streaming++
		}
	}

	h.writeJSONResponse(w, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(h.startedAt).Round(time.Second).String(),
		"cameras": map[string]int{
			"configured": len(statuses),
			"streaming":  streaming,
		},
	})
}

// HandleAPIStatus returns the status of all components
func (h *Handlers) HandleAPIStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, map[string]interface{}{
		"server": map[string]interface{}{
			"public_host": h.config.Server.PublicHost,
			"web_port":    h.config.Server.WebPort,
			"running":     true,
		},
		"cameras": h.cameras.GetStatus(),
	})
}

// HandleAPICameras returns camera information
func (h *Handlers) HandleAPICameras(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, h.cameras.GetStatus())
}

// HandleAPICamera returns the status of one camera
func (h *Handlers) HandleAPICamera(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	for _, st := range h.cameras.GetStatus() {
		if st.ID == id {
			h.writeJSONResponse(w, st)
			return
		}
	}
	h.writeErrorResponse(w, "camera "+id+" not found", http.StatusNotFound)
}

// quality returns the ?quality override when it is in 1-100.
func (h *Handlers) quality(r *http.Request) int {
	if q := r.URL.Query().Get("quality"); q != "" {
		if v, err := strconv.Atoi(q); err == nil && v > 0 && v <= 100 {
			return v
		}
	}
	return h.config.Server.SnapshotQuality
}

// HandleSnapshot encodes the latest frame of a camera as JPEG.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	nc, err := h.cameras.GetNetcam(id)
	if err != nil {
		h.writeCameraError(w, id, err)
		return
	}

	var dst []byte
	if pooled, ok := h.framePool.Get().(*[]byte); ok {
		dst = *pooled
	}
	frame, err := nc.Snapshot(dst)
	if err != nil {
		h.writeCameraError(w, id, err)
		return
	}
	defer h.framePool.Put(&frame.Data)

	quality := h.quality(r)

	var out bytes.Buffer
	if err := mjpeg.EncodeJPEG(&out, frame.Data, frame.Width, frame.Height, quality); err != nil {
		h.logger.Error("Failed to encode snapshot",
			zap.String("camera", id), zap.Uint64("frame", frame.Seq), zap.Error(err))
		h.writeErrorResponse(w, "failed to encode snapshot", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(out.Len()))
	w.Header().Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	w.Header().Set("X-Captured-At", frame.CapturedAt.UTC().Format(time.RFC3339Nano))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out.Bytes()); err != nil {
		h.logger.Debug("Snapshot write failed", zap.String("camera", id), zap.Error(err))
	}
}

// writeCameraError maps registry and exchange errors onto HTTP statuses.
func (h *Handlers) writeCameraError(w http.ResponseWriter, id string, err error) {
	switch {
	case errors.Is(err, camera.ErrCameraNotFound):
		h.writeErrorResponse(w, "camera "+id+" not found", http.StatusNotFound)
	case errors.Is(err, netcam.ErrNoFrame):
		h.writeErrorResponse(w, "no frame captured yet", http.StatusServiceUnavailable)
	case errors.Is(err, netcam.ErrClosed):
		h.writeErrorResponse(w, "camera is shut down", http.StatusServiceUnavailable)
	default:
		h.logger.Error("Camera request failed", zap.String("camera", id), zap.Error(err))
		h.writeErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

// writeJSONResponse writes a JSON response
func (h *Handlers) writeJSONResponse(w http.ResponseWriter, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// writeErrorResponse writes an error response
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":  message,
		"status": statusCode,
	})
}
