package web

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"netcam-capture/mjpeg"
	"netcam-capture/netcam"
)

// HandleMJPEG streams every new frame of a camera as a
// multipart/x-mixed-replace response, the format browsers render in an <img>
// tag. The response ends when the client leaves, the camera closes or the
// server shuts down.
func (h *Handlers) HandleMJPEG(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	nc, err := h.cameras.GetNetcam(id)
	if err != nil {
		h.writeCameraError(w, id, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeErrorResponse(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(h.streams, cancel)
	defer stop()

	quality := h.quality(r)
	timeout := time.Duration(h.config.Timeouts.WaitFrameTimeout) * time.Millisecond

	mw := multipart.NewWriter(w)
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mw.Boundary())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := h.logger.With(zap.String("camera", id), zap.String("remote", r.RemoteAddr))
	logger.Info("MJPEG client connected")

	var (
		after uint64
		sent  uint64
		out   bytes.Buffer
	)
	defer func() {
		logger.Info("MJPEG client disconnected", zap.Uint64("frames_sent", sent))
	}()

	for {
		frame, err := nc.WaitForFrame(ctx, after, timeout)
		switch {
		case errors.Is(err, netcam.ErrTimeout):
			continue
		case errors.Is(err, netcam.ErrClosed):
			mw.Close()
			return
		case err != nil:
			return
		}
		after = frame.Seq

		out.Reset()
		if err := mjpeg.EncodeJPEG(&out, frame.Data, frame.Width, frame.Height, quality); err != nil {
			logger.Error("Failed to encode frame", zap.Uint64("frame", frame.Seq), zap.Error(err))
			continue
		}

		header := textproto.MIMEHeader{}
		header.Set("Content-Type", "image/jpeg")
		header.Set("Content-Length", strconv.Itoa(out.Len()))
		header.Set("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))

		part, err := mw.CreatePart(header)
		if err != nil {
			return
		}
		if _, err := part.Write(out.Bytes()); err != nil {
			logger.Debug("MJPEG write failed", zap.Error(err))
			return
		}
		flusher.Flush()
		sent++
	}
}
