// Package mjpeg provides netcam.Decoder implementations that deliver camera
// pictures as JPEG and decode them to planar YUV 4:2:0.
package mjpeg

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"netcam-capture/netcam"
)

// Options configures the decoder variants. Zero values select defaults.
type Options struct {
	// GstBinary is the gst-launch executable, gst-launch-1.0 by default.
	GstBinary string
	// GstLatency is the rtspsrc jitter buffer latency.
	GstLatency time.Duration
	// StartTimeout bounds how long Open waits for the first picture.
	StartTimeout time.Duration
	// Quality is the intermediate JPEG quality, 1-100.
	Quality int
	// ReadTimeout bounds a single read on the rtp and http transports.
	ReadTimeout time.Duration
	// MaxFrameSize bounds a single compressed picture.
	MaxFrameSize int
}

// NewDecoder returns the decoder variant for transport. tcp and udp are RTSP
// delivery preferences handled by a GStreamer pipeline; rtp listens for
// RTP/JPEG on a local UDP port.
func NewDecoder(transport netcam.Transport, opts Options, logger *zap.Logger) (netcam.Decoder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch transport {
	case netcam.TransportTCP, netcam.TransportUDP, "":
		return newGstSource(opts, logger.With(zap.String("decoder", "gstreamer"))), nil
	case netcam.TransportRTP:
		return newRTPSource(opts, logger.With(zap.String("decoder", "rtp"))), nil
	case netcam.TransportHTTP:
		return newHTTPSource(opts, logger.With(zap.String("decoder", "http"))), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", transport)
	}
}
