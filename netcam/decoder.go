package netcam

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// MediaKind selects the kind of elementary stream a Decoder should pick.
type MediaKind int

const (
	MediaVideo MediaKind = iota
	MediaAudio
)

func (k MediaKind) String() string {
	switch k {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// Transport is the delivery preference handed to the Decoder.
type Transport string

const (
	TransportTCP  Transport = "tcp"  // RTSP interleaved over TCP
	TransportUDP  Transport = "udp"  // RTSP with RTP over UDP
	TransportRTP  Transport = "rtp"  // bare RTP/JPEG pushed to a local UDP port
	TransportHTTP Transport = "http" // multipart MJPEG over HTTP
)

// ParseTransport maps a configuration string to a Transport. An empty string
// selects TCP.
func ParseTransport(s string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tcp":
		return TransportTCP, nil
	case "udp":
		return TransportUDP, nil
	case "rtp":
		return TransportRTP, nil
	case "http":
		return TransportHTTP, nil
	default:
		return "", fmt.Errorf("unknown transport %q", s)
	}
}

// Target identifies the camera stream a Decoder connects to.
type Target struct {
	Scheme    string
	Host      string
	Port      int
	Path      string
	Transport Transport
	User      string
	Pass      string
}

// URL renders scheme://host:port/path. Credentials are never included.
func (t Target) URL() string {
	path := t.Path
	if path != "" && !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return t.Scheme + "://" + net.JoinHostPort(t.Host, strconv.Itoa(t.Port)) + path
}

// Address returns host:port.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Packet is one compressed unit read from a Decoder session.
type Packet struct {
	Stream int
	Data   []byte
}

// DecodedFrame is a complete raw image produced by Decoder.Decode.
type DecodedFrame interface {
	Width() int
	Height() int
	// FrameSize is the exact number of bytes CopyTo writes.
	FrameSize() int
	// CopyTo writes the raw image into dst, which holds at least FrameSize bytes,
	// and returns the number of bytes written.
	CopyTo(dst []byte) int
}

// Decoder is the stream demultiplexing and decoding capability.
//
// Open and SelectStream establish a session. ReadPacket blocks on network I/O
// and returns io.EOF at end of stream. Decode returns ErrNeedMoreData when the
// packet did not complete a frame. Close must be idempotent, safe after a failed
// Open, and safe to call while another goroutine is blocked in ReadPacket; it
// must unblock that call.
type Decoder interface {
	Open(ctx context.Context, target Target) error
	SelectStream(kind MediaKind) (int, error)
	ReadPacket() (Packet, error)
	Decode(pkt Packet) (DecodedFrame, error)
	Close() error
}
