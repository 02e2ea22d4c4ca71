package mjpeg

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pion/rtp"

	"netcam-capture/netcam"
)

const (
	// PayloadTypeJPEG is the static RTP payload type for JPEG (RFC 3551).
	PayloadTypeJPEG = 26

	JPEGHeaderSize    = 8
	restartHeaderSize = 4
	qtableHeaderSize  = 4
)

var (
	// ErrFragmentGap means a fragment was lost or reordered; the frame is dropped.
	ErrFragmentGap = errors.New("rtp/jpeg fragment gap")
	// ErrNoJPEGHeaders is returned for payloads carrying only scan data. Only
	// streams that embed the complete JPEG are supported.
	ErrNoJPEGHeaders = errors.New("rtp/jpeg payload without embedded jpeg headers")
)

// JPEGHeader is the RFC 2435 main JPEG header.
type JPEGHeader struct {
	TypeSpecific   uint8
	FragmentOffset uint32
	Type           uint8
	Q              uint8
	Width          uint8 // in 8 pixel blocks
	Height         uint8 // in 8 pixel blocks
}

// Unmarshal parses the header from the start of an RTP payload.
func (h *JPEGHeader) Unmarshal(b []byte) error {
	if len(b) < JPEGHeaderSize {
		return fmt.Errorf("jpeg header: %d bytes, need %d", len(b), JPEGHeaderSize)
	}
	h.TypeSpecific = b[0]
	h.FragmentOffset = uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	h.Type = b[4]
	h.Q = b[5]
	h.Width = b[6]
	h.Height = b[7]
	return nil
}

// Append appends the encoded header to b.
func (h JPEGHeader) Append(b []byte) []byte {
	off := h.FragmentOffset
	return append(b, h.TypeSpecific, byte(off>>16), byte(off>>8), byte(off), h.Type, h.Q, h.Width, h.Height)
}

// depacketizer reassembles JPEG images from RTP/JPEG fragments.
type depacketizer struct {
	maxSize   int
	frame     []byte
	timestamp uint32
	active    bool
}

func newDepacketizer(maxSize int) *depacketizer {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &depacketizer{maxSize: maxSize}
}

// push adds one packet. It returns the reassembled JPEG when the packet
// carries the marker bit, netcam.ErrNeedMoreData while the frame is incomplete
// and ErrFragmentGap when a fragment went missing. The returned slice is reused
// by the next call.
func (d *depacketizer) push(pkt *rtp.Packet) ([]byte, error) {
	var hdr JPEGHeader
	if err := hdr.Unmarshal(pkt.Payload); err != nil {
		d.active = false
		return nil, err
	}
	data := pkt.Payload[JPEGHeaderSize:]

	if hdr.Type >= 64 && hdr.Type < 128 {
		if len(data) < restartHeaderSize {
			d.active = false
			return nil, fmt.Errorf("restart header truncated")
		}
		data = data[restartHeaderSize:]
	}

	if hdr.FragmentOffset == 0 {
		var err error
		if data, err = stripQuantizationTables(hdr, data); err != nil {
			d.active = false
			return nil, err
		}
		d.frame = d.frame[:0]
		d.timestamp = pkt.Timestamp
		d.active = true
	} else {
		if !d.active {
			// Tail of a frame already dropped.
			return nil, netcam.ErrNeedMoreData
		}
		if pkt.Timestamp != d.timestamp || int(hdr.FragmentOffset) != len(d.frame) {
			d.active = false
			return nil, fmt.Errorf("%w: offset %d, have %d bytes (ts %d, frame ts %d)",
				ErrFragmentGap, hdr.FragmentOffset, len(d.frame), pkt.Timestamp, d.timestamp)
		}
	}

	if len(d.frame)+len(data) > d.maxSize {
		d.active = false
		return nil, fmt.Errorf("%w: over %d bytes", ErrFrameTooLarge, d.maxSize)
	}
	d.frame = append(d.frame, data...)

	if !pkt.Marker {
		return nil, netcam.ErrNeedMoreData
	}
	d.active = false
	return d.frame, nil
}

// stripQuantizationTables skips an in-band quantization table header and checks
// the first fragment starts a complete JPEG. Some packetizers set Q >= 128
// without sending tables; the SOI check covers them.
func stripQuantizationTables(hdr JPEGHeader, data []byte) ([]byte, error) {
	if isSOI(data) {
		return data, nil
	}
	if hdr.Q >= 128 && len(data) >= qtableHeaderSize {
		length := int(binary.BigEndian.Uint16(data[2:4]))
		if len(data) >= qtableHeaderSize+length && isSOI(data[qtableHeaderSize+length:]) {
			return data[qtableHeaderSize+length:], nil
		}
	}
	return nil, ErrNoJPEGHeaders
}

func isSOI(b []byte) bool {
	return len(b) >= 2 && b[0] == 0xFF && b[1] == 0xD8
}
