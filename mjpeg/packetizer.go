package mjpeg

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
)

const (
	DefaultMTU    = 1400
	RTPHeaderSize = 12
	RTPClockRate  = 90000
)

// Packetizer splits complete JPEG files into RTP/JPEG packets. The whole file,
// headers included, is carried and fragmented by offset; the marker bit is set
// on the last fragment. This is the stream layout the rtp transport receives.
type Packetizer struct {
	ssrc       uint32
	maxPayload int

	mu  sync.Mutex
	seq uint16

	packets atomic.Uint64
	bytes   atomic.Uint64
	frames  atomic.Uint64
}

// PacketizerStats holds statistics about RTP packetization
type PacketizerStats struct {
	PacketsSent uint64
	BytesSent   uint64
	FramesSent  uint64
}

// NewPacketizer creates a packetizer whose datagrams fit in mtu bytes.
func NewPacketizer(ssrc uint32, mtu int) *Packetizer {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	maxPayload := mtu - RTPHeaderSize - JPEGHeaderSize
	if maxPayload <= 0 {
		maxPayload = DefaultMTU - RTPHeaderSize - JPEGHeaderSize
	}
	return &Packetizer{ssrc: ssrc, maxPayload: maxPayload}
}

// Packetize returns the marshalled RTP packets of one frame.
func (p *Packetizer) Packetize(jpegData []byte, width, height int, timestamp uint32) ([][]byte, error) {
	if !isSOI(jpegData) {
		return nil, fmt.Errorf("invalid JPEG: missing SOI marker")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	packets := make([][]byte, 0, (len(jpegData)+p.maxPayload-1)/p.maxPayload)
	for offset := 0; offset < len(jpegData); offset += p.maxPayload {
		end := min(offset+p.maxPayload, len(jpegData))

		hdr := JPEGHeader{
			FragmentOffset: uint32(offset),
			Q:              128,
			Width:          blocks(width),
			Height:         blocks(height),
		}
		payload := hdr.Append(make([]byte, 0, JPEGHeaderSize+end-offset))
		payload = append(payload, jpegData[offset:end]...)

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         end == len(jpegData),
				PayloadType:    PayloadTypeJPEG,
				SequenceNumber: p.seq,
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return nil, fmt.Errorf("failed to marshal rtp packet: %w", err)
		}

		packets = append(packets, raw)
		p.seq++
	}

	p.packets.Add(uint64(len(packets)))
	p.bytes.Add(uint64(len(jpegData)))
	p.frames.Add(1)
	return packets, nil
}

// Stats returns packetizer statistics
func (p *Packetizer) Stats() PacketizerStats {
	return PacketizerStats{
		PacketsSent: p.packets.Load(),
		BytesSent:   p.bytes.Load(),
		FramesSent:  p.frames.Load(),
	}
}

// FrameTimestamp returns the 90 kHz RTP timestamp of frame n at fps.
func FrameTimestamp(n uint64, fps int) uint32 {
	if fps <= 0 {
		fps = 30
	}
	return uint32(n * uint64(RTPClockRate/fps))
}

// blocks converts pixels to 8 pixel blocks; sizes the 8 bit field cannot hold
// are sent as 0.
func blocks(pixels int) uint8 {
	b := pixels / 8
	if b > 255 {
		return 0
	}
	return uint8(b)
}
