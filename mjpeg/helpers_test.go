package mjpeg

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/pion/rtp"
)

// testJPEG encodes a gradient of the given size.
func testJPEG(t testing.TB, width, height int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		t.Fatalf("jpeg.Encode failed: %v", err)
	}
	return buf.Bytes()
}

// testPacketizer fragments complete JPEGs into RTP/JPEG packets, sending the
// whole file split by fragment offset with the marker on the last fragment.
type testPacketizer struct {
	ssrc        uint32
	payloadType uint8
	maxPayload  int
	seq         uint16
	// qtables prepends an in-band quantization table header to the first
	// fragment and sets Q to 255.
	qtables bool
}

func newTestPacketizer(ssrc uint32, maxPayload int) *testPacketizer {
	return &testPacketizer{ssrc: ssrc, payloadType: PayloadTypeJPEG, maxPayload: maxPayload}
}

func (p *testPacketizer) packetize(t testing.TB, jpegData []byte, width, height int, timestamp uint32) [][]byte {
	t.Helper()

	body := jpegData
	q := uint8(128)
	if p.qtables {
		q = 255
		tables := bytes.Repeat([]byte{1}, 128)
		hdr := make([]byte, qtableHeaderSize)
		binary.BigEndian.PutUint16(hdr[2:], uint16(len(tables)))
		body = append(append(hdr, tables...), jpegData...)
	}

	var packets [][]byte
	for offset := 0; offset < len(body); offset += p.maxPayload {
		end := offset + p.maxPayload
		if end > len(body) {
			end = len(body)
		}

		fragOffset := offset
		if p.qtables && offset > 0 {
			// Offsets count JPEG bytes, not the table header.
			fragOffset = offset - qtableHeaderSize - 128
		}

		jh := []byte{
			0,
			byte(fragOffset >> 16), byte(fragOffset >> 8), byte(fragOffset),
			0,
			q,
			byte(width / 8),
			byte(height / 8),
		}

		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         end == len(body),
				PayloadType:    p.payloadType,
				SequenceNumber: p.seq,
				Timestamp:      timestamp,
				SSRC:           p.ssrc,
			},
			Payload: append(jh, body[offset:end]...),
		}
		raw, err := pkt.Marshal()
		if err != nil {
			t.Fatalf("rtp marshal failed: %v", err)
		}
		packets = append(packets, raw)
		p.seq++
	}
	return packets
}

func unmarshalRTP(t testing.TB, raw []byte) *rtp.Packet {
	t.Helper()
	var p rtp.Packet
	if err := p.Unmarshal(raw); err != nil {
		t.Fatalf("rtp unmarshal failed: %v", err)
	}
	return &p
}
