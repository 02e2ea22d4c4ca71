package netcam

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
)

// Packet payload kinds understood by fakeDecoder.Decode.
const (
	kindFrame    = 'F'
	kindNeedMore = 'N'
	kindError    = 'E'
)

func framePacket(stream, size int, fill byte) Packet {
	data := make([]byte, 6)
	data[0] = kindFrame
	data[1] = fill
	binary.BigEndian.PutUint32(data[2:], uint32(size))
	return Packet{Stream: stream, Data: data}
}

func needMorePacket(stream int) Packet {
	return Packet{Stream: stream, Data: []byte{kindNeedMore}}
}

func badPacket(stream int) Packet {
	return Packet{Stream: stream, Data: []byte{kindError}}
}

type fakeFrame struct {
	size int
	fill byte
}

func (f fakeFrame) Width() int     { return f.size }
func (f fakeFrame) Height() int    { return 1 }
func (f fakeFrame) FrameSize() int { return f.size }

func (f fakeFrame) CopyTo(dst []byte) int {
	for i := 0; i < f.size; i++ {
		dst[i] = f.fill
	}
	return f.size
}

// fakeDecoder replays a scripted packet queue. With blockWhenEmpty set,
// ReadPacket blocks on an empty queue until Close is called.
type fakeDecoder struct {
	mu sync.Mutex

	openErr   error
	selectErr error
	stream    int

	packets        []Packet
	blockWhenEmpty bool
	wake           chan struct{}

	sessions int
	opens    int
	closes   int
	target   Target
}

func newFakeDecoder(stream int, packets ...Packet) *fakeDecoder {
	return &fakeDecoder{
		stream:  stream,
		packets: packets,
		wake:    make(chan struct{}, 1),
	}
}

func (d *fakeDecoder) Open(ctx context.Context, target Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.opens++
	d.target = target
	// A session is allocated even when opening fails so that leaks show up.
	d.sessions = 1
	if d.openErr != nil {
		return d.openErr
	}
	return nil
}

func (d *fakeDecoder) SelectStream(kind MediaKind) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.selectErr != nil {
		return -1, d.selectErr
	}
	if kind != MediaVideo {
		return -1, ErrStreamNotFound
	}
	return d.stream, nil
}

func (d *fakeDecoder) push(pkts ...Packet) {
	d.mu.Lock()
	d.packets = append(d.packets, pkts...)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *fakeDecoder) ReadPacket() (Packet, error) {
	for {
		d.mu.Lock()
		if d.sessions == 0 {
			d.mu.Unlock()
			return Packet{}, io.EOF
		}
		if len(d.packets) > 0 {
			pkt := d.packets[0]
			d.packets = d.packets[1:]
			d.mu.Unlock()
			return pkt, nil
		}
		block := d.blockWhenEmpty
		d.mu.Unlock()

		if !block {
			return Packet{}, io.EOF
		}
		<-d.wake
	}
}

func (d *fakeDecoder) Decode(pkt Packet) (DecodedFrame, error) {
	switch pkt.Data[0] {
	case kindFrame:
		return fakeFrame{
			fill: pkt.Data[1],
			size: int(binary.BigEndian.Uint32(pkt.Data[2:])),
		}, nil
	case kindNeedMore:
		return nil, ErrNeedMoreData
	default:
		return nil, errors.New("corrupt packet")
	}
}

func (d *fakeDecoder) Close() error {
	d.mu.Lock()
	d.closes++
	d.sessions = 0
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return nil
}

func (d *fakeDecoder) openSessions() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions
}
