package web

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"netcam-capture/camera"
	"netcam-capture/mjpeg"
	"netcam-capture/netcam"
)

const (
	testWidth  = 16
	testHeight = 16
)

type testFrame struct {
	fill byte
}

func (f testFrame) Width() int     { return testWidth }
func (f testFrame) Height() int    { return testHeight }
func (f testFrame) FrameSize() int { return mjpeg.I420Size(testWidth, testHeight) }

func (f testFrame) CopyTo(dst []byte) int {
	luma := testWidth * testHeight
	for i := 0; i < f.FrameSize(); i++ {
		if i < luma {
			dst[i] = f.fill
		} else {
			dst[i] = 128
		}
	}
	return f.FrameSize()
}

// testDecoder hands out queued packets and reports io.EOF when empty.
type testDecoder struct {
	mu      sync.Mutex
	packets []netcam.Packet
}

func (d *testDecoder) Open(ctx context.Context, target netcam.Target) error { return nil }

func (d *testDecoder) SelectStream(kind netcam.MediaKind) (int, error) { return 0, nil }

func (d *testDecoder) ReadPacket() (netcam.Packet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.packets) == 0 {
		return netcam.Packet{}, io.EOF
	}
	pkt := d.packets[0]
	d.packets = d.packets[1:]
	return pkt, nil
}

func (d *testDecoder) Decode(pkt netcam.Packet) (netcam.DecodedFrame, error) {
	return testFrame{fill: pkt.Data[0]}, nil
}

func (d *testDecoder) Close() error { return nil }

type testCamera struct {
	nc  *netcam.Context
	dec *testDecoder
}

// publish decodes one frame with the given luma value.
func (c *testCamera) publish(t *testing.T, fill byte) {
	t.Helper()

	c.dec.mu.Lock()
	c.dec.packets = append(c.dec.packets, netcam.Packet{Stream: 0, Data: []byte{fill}})
	c.dec.mu.Unlock()

	if err := c.nc.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
}

// fakeCameras is an in-memory camera registry.
type fakeCameras struct {
	order   []string
	cameras map[string]*testCamera
}

func newFakeCameras(t *testing.T, ids ...string) *fakeCameras {
	t.Helper()

	f := &fakeCameras{cameras: make(map[string]*testCamera)}
	for _, id := range ids {
		dec := &testDecoder{}
		nc, err := netcam.New(netcam.Config{ID: id, Host: "cam.local", Port: 554, Path: "/live"}, dec, zaptest.NewLogger(t))
		if err != nil {
			t.Fatalf("netcam.New failed: %v", err)
		}
		if err := nc.Connect(context.Background()); err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
		t.Cleanup(func() { nc.Close() })

		f.order = append(f.order, id)
		f.cameras[id] = &testCamera{nc: nc, dec: dec}
	}
	return f
}

func (f *fakeCameras) GetCameraList() []string {
	return append([]string(nil), f.order...)
}

func (f *fakeCameras) GetNetcam(id string) (*netcam.Context, error) {
	c, ok := f.cameras[id]
	if !ok {
		return nil, fmt.Errorf("camera %s: %w", id, camera.ErrCameraNotFound)
	}
	return c.nc, nil
}

func (f *fakeCameras) GetStatus() []camera.Status {
	statuses := make([]camera.Status, 0, len(f.order))
	for _, id := range f.order {
		statuses = append(statuses, camera.Status{Stats: f.cameras[id].nc.Stats(), Running: true})
	}
	return statuses
}
