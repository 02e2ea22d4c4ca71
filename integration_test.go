//go:build integration

package main

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"netcam-capture/config"
	"netcam-capture/mjpeg"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %v", err)
	}
	defer pc.Close()
	return pc.LocalAddr().(*net.UDPAddr).Port
}

func encodeTestFrame(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, width, height))
	for i := range img.Pix {
		img.Pix[i] = uint8(i)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("jpeg.Encode failed: %v", err)
	}
	return buf.Bytes()
}

// Integration test that runs the full application against an RTP/JPEG camera
// on the loopback interface.
func TestApplicationLifecycle(t *testing.T) {
	port := freeUDPPort(t)

	cfg := config.Default()
	cfg.Cameras = []config.CameraConfig{{
		ID:        "loopback",
		Host:      "127.0.0.1",
		Port:      port,
		Scheme:    "rtp",
		Transport: "rtp",
	}}
	cfg.Server.BindIP = "127.0.0.1"
	cfg.Server.WebPort = 0
	cfg.Server.PublicHost = "127.0.0.1"
	cfg.Logging.StatsLogInterval = 1
	cfg.Timeouts.ShutdownTimeout = 10

	logger := zaptest.NewLogger(t)
	app := NewApplication(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		t.Fatalf("Failed to start application: %v", err)
	}

	sender := mjpeg.NewSender(mjpeg.SenderConfig{Dest: fmt.Sprintf("127.0.0.1:%d", port), FPS: 20}, logger)
	if err := sender.Start(ctx); err != nil {
		t.Fatalf("Failed to start sender: %v", err)
	}

	frame := encodeTestFrame(t, 64, 48)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sender.SendFrame(frame, 64, 48)
			}
		}
	}()

	snapshotURL := fmt.Sprintf("http://%s/api/cameras/loopback/snapshot", app.webServer.Addr())

	var body []byte
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(snapshotURL)
		if err != nil {
			t.Fatalf("GET snapshot failed: %v", err)
		}
		body, _ = io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no snapshot within deadline, last status %d: %s", resp.StatusCode, body)
		}
		time.Sleep(100 * time.Millisecond)
	}

	img, err := jpeg.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("snapshot is not a JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Errorf("snapshot bounds = %v, want 64x48", b)
	}

	nc, err := app.cameraManager.GetNetcam("loopback")
	if err != nil {
		t.Fatalf("GetNetcam failed: %v", err)
	}
	seen := nc.FrameCount()
	if _, err := nc.WaitForFrame(ctx, seen, 5*time.Second); err != nil {
		t.Errorf("WaitForFrame after %d frames: %v", seen, err)
	}

	cancel()
	sender.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := app.Stop(shutdownCtx); err != nil {
		t.Fatalf("Failed to stop application: %v", err)
	}

	if app.cameraManager.IsRunning("loopback") {
		t.Error("camera still running after Stop")
	}
}
