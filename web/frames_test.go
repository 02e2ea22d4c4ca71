package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Subscriber goroutines outlive the handler, so websocket tests log to a nop
// logger rather than the test.

func dialFrames(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/api/cameras/front/frames" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) (StreamMessage, json.RawMessage) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("message kind = %d, want text", kind)
	}

	var raw struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("invalid message %q: %v", data, err)
	}
	return StreamMessage{Type: raw.Type}, raw.Data
}

func readFrameEvent(t *testing.T, conn *websocket.Conn) FrameEvent {
	t.Helper()

	msg, data := readMessage(t, conn)
	if msg.Type != "frame" {
		t.Fatalf("message type = %q, want frame", msg.Type)
	}
	var ev FrameEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("invalid frame event: %v", err)
	}
	return ev
}

func TestFrameStream(t *testing.T) {
	cams := newFakeCameras(t, "front")
	ts := newTestServer(t, cams, zap.NewNop())
	cam := cams.cameras["front"]

	conn := dialFrames(t, ts, "")

	msg, data := readMessage(t, conn)
	if msg.Type != "subscribed" {
		t.Fatalf("first message = %q, want subscribed", msg.Type)
	}
	var hello map[string]string
	json.Unmarshal(data, &hello)
	if hello["camera"] != "front" || hello["client_id"] == "" {
		t.Errorf("subscribed data = %v", hello)
	}

	cam.publish(t, 90)
	ev := readFrameEvent(t, conn)
	if ev.Camera != "front" || ev.Frame != 1 {
		t.Errorf("event = %+v, want camera front frame 1", ev)
	}
	if ev.Width != testWidth || ev.Height != testHeight {
		t.Errorf("dimensions = %dx%d, want %dx%d", ev.Width, ev.Height, testWidth, testHeight)
	}
	if want := (testFrame{}).FrameSize(); ev.Size != want {
		t.Errorf("size = %d, want %d", ev.Size, want)
	}

	cam.publish(t, 91)
	if ev := readFrameEvent(t, conn); ev.Frame != 2 {
		t.Errorf("second event frame = %d, want 2", ev.Frame)
	}

	// Closing the camera ends the stream with a normal closure.
	cam.nc.Close()

	if msg, _ := readMessage(t, conn); msg.Type != "closed" {
		t.Fatalf("message type = %q, want closed", msg.Type)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
		t.Errorf("read after close = %v, want normal closure", err)
	}
}

func TestFrameStreamJPEG(t *testing.T) {
	cams := newFakeCameras(t, "front")
	ts := newTestServer(t, cams, zap.NewNop())

	// The latest frame is delivered straight after subscribing.
	cams.cameras["front"].publish(t, 120)

	conn := dialFrames(t, ts, "?format=jpeg")

	if msg, _ := readMessage(t, conn); msg.Type != "subscribed" {
		t.Fatalf("first message = %q, want subscribed", msg.Type)
	}
	if ev := readFrameEvent(t, conn); ev.Frame != 1 {
		t.Fatalf("frame = %d, want 1", ev.Frame)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("message kind = %d, want binary", kind)
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("binary message is not a JPEG: %v", err)
	}
	if b := img.Bounds(); b.Dx() != testWidth || b.Dy() != testHeight {
		t.Errorf("bounds = %v", b)
	}
}

func TestFrameStreamPing(t *testing.T) {
	cams := newFakeCameras(t, "front")
	ts := newTestServer(t, cams, zap.NewNop())

	conn := dialFrames(t, ts, "")
	readMessage(t, conn)

	if err := conn.WriteJSON(StreamMessage{Type: "ping"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	if msg, _ := readMessage(t, conn); msg.Type != "pong" {
		t.Errorf("reply = %q, want pong", msg.Type)
	}

	if err := conn.WriteJSON(StreamMessage{Type: "offer"}); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	if msg, _ := readMessage(t, conn); msg.Type != "error" {
		t.Errorf("reply = %q, want error", msg.Type)
	}
}

func TestFrameStreamClientDisconnect(t *testing.T) {
	cams := newFakeCameras(t, "front")

	s := NewFrameStreamer(cams, nil, 100*time.Millisecond, 85, zap.NewNop())
	router := http.NewServeMux()
	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		r = mux.SetURLVars(r, map[string]string{"id": "front"})
		s.HandleWebSocket(w, r)
	})
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	conn, _, err := websocket.DefaultDialer.Dial(strings.Replace(ts.URL, "http", "ws", 1)+"/ws", nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	readMessage(t, conn)

	if n := s.ClientCount(); n != 1 {
		t.Fatalf("ClientCount = %d, want 1", n)
	}

	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for s.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFrameStreamUnknownCamera(t *testing.T) {
	cams := newFakeCameras(t, "front")
	ts := newTestServer(t, cams, zaptest.NewLogger(t))

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/api/cameras/garage/frames"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("Dial succeeded for unknown camera")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v, want 404", resp)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "wildcard", allowed: []string{"*"}, origin: "http://evil.example", want: true},
		{name: "default is wildcard", origin: "http://anything", want: true},
		{name: "listed origin", allowed: []string{"http://cam.local"}, origin: "http://cam.local", want: true},
		{name: "unlisted origin", allowed: []string{"http://cam.local"}, origin: "http://evil.example", want: false},
		{name: "no origin header", allowed: []string{"http://cam.local"}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewFrameStreamer(nil, tt.allowed, 0, 0, zaptest.NewLogger(t))

			req := httptest.NewRequest(http.MethodGet, "/api/cameras/front/frames", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(req); got != tt.want {
				t.Errorf("checkOrigin = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOfferFrameKeepsOnlyNewest(t *testing.T) {
	c := &frameClient{frames: make(chan outgoing, 1)}

	c.offerFrame(outgoing{event: &FrameEvent{Frame: 1}})
	c.offerFrame(outgoing{event: &FrameEvent{Frame: 2}})
	// Frame 3 was never seen by the pump.
	c.offerFrame(outgoing{event: &FrameEvent{Frame: 4, Skipped: 1}})

	if n := len(c.frames); n != 1 {
		t.Fatalf("queued frames = %d, want 1", n)
	}
	msg := <-c.frames
	if msg.event.Frame != 4 {
		t.Errorf("queued frame = %d, want 4", msg.event.Frame)
	}
	if msg.event.Skipped != 3 {
		t.Errorf("Skipped = %d, want 3", msg.event.Skipped)
	}
	if got := c.dropped.Load(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}

	c.offerFrame(outgoing{event: &FrameEvent{Frame: 5}})
	if msg := <-c.frames; msg.event.Skipped != 0 {
		t.Errorf("Skipped after the writer caught up = %d, want 0", msg.event.Skipped)
	}
}
