package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"netcam-capture/mjpeg"
	"netcam-capture/netcam"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	// sendBufferSize bounds queued control messages. Frames have a
	// single slot of their own.
	sendBufferSize = 4
)

// FrameStreamer pushes new-frame notifications to websocket subscribers.
// With ?format=jpeg every notification is followed by a binary JPEG message.
type FrameStreamer struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger
	cameras  Cameras

	clients map[string]*frameClient
	mu      sync.RWMutex

	allowedOrigins []string
	waitTimeout    time.Duration
	jpegQuality    int
}

// FrameEvent announces a published frame.
type FrameEvent struct {
	Camera     string    `json:"camera"`
	Frame      uint64    `json:"frame"`
	CapturedAt time.Time `json:"captured_at"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Size       int       `json:"size"`
	Skipped    uint64    `json:"skipped,omitempty"`
}

// StreamMessage is the envelope of every text message on the frame socket.
type StreamMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type outgoing struct {
	text   []byte
	binary []byte
	// event is marshalled at write time so a replaced frame can be counted
	// in its successor's Skipped.
	event *FrameEvent
}

type frameClient struct {
	id       string
	cameraID string
	conn     *websocket.Conn
	nc       *netcam.Context
	streamer *FrameStreamer
	logger   *zap.Logger
	jpeg     bool

	send   chan outgoing
	frames chan outgoing
	end    chan struct{}

	cameraClosed atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	connectedAt time.Time
	sent        atomic.Uint64
	dropped     atomic.Uint64
}

// NewFrameStreamer creates a frame streamer. A zero waitTimeout falls back to
// five seconds between keepalive checks of the camera.
func NewFrameStreamer(cameras Cameras, allowedOrigins []string, waitTimeout time.Duration, jpegQuality int, logger *zap.Logger) *FrameStreamer {
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	if waitTimeout <= 0 {
		waitTimeout = 5 * time.Second
	}

	s := &FrameStreamer{
		logger:         logger,
		cameras:        cameras,
		clients:        make(map[string]*frameClient),
		allowedOrigins: allowedOrigins,
		waitTimeout:    waitTimeout,
		jpegQuality:    jpegQuality,
	}

	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
	}

	return s
}

// checkOrigin validates the request origin against allowed origins
func (s *FrameStreamer) checkOrigin(r *http.Request) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" {
			return true
		}
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no origin.
		return true
	}

	for _, allowed := range s.allowedOrigins {
		if origin == allowed {
			return true
		}
	}

	s.logger.Warn("Origin not allowed",
		zap.String("origin", origin),
		zap.Strings("allowed_origins", s.allowedOrigins))
	return false
}

// HandleWebSocket subscribes a client to the frames of one camera.
func (s *FrameStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	cameraID := mux.Vars(r)["id"]

	nc, err := s.cameras.GetNetcam(cameraID)
	if err != nil {
		http.Error(w, "camera "+cameraID+" not found", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())

	client := &frameClient{
		id:          clientID,
		cameraID:    cameraID,
		conn:        conn,
		nc:          nc,
		streamer:    s,
		logger:      s.logger.With(zap.String("client_id", clientID), zap.String("camera", cameraID)),
		jpeg:        r.URL.Query().Get("format") == "jpeg",
		send:        make(chan outgoing, sendBufferSize),
		frames:      make(chan outgoing, 1),
		end:         make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
	}

	s.mu.Lock()
	s.clients[clientID] = client
	s.mu.Unlock()

	client.logger.Info("Frame subscriber connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Bool("jpeg", client.jpeg))

	client.enqueue(client.textMessage("subscribed", map[string]string{
		"client_id": clientID,
		"camera":    cameraID,
	}), true)

	go client.writePump()
	go client.readPump()
	go client.framePump()
}

// ClientCount returns the number of connected subscribers.
func (s *FrameStreamer) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// CloseAll disconnects every subscriber.
func (s *FrameStreamer) CloseAll() {
	s.mu.RLock()
	clients := make([]*frameClient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
}

func (s *FrameStreamer) remove(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// framePump waits for frames newer than the last one seen. A frame still
// waiting for the writer is replaced by the next one, never queued.
func (c *frameClient) framePump() {
	defer close(c.end)

	var last uint64
	var jpegBuf bytes.Buffer

	for {
		frame, err := c.nc.WaitForFrame(c.ctx, last, c.streamer.waitTimeout)
		switch {
		case err == nil:
		case errors.Is(err, netcam.ErrTimeout):
			continue
		case errors.Is(err, netcam.ErrClosed):
			c.cameraClosed.Store(true)
			return
		default:
			return
		}

		event := FrameEvent{
			Camera:     c.cameraID,
			Frame:      frame.Seq,
			CapturedAt: frame.CapturedAt,
			Width:      frame.Width,
			Height:     frame.Height,
			Size:       len(frame.Data),
		}
		if last != 0 && frame.Seq > last+1 {
			event.Skipped = frame.Seq - last - 1
		}
		last = frame.Seq

		msg := outgoing{event: &event}
		if c.jpeg {
			jpegBuf.Reset()
			if err := mjpeg.EncodeJPEG(&jpegBuf, frame.Data, frame.Width, frame.Height, c.streamer.jpegQuality); err != nil {
				c.logger.Warn("Failed to encode frame", zap.Uint64("frame", frame.Seq), zap.Error(err))
				continue
			}
			msg.binary = append([]byte(nil), jpegBuf.Bytes()...)
		}

		c.offerFrame(msg)
	}
}

// offerFrame puts msg in the frame slot, replacing a frame the writer has not
// taken yet. Only framePump sends on frames, so the final send cannot block.
func (c *frameClient) offerFrame(msg outgoing) {
	select {
	case c.frames <- msg:
		return
	default:
	}

	select {
	case stale := <-c.frames:
		msg.event.Skipped += stale.event.Skipped + 1
		c.dropped.Add(1)
	default:
	}
	c.frames <- msg
}

// writePump is the only writer on the connection.
func (c *frameClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		// Control messages go first so "subscribed" precedes any frame.
		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Debug("WebSocket write error", zap.Error(err))
				return
			}
			continue
		default:
		}

		select {
		case msg := <-c.send:
			if err := c.write(msg); err != nil {
				c.logger.Debug("WebSocket write error", zap.Error(err))
				return
			}

		case msg := <-c.frames:
			if err := c.write(msg); err != nil {
				c.logger.Debug("WebSocket write error", zap.Error(err))
				return
			}

		case <-c.end:
			if !c.drain() {
				return
			}
			if c.cameraClosed.Load() {
				if err := c.write(c.textMessage("closed", nil)); err != nil {
					return
				}
			}
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "camera closed"),
				time.Now().Add(writeWait))
			return

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-c.ctx.Done():
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		}
	}
}

// drain writes whatever is still queued, control messages first.
func (c *frameClient) drain() bool {
	for _, ch := range []chan outgoing{c.send, c.frames} {
		for drained := false; !drained; {
			select {
			case msg := <-ch:
				if err := c.write(msg); err != nil {
					return false
				}
			default:
				drained = true
			}
		}
	}
	return true
}

func (c *frameClient) write(msg outgoing) error {
	if msg.event != nil {
		msg.text = c.textMessage("frame", msg.event).text
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, msg.text); err != nil {
		return err
	}
	if msg.binary != nil {
		if err := c.conn.WriteMessage(websocket.BinaryMessage, msg.binary); err != nil {
			return err
		}
	}
	c.sent.Add(1)
	return nil
}

// readPump handles client pings and notices disconnects.
func (c *frameClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg StreamMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case "ping":
			c.enqueue(c.textMessage("pong", nil), false)
		default:
			c.enqueue(c.textMessage("error", map[string]string{"message": "unknown message type: " + msg.Type}), false)
		}
	}
}

func (c *frameClient) textMessage(msgType string, data interface{}) outgoing {
	b, err := json.Marshal(StreamMessage{Type: msgType, Data: data})
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.String("type", msgType), zap.Error(err))
	}
	return outgoing{text: b}
}

// enqueue hands msg to the writer. Without block a full queue drops msg.
func (c *frameClient) enqueue(msg outgoing, block bool) bool {
	if msg.text == nil {
		return false
	}
	if block {
		select {
		case c.send <- msg:
			return true
		case <-c.ctx.Done():
			return false
		}
	}

	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Debug("Control queue full, dropping message")
		return false
	}
}

func (c *frameClient) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.streamer.remove(c.id)
		c.conn.Close()

		c.logger.Info("Frame subscriber disconnected",
			zap.Duration("connected", time.Since(c.connectedAt)),
			zap.Uint64("sent", c.sent.Load()),
			zap.Uint64("frames_replaced", c.dropped.Load()))
	})
}
