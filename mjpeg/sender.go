package mjpeg

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// SenderConfig configures an RTP/JPEG sender.
type SenderConfig struct {
	Dest  string // host:port
	MTU   int
	FPS   int
	SSRC  uint32
	Queue int // frames buffered before SendFrame drops
}

// SenderStats holds statistics about sent frames
type SenderStats struct {
	FramesSent    uint64
	FramesDropped uint64
	SendErrors    uint64
	RTPPackets    uint64
}

// Sender streams complete JPEG frames as RTP/JPEG over UDP. It feeds the rtp
// transport in tests and from the rtpjpeg-send tool.
type Sender struct {
	config SenderConfig
	logger *zap.Logger

	conn       *net.UDPConn
	packetizer *Packetizer

	frames chan sendFrame
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running    atomic.Bool
	frameCount uint64
	dropped    atomic.Uint64
	sendErrors atomic.Uint64
	sent       atomic.Uint64
}

type sendFrame struct {
	data          []byte
	width, height int
}

// NewSender creates a sender; Start opens the socket.
func NewSender(config SenderConfig, logger *zap.Logger) *Sender {
	if config.FPS <= 0 {
		config.FPS = 30
	}
	if config.Queue <= 0 {
		config.Queue = 10
	}
	return &Sender{
		config:     config,
		logger:     logger,
		packetizer: NewPacketizer(config.SSRC, config.MTU),
		frames:     make(chan sendFrame, config.Queue),
	}
}

// Start connects the UDP socket and starts the send loop.
func (s *Sender) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("sender already running")
	}

	dest, err := net.ResolveUDPAddr("udp", s.config.Dest)
	if err != nil {
		return fmt.Errorf("failed to resolve destination address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, dest)
	if err != nil {
		return fmt.Errorf("failed to create UDP socket: %w", err)
	}
	if err := conn.SetWriteBuffer(1024 * 1024); err != nil {
		s.logger.Warn("Failed to set UDP write buffer size", zap.Error(err))
	}
	s.conn = conn

	ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.wg.Add(1)
	go s.sendLoop(ctx)

	s.logger.Info("RTP/JPEG sender started",
		zap.String("local_addr", conn.LocalAddr().String()),
		zap.String("dest_addr", dest.String()))
	return nil
}

// SendFrame queues one JPEG. A full queue drops the frame.
func (s *Sender) SendFrame(jpegData []byte, width, height int) error {
	if !s.running.Load() {
		return fmt.Errorf("sender not running")
	}

	select {
	case s.frames <- sendFrame{data: jpegData, width: width, height: height}:
		return nil
	default:
		s.dropped.Add(1)
		return fmt.Errorf("frame queue full, dropping frame")
	}
}

func (s *Sender) sendLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.frames:
			if err := s.send(f); err != nil {
				s.sendErrors.Add(1)
				s.logger.Warn("Failed to send RTP frame", zap.Error(err), zap.Uint64("frame", s.frameCount))
			}
			s.frameCount++
		}
	}
}

func (s *Sender) send(f sendFrame) error {
	packets, err := s.packetizer.Packetize(f.data, f.width, f.height, FrameTimestamp(s.frameCount, s.config.FPS))
	if err != nil {
		return err
	}
	for _, pkt := range packets {
		if _, err := s.conn.Write(pkt); err != nil {
			return fmt.Errorf("failed to write packet: %w", err)
		}
	}
	s.sent.Add(1)
	return nil
}

// Stop stops the send loop and closes the socket.
func (s *Sender) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	s.cancel()
	s.wg.Wait()
	err := s.conn.Close()

	stats := s.Stats()
	s.logger.Info("RTP/JPEG sender stopped",
		zap.Uint64("frames_sent", stats.FramesSent),
		zap.Uint64("frames_dropped", stats.FramesDropped),
		zap.Uint64("send_errors", stats.SendErrors))
	return err
}

// Stats returns sender statistics
func (s *Sender) Stats() SenderStats {
	return SenderStats{
		FramesSent:    s.sent.Load(),
		FramesDropped: s.dropped.Load(),
		SendErrors:    s.sendErrors.Load(),
		RTPPackets:    s.packetizer.Stats().PacketsSent,
	}
}
