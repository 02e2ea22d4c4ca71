package mjpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/rtp"
	"go.uber.org/zap"

	"netcam-capture/netcam"
)

const (
	maxDatagramSize      = 65535
	defaultReadBufferLen = 1024 * 1024
	// defaultStreamLost applies when no ReadTimeout is configured.
	defaultStreamLost = 5 * time.Second
)

// ErrStreamLost is returned by ReadPacket when datagrams keep arriving but
// none belong to the selected stream, as after a sender restart with a new
// SSRC. Reconnecting selects the new stream.
var ErrStreamLost = errors.New("selected rtp stream lost")

// streamKey identifies an RTP stream by source and payload type.
type streamKey struct {
	ssrc        uint32
	payloadType uint8
}

// rtpSource receives RTP/JPEG pushed to a local UDP port. Every distinct
// SSRC and payload type pair is numbered as its own stream in arrival order.
type rtpSource struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	conn    *net.UDPConn
	buf     []byte
	streams map[streamKey]int
	pending *netcam.Packet

	// selected is the locked stream, -1 before SelectStream. lastSelected
	// is when a packet of it was last returned.
	selected     int
	lastSelected time.Time

	depack *depacketizer
}

func newRTPSource(opts Options, logger *zap.Logger) *rtpSource {
	return &rtpSource{
		opts:     opts,
		logger:   logger,
		buf:      make([]byte, maxDatagramSize),
		selected: -1,
	}
}

// Open binds the UDP socket on the target host and port.
func (s *rtpSource) Open(ctx context.Context, target netcam.Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return fmt.Errorf("rtp receiver already open")
	}

	addr, err := net.ResolveUDPAddr("udp", target.Address())
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", target.Address(), err)
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr.String())
	if err != nil {
		return fmt.Errorf("failed to create UDP socket: %w", err)
	}
	conn := pc.(*net.UDPConn)

	if err := conn.SetReadBuffer(defaultReadBufferLen); err != nil {
		s.logger.Warn("Failed to set UDP read buffer size", zap.Error(err))
	}

	s.conn = conn
	s.streams = make(map[streamKey]int)
	s.pending = nil
	s.selected = -1
	s.depack = newDepacketizer(s.opts.MaxFrameSize)

	s.logger.Info("RTP/JPEG receiver listening", zap.String("local_addr", conn.LocalAddr().String()))
	return nil
}

// localAddr returns the bound address, or nil when closed.
func (s *rtpSource) localAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// SelectStream waits for the first JPEG packet and locks onto its stream.
// Packets of other streams seen meanwhile are dropped.
func (s *rtpSource) SelectStream(kind netcam.MediaKind) (int, error) {
	if kind != netcam.MediaVideo {
		return -1, fmt.Errorf("%w: rtp/jpeg carries no %s", netcam.ErrStreamNotFound, kind)
	}

	for {
		pkt, key, err := s.read()
		if err != nil {
			return -1, fmt.Errorf("%w: %w", netcam.ErrStreamNotFound, err)
		}
		if key.payloadType != PayloadTypeJPEG {
			continue
		}

		s.mu.Lock()
		pkt.Data = append([]byte(nil), pkt.Data...)
		s.pending = &pkt
		s.selected = pkt.Stream
		s.lastSelected = time.Now()
		s.mu.Unlock()

		s.logger.Info("Selected RTP/JPEG stream",
			zap.Int("stream", pkt.Stream),
			zap.Uint32("ssrc", key.ssrc))
		return pkt.Stream, nil
	}
}

// ReadPacket returns the next datagram. The data is only valid until the next
// call. Once the selected stream has been silent for longer than ReadTimeout
// while other datagrams arrive, it returns ErrStreamLost.
func (s *rtpSource) ReadPacket() (netcam.Packet, error) {
	s.mu.Lock()
	if s.pending != nil {
		pkt := *s.pending
		s.pending = nil
		s.mu.Unlock()
		return pkt, nil
	}
	s.mu.Unlock()

	pkt, key, err := s.read()
	if err != nil {
		return pkt, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selected < 0 {
		return pkt, nil
	}
	now := time.Now()
	if pkt.Stream == s.selected {
		s.lastSelected = now
		return pkt, nil
	}

	limit := s.opts.ReadTimeout
	if limit <= 0 {
		limit = defaultStreamLost
	}
	if silent := now.Sub(s.lastSelected); silent > limit {
		s.logger.Warn("Selected RTP stream went silent",
			zap.Int("stream", s.selected),
			zap.Uint32("active_ssrc", key.ssrc),
			zap.Duration("silent", silent))
		return netcam.Packet{}, fmt.Errorf("%w: no packet for %s", ErrStreamLost, silent.Round(time.Millisecond))
	}
	return pkt, nil
}

// read receives one RTP packet, skipping datagrams that do not parse.
func (s *rtpSource) read() (netcam.Packet, streamKey, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return netcam.Packet{}, streamKey{}, io.EOF
	}

	for {
		if s.opts.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout)); err != nil {
				return netcam.Packet{}, streamKey{}, fmt.Errorf("set read deadline: %w", err)
			}
		}

		n, _, err := conn.ReadFromUDP(s.buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return netcam.Packet{}, streamKey{}, io.EOF
			}
			return netcam.Packet{}, streamKey{}, fmt.Errorf("rtp read: %w", err)
		}

		var header rtp.Header
		if _, err := header.Unmarshal(s.buf[:n]); err != nil {
			s.logger.Debug("Dropping non-RTP datagram", zap.Int("size", n), zap.Error(err))
			continue
		}

		key := streamKey{ssrc: header.SSRC, payloadType: header.PayloadType}
		return netcam.Packet{Stream: s.streamIndex(key), Data: s.buf[:n]}, key, nil
	}
}

func (s *rtpSource) streamIndex(key streamKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.streams[key]
	if !ok {
		idx = len(s.streams)
		s.streams[key] = idx
		s.logger.Debug("New RTP stream",
			zap.Int("stream", idx),
			zap.Uint32("ssrc", key.ssrc),
			zap.Uint8("payload_type", key.payloadType))
	}
	return idx
}

// Decode feeds one packet to the reassembler and decodes the JPEG once the
// last fragment has arrived.
func (s *rtpSource) Decode(pkt netcam.Packet) (netcam.DecodedFrame, error) {
	var p rtp.Packet
	if err := p.Unmarshal(pkt.Data); err != nil {
		return nil, fmt.Errorf("rtp unmarshal: %w", err)
	}

	jpegData, err := s.depack.push(&p)
	if err != nil {
		return nil, err
	}
	return decodeJPEG(jpegData)
}

// Close releases the socket, unblocking any pending read.
func (s *rtpSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.pending = nil
	s.logger.Info("RTP/JPEG receiver closed")
	return err
}
