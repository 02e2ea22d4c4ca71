package netcam

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// receiving returns the buffer owned by the producer. Only the producer swaps
// latest, so reading the index here needs no lock.
func (c *Context) receiving() *Buffer {
	return &c.bufs[1-c.latest.Load()]
}

// decodeFrame reads packets until one decodes into a complete frame, which is
// copied into the receiving buffer. Packets from other streams are discarded
// and decode errors are logged and skipped; only running out of packets ends
// the cycle without a frame.
func (c *Context) decodeFrame(ctx context.Context) error {
	buf := c.receiving()
	buf.Reset()

	decoder := c.conn.decoder
	stream := c.conn.stream

	var readErr error
	size := 0

	for size == 0 {
		if err := ctx.Err(); err != nil {
			readErr = err
			break
		}

		pkt, err := decoder.ReadPacket()
		if err != nil {
			readErr = err
			break
		}

		if pkt.Stream != stream {
			continue
		}

		frame, err := decoder.Decode(pkt)
		if err != nil {
			if errors.Is(err, ErrNeedMoreData) {
				continue
			}
			c.decodeErrors.Add(1)
			c.logger.Warn("Error decoding video packet", zap.Error(&DecodeError{Stream: pkt.Stream, Err: err}))
			continue
		}

		need := frame.FrameSize()
		before := buf.Cap()
		if buf.EnsureCapacity(need) {
			c.logger.Debug("Expanding frame buffer",
				zap.Int("used", buf.Len()),
				zap.Int("from", before),
				zap.Int("to", buf.Cap()))
		}

		size = frame.CopyTo(buf.free()[:need])
		buf.setUsed(size)
		buf.width, buf.height = frame.Width(), frame.Height()
	}

	if size == 0 {
		c.logger.Warn("Invalid frame, no frame decoded", zap.Error(readErr))
		if readErr != nil {
			return fmt.Errorf("%w: %w", ErrNoFrame, readErr)
		}
		return ErrNoFrame
	}

	if size != c.usualSize {
		c.logger.Info("Unusual frame size",
			zap.Int("size", size),
			zap.Int("previous", c.usualSize))
		c.usualSize = size
		c.usualSizeStat.Store(int64(size))
	}

	buf.capturedAt = c.clock()
	return nil
}
