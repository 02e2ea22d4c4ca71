package netcam

import (
	"context"
	"time"
)

// Frame is a consumer-owned copy of a published frame.
type Frame struct {
	Data       []byte
	Seq        uint64
	CapturedAt time.Time
	Width      int
	Height     int
}

// publish swaps the receiving buffer into the latest slot and wakes consumers.
// The previous latest buffer becomes the next receiving buffer; no bytes move.
func (c *Context) publish() {
	c.mu.Lock()
	c.latest.Store(1 - c.latest.Load())
	c.frameCount++
	c.cond.Broadcast()
	c.mu.Unlock()
}

// FrameCount returns the number of frames published so far.
func (c *Context) FrameCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameCount
}

// WaitForFrame blocks until a frame newer than after has been published and
// returns a copy of it. A timeout of zero waits until ctx is done. It returns
// ErrTimeout when the timeout expires and ErrClosed once the session is closed.
func (c *Context) WaitForFrame(ctx context.Context, after uint64, timeout time.Duration) (Frame, error) {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stop := context.AfterFunc(waitCtx, func() {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()

	for c.frameCount <= after && !c.closed && waitCtx.Err() == nil {
		c.cond.Wait()
	}

	switch {
	case c.closed:
		return Frame{}, ErrClosed
	case c.frameCount > after:
		return c.copyLatest(nil), nil
	case ctx.Err() != nil:
		return Frame{}, ctx.Err()
	default:
		return Frame{}, ErrTimeout
	}
}

// Snapshot copies the latest frame into dst, growing it if needed. It returns
// ErrNoFrame before the first frame has been published.
func (c *Context) Snapshot(dst []byte) (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Frame{}, ErrClosed
	}
	if c.frameCount == 0 {
		return Frame{}, ErrNoFrame
	}
	return c.copyLatest(dst), nil
}

// View calls fn with the latest frame bytes while holding the session lock.
// data must not be retained or modified after fn returns, and fn must not call
// back into c.
func (c *Context) View(fn func(data []byte, seq uint64, capturedAt time.Time)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.frameCount == 0 {
		return ErrNoFrame
	}

	buf := &c.bufs[c.latest.Load()]
	fn(buf.Bytes(), c.frameCount, buf.capturedAt)
	return nil
}

// copyLatest must be called with mu held.
func (c *Context) copyLatest(dst []byte) Frame {
	buf := &c.bufs[c.latest.Load()]

	n := buf.Len()
	if cap(dst) < n {
		dst = make([]byte, n)
	}
	dst = dst[:n]
	copy(dst, buf.Bytes())

	return Frame{
		Data:       dst,
		Seq:        c.frameCount,
		CapturedAt: buf.capturedAt,
		Width:      buf.width,
		Height:     buf.height,
	}
}
