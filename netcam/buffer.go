package netcam

import (
	"fmt"
	"time"
)

// ChunkSize is the granularity buffers grow in.
const ChunkSize = 4096

// Buffer is a growable byte store holding one raw frame.
//
// capacity is always a multiple of ChunkSize and used never exceeds it.
// Storage is allocated lazily on the first EnsureCapacity call and never shrinks.
type Buffer struct {
	storage    []byte
	used       int
	capturedAt time.Time

	width, height int
}

// Cap returns the allocated size in bytes.
func (b *Buffer) Cap() int {
	return len(b.storage)
}

// Len returns the number of valid bytes.
func (b *Buffer) Len() int {
	return b.used
}

// Bytes returns the valid portion of the buffer. The slice aliases the buffer
// storage and is only valid until the buffer is written again.
func (b *Buffer) Bytes() []byte {
	return b.storage[:b.used]
}

// CapturedAt returns the capture time of the frame held in the buffer.
func (b *Buffer) CapturedAt() time.Time {
	return b.capturedAt
}

// Dimensions returns the pixel size reported by the decoder for the held frame.
func (b *Buffer) Dimensions() (width, height int) {
	return b.width, b.height
}

// Reset marks the buffer empty without releasing storage.
func (b *Buffer) Reset() {
	b.used = 0
}

// EnsureCapacity makes room for n more bytes after the used region.
//
// When the free space is short the buffer grows by the smallest multiple of
// ChunkSize covering the shortfall; existing content up to Len is preserved.
// It returns true when the buffer was reallocated. A request that cannot be
// satisfied panics with ErrAllocation: there is no partial-allocation recovery.
func (b *Buffer) EnsureCapacity(n int) bool {
	if n < 0 {
		panic(fmt.Errorf("%w: negative request %d", ErrAllocation, n))
	}

	free := len(b.storage) - b.used
	if free >= n {
		return false
	}

	shortfall := n - free
	grow := (shortfall / ChunkSize) * ChunkSize
	if shortfall-grow > 0 {
		grow += ChunkSize
	}

	newSize := len(b.storage) + grow
	if newSize < len(b.storage) {
		panic(fmt.Errorf("%w: size overflow growing %d by %d", ErrAllocation, len(b.storage), grow))
	}

	storage := make([]byte, newSize)
	copy(storage, b.storage[:b.used])
	b.storage = storage
	return true
}

// Write appends p to the used region, growing the buffer as needed.
func (b *Buffer) Write(p []byte) (int, error) {
	b.EnsureCapacity(len(p))
	n := copy(b.storage[b.used:], p)
	b.used += n
	return n, nil
}

// setUsed records how many bytes a decoder copied into the buffer.
func (b *Buffer) setUsed(n int) {
	if n > len(b.storage) {
		n = len(b.storage)
	}
	b.used = n
}

// free returns the writable region after the used bytes.
func (b *Buffer) free() []byte {
	return b.storage[b.used:]
}
