package netcam

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is wrapped by every *ConnectionError
	ErrConnection = errors.New("netcam: connection failed")

	// ErrStreamNotFound is returned by a Decoder when the session has no stream of the requested kind
	ErrStreamNotFound = errors.New("netcam: stream not found")

	// ErrNoFrame means one acquisition cycle ended without a decoded frame
	ErrNoFrame = errors.New("netcam: no frame decoded")

	// ErrNeedMoreData is returned by Decoder.Decode when the packet did not complete a frame
	ErrNeedMoreData = errors.New("netcam: decoder needs more data")

	// ErrAllocation is the panic value for a buffer growth that cannot be satisfied
	ErrAllocation = errors.New("netcam: buffer allocation failed")

	// ErrClosed is returned once the context has been closed
	ErrClosed = errors.New("netcam: context closed")

	// ErrNotConnected is returned when no decoder session is open
	ErrNotConnected = errors.New("netcam: not connected")

	// ErrTimeout is returned by WaitForFrame when no new frame arrived in time
	ErrTimeout = errors.New("netcam: timed out waiting for frame")
)

// Connection stages reported by ConnectionError.
const (
	StageOpen         = "open"
	StageSelectStream = "select_stream"
)

// ConnectionError reports a failed connect attempt and the stage it failed in.
type ConnectionError struct {
	Stage  string
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("netcam: connect %s failed at %s: %v", e.Target, e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() []error {
	return []error{ErrConnection, e.Err}
}

// DecodeError reports a single packet that failed to decode. The decode loop
// absorbs it and moves on to the next packet.
type DecodeError struct {
	Stream int
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("netcam: decode failed on stream %d: %v", e.Stream, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
