package mjpeg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single JPEG read from a pipeline.
const DefaultMaxFrameSize = 4 * 1024 * 1024

// ErrFrameTooLarge is returned when a JPEG exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("jpeg frame too large")

// frameReader splits a byte stream into JPEG images delimited by the SOI
// (0xFFD8) and EOI (0xFFD9) markers. Bytes between images are discarded.
type frameReader struct {
	r       *bufio.Reader
	maxSize int
	frame   []byte
}

func newFrameReader(r io.Reader, maxSize int) *frameReader {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &frameReader{
		r:       bufio.NewReaderSize(r, 64*1024),
		maxSize: maxSize,
		frame:   make([]byte, 0, 256*1024),
	}
}

// next returns the next complete JPEG. The slice is reused by the following
// call. EOF before an image starts is io.EOF; EOF inside one is
// io.ErrUnexpectedEOF.
func (fr *frameReader) next() ([]byte, error) {
	if err := fr.seekSOI(); err != nil {
		return nil, err
	}

	frame := append(fr.frame[:0], 0xFF, 0xD8)
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			fr.frame = frame
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		frame = append(frame, b)

		if b == 0xD9 && frame[len(frame)-2] == 0xFF {
			fr.frame = frame
			return frame, nil
		}

		if len(frame) > fr.maxSize {
			fr.frame = frame[:0]
			return nil, fmt.Errorf("%w: over %d bytes", ErrFrameTooLarge, fr.maxSize)
		}
	}
}

func (fr *frameReader) seekSOI() error {
	prev := byte(0)
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return err
		}
		if prev == 0xFF && b == 0xD8 {
			return nil
		}
		prev = b
	}
}
