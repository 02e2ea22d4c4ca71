package mjpeg

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
)

// I420Size returns the byte size of a planar YUV 4:2:0 image. Chroma planes
// round odd dimensions up.
func I420Size(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return width*height + 2*cw*ch
}

// Frame is a decoded image stored as planar YUV 4:2:0 (Y, then Cb, then Cr).
type Frame struct {
	width  int
	height int
	data   []byte
}

func (f *Frame) Width() int     { return f.width }
func (f *Frame) Height() int    { return f.height }
func (f *Frame) FrameSize() int { return len(f.data) }

// CopyTo copies the planes into dst.
func (f *Frame) CopyTo(dst []byte) int {
	return copy(dst, f.data)
}

// Bytes returns the raw planes.
func (f *Frame) Bytes() []byte {
	return f.data
}

// decodeJPEG decodes a complete JPEG image into an I420 frame.
func decodeJPEG(data []byte) (*Frame, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("jpeg decode: %w", err)
	}
	return ToI420(img), nil
}

// ToI420 converts img to planar YUV 4:2:0. Baseline 4:2:0 JPEGs are copied
// plane by plane; other layouts are resampled taking the top-left pixel of
// each 2x2 block for chroma.
func ToI420(img image.Image) *Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	cw, ch := (w+1)/2, (h+1)/2

	f := &Frame{width: w, height: h, data: make([]byte, I420Size(w, h))}
	yPlane := f.data[:w*h]
	cbPlane := f.data[w*h : w*h+cw*ch]
	crPlane := f.data[w*h+cw*ch:]

	switch src := img.(type) {
	case *image.YCbCr:
		if src.SubsampleRatio == image.YCbCrSubsampleRatio420 && b.Min == (image.Point{}) {
			for y := 0; y < h; y++ {
				off := src.YOffset(0, y)
				copy(yPlane[y*w:(y+1)*w], src.Y[off:off+w])
			}
			for y := 0; y < ch; y++ {
				off := src.COffset(0, 2*y)
				copy(cbPlane[y*cw:(y+1)*cw], src.Cb[off:off+cw])
				copy(crPlane[y*cw:(y+1)*cw], src.Cr[off:off+cw])
			}
			return f
		}

		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				yPlane[y*w+x] = src.Y[src.YOffset(b.Min.X+x, b.Min.Y+y)]
			}
		}
		for y := 0; y < ch; y++ {
			for x := 0; x < cw; x++ {
				off := src.COffset(b.Min.X+2*x, b.Min.Y+2*y)
				cbPlane[y*cw+x] = src.Cb[off]
				crPlane[y*cw+x] = src.Cr[off]
			}
		}

	case *image.Gray:
		for y := 0; y < h; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(yPlane[y*w:(y+1)*w], src.Pix[off:off+w])
		}
		for i := range cbPlane {
			cbPlane[i] = 128
			crPlane[i] = 128
		}

	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				c := color.YCbCrModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.YCbCr)
				yPlane[y*w+x] = c.Y
				if x%2 == 0 && y%2 == 0 {
					cbPlane[(y/2)*cw+x/2] = c.Cb
					crPlane[(y/2)*cw+x/2] = c.Cr
				}
			}
		}
	}

	return f
}

// EncodeJPEG writes an I420 image held in data as a JPEG.
func EncodeJPEG(w io.Writer, data []byte, width, height, quality int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid frame dimensions %dx%d", width, height)
	}
	size := I420Size(width, height)
	if len(data) < size {
		return fmt.Errorf("frame holds %d bytes, %dx%d needs %d", len(data), width, height, size)
	}
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	cw, ch := (width+1)/2, (height+1)/2
	img := &image.YCbCr{
		Y:              data[:width*height],
		Cb:             data[width*height : width*height+cw*ch],
		Cr:             data[width*height+cw*ch : size],
		YStride:        width,
		CStride:        cw,
		SubsampleRatio: image.YCbCrSubsampleRatio420,
		Rect:           image.Rect(0, 0, width, height),
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}
