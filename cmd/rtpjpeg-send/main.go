// Command rtpjpeg-send streams JPEG frames as RTP/JPEG over UDP, in the layout
// the rtp camera transport receives. It sends either a generated test pattern
// or the JPEG files matching -files, in a loop.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"go.uber.org/zap"

	"netcam-capture/mjpeg"
)

func main() {
	var (
		dest    = flag.String("dest", "127.0.0.1:5004", "Destination host:port")
		fps     = flag.Int("fps", 15, "Frames per second")
		width   = flag.Int("width", 320, "Test pattern width")
		height  = flag.Int("height", 240, "Test pattern height")
		quality = flag.Int("quality", 80, "Test pattern JPEG quality")
		mtu     = flag.Int("mtu", mjpeg.DefaultMTU, "Maximum datagram size")
		ssrc    = flag.Uint("ssrc", 0x4E43414D, "RTP SSRC")
		files   = flag.String("files", "", "Glob of JPEG files to send instead of a test pattern")
		count   = flag.Int("count", 0, "Frames to send, 0 for no limit")
	)
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	next, err := frameSource(*files, *width, *height, *quality)
	if err != nil {
		logger.Fatal("Failed to prepare frames", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	sender := mjpeg.NewSender(mjpeg.SenderConfig{
		Dest: *dest,
		MTU:  *mtu,
		FPS:  *fps,
		SSRC: uint32(*ssrc),
	}, logger)
	if err := sender.Start(ctx); err != nil {
		logger.Fatal("Failed to start sender", zap.Error(err))
	}
	defer sender.Stop()

	if *fps <= 0 {
		*fps = 15
	}
	ticker := time.NewTicker(time.Second / time.Duration(*fps))
	defer ticker.Stop()

	for n := 0; *count == 0 || n < *count; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		data, w, h, err := next(n)
		if err != nil {
			logger.Error("Failed to produce frame", zap.Int("frame", n), zap.Error(err))
			continue
		}
		if err := sender.SendFrame(data, w, h); err != nil {
			logger.Debug("Frame dropped", zap.Int("frame", n), zap.Error(err))
		}
	}
}

type frameFunc func(n int) (data []byte, width, height int, err error)

func frameSource(glob string, width, height, quality int) (frameFunc, error) {
	if glob == "" {
		return func(n int) ([]byte, int, int, error) {
			data, err := testPattern(n, width, height, quality)
			return data, width, height, err
		}, nil
	}

	paths, err := filepath.Glob(glob)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no files match %q", glob)
	}
	sort.Strings(paths)

	type file struct {
		data          []byte
		width, height int
	}
	frames := make([]file, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		frames = append(frames, file{data: data, width: cfg.Width, height: cfg.Height})
	}

	return func(n int) ([]byte, int, int, error) {
		f := frames[n%len(frames)]
		return f.data, f.width, f.height, nil
	}, nil
}

// testPattern draws a gradient with a vertical bar that moves one step per frame.
func testPattern(n, width, height, quality int) ([]byte, error) {
	img := image.NewYCbCr(image.Rect(0, 0, width, height), image.YCbCrSubsampleRatio420)
	bar := (n * 4) % width

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint8(x * 255 / width)
			if x >= bar && x < bar+8 {
				v = 255
			}
			img.Y[img.YOffset(x, y)] = v
		}
	}
	for i := range img.Cb {
		img.Cb[i] = 128
		img.Cr[i] = 128
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
