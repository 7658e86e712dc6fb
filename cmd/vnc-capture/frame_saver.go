package main

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/e7canasta/vnc-capture/framesupplier"
)

// FrameSaver writes every Nth frame to disk as PNG.
//
// Thread-safe: SaveFrame may be called from multiple goroutines.
type FrameSaver struct {
	outputDir string
	every     uint64
	maxFrames uint64

	seen          atomic.Uint64
	framesSaved   atomic.Uint64
	framesDropped atomic.Uint64
}

// NewFrameSaver creates the output directory if needed.
//
// every < 1 saves every frame; maxFrames 0 means unlimited.
func NewFrameSaver(outputDir string, every, maxFrames int) (*FrameSaver, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if every < 1 {
		every = 1
	}
	if maxFrames < 0 {
		maxFrames = 0
	}
	return &FrameSaver{
		outputDir: outputDir,
		every:     uint64(every),
		maxFrames: uint64(maxFrames),
	}, nil
}

// SaveFrame saves frame if it is due.
//
// Filename format: frame_{seq:06d}_{timestamp}.png
// Example: frame_000042_20251105_234517.123.png
func (fs *FrameSaver) SaveFrame(frame *framesupplier.Frame) error {
	n := fs.seen.Add(1)
	if (n-1)%fs.every != 0 {
		return nil
	}
	if fs.maxFrames > 0 && fs.framesSaved.Load() >= fs.maxFrames {
		return nil
	}

	img, err := bgrxToRGBA(frame)
	if err != nil {
		fs.framesDropped.Add(1)
		return fmt.Errorf("BGRX conversion failed: %w", err)
	}

	filename := fmt.Sprintf("frame_%06d_%s.png",
		frame.Seq,
		frame.Timestamp.Format("20060102_150405.000"))
	path := filepath.Join(fs.outputDir, filename)

	file, err := os.Create(path)
	if err != nil {
		fs.framesDropped.Add(1)
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		fs.framesDropped.Add(1)
		return fmt.Errorf("PNG encode failed: %w", err)
	}

	fs.framesSaved.Add(1)
	return nil
}

// bgrxToRGBA swaps B and R and sets alpha to 255.
func bgrxToRGBA(frame *framesupplier.Frame) (*image.RGBA, error) {
	if frame.Format != "BGRX" {
		return nil, fmt.Errorf("unsupported pixel format %q", frame.Format)
	}
	stride := frame.Stride
	if stride == 0 {
		stride = frame.Width * 4
	}
	if frame.Width <= 0 || frame.Height <= 0 || stride < frame.Width*4 {
		return nil, fmt.Errorf("invalid geometry %dx%d stride %d", frame.Width, frame.Height, stride)
	}
	if need := stride*(frame.Height-1) + frame.Width*4; len(frame.Data) < need {
		return nil, fmt.Errorf("invalid BGRX data size: got %d, expected at least %d", len(frame.Data), need)
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for y := 0; y < frame.Height; y++ {
		src := frame.Data[y*stride : y*stride+frame.Width*4]
		dst := img.Pix[y*img.Stride : y*img.Stride+frame.Width*4]
		for x := 0; x < len(src); x += 4 {
			dst[x+0] = src[x+2] // R
			dst[x+1] = src[x+1] // G
			dst[x+2] = src[x+0] // B
			dst[x+3] = 255      // A (opaque)
		}
	}
	return img, nil
}

// Stats returns current save statistics.
func (fs *FrameSaver) Stats() (saved, dropped uint64) {
	return fs.framesSaved.Load(), fs.framesDropped.Load()
}
