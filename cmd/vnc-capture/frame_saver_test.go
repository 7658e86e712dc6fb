package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/vnc-capture/framesupplier"
)

func bgrxFrame(seq uint64, w, h, stride int) *framesupplier.Frame {
	data := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := y*stride + x*4
			data[off+0] = 10 // B
			data[off+1] = 20 // G
			data[off+2] = 30 // R
		}
	}
	return &framesupplier.Frame{
		Seq:       seq,
		Timestamp: time.Date(2025, 11, 5, 23, 45, 17, 0, time.UTC),
		Width:     w,
		Height:    h,
		Stride:    stride,
		Format:    "BGRX",
		Data:      data,
	}
}

func TestBGRXToRGBA(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		stride int
	}{
		{"packed", 4, 3, 16},
		{"padded stride", 4, 3, 24},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := bgrxToRGBA(bgrxFrame(1, tt.w, tt.h, tt.stride))
			if err != nil {
				t.Fatalf("bgrxToRGBA: %v", err)
			}
			c := img.RGBAAt(tt.w-1, tt.h-1)
			if c.R != 30 || c.G != 20 || c.B != 10 || c.A != 255 {
				t.Errorf("pixel = %+v, want R=30 G=20 B=10 A=255", c)
			}
		})
	}
	t.Logf("✅ BGRX converts to RGBA with B/R swapped")
}

func TestBGRXToRGBA_Rejects(t *testing.T) {
	short := bgrxFrame(1, 4, 3, 16)
	short.Data = short.Data[:20]

	wrongFormat := bgrxFrame(1, 4, 3, 16)
	wrongFormat.Format = "RGB"

	narrow := bgrxFrame(1, 4, 3, 16)
	narrow.Stride = 8

	tests := []struct {
		name  string
		frame *framesupplier.Frame
	}{
		{"short data", short},
		{"wrong format", wrongFormat},
		{"stride below width", narrow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := bgrxToRGBA(tt.frame); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestFrameSaver_EveryAndMax(t *testing.T) {
	dir := t.TempDir()
	saver, err := NewFrameSaver(dir, 2, 2)
	if err != nil {
		t.Fatalf("NewFrameSaver: %v", err)
	}

	for seq := uint64(1); seq <= 10; seq++ {
		if err := saver.SaveFrame(bgrxFrame(seq, 2, 2, 8)); err != nil {
			t.Fatalf("SaveFrame(%d): %v", seq, err)
		}
	}

	saved, dropped := saver.Stats()
	if saved != 2 || dropped != 0 {
		t.Fatalf("saved=%d dropped=%d, want 2 and 0", saved, dropped)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("files = %d, want 2", len(entries))
	}
	// frames 1 and 3 are the first two due with every=2
	for i, want := range []string{"frame_000001_", "frame_000003_"} {
		name := entries[i].Name()
		if !strings.HasPrefix(name, want) || filepath.Ext(name) != ".png" {
			t.Errorf("file %d = %q, want prefix %q and .png", i, name, want)
		}
	}
	t.Logf("✅ Saved %d of 10 frames (every=2, max=2)", saved)
}

func TestFrameSaver_CountsFailures(t *testing.T) {
	saver, err := NewFrameSaver(t.TempDir(), 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	bad := bgrxFrame(1, 2, 2, 8)
	bad.Format = "NV12"

	if err := saver.SaveFrame(bad); err == nil {
		t.Fatal("expected conversion error")
	}
	if _, dropped := saver.Stats(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}
