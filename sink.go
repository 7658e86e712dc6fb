package vnccapture

import (
	"sync/atomic"

	"github.com/e7canasta/vnc-capture/framesupplier"
)

// SupplierSink copies each frame off the capture goroutine's framebuffer
// and publishes it to a framesupplier.Supplier for fan-out.
//
// Publish never blocks, so OutputVideo costs one allocation and one copy.
type SupplierSink struct {
	supplier *framesupplier.Supplier
	copied   atomic.Uint64
}

// NewSupplierSink wraps s.
func NewSupplierSink(s *framesupplier.Supplier) *SupplierSink {
	return &SupplierSink{supplier: s}
}

// OutputVideo implements Sink.
func (k *SupplierSink) OutputVideo(f *Frame) {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)

	k.supplier.Publish(&framesupplier.Frame{
		SourceSeq: f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Stride:    f.Stride,
		Format:    f.Format.String(),
		Data:      data,
		SessionID: f.SessionID,
		TraceID:   f.TraceID,
	})
	k.copied.Add(uint64(len(data)))
}

// BytesCopied returns the total bytes copied into published frames.
func (k *SupplierSink) BytesCopied() uint64 { return k.copied.Load() }
