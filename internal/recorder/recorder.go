// Package recorder stores captured frames as a CBOR sequence.
//
// A recording starts with a FileHeader item followed by one item
// per frame. Pixel payloads are LZ4 block-compressed unless compression
// would not shrink them, in which case they are stored raw.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pierrec/lz4/v4"
)

// Magic identifies a recording.
const Magic = "vnc-capture-recording"

// Version is the current recording format.
const Version = 1

// Payload codecs.
const (
	CodecRaw = "raw"
	CodecLZ4 = "lz4"
)

// FileHeader opens every recording.
type FileHeader struct {
	Magic   string `cbor:"1,keyasint"`
	Version int    `cbor:"2,keyasint"`
	Created int64  `cbor:"3,keyasint"` // unix nanoseconds
}

// Header describes one frame.
type Header struct {
	Seq       uint64 `cbor:"1,keyasint"`
	Timestamp int64  `cbor:"2,keyasint"` // unix nanoseconds
	Width     int    `cbor:"3,keyasint"`
	Height    int    `cbor:"4,keyasint"`
	Stride    int    `cbor:"5,keyasint"`
	Format    string `cbor:"6,keyasint"`
	SessionID string `cbor:"7,keyasint,omitempty"`
	RawSize   int    `cbor:"8,keyasint"`
	Codec     string `cbor:"9,keyasint"`
}

// Time returns the frame timestamp.
func (h Header) Time() time.Time { return time.Unix(0, h.Timestamp) }

// record is the on-disk frame item.
type record struct {
	Header  Header `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("recorder: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("recorder: CBOR decoder initialization failed: " + err.Error())
	}
}

// ErrNotRecording is returned when a stream does not start with Magic.
var ErrNotRecording = errors.New("recorder: not a vnc-capture recording")

// ErrCorrupt is returned when a frame header cannot describe its payload.
var ErrCorrupt = errors.New("recorder: corrupt frame")

// maxFrameBytes caps RawSize: a 16384x16384 BGRX framebuffer.
const maxFrameBytes = 16384 * 16384 * 4

// Stats summarizes what a Writer has stored.
type Stats struct {
	Frames      uint64
	RawBytes    uint64
	StoredBytes uint64
}

// Ratio returns StoredBytes/RawBytes, 0 when nothing was written.
func (s Stats) Ratio() float64 {
	if s.RawBytes == 0 {
		return 0
	}
	return float64(s.StoredBytes) / float64(s.RawBytes)
}

// Writer appends frames to a recording. It is safe for concurrent use.
type Writer struct {
	mu     sync.Mutex
	bw     *bufio.Writer
	enc    *cbor.Encoder
	closer io.Closer
	stats  Stats
	closed bool
}

// Create truncates path and starts a recording in it.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: create %s: %w", path, err)
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.closer = f
	return w, nil
}

// NewWriter writes the file header to w. Close flushes but does not close
// w.
func NewWriter(w io.Writer) (*Writer, error) {
	bw := bufio.NewWriterSize(w, 1<<20)
	rw := &Writer{bw: bw, enc: encMode.NewEncoder(bw)}

	hdr := FileHeader{Magic: Magic, Version: Version, Created: time.Now().UnixNano()}
	if err := rw.enc.Encode(hdr); err != nil {
		return nil, fmt.Errorf("recorder: write file header: %w", err)
	}
	return rw, nil
}

// Write appends one frame. h.RawSize and h.Codec are filled in.
func (w *Writer) Write(h Header, pixels []byte) error {
	payload, codec := compress(pixels)
	h.RawSize = len(pixels)
	h.Codec = codec

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("recorder: write after close")
	}
	if err := w.enc.Encode(record{Header: h, Payload: payload}); err != nil {
		return fmt.Errorf("recorder: write frame %d: %w", h.Seq, err)
	}
	w.stats.Frames++
	w.stats.RawBytes += uint64(len(pixels))
	w.stats.StoredBytes += uint64(len(payload))
	return nil
}

// Stats returns the running totals.
func (w *Writer) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Close flushes buffered records and closes the file opened by Create.
// Close is idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	err := w.bw.Flush()
	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("recorder: close: %w", err)
	}
	return nil
}

func compress(data []byte) ([]byte, string) {
	if len(data) == 0 {
		return data, CodecRaw
	}
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, dst, nil)
	// 0 means incompressible
	if err != nil || n == 0 || n >= len(data) {
		return data, CodecRaw
	}
	return dst[:n], CodecLZ4
}

// checkSize rejects sizes a frame of the header's geometry cannot have.
func checkSize(h Header) error {
	if h.Width < 0 || h.Height < 0 || h.Stride < 0 {
		return fmt.Errorf("%w %d: geometry %dx%d stride %d", ErrCorrupt, h.Seq, h.Width, h.Height, h.Stride)
	}
	if h.RawSize < 0 || h.RawSize > maxFrameBytes {
		return fmt.Errorf("%w %d: raw size %d", ErrCorrupt, h.Seq, h.RawSize)
	}
	if h.Stride > 0 && h.Height > 0 && h.RawSize > h.Stride*h.Height {
		return fmt.Errorf("%w %d: raw size %d exceeds %d rows of %d bytes", ErrCorrupt, h.Seq, h.RawSize, h.Height, h.Stride)
	}
	return nil
}

func decompress(h Header, payload []byte) ([]byte, error) {
	if err := checkSize(h); err != nil {
		return nil, err
	}
	switch h.Codec {
	case CodecRaw:
		if len(payload) != h.RawSize {
			return nil, fmt.Errorf("recorder: frame %d: raw payload is %d bytes, header says %d", h.Seq, len(payload), h.RawSize)
		}
		return payload, nil
	case CodecLZ4:
		dst := make([]byte, h.RawSize)
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, fmt.Errorf("recorder: frame %d: lz4 decompress: %w", h.Seq, err)
		}
		if n != h.RawSize {
			return nil, fmt.Errorf("recorder: frame %d: lz4 decompress: got %d bytes, expected %d", h.Seq, n, h.RawSize)
		}
		return dst, nil
	default:
		return nil, fmt.Errorf("recorder: frame %d: unsupported codec %q", h.Seq, h.Codec)
	}
}

// Reader iterates a recording.
type Reader struct {
	dec    *cbor.Decoder
	header FileHeader
	closer io.Closer
}

// Open opens the recording at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recorder: open %s: %w", path, err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// NewReader reads and checks the file header.
func NewReader(r io.Reader) (*Reader, error) {
	rd := &Reader{dec: decMode.NewDecoder(bufio.NewReaderSize(r, 1<<20))}
	if err := rd.dec.Decode(&rd.header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotRecording, err)
	}
	if rd.header.Magic != Magic {
		return nil, ErrNotRecording
	}
	if rd.header.Version != Version {
		return nil, fmt.Errorf("recorder: unsupported version %d", rd.header.Version)
	}
	return rd, nil
}

// FileHeader returns the recording's header.
func (r *Reader) FileHeader() FileHeader { return r.header }

// Next returns the next frame and its decompressed pixels, or io.EOF
// after the last one.
func (r *Reader) Next() (Header, []byte, error) {
	var rec record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Header{}, nil, io.EOF
		}
		return Header{}, nil, fmt.Errorf("recorder: read frame: %w", err)
	}
	pixels, err := decompress(rec.Header, rec.Payload)
	if err != nil {
		return Header{}, nil, err
	}
	return rec.Header, pixels, nil
}

// Close closes the file opened by Open.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
