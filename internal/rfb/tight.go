package rfb

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"io"
)

// Tight compression-control values (high nibble).
const (
	tightFill           = 0x08
	tightJPEG           = 0x09
	tightExplicitFilter = 0x04
)

const (
	tightFilterCopy     = 0
	tightFilterPalette  = 1
	tightFilterGradient = 2
)

// Data shorter than this is sent without zlib.
const tightMinToCompress = 12

func (c *Client) decodeTight(x, y, w, h int) error {
	ctl, err := c.readU8()
	if err != nil {
		return fmt.Errorf("rfb: read tight control: %w", err)
	}
	for i := range c.tight {
		if ctl&(1<<i) != 0 {
			c.tight[i].close()
		}
	}

	kind := ctl >> 4
	switch {
	case kind == tightFill:
		px, err := c.tpixel()
		if err != nil {
			return fmt.Errorf("rfb: read tight fill: %w", err)
		}
		c.fill(x, y, w, h, px[:])
		return nil
	case kind == tightJPEG:
		return c.decodeTightJPEG(x, y, w, h)
	case kind > tightJPEG:
		return fmt.Errorf("%w: tight compression control %#x", ErrProtocol, ctl)
	}
	return c.decodeTightBasic(x, y, w, h, int(kind&0x03), kind&tightExplicitFilter != 0)
}

// tpixel reads a Tight pixel: R, G, B for 24-bit depth.
func (c *Client) tpixel() ([4]byte, error) {
	var b [3]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return [4]byte{}, err
	}
	return [4]byte{b[2], b[1], b[0], 0}, nil
}

// compactLength reads the 1-3 byte Tight length.
func (c *Client) compactLength() (int, error) {
	n := 0
	for i := 0; i < 3; i++ {
		b, err := c.readU8()
		if err != nil {
			return 0, err
		}
		if i == 2 {
			n |= int(b) << 14
			break
		}
		n |= int(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			break
		}
	}
	return n, nil
}

func (c *Client) decodeTightBasic(x, y, w, h, stream int, explicitFilter bool) error {
	filter := byte(tightFilterCopy)
	if explicitFilter {
		f, err := c.readU8()
		if err != nil {
			return fmt.Errorf("rfb: read tight filter: %w", err)
		}
		filter = f
	}

	switch filter {
	case tightFilterCopy, tightFilterGradient:
		data, err := c.tightData(stream, w*h*3)
		if err != nil {
			return err
		}
		if filter == tightFilterGradient {
			untightGradient(data, w, h)
		}
		row := make([]byte, w*4)
		for j := 0; j < h; j++ {
			src := data[j*w*3 : (j+1)*w*3]
			for i := 0; i < w; i++ {
				row[i*4+0] = src[i*3+2]
				row[i*4+1] = src[i*3+1]
				row[i*4+2] = src[i*3+0]
				row[i*4+3] = 0
			}
			c.putRow(x, y+j, row)
		}
		return nil

	case tightFilterPalette:
		n, err := c.readU8()
		if err != nil {
			return fmt.Errorf("rfb: read tight palette size: %w", err)
		}
		palette := make([][4]byte, int(n)+1)
		for i := range palette {
			if palette[i], err = c.tpixel(); err != nil {
				return fmt.Errorf("rfb: read tight palette: %w", err)
			}
		}
		return c.tightPalette(x, y, w, h, stream, palette)

	default:
		return fmt.Errorf("%w: tight filter %d", ErrProtocol, filter)
	}
}

// tightPalette decodes indices: one bit per pixel (rows padded to a byte)
// for two colours, one byte per pixel otherwise.
func (c *Client) tightPalette(x, y, w, h, stream int, palette [][4]byte) error {
	rowBytes := w
	if len(palette) == 2 {
		rowBytes = (w + 7) / 8
	}
	data, err := c.tightData(stream, rowBytes*h)
	if err != nil {
		return err
	}

	row := make([]byte, w*4)
	for j := 0; j < h; j++ {
		src := data[j*rowBytes : (j+1)*rowBytes]
		for i := 0; i < w; i++ {
			var idx int
			if len(palette) == 2 {
				idx = int(src[i/8]>>(7-i%8)) & 1
			} else {
				idx = int(src[i])
			}
			if idx >= len(palette) {
				return fmt.Errorf("%w: tight palette index %d of %d", ErrProtocol, idx, len(palette))
			}
			copy(row[i*4:], palette[idx][:])
		}
		c.putRow(x, y+j, row)
	}
	return nil
}

// tightData returns size bytes of filtered data, inflating through the
// selected stream unless the data is short enough to travel raw.
func (c *Client) tightData(stream, size int) ([]byte, error) {
	out := make([]byte, size)
	if size < tightMinToCompress {
		if _, err := io.ReadFull(c.r, out); err != nil {
			return nil, fmt.Errorf("rfb: read tight data: %w", err)
		}
		return out, nil
	}

	compressed, err := c.readCompact("tight")
	if err != nil {
		return nil, err
	}
	if err := c.tight[stream].inflate(compressed, out); err != nil {
		return nil, fmt.Errorf("%w: tight zlib stream %d: %v", ErrProtocol, stream, err)
	}
	return out, nil
}

func (c *Client) readCompact(what string) ([]byte, error) {
	n, err := c.compactLength()
	if err != nil {
		return nil, fmt.Errorf("rfb: read %s length: %w", what, err)
	}
	if n > maxZlibChunk {
		return nil, fmt.Errorf("%w: %s chunk of %d bytes", ErrProtocol, what, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return nil, fmt.Errorf("rfb: read %s data: %w", what, err)
	}
	return buf, nil
}

// untightGradient reverses the gradient filter in place. Each component is
// predicted as left + above - above-left, clamped to a byte.
func untightGradient(data []byte, w, h int) {
	prev := make([]byte, w*3)
	for j := 0; j < h; j++ {
		row := data[j*w*3 : (j+1)*w*3]
		for i := range row {
			var left, upLeft int
			if i >= 3 {
				left, upLeft = int(row[i-3]), int(prev[i-3])
			}
			p := max(0, min(255, left+int(prev[i])-upLeft))
			row[i] = byte(int(row[i]) + p)
		}
		prev = row
	}
}

func (c *Client) decodeTightJPEG(x, y, w, h int) error {
	data, err := c.readCompact("tight jpeg")
	if err != nil {
		return err
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: tight jpeg: %v", ErrProtocol, err)
	}
	bounds := img.Bounds()
	if bounds.Dx() != w || bounds.Dy() != h {
		return fmt.Errorf("%w: tight jpeg is %dx%d, rectangle %dx%d",
			ErrProtocol, bounds.Dx(), bounds.Dy(), w, h)
	}

	row := make([]byte, w*4)
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			r, g, b, _ := img.At(bounds.Min.X+i, bounds.Min.Y+j).RGBA()
			row[i*4+0] = byte(b >> 8)
			row[i*4+1] = byte(g >> 8)
			row[i*4+2] = byte(r >> 8)
			row[i*4+3] = 0
		}
		c.putRow(x, y+j, row)
	}
	return nil
}
