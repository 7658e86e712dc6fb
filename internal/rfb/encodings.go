package rfb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zlib"
)

const (
	encRaw      int32 = 0
	encCopyRect int32 = 1
	encRRE      int32 = 2
	encCoRRE    int32 = 4
	encHextile  int32 = 5
	encZlib     int32 = 6
	encTight    int32 = 7
	encUltra    int32 = 9
	encZRLE     int32 = 16

	encDesktopSize   int32 = -223
	encQualityLevel0 int32 = -32
	encCompressLevel int32 = -256
)

var encodingNames = map[string]int32{
	"raw":      encRaw,
	"copyrect": encCopyRect,
	"rre":      encRRE,
	"corre":    encCoRRE,
	"hextile":  encHextile,
	"zlib":     encZlib,
	"tight":    encTight,
	"ultra":    encUltra,
	"zrle":     encZRLE,
}

var decodable = map[int32]bool{
	encRaw:      true,
	encCopyRect: true,
	encRRE:      true,
	encCoRRE:    true,
	encHextile:  true,
	encZlib:     true,
	encTight:    true,
	encZRLE:     true,
}

// buildEncodings turns the preference string into the SetEncodings list.
// Unknown or undecodable names are returned in dropped. Raw always closes
// the real encodings so the server has a fallback it may use.
func buildEncodings(app AppData, desktopSize bool) (list []int32, dropped []string) {
	seen := make(map[int32]bool)
	for _, name := range strings.Fields(strings.ToLower(app.Encodings)) {
		enc, ok := encodingNames[name]
		if !ok || !decodable[enc] {
			dropped = append(dropped, name)
			continue
		}
		if seen[enc] {
			continue
		}
		seen[enc] = true
		list = append(list, enc)
	}
	if !seen[encRaw] {
		list = append(list, encRaw)
	}

	if app.CompressLevel >= 0 && app.CompressLevel <= 9 {
		list = append(list, encCompressLevel+int32(app.CompressLevel))
	}
	if app.EnableJPEG && app.QualityLevel >= 0 && app.QualityLevel <= 9 {
		list = append(list, encQualityLevel0+int32(app.QualityLevel))
	}
	if desktopSize {
		list = append(list, encDesktopSize)
	}
	return list, dropped
}

func (c *Client) decodeRect(enc int32, x, y, w, h int) error {
	switch enc {
	case encRaw:
		return c.decodeRaw(x, y, w, h)
	case encCopyRect:
		return c.decodeCopyRect(x, y, w, h)
	case encRRE:
		return c.decodeRRE(x, y, w, h, false)
	case encCoRRE:
		return c.decodeRRE(x, y, w, h, true)
	case encHextile:
		return c.decodeHextile(x, y, w, h)
	case encZlib:
		return c.decodeZlib(x, y, w, h)
	case encZRLE:
		return c.decodeZRLE(x, y, w, h)
	case encTight:
		return c.decodeTight(x, y, w, h)
	default:
		return fmt.Errorf("%w: unsupported encoding %d", ErrProtocol, enc)
	}
}

func (c *Client) stride() int { return c.Width * 4 }

func (c *Client) decodeRaw(x, y, w, h int) error {
	stride := c.stride()
	for row := 0; row < h; row++ {
		off := (y+row)*stride + x*4
		if _, err := io.ReadFull(c.r, c.FrameBuffer[off:off+w*4]); err != nil {
			return fmt.Errorf("rfb: read raw rectangle: %w", err)
		}
	}
	return nil
}

func (c *Client) decodeCopyRect(x, y, w, h int) error {
	sx, err := c.readU16()
	if err != nil {
		return fmt.Errorf("rfb: read copyrect source: %w", err)
	}
	sy, err := c.readU16()
	if err != nil {
		return fmt.Errorf("rfb: read copyrect source: %w", err)
	}
	srcX, srcY := int(sx), int(sy)
	if srcX+w > c.Width || srcY+h > c.Height {
		return fmt.Errorf("%w: copyrect source outside framebuffer", ErrProtocol)
	}

	stride := c.stride()
	copyRow := func(row int) {
		dst := (y+row)*stride + x*4
		src := (srcY+row)*stride + srcX*4
		copy(c.FrameBuffer[dst:dst+w*4], c.FrameBuffer[src:src+w*4])
	}
	// Walk rows away from the overlap.
	if srcY < y {
		for row := h - 1; row >= 0; row-- {
			copyRow(row)
		}
	} else {
		for row := 0; row < h; row++ {
			copyRow(row)
		}
	}
	return nil
}

func (c *Client) fill(x, y, w, h int, pixel []byte) {
	stride := c.stride()
	for row := 0; row < h; row++ {
		off := (y+row)*stride + x*4
		for col := 0; col < w; col++ {
			copy(c.FrameBuffer[off+col*4:off+col*4+4], pixel)
		}
	}
}

func (c *Client) decodeRRE(x, y, w, h int, compact bool) error {
	var hdr [8]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return fmt.Errorf("rfb: read rre header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:4])
	c.fill(x, y, w, h, hdr[4:8])

	subLen := 12
	if compact {
		subLen = 8
	}
	sub := make([]byte, subLen)
	for i := uint32(0); i < n; i++ {
		if _, err := io.ReadFull(c.r, sub); err != nil {
			return fmt.Errorf("rfb: read rre subrect: %w", err)
		}
		var sx, sy, sw, sh int
		if compact {
			sx, sy, sw, sh = int(sub[4]), int(sub[5]), int(sub[6]), int(sub[7])
		} else {
			sx = int(binary.BigEndian.Uint16(sub[4:]))
			sy = int(binary.BigEndian.Uint16(sub[6:]))
			sw = int(binary.BigEndian.Uint16(sub[8:]))
			sh = int(binary.BigEndian.Uint16(sub[10:]))
		}
		if sx+sw > w || sy+sh > h {
			return fmt.Errorf("%w: rre subrect outside rectangle", ErrProtocol)
		}
		c.fill(x+sx, y+sy, sw, sh, sub[:4])
	}
	return nil
}

// Hextile sub-encoding mask bits.
const (
	hextileRaw                 = 1
	hextileBackgroundSpecified = 2
	hextileForegroundSpecified = 4
	hextileAnySubrects         = 8
	hextileSubrectsColoured    = 16
)

func (c *Client) decodeHextile(x, y, w, h int) error {
	var bg, fg [4]byte
	for ty := y; ty < y+h; ty += 16 {
		th := min(16, y+h-ty)
		for tx := x; tx < x+w; tx += 16 {
			tw := min(16, x+w-tx)

			mask, err := c.readU8()
			if err != nil {
				return fmt.Errorf("rfb: read hextile mask: %w", err)
			}

			if mask&hextileRaw != 0 {
				if err := c.decodeRaw(tx, ty, tw, th); err != nil {
					return err
				}
				continue
			}

			if mask&hextileBackgroundSpecified != 0 {
				if _, err := io.ReadFull(c.r, bg[:]); err != nil {
					return fmt.Errorf("rfb: read hextile background: %w", err)
				}
			}
			c.fill(tx, ty, tw, th, bg[:])

			if mask&hextileForegroundSpecified != 0 {
				if _, err := io.ReadFull(c.r, fg[:]); err != nil {
					return fmt.Errorf("rfb: read hextile foreground: %w", err)
				}
			}
			if mask&hextileAnySubrects == 0 {
				continue
			}

			n, err := c.readU8()
			if err != nil {
				return fmt.Errorf("rfb: read hextile subrect count: %w", err)
			}
			coloured := mask&hextileSubrectsColoured != 0
			for i := 0; i < int(n); i++ {
				colour := fg
				if coloured {
					if _, err := io.ReadFull(c.r, colour[:]); err != nil {
						return fmt.Errorf("rfb: read hextile subrect colour: %w", err)
					}
				}
				var geom [2]byte
				if _, err := io.ReadFull(c.r, geom[:]); err != nil {
					return fmt.Errorf("rfb: read hextile subrect: %w", err)
				}
				sx, sy := int(geom[0]>>4), int(geom[0]&0x0f)
				sw, sh := int(geom[1]>>4)+1, int(geom[1]&0x0f)+1
				if sx+sw > tw || sy+sh > th {
					return fmt.Errorf("%w: hextile subrect outside tile", ErrProtocol)
				}
				c.fill(tx+sx, ty+sy, sw, sh, colour[:])
			}
		}
	}
	return nil
}

const maxZlibChunk = 64 << 20

func (c *Client) decodeZlib(x, y, w, h int) error {
	compressed, err := c.readChunk("zlib")
	if err != nil {
		return err
	}

	pixels := make([]byte, w*h*4)
	if err := c.zlib.inflate(compressed, pixels); err != nil {
		return fmt.Errorf("%w: zlib: %v", ErrProtocol, err)
	}

	for row := 0; row < h; row++ {
		c.putRow(x, y+row, pixels[row*w*4:(row+1)*w*4])
	}
	return nil
}

// zlibStream is the single deflate stream the server keeps open for the
// whole session; every zlib rectangle continues it.
type zlibStream struct {
	in bytes.Buffer
	r  io.ReadCloser
}

// feed appends compressed input and returns the inflating reader. Callers
// must read exactly the bytes the rectangle carries; reading past them
// breaks the stream.
func (z *zlibStream) feed(compressed []byte) (io.Reader, error) {
	z.in.Write(compressed)
	if z.r == nil {
		r, err := zlib.NewReader(&z.in)
		if err != nil {
			return nil, err
		}
		z.r = r
	}
	return z.r, nil
}

func (z *zlibStream) inflate(compressed, out []byte) error {
	r, err := z.feed(compressed)
	if err != nil {
		return err
	}
	_, err = io.ReadFull(r, out)
	return err
}

// readChunk reads a length-prefixed compressed block of at most
// maxZlibChunk bytes.
func (c *Client) readChunk(what string) ([]byte, error) {
	n, err := c.readU32()
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

// putRow copies w BGRX pixels into framebuffer row y starting at x.
func (c *Client) putRow(x, y int, row []byte) {
	off := y*c.stride() + x*4
	copy(c.FrameBuffer[off:off+len(row)], row)
}

func (z *zlibStream) close() {
	if z.r != nil {
		z.r.Close()
		z.r = nil
	}
	z.in.Reset()
}
