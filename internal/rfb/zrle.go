package rfb

import (
	"fmt"
	"io"
)

const zrleTileSize = 64

// ZRLE tile subencodings.
const (
	zrleRaw       = 0
	zrleSolid     = 1
	zrleMaxPacked = 16
	zrlePlainRLE  = 128
	zrleMinPalRLE = 130
)

// zrleReader reads exact-sized pieces of the inflated ZRLE stream.
type zrleReader struct {
	r   io.Reader
	buf [3]byte
}

func (z *zrleReader) u8() (byte, error) {
	if _, err := io.ReadFull(z.r, z.buf[:1]); err != nil {
		return 0, err
	}
	return z.buf[0], nil
}

// cpixel reads a compressed pixel. With BGRX the colour lives in the low
// three bytes, so the wire carries B, G, R.
func (z *zrleReader) cpixel() ([4]byte, error) {
	if _, err := io.ReadFull(z.r, z.buf[:3]); err != nil {
		return [4]byte{}, err
	}
	return [4]byte{z.buf[0], z.buf[1], z.buf[2], 0}, nil
}

func (z *zrleReader) palette(n int) ([][4]byte, error) {
	p := make([][4]byte, n)
	for i := range p {
		px, err := z.cpixel()
		if err != nil {
			return nil, err
		}
		p[i] = px
	}
	return p, nil
}

// runLength reads 255-continued run bytes. Runs never exceed one tile.
func (z *zrleReader) runLength() (int, error) {
	n := 1
	for {
		b, err := z.u8()
		if err != nil {
			return 0, err
		}
		n += int(b)
		if b != 255 {
			return n, nil
		}
		if n > zrleTileSize*zrleTileSize {
			return 0, fmt.Errorf("run length %d exceeds a tile", n)
		}
	}
}

func paletteBits(n int) int {
	switch {
	case n <= 2:
		return 1
	case n <= 4:
		return 2
	default:
		return 4
	}
}

func (c *Client) decodeZRLE(x, y, w, h int) error {
	compressed, err := c.readChunk("zrle")
	if err != nil {
		return err
	}
	r, err := c.zrle.feed(compressed)
	if err != nil {
		return fmt.Errorf("%w: zrle: %v", ErrProtocol, err)
	}

	zr := &zrleReader{r: r}
	for ty := y; ty < y+h; ty += zrleTileSize {
		th := min(zrleTileSize, y+h-ty)
		for tx := x; tx < x+w; tx += zrleTileSize {
			tw := min(zrleTileSize, x+w-tx)
			if err := c.zrleTile(zr, tx, ty, tw, th); err != nil {
				return fmt.Errorf("%w: zrle tile at %d,%d: %v", ErrProtocol, tx, ty, err)
			}
		}
	}
	return nil
}

func (c *Client) zrleTile(zr *zrleReader, tx, ty, tw, th int) error {
	sub, err := zr.u8()
	if err != nil {
		return err
	}

	switch {
	case sub == zrleRaw:
		row := make([]byte, tw*4)
		for j := 0; j < th; j++ {
			for i := 0; i < tw; i++ {
				px, err := zr.cpixel()
				if err != nil {
					return err
				}
				copy(row[i*4:], px[:])
			}
			c.putRow(tx, ty+j, row)
		}
		return nil

	case sub == zrleSolid:
		px, err := zr.cpixel()
		if err != nil {
			return err
		}
		c.fill(tx, ty, tw, th, px[:])
		return nil

	case sub <= zrleMaxPacked:
		palette, err := zr.palette(int(sub))
		if err != nil {
			return err
		}
		return c.zrlePacked(zr, palette, tx, ty, tw, th)

	case sub == zrlePlainRLE:
		return c.zrleRuns(zr, nil, tx, ty, tw, th)

	case sub >= zrleMinPalRLE:
		palette, err := zr.palette(int(sub) - 128)
		if err != nil {
			return err
		}
		return c.zrleRuns(zr, palette, tx, ty, tw, th)

	default:
		return fmt.Errorf("unknown subencoding %d", sub)
	}
}

// zrlePacked decodes palette indices packed MSB first, each row padded to
// a byte.
func (c *Client) zrlePacked(zr *zrleReader, palette [][4]byte, tx, ty, tw, th int) error {
	bits := paletteBits(len(palette))
	mask := byte(1<<bits - 1)
	packed := make([]byte, (tw*bits+7)/8)
	row := make([]byte, tw*4)

	for j := 0; j < th; j++ {
		if _, err := io.ReadFull(zr.r, packed); err != nil {
			return err
		}
		for i := 0; i < tw; i++ {
			bit := i * bits
			idx := packed[bit/8] >> (8 - bits - bit%8) & mask
			if int(idx) >= len(palette) {
				return fmt.Errorf("palette index %d of %d", idx, len(palette))
			}
			copy(row[i*4:], palette[idx][:])
		}
		c.putRow(tx, ty+j, row)
	}
	return nil
}

// zrleRuns decodes plain RLE (palette nil) or palette RLE in row-major
// order across the tile.
func (c *Client) zrleRuns(zr *zrleReader, palette [][4]byte, tx, ty, tw, th int) error {
	total := tw * th
	tile := make([]byte, total*4)

	for i := 0; i < total; {
		var px [4]byte
		run := 1

		if palette == nil {
			p, err := zr.cpixel()
			if err != nil {
				return err
			}
			px = p
			if run, err = zr.runLength(); err != nil {
				return err
			}
		} else {
			idx, err := zr.u8()
			if err != nil {
				return err
			}
			if idx&128 != 0 {
				idx &= 127
				if run, err = zr.runLength(); err != nil {
					return err
				}
			}
			if int(idx) >= len(palette) {
				return fmt.Errorf("palette index %d of %d", idx, len(palette))
			}
			px = palette[idx]
		}

		if run > total-i {
			return fmt.Errorf("run of %d overflows tile by %d", run, run-(total-i))
		}
		for ; run > 0; run-- {
			copy(tile[i*4:], px[:])
			i++
		}
	}

	for j := 0; j < th; j++ {
		c.putRow(tx, ty+j, tile[j*tw*4:(j+1)*tw*4])
	}
	return nil
}
