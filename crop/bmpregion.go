package crop

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
)

var errBMPUnsupported = errors.New("bmp: unsupported format")

type bmpHeader struct {
	offset        int
	width, height int
	bpp           int
	topDown       bool
	allowAlpha    bool
	palette       color.Palette
}

func (h bmpHeader) rowBytes() int {
	return (h.width*h.bpp + 31) / 32 * 4
}

// readBMPHeader reads the file header, the DIB header and the palette, leaving
// r at the first byte of pixel data. Only uncompressed 8, 24 and 32 bit
// images with BITMAPINFOHEADER, V4 or V5 headers are accepted.
func readBMPHeader(r io.Reader) (bmpHeader, error) {
	const (
		fileHeaderLen   = 14
		infoHeaderLen   = 40
		v4InfoHeaderLen = 108
		v5InfoHeaderLen = 124
	)
	u16 := func(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
	u32 := func(b []byte) uint32 {
		return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	}

	var h bmpHeader
	var b [fileHeaderLen + v5InfoHeaderLen]byte
	if _, err := io.ReadFull(r, b[:fileHeaderLen+4]); err != nil {
		return h, unexpectedEOF(err)
	}
	if string(b[:2]) != "BM" {
		return h, errors.New("bmp: invalid format")
	}
	offset := u32(b[10:14])
	h.offset = int(offset)
	infoLen := u32(b[14:18])
	if infoLen != infoHeaderLen && infoLen != v4InfoHeaderLen && infoLen != v5InfoHeaderLen {
		return h, errBMPUnsupported
	}
	if _, err := io.ReadFull(r, b[fileHeaderLen+4:fileHeaderLen+infoLen]); err != nil {
		return h, unexpectedEOF(err)
	}

	h.width = int(int32(u32(b[18:22])))
	h.height = int(int32(u32(b[22:26])))
	if h.height < 0 {
		h.height, h.topDown = -h.height, true
	}
	if h.width <= 0 || h.height <= 0 {
		return h, errBMPUnsupported
	}

	planes, bpp, compression := u16(b[26:28]), u16(b[28:30]), u32(b[30:34])
	// BI_BITFIELDS with the default masks is plain BGRA.
	if compression == 3 && infoLen > infoHeaderLen &&
		u32(b[54:58]) == 0xff0000 && u32(b[58:62]) == 0xff00 &&
		u32(b[62:66]) == 0xff && u32(b[66:70]) == 0xff000000 {
		compression = 0
	}
	if planes != 1 || compression != 0 {
		return h, errBMPUnsupported
	}
	h.bpp = int(bpp)

	switch h.bpp {
	case 8:
		if offset != fileHeaderLen+infoLen+256*4 {
			return h, errBMPUnsupported
		}
		var p [256 * 4]byte
		if _, err := io.ReadFull(r, p[:]); err != nil {
			return h, unexpectedEOF(err)
		}
		h.palette = make(color.Palette, 256)
		for i := range h.palette {
			h.palette[i] = color.RGBA{p[4*i+2], p[4*i+1], p[4*i], 0xff}
		}
	case 24, 32:
		if offset != fileHeaderLen+infoLen {
			return h, errBMPUnsupported
		}
		// Only the larger headers carry a meaningful alpha channel.
		h.allowAlpha = h.bpp == 32 && infoLen > infoHeaderLen
	default:
		return h, errBMPUnsupported
	}
	return h, nil
}

func unexpectedEOF(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// maxBMPHeaderLen covers the file header, a V5 info header and a full palette.
const maxBMPHeaderLen = 14 + 124 + 256*4

// bmpRegionDecoder decodes a rectangle of a BMP stream row by row, so only
// the requested rows are ever held in memory. It reads the stream once.
type bmpRegionDecoder struct {
	r    *bufio.Reader
	hdr  bmpHeader
	used bool
}

// newBMPRegionDecoder parses the header from peeked bytes and consumes them
// only on success, so a rejected stream can still be decoded another way.
func newBMPRegionDecoder(br *bufio.Reader) (*bmpRegionDecoder, error) {
	peeked, err := br.Peek(maxBMPHeaderLen)
	if err != nil && err != io.EOF {
		return nil, err
	}
	hdr, err := readBMPHeader(bytes.NewReader(peeked))
	if err != nil {
		return nil, err
	}
	if _, err := br.Discard(hdr.offset); err != nil {
		return nil, err
	}
	return &bmpRegionDecoder{r: br, hdr: hdr}, nil
}

func (d *bmpRegionDecoder) Bounds() image.Rectangle {
	return image.Rect(0, 0, d.hdr.width, d.hdr.height)
}

func (d *bmpRegionDecoder) DecodeRegion(rect image.Rectangle) (image.Image, error) {
	if d.used {
		return nil, errors.New("bmp: region decoder already used")
	}
	d.used = true
	if rect.Empty() || !rect.In(d.Bounds()) {
		return nil, fmt.Errorf("bmp: region %v outside of %v", rect, d.Bounds())
	}

	rowBytes := d.hdr.rowBytes()
	bytesPerPixel := d.hdr.bpp / 8
	left := rect.Min.X * bytesPerPixel
	mid := rect.Dx() * bytesPerPixel

	// Rows before the region in stream order.
	skipRows := rect.Min.Y
	if !d.hdr.topDown {
		skipRows = d.hdr.height - rect.Max.Y
	}
	if _, err := io.CopyN(io.Discard, d.r, int64(skipRows*rowBytes)); err != nil {
		return nil, fmt.Errorf("failed to skip bmp rows: %w", unexpectedEOF(err))
	}

	dst := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	row := make([]byte, rowBytes)
	for i := 0; i < rect.Dy(); i++ {
		if _, err := io.ReadFull(d.r, row); err != nil {
			return nil, fmt.Errorf("failed to read bmp row: %w", unexpectedEOF(err))
		}
		y := i
		if !d.hdr.topDown {
			y = rect.Dy() - 1 - i
		}
		out := dst.Pix[y*dst.Stride : y*dst.Stride+rect.Dx()*4]
		d.convertRow(out, row[left:left+mid])
	}
	return dst, nil
}

// DecodeSampled decodes the whole image keeping every sample-th pixel of
// every sample-th row. Only one source row is buffered at a time.
func (d *bmpRegionDecoder) DecodeSampled(sample int) (image.Image, error) {
	if d.used {
		return nil, errors.New("bmp: region decoder already used")
	}
	d.used = true
	sample = max(sample, 1)

	width, height := d.hdr.width, d.hdr.height
	dst := image.NewNRGBA(image.Rect(0, 0, max(width/sample, 1), max(height/sample, 1)))
	row := make([]byte, d.hdr.rowBytes())
	px := make([]byte, width*4)
	used := width * d.hdr.bpp / 8
	for i := 0; i < height; i++ {
		if _, err := io.ReadFull(d.r, row); err != nil {
			return nil, fmt.Errorf("failed to read bmp row: %w", unexpectedEOF(err))
		}
		y := i
		if !d.hdr.topDown {
			y = height - 1 - i
		}
		if y%sample != 0 || y/sample >= dst.Rect.Dy() {
			continue
		}
		d.convertRow(px, row[:used])
		out := dst.Pix[(y/sample)*dst.Stride:]
		for x := 0; x < dst.Rect.Dx(); x++ {
			copy(out[4*x:4*x+4], px[4*x*sample:4*x*sample+4])
		}
	}
	return dst, nil
}

func (d *bmpRegionDecoder) convertRow(out, src []byte) {
	switch d.hdr.bpp {
	case 8:
		for x, idx := range src {
			c := d.hdr.palette[idx].(color.RGBA)
			out[4*x], out[4*x+1], out[4*x+2], out[4*x+3] = c.R, c.G, c.B, 0xff
		}
	case 24:
		for x := 0; x < len(src)/3; x++ {
			out[4*x], out[4*x+1], out[4*x+2], out[4*x+3] = src[3*x+2], src[3*x+1], src[3*x], 0xff
		}
	case 32:
		for x := 0; x < len(src)/4; x++ {
			a := byte(0xff)
			if d.hdr.allowAlpha {
				a = src[4*x+3]
			}
			out[4*x], out[4*x+1], out[4*x+2], out[4*x+3] = src[4*x+2], src[4*x+1], src[4*x], a
		}
	}
}
