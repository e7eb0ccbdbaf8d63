package native

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/granite-tiles/server/internal/granite"
	"github.com/granite-tiles/server/internal/xfdl"
)

var rowPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 64*1024)
		return &b
	},
}

// readBox returns the values of box on level l in payload order: x fastest,
// then y, then z, every attribute of a sample together.
func (b *Bridge) readBox(l xfdl.Level, box granite.Bounds) ([]float32, error) {
	full := l.Descriptor.Bounds()
	if !box.Valid() || !full.Contains(box) {
		return nil, illegalArgument("subblock %s outside %s", box, full)
	}
	attrs := len(l.Descriptor.Fields)
	nx, ny := full.Len(0), full.Len(1)
	rowLen := box.Len(0) * attrs
	out := make([]float32, 0, box.Volume()*attrs)

	offset := func(x, y, z int) int {
		return (((z-full[4])*ny+(y-full[2]))*nx + (x - full[0])) * attrs
	}

	if l.Compressed() {
		all, err := b.decoded(l)
		if err != nil {
			return nil, err
		}
		if len(all) < full.Volume()*attrs {
			return nil, &granite.Exception{Class: "java.io.EOFException", Message: l.PayloadPath}
		}
		for z := box[4]; z <= box[5]; z++ {
			for y := box[2]; y <= box[3]; y++ {
				start := offset(box[0], y, z)
				out = append(out, all[start:start+rowLen]...)
			}
		}
		return out, nil
	}

	f, err := os.Open(l.PayloadPath)
	if err != nil {
		return nil, ioException(err)
	}
	defer f.Close()

	bufp := rowPool.Get().(*[]byte)
	defer rowPool.Put(bufp)
	if cap(*bufp) < rowLen*xfdl.FloatSize {
		*bufp = make([]byte, rowLen*xfdl.FloatSize)
	}
	buf := (*bufp)[:rowLen*xfdl.FloatSize]
	row := make([]float32, rowLen)

	for z := box[4]; z <= box[5]; z++ {
		for y := box[2]; y <= box[3]; y++ {
			off := int64(offset(box[0], y, z)) * xfdl.FloatSize
			if _, err := f.ReadAt(buf, off); err != nil {
				if err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				return nil, ioException(fmt.Errorf("%s at %d: %w", l.PayloadPath, off, err))
			}
			xfdl.DecodeFloats(row, buf)
			out = append(out, row...)
		}
	}
	return out, nil
}

// decoded returns the whole decompressed payload of l, through the payload
// cache when one is configured.
func (b *Bridge) decoded(l xfdl.Level) ([]float32, error) {
	if b.payloads != nil {
		if v, ok := b.payloads.GetPayload(l.PayloadPath); ok {
			return v, nil
		}
	}
	raw, err := os.ReadFile(l.PayloadPath)
	if err != nil {
		return nil, ioException(err)
	}
	data, err := b.decoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, &granite.Exception{Class: "java.io.IOException", Message: fmt.Sprintf("zstd decompress %s: %v", l.PayloadPath, err)}
	}
	values := make([]float32, len(data)/xfdl.FloatSize)
	xfdl.DecodeFloats(values, data)
	if b.payloads != nil {
		b.payloads.SetPayload(l.PayloadPath, values)
	}
	return values, nil
}
