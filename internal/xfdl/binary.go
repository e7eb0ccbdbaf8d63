package xfdl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// FloatSize is the on-disk size of one payload value.
const FloatSize = 4

// WriteFloats writes values as big-endian float32 with no header.
func WriteFloats(w io.Writer, values []float32) error {
	var buf [FloatSize]byte
	for _, v := range values {
		binary.BigEndian.PutUint32(buf[:], math.Float32bits(v))
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// WriteFloatsFile writes a payload file.
func WriteFloatsFile(path string, values []float32) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(f, 1<<16)
	if err := WriteFloats(bw, values); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// DecodeFloats decodes big-endian float32 values into dst, which must hold
// len(src)/FloatSize values.
func DecodeFloats(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.BigEndian.Uint32(src[i*FloatSize:]))
	}
}

// ReadFloats reads exactly n values from r.
func ReadFloats(r io.Reader, n int) ([]float32, error) {
	buf := make([]byte, n*FloatSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	out := make([]float32, n)
	DecodeFloats(out, buf)
	return out, nil
}
