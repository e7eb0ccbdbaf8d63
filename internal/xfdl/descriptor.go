// Package xfdl reads and writes Granite file descriptors (XFDL) and their
// raw float payloads.
package xfdl

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/granite-tiles/server/internal/granite"
)

// Data set types recorded in CustomParaViewType.
const (
	TypeImageData       = "vtkImageData"
	TypeRectilinearGrid = "vtkRectilinearGrid"
)

// FileType values understood by the payload reader.
const (
	FileTypeBinary     = "binary"
	FileTypeBinaryZstd = "binary-zstd"
)

// Field is one attribute of a record.
type Field struct {
	Name string
	Type string
}

// Range is the inclusive extent of one remote axis.
type Range struct {
	Lower int
	Upper int
}

// Descriptor is the content of an XFDL file.
type Descriptor struct {
	FileName string
	FileType string
	Fields   []Field
	// Ranges are listed in remote axis order, slowest axis first.
	Ranges   []Range
	DataType string
	Origin   [3]float64
	Spacing  [3]float64
	Grid     [3][]float64
}

// NewDescriptor returns a descriptor holding the defaults used when an
// element is absent.
func NewDescriptor() *Descriptor {
	return &Descriptor{
		FileType: FileTypeBinary,
		DataType: TypeImageData,
		Spacing:  [3]float64{1, 1, 1},
	}
}

// Dim returns the number of axes described.
func (d *Descriptor) Dim() int { return len(d.Ranges) }

// Bounds returns the extent in local axis order. Axes the descriptor does
// not list are 0..0.
func (d *Descriptor) Bounds() granite.Bounds {
	var b granite.Bounds
	n := len(d.Ranges)
	for axis := 0; axis < 3 && axis < n; axis++ {
		r := d.Ranges[n-1-axis]
		b[2*axis], b[2*axis+1] = r.Lower, r.Upper
	}
	return b
}

// SetBounds replaces the ranges with the three axes of b.
func (d *Descriptor) SetBounds(b granite.Bounds) {
	d.Ranges = []Range{
		{b[4], b[5]},
		{b[2], b[3]},
		{b[0], b[1]},
	}
}

// FieldNames returns the field names in record order.
func (d *Descriptor) FieldNames() []string {
	names := make([]string, len(d.Fields))
	for i, f := range d.Fields {
		names[i] = f.Name
	}
	return names
}

// Multiresolution reports whether the payload name points at a
// multiresolution directory ("@dir/name").
func (d *Descriptor) Multiresolution() bool {
	return strings.HasPrefix(d.FileName, "@")
}

// Rectilinear reports whether the descriptor carries explicit grid coordinates.
func (d *Descriptor) Rectilinear() bool {
	return d.DataType == TypeRectilinearGrid
}

// ReadFile parses the descriptor at path.
func ReadFile(path string) (*Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return d, nil
}

// Read parses a descriptor. Unrecognised elements are skipped and
// malformed numbers read as zero.
func Read(r io.Reader) (*Descriptor, error) {
	d := NewDescriptor()
	dec := xml.NewDecoder(r)
	sawRoot := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "FileDescriptor":
			sawRoot = true
			d.FileName = attr(se, "fileName")
			if t := attr(se, "fileType"); t != "" {
				d.FileType = t
			}
		case "Field":
			d.Fields = append(d.Fields, Field{Name: attr(se, "fieldName"), Type: attr(se, "fieldType")})
		case "Bounds":
			d.Ranges = append(d.Ranges, Range{
				Lower: atoi(attr(se, "lower")),
				Upper: atoi(attr(se, "upper")),
			})
		case "CustomParaViewType":
			var text string
			if err := dec.DecodeElement(&text, &se); err != nil {
				return nil, err
			}
			d.DataType = strings.TrimSpace(text)
		case "CustomParaViewOrigin":
			d.Origin = xyz(se)
		case "CustomParaViewSpacing":
			d.Spacing = xyz(se)
		case "CustomParaViewGrid":
			for axis, name := range []string{"x", "y", "z"} {
				d.Grid[axis] = floatList(attr(se, name))
			}
		}
	}
	if !sawRoot {
		return nil, fmt.Errorf("missing FileDescriptor element")
	}
	return d, nil
}

func attr(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

func atoi(s string) int {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return v
}

func atof(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func xyz(se xml.StartElement) [3]float64 {
	return [3]float64{atof(attr(se, "x")), atof(attr(se, "y")), atof(attr(se, "z"))}
}

func floatList(s string) []float64 {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	out := make([]float64, len(fields))
	for i, f := range fields {
		out[i] = atof(f)
	}
	return out
}
