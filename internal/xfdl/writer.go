package xfdl

import (
	"bufio"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const doctype = `DOCTYPE FileDescriptor PUBLIC "-//SDB//DTD//EN"  "fdl.dtd"`

type fieldElem struct {
	Name string `xml:"fieldName,attr"`
	Type string `xml:"fieldType,attr"`
}

type rangeElem struct {
	Lower int `xml:"lower,attr"`
	Upper int `xml:"upper,attr"`
}

type xyzElem struct {
	X string `xml:"x,attr"`
	Y string `xml:"y,attr"`
	Z string `xml:"z,attr"`
}

type document struct {
	XMLName  xml.Name    `xml:"FileDescriptor"`
	FileName string      `xml:"fileName,attr"`
	FileType string      `xml:"fileType,attr"`
	Fields   []fieldElem `xml:"Field"`
	DataType string      `xml:"CustomParaViewType"`
	Ranges   []rangeElem `xml:"Bounds"`
	Origin   *xyzElem    `xml:"CustomParaViewOrigin"`
	Spacing  *xyzElem    `xml:"CustomParaViewSpacing"`
	Grid     *xyzElem    `xml:"CustomParaViewGrid"`
}

// Write encodes d as an XFDL document.
func (d *Descriptor) Write(w io.Writer) error {
	doc := document{
		FileName: d.FileName,
		FileType: d.FileType,
		DataType: d.DataType,
	}
	if doc.FileType == "" {
		doc.FileType = FileTypeBinary
	}
	if doc.DataType == "" {
		doc.DataType = TypeImageData
	}
	for _, f := range d.Fields {
		t := f.Type
		if t == "" {
			t = "float"
		}
		doc.Fields = append(doc.Fields, fieldElem{Name: f.Name, Type: t})
	}
	for _, r := range d.Ranges {
		doc.Ranges = append(doc.Ranges, rangeElem{Lower: r.Lower, Upper: r.Upper})
	}
	if d.Rectilinear() {
		doc.Grid = &xyzElem{X: formatList(d.Grid[0]), Y: formatList(d.Grid[1]), Z: formatList(d.Grid[2])}
	} else {
		doc.Origin = formatXYZ(d.Origin)
		doc.Spacing = formatXYZ(d.Spacing)
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "    ")
	if err := enc.EncodeToken(xml.ProcInst{Target: "xml", Inst: []byte(`version="1.0" encoding="UTF-8"`)}); err != nil {
		return err
	}
	if err := enc.EncodeToken(xml.Directive(doctype)); err != nil {
		return err
	}
	if err := enc.Encode(doc); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// WriteFile writes d to path.
func (d *Descriptor) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := d.Write(bw); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

func formatXYZ(v [3]float64) *xyzElem {
	return &xyzElem{X: formatFloat(v[0]), Y: formatFloat(v[1]), Z: formatFloat(v[2])}
}

func formatList(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = formatFloat(v)
	}
	return strings.Join(parts, " ")
}
