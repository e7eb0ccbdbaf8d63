package xfdl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DataFileName is the descriptor name inside each coarser level directory.
const DataFileName = "data.fdl"

// Level is one resolution level of a data set on disk.
type Level struct {
	Descriptor     *Descriptor
	DescriptorPath string
	PayloadPath    string
}

// Compressed reports whether the payload is zstd compressed.
func (l Level) Compressed() bool {
	return l.Descriptor.FileType == FileTypeBinaryZstd || strings.HasSuffix(l.PayloadPath, ".zst")
}

// OpenLevels reads the descriptor at path and every level it refers to,
// finest first. A single resolution data set has one level.
func OpenLevels(path string) ([]Level, error) {
	top, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if !top.Multiresolution() {
		return []Level{{Descriptor: top, DescriptorPath: path, PayloadPath: filepath.Join(dir, top.FileName)}}, nil
	}

	rel := strings.TrimPrefix(top.FileName, "@")
	levelDir := filepath.Join(dir, filepath.Dir(rel))
	name := filepath.Base(rel)

	root := top
	rootPath := path
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if p := filepath.Join(levelDir, stem+".xfdl"); fileExists(p) {
		if root, err = ReadFile(p); err != nil {
			return nil, err
		}
		rootPath = p
		name = root.FileName
	}
	levels := []Level{{Descriptor: root, DescriptorPath: rootPath, PayloadPath: filepath.Join(levelDir, name)}}

	for k := 1; ; k++ {
		levelDir = filepath.Join(levelDir, "level"+strconv.Itoa(k))
		p := filepath.Join(levelDir, DataFileName)
		d, err := ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", k, err)
		}
		levels = append(levels, Level{Descriptor: d, DescriptorPath: p, PayloadPath: filepath.Join(levelDir, d.FileName)})
	}
	return levels, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
