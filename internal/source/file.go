package source

import (
	"crypto/sha256"
	"fmt"
	"os"
)

type FileFlags uint8

const (
	// FileOverlay marks text that came from the editor rather than disk.
	FileOverlay FileFlags = 1 << iota
	FileHadBOM
)

// File captures the text of one source file at a specific version.
// A File is immutable once built.
type File struct {
	Path    string
	Version int64
	Content []byte
	LineIdx []uint32
	Hash    [32]byte
	Flags   FileFlags
}

// LineCol represents a human-readable position in a source file.
type LineCol struct {
	Line uint32 // 1-based
	Col  uint32 // 1-based
}

// NewFile builds a File from raw text. The content is kept as is so byte
// offsets reported by external analyzers stay aligned with it.
func NewFile(path string, version int64, content []byte, flags FileFlags) *File {
	return &File{
		Path:    NormalizePath(path),
		Version: version,
		Content: content,
		LineIdx: buildLineIndex(content),
		Hash:    sha256.Sum256(content),
		Flags:   flags,
	}
}

// LoadFile reads a file from disk, stripping a leading BOM.
func LoadFile(path string, version int64) (*File, error) {
	// #nosec G304 -- path is provided by the caller
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var flags FileFlags
	if stripped, had := removeBOM(data); had {
		data = stripped
		flags |= FileHadBOM
	}
	return NewFile(path, version, data, flags), nil
}

// Len returns the content length in bytes.
func (f *File) Len() uint32 {
	if f == nil {
		return 0
	}
	return safeUint32(len(f.Content))
}

// InBounds reports whether the span fits inside the file text.
func (f *File) InBounds(sp Span) bool {
	return sp.Valid() && sp.End <= f.Len()
}

// Text returns the text covered by the span, clamped to the file bounds.
func (f *File) Text(sp Span) string {
	n := f.Len()
	start, end := min(sp.Start, n), min(sp.End, n)
	if start >= end {
		return ""
	}
	return string(f.Content[start:end])
}

// LineCol converts a byte offset into a 1-based line/column pair.
func (f *File) LineCol(off uint32) LineCol {
	return toLineCol(f.LineIdx, off)
}
