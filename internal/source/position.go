package source

import (
	"sort"
	"unicode/utf8"

	"fortio.org/safecast"
)

const maxUint32 = ^uint32(0)

// Position is a zero-based line and UTF-16 code unit column, the unit
// editors speak.
type Position struct {
	Line      int
	Character int
}

func safeUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	v, err := safecast.Conv[uint32](n)
	if err != nil {
		return maxUint32
	}
	return v
}

// OffsetAt converts an editor position into a byte offset. Positions past
// the end of a line clamp to the line end, lines past the end of the file
// clamp to the file length.
func (f *File) OffsetAt(pos Position) uint32 {
	if f == nil || pos.Line < 0 || pos.Character < 0 {
		return 0
	}
	content := f.Content
	if len(content) == 0 {
		return 0
	}
	lineCount := len(f.LineIdx) + 1
	contentLen := safeUint32(len(content))
	if pos.Line >= lineCount {
		return contentLen
	}
	var lineStart uint32
	if pos.Line > 0 {
		lineStart = f.LineIdx[pos.Line-1] + 1
	}
	lineEnd := contentLen
	if pos.Line < len(f.LineIdx) {
		lineEnd = f.LineIdx[pos.Line]
	}
	if lineStart > lineEnd {
		return lineEnd
	}
	units := 0
	off := lineStart
	for off < lineEnd && units < pos.Character {
		r, size := utf8.DecodeRune(content[off:lineEnd])
		need := 1
		if r > 0xFFFF {
			need = 2
		}
		if units+need > pos.Character {
			break
		}
		units += need
		off += safeUint32(size)
	}
	return off
}

// PositionAt converts a byte offset into an editor position.
func (f *File) PositionAt(offset uint32) Position {
	if f == nil {
		return Position{}
	}
	contentLen := safeUint32(len(f.Content))
	if offset > contentLen {
		offset = contentLen
	}
	lineIdx := f.LineIdx
	idx := sort.Search(len(lineIdx), func(i int) bool { return lineIdx[i] >= offset })
	var lineStart uint32
	if idx > 0 {
		lineStart = lineIdx[idx-1] + 1
	}
	if lineStart > offset {
		lineStart = offset
	}
	units := 0
	for off := lineStart; off < offset; {
		r, size := utf8.DecodeRune(f.Content[off:offset])
		if off+safeUint32(size) > offset {
			break
		}
		if r > 0xFFFF {
			units += 2
		} else {
			units++
		}
		off += safeUint32(size)
	}
	return Position{Line: idx, Character: units}
}
