package source

import (
	"path/filepath"
	"sort"
)

func removeBOM(content []byte) ([]byte, bool) {
	if len(content) < 3 {
		return content, false
	}

	if content[0] == 0xEF && content[1] == 0xBB && content[2] == 0xBF {
		return content[3:], true
	}

	return content, false
}

func buildLineIndex(content []byte) []uint32 {
	out := make([]uint32, 0, len(content))
	for i, b := range content {
		if b == '\n' {
			out = append(out, safeUint32(i))
		}
	}
	return out
}

// toLineCol maps a byte offset to a one-based line and byte column.
// lineIdx holds the offsets of every '\n'.
func toLineCol(lineIdx []uint32, off uint32) LineCol {
	line := sort.Search(len(lineIdx), func(i int) bool { return lineIdx[i] >= off })
	var start uint32
	if line > 0 {
		start = lineIdx[line-1] + 1
	}
	return LineCol{Line: safeUint32(line + 1), Col: off - start + 1}
}

// NormalizePath returns the canonical slash-separated form used as a file key.
func NormalizePath(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}
