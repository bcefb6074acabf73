package lsp

import "owlsp/internal/source"

// applyChanges applies incremental or full content changes in order.
// Ranges are in UTF-16 code units and clamp to the text.
func applyChanges(text string, changes []textDocumentContentChangeEvent) string {
	for _, change := range changes {
		if change.Range == nil {
			text = change.Text
			continue
		}
		f := source.NewFile("", 0, []byte(text), 0)
		start := f.OffsetAt(change.Range.Start.source())
		end := f.OffsetAt(change.Range.End.source())
		if end < start {
			end = start
		}
		text = text[:start] + change.Text + text[end:]
	}
	return text
}

func (p position) source() source.Position {
	return source.Position{Line: p.Line, Character: p.Character}
}

func fromSource(p source.Position) position {
	return position{Line: p.Line, Character: p.Character}
}

// rangeForSpan converts a byte span of f into an editor range.
func rangeForSpan(f *source.File, sp source.Span) lspRange {
	if f == nil {
		return lspRange{}
	}
	return lspRange{
		Start: fromSource(f.PositionAt(sp.Start)),
		End:   fromSource(f.PositionAt(sp.End)),
	}
}
