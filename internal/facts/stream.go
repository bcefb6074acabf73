package facts

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"slices"

	"owlsp/internal/source"
)

// maxRecordSize bounds a single NDJSON line. Large functions produce long
// event lists, so this is generous.
const maxRecordSize = 64 << 20

type wireDecl struct {
	Local uint32      `json:"local"`
	Name  string      `json:"name"`
	File  string      `json:"file"`
	Span  source.Span `json:"span"`
	Type  string      `json:"ty"`
	User  *bool       `json:"user"`
}

type wireEvent struct {
	Kind          string      `json:"kind"`
	Local         uint32      `json:"local"`
	File          string      `json:"file"`
	Span          source.Span `json:"span"`
	Related       *uint32     `json:"related,omitempty"`
	Region        RegionID    `json:"region,omitempty"`
	RelatedRegion RegionID    `json:"related_region,omitempty"`
}

type wireRecord struct {
	Fn         *uint32     `json:"fn,omitempty"`
	Decls      []wireDecl  `json:"decls,omitempty"`
	Events     []wireEvent `json:"events,omitempty"`
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`
}

// Stream is the decoded output of one provider run.
type Stream struct {
	Functions   []FunctionFacts
	Diagnostics []Diagnostic
	// Skipped counts records that could not be decoded.
	Skipped int
}

// HasErrors reports whether any diagnostic has error severity.
func (s *Stream) HasErrors() bool {
	for _, d := range s.Diagnostics {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Decoder turns NDJSON fact records into FunctionFacts.
//
// Every line is either a function record
//
//	{"fn":1,"decls":[...],"events":[...]}
//
// or a diagnostic record
//
//	{"diagnostic":{"file":"...","span":{"start":0,"end":3},"severity":"error","message":"..."}}
//
// Function ids start at 1. Relative file paths are resolved against Root.
type Decoder struct {
	Root  string
	Names *source.Interner
}

// Decode reads records until EOF. Records that cannot be decoded are
// skipped and counted; only read errors are returned.
func (d *Decoder) Decode(r io.Reader) (*Stream, error) {
	out := &Stream{}
	byFn := make(map[uint32]int)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxRecordSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec wireRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			out.Skipped++
			continue
		}
		if rec.Diagnostic != nil {
			diag := *rec.Diagnostic
			diag.File = d.resolve(diag.File)
			out.Diagnostics = append(out.Diagnostics, diag)
			continue
		}
		if rec.Fn == nil || *rec.Fn == 0 {
			out.Skipped++
			continue
		}
		fn := d.function(*rec.Fn, &rec)
		if i, ok := byFn[fn.Fn]; ok {
			merged := &out.Functions[i]
			merged.Decls = append(merged.Decls, fn.Decls...)
			merged.Events = append(merged.Events, fn.Events...)
			continue
		}
		byFn[fn.Fn] = len(out.Functions)
		out.Functions = append(out.Functions, fn)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("read facts: %w", err)
	}
	slices.SortStableFunc(out.Functions, func(a, b FunctionFacts) int {
		switch {
		case a.Fn < b.Fn:
			return -1
		case a.Fn > b.Fn:
			return 1
		}
		return 0
	})
	return out, nil
}

func (d *Decoder) function(fnID uint32, rec *wireRecord) FunctionFacts {
	fn := FunctionFacts{
		Fn:     fnID,
		Decls:  make([]LocalDecl, 0, len(rec.Decls)),
		Events: make([]FactEvent, 0, len(rec.Events)),
	}
	for _, wd := range rec.Decls {
		user := true
		if wd.User != nil {
			user = *wd.User
		}
		name := wd.Name
		if d.Names != nil {
			name = d.Names.Canonical(name)
		}
		fn.Decls = append(fn.Decls, LocalDecl{
			Local: LocalID{Fn: fnID, ID: wd.Local},
			Name:  name,
			File:  d.resolve(wd.File),
			Span:  wd.Span,
			Type:  wd.Type,
			User:  user,
		})
	}
	for _, we := range rec.Events {
		// Unknown kinds stay KindInvalid and are rejected by the range
		// builder together with the other malformed facts.
		kind, _ := ParseKind(we.Kind)
		ev := FactEvent{
			Kind:          kind,
			Local:         LocalID{Fn: fnID, ID: we.Local},
			File:          d.resolve(we.File),
			Span:          we.Span,
			Region:        we.Region,
			RelatedRegion: we.RelatedRegion,
		}
		if we.Related != nil {
			ev.Related = LocalID{Fn: fnID, ID: *we.Related}
		}
		fn.Events = append(fn.Events, ev)
	}
	return fn
}

func (d *Decoder) resolve(path string) string {
	if path == "" {
		return ""
	}
	if !filepath.IsAbs(path) && d.Root != "" {
		path = filepath.Join(d.Root, path)
	}
	return source.NormalizePath(path)
}

// Encode writes functions and diagnostics as NDJSON records, the inverse of
// Decoder.Decode. Paths are written as given.
func Encode(w io.Writer, fns []FunctionFacts, diags []Diagnostic) error {
	enc := json.NewEncoder(w)
	for i := range fns {
		fn := &fns[i]
		fnID := fn.Fn
		rec := wireRecord{Fn: &fnID}
		for _, decl := range fn.Decls {
			user := decl.User
			rec.Decls = append(rec.Decls, wireDecl{
				Local: decl.Local.ID,
				Name:  decl.Name,
				File:  decl.File,
				Span:  decl.Span,
				Type:  decl.Type,
				User:  &user,
			})
		}
		for _, ev := range fn.Events {
			we := wireEvent{
				Kind:          ev.Kind.String(),
				Local:         ev.Local.ID,
				File:          ev.File,
				Span:          ev.Span,
				Region:        ev.Region,
				RelatedRegion: ev.RelatedRegion,
			}
			if !ev.Related.IsZero() {
				related := ev.Related.ID
				we.Related = &related
			}
			rec.Events = append(rec.Events, we)
		}
		if err := enc.Encode(&rec); err != nil {
			return fmt.Errorf("encode fn %d: %w", fn.Fn, err)
		}
	}
	for i := range diags {
		if err := enc.Encode(&wireRecord{Diagnostic: &diags[i]}); err != nil {
			return fmt.Errorf("encode diagnostic: %w", err)
		}
	}
	return nil
}
