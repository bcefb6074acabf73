package lsp

import (
	"encoding/json"

	"owlsp/internal/decor"
	"owlsp/internal/query"
	"owlsp/internal/sched"
	"owlsp/internal/session"
	"owlsp/internal/source"
)

func (s *Server) handleCursor(msg *rpcMessage) error {
	var params cursorParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return s.sendError(msg.ID, codeInvalidParams, "invalid params")
	}
	path := uriToPath(params.uri())
	if path == "" {
		return s.sendError(msg.ID, codeInvalidParams, "unsupported document uri")
	}
	s.mu.Lock()
	sess, transitive := s.session, s.transitive
	s.mu.Unlock()

	f, err := sess.Workspace.Text(path)
	if err != nil {
		return s.sendResponse(msg.ID, unknownResult())
	}
	off := f.OffsetAt(params.Position.source())
	res := sess.Query.CursorQuery(path, off, query.Options{Transitive: transitive})
	return s.sendResponse(msg.ID, render(sess, path, f, &res))
}

func (s *Server) handleDecorations(msg *rpcMessage) error {
	var params documentParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return s.sendError(msg.ID, codeInvalidParams, "invalid params")
	}
	path := uriToPath(params.uri())
	if path == "" {
		return s.sendError(msg.ID, codeInvalidParams, "unsupported document uri")
	}
	sess := s.currentSession()
	f, err := sess.Workspace.Text(path)
	if err != nil {
		return s.sendResponse(msg.ID, unknownResult())
	}
	res := sess.Query.FileDecorations(path)
	return s.sendResponse(msg.ID, render(sess, path, f, &res))
}

func (s *Server) handleAnalyze(msg *rpcMessage) error {
	units := s.currentSession().AnalyzeAll()
	s.tracef("analyze: %d units", len(units))
	if units == nil {
		units = []string{}
	}
	return s.sendResponse(msg.ID, analyzeResult{Units: units})
}

func unknownResult() decorationsResult {
	return decorationsResult{
		Decorations: []decorationItem{},
		Outlives:    []outliveItem{},
		Status:      "unknown",
	}
}

// render converts a query result into its wire form. Ranges are computed
// against the current text of the file.
func render(sess *session.Session, path string, f *source.File, res *query.Result) decorationsResult {
	if !res.Known {
		return unknownResult()
	}
	out := decorationsResult{
		Decorations: make([]decorationItem, 0, len(res.Decorations)),
		Outlives:    make([]outliveItem, 0, len(res.Outlives)),
		Stale:       res.Stale,
		Status:      unitStatus(sess, path),
		Version:     res.Version,
	}
	for i := range res.Decorations {
		out.Decorations = append(out.Decorations, decorationToItem(f, &res.Decorations[i]))
	}
	for _, e := range res.Outlives {
		out.Outlives = append(out.Outlives, outliveItem{A: uint32(e.A), B: uint32(e.B)})
	}
	return out
}

func decorationToItem(f *source.File, d *decor.Decoration) decorationItem {
	item := decorationItem{
		Kind:     d.Kind.String(),
		Range:    rangeForSpan(f, d.Span),
		Local:    d.Local.String(),
		Name:     d.Name,
		Conflict: d.Conflict,
	}
	if d.RelatedSpan != nil {
		r := rangeForSpan(f, *d.RelatedSpan)
		item.RelatedRange = &r
	}
	for _, r := range d.Regions {
		item.Regions = append(item.Regions, uint32(r))
	}
	return item
}

// unitStatus reports the live scheduler state of the file's unit, or the
// state of its last finished build when idle.
func unitStatus(sess *session.Session, path string) string {
	unit, ok := sess.Workspace.UnitOf(path)
	if !ok {
		return "unknown"
	}
	if st := sess.Sched.State(unit); st != sched.Idle {
		return st.String()
	}
	if snap := sess.Cache.Snapshot(unit); snap != nil && snap.Job.State != "" {
		return snap.Job.State
	}
	return sched.Idle.String()
}
