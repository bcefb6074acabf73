package lsp

import (
	"owlsp/internal/facts"
	"owlsp/internal/sched"
	"owlsp/internal/source"
)

const progressTitle = "owlsp"

func progressToken(unit string) string { return "owlsp/" + unit }

// observe turns scheduler transitions into progress notifications and
// diagnostics. It runs on the scheduler's dispatch goroutine.
func (s *Server) observe(tr sched.Transition) {
	switch {
	case tr.To == sched.Queued:
		s.progressBegin(tr.Unit)
	case tr.To == sched.Running:
		s.progressReport(tr.Unit, "analyzing "+tr.Unit)
	case tr.To.Terminal():
		s.progressEnd(tr.Unit, tr.Outcome.Message())
		s.publishOutcome(tr.Outcome)
	case tr.To == sched.Idle:
		s.progressEnd(tr.Unit, "")
	}
}

func (s *Server) progressBegin(unit string) {
	s.mu.Lock()
	enabled := s.workDoneProgress && !s.progress[unit]
	if enabled {
		s.progress[unit] = true
	}
	s.mu.Unlock()
	if !enabled {
		return
	}
	token := progressToken(unit)
	if err := s.request("window/workDoneProgress/create", workDoneProgressCreateParams{Token: token}); err != nil {
		s.logf("progress: %v", err)
		return
	}
	s.sendProgress(token, progressValue{Kind: "begin", Title: progressTitle, Message: "queued " + unit})
}

func (s *Server) progressReport(unit, message string) {
	s.mu.Lock()
	active := s.progress[unit]
	s.mu.Unlock()
	if active {
		s.sendProgress(progressToken(unit), progressValue{Kind: "report", Message: message})
	}
}

func (s *Server) progressEnd(unit, message string) {
	s.mu.Lock()
	active := s.progress[unit]
	delete(s.progress, unit)
	s.mu.Unlock()
	if active {
		s.sendProgress(progressToken(unit), progressValue{Kind: "end", Message: message})
	}
}

func (s *Server) sendProgress(token string, value progressValue) {
	if err := s.notify("$/progress", progressParams{Token: token, Value: value}); err != nil {
		s.logf("progress: %v", err)
	}
}

// publishOutcome updates the diagnostics of a unit after a build. Successes
// clear them, failures replace them and cancellations leave them alone.
func (s *Server) publishOutcome(out *sched.Outcome) {
	if out == nil {
		return
	}
	switch out.State {
	case sched.Succeeded:
		s.replaceDiagnostics(out.Unit, nil)
	case sched.Failed:
		s.replaceDiagnostics(out.Unit, s.failureDiagnostics(out))
	}
}

// failureDiagnostics places provider diagnostics in their files. A timeout,
// or a failure without located diagnostics, is reported once at the top of
// every open file of the unit.
func (s *Server) failureDiagnostics(out *sched.Outcome) map[string][]lspDiagnostic {
	sess := s.currentSession()
	if sess == nil {
		return nil
	}
	byURI := make(map[string][]lspDiagnostic)
	if out.Reason != sched.ReasonTimeout {
		for _, d := range out.Diagnostics {
			path := source.NormalizePath(d.File)
			f, err := sess.Workspace.Text(path)
			if err != nil {
				continue
			}
			uri := pathToURI(path)
			byURI[uri] = append(byURI[uri], lspDiagnostic{
				Range:    rangeForSpan(f, d.Span),
				Severity: lspSeverity(d.Severity),
				Source:   progressTitle,
				Message:  d.Message,
			})
		}
	}
	if len(byURI) > 0 {
		return byURI
	}
	severity := 1
	if out.Reason == sched.ReasonTimeout {
		severity = 2
	}
	for _, path := range s.openFilesOf(out.Unit) {
		byURI[pathToURI(path)] = []lspDiagnostic{{
			Severity: severity,
			Source:   progressTitle,
			Code:     out.Reason,
			Message:  out.Message(),
		}}
	}
	return byURI
}

func lspSeverity(sev facts.Severity) int {
	switch sev {
	case facts.SeverityWarning:
		return 2
	case facts.SeverityInfo:
		return 3
	default:
		return 1
	}
}

func (s *Server) openFilesOf(unit string) []string {
	sess := s.currentSession()
	s.mu.Lock()
	paths := make([]string, 0, len(s.open))
	for path := range s.open {
		paths = append(paths, path)
	}
	s.mu.Unlock()
	var out []string
	for _, path := range paths {
		if u, ok := sess.Workspace.UnitOf(path); ok && u == unit {
			out = append(out, path)
		}
	}
	return out
}

// replaceDiagnostics publishes next for a unit and clears files that had
// diagnostics before but have none now.
func (s *Server) replaceDiagnostics(unit string, next map[string][]lspDiagnostic) {
	s.mu.Lock()
	prev := s.published[unit]
	if len(next) == 0 {
		delete(s.published, unit)
	} else {
		set := make(map[string]struct{}, len(next))
		for uri := range next {
			set[uri] = struct{}{}
		}
		s.published[unit] = set
	}
	s.mu.Unlock()

	for uri, list := range next {
		if err := s.sendPublish(uri, list); err != nil {
			s.logf("failed to publish diagnostics: %v", err)
		}
	}
	for uri := range prev {
		if _, still := next[uri]; still {
			continue
		}
		if err := s.sendPublish(uri, nil); err != nil {
			s.logf("failed to clear diagnostics: %v", err)
		}
	}
}

func (s *Server) clearAllDiagnostics() {
	s.mu.Lock()
	prev := s.published
	s.published = make(map[string]map[string]struct{})
	s.mu.Unlock()
	for _, uris := range prev {
		for uri := range uris {
			if err := s.sendPublish(uri, nil); err != nil {
				s.logf("failed to clear diagnostics: %v", err)
			}
		}
	}
}

func (s *Server) sendPublish(uri string, list []lspDiagnostic) error {
	if list == nil {
		list = []lspDiagnostic{}
	}
	return s.notify("textDocument/publishDiagnostics", publishDiagnosticsParams{
		URI:         uri,
		Diagnostics: list,
	})
}
