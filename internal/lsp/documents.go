package lsp

import "encoding/json"

func (s *Server) handleDidOpen(msg *rpcMessage) error {
	var params didOpenTextDocumentParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logf("%s: %v", msg.Method, err)
		return nil
	}
	path := uriToPath(params.TextDocument.URI)
	if path == "" {
		return nil
	}
	s.mu.Lock()
	s.open[path] = struct{}{}
	sess := s.session
	s.mu.Unlock()
	unit, version := sess.Open(path, params.TextDocument.Text)
	s.tracef("didOpen: path=%s unit=%s version=%d", path, unit, version)
	return nil
}

func (s *Server) handleDidChange(msg *rpcMessage) error {
	var params didChangeTextDocumentParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logf("%s: %v", msg.Method, err)
		return nil
	}
	path := uriToPath(params.TextDocument.URI)
	if path == "" {
		return nil
	}
	sess := s.currentSession()
	text := ""
	if f, err := sess.Workspace.Text(path); err == nil {
		text = string(f.Content)
	}
	text = applyChanges(text, params.ContentChanges)
	unit, version := sess.Change(path, text)
	s.tracef("didChange: path=%s unit=%s version=%d editor=%d", path, unit, version, params.TextDocument.Version)
	return nil
}

func (s *Server) handleDidSave(msg *rpcMessage) error {
	var params didSaveTextDocumentParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logf("%s: %v", msg.Method, err)
		return nil
	}
	path := uriToPath(params.TextDocument.URI)
	if path == "" {
		return nil
	}
	unit := s.currentSession().Save(path, params.Text)
	s.tracef("didSave: path=%s unit=%s", path, unit)
	return nil
}

func (s *Server) handleDidClose(msg *rpcMessage) error {
	var params didCloseTextDocumentParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logf("%s: %v", msg.Method, err)
		return nil
	}
	path := uriToPath(params.TextDocument.URI)
	uri := pathToURI(path)
	if path == "" {
		return nil
	}
	s.mu.Lock()
	delete(s.open, path)
	sess := s.session
	owner, _ := sess.Workspace.UnitOf(path)
	_, had := s.published[owner][uri]
	delete(s.published[owner], uri)
	s.mu.Unlock()
	if had {
		if err := s.sendPublish(uri, nil); err != nil {
			s.logf("failed to clear diagnostics: %v", err)
		}
	}

	unit := sess.Close(path)
	s.tracef("didClose: path=%s unit=%s", path, unit)
	return nil
}
