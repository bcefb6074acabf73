package lsp

import "encoding/json"

// lspSettings is the "owlsp" section of the client configuration. Absent
// keys leave the current value alone.
type lspSettings struct {
	Owlsp *struct {
		Trace      *bool `json:"trace"`
		Transitive *bool `json:"transitive"`
	} `json:"owlsp"`
}

func (s *Server) handleDidChangeConfiguration(msg *rpcMessage) error {
	var params didChangeConfigurationParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logf("%s: %v", msg.Method, err)
			return nil
		}
	}
	s.applySettings(params.Settings)
	return nil
}

// applySettings takes either didChangeConfiguration settings or the
// initializationOptions of initialize; both carry the same section.
func (s *Server) applySettings(raw json.RawMessage) {
	if len(raw) == 0 || string(raw) == "null" {
		return
	}
	var settings lspSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		s.logf("ignoring malformed settings: %v", err)
		return
	}
	section := settings.Owlsp
	if section == nil {
		return
	}
	s.mu.Lock()
	if section.Trace != nil {
		s.traceLSP = *section.Trace
	}
	if section.Transitive != nil {
		s.transitive = *section.Transitive
	}
	traceOn, transitive := s.traceLSP, s.transitive
	s.mu.Unlock()
	s.tracef("settings: trace=%v transitive=%v", traceOn, transitive)
}
