// Package lsp serves owlsp over stdio JSON-RPC. It adapts editor messages to
// a session and holds no analysis state of its own.
package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"owlsp/internal/config"
	"owlsp/internal/facts"
	"owlsp/internal/session"
	"owlsp/internal/trace"
	"owlsp/internal/version"
)

var (
	// ErrExit signals a graceful shutdown after receiving "exit".
	ErrExit = errors.New("lsp exit")
	// ErrExitWithoutShutdown signals an "exit" without a preceding "shutdown".
	ErrExitWithoutShutdown = errors.New("lsp exit without shutdown")
)

// AnalyzeCommand is the workspace/executeCommand alias of owl/analyze.
const AnalyzeCommand = "owlsp.analyze"

// ServerOptions configures LSP server behavior.
type ServerOptions struct {
	// Config skips owl.toml discovery when set.
	Config *config.Config
	// Provider replaces the configured fact provider.
	Provider    facts.Provider
	ReplayDir   string
	NoDiskCache bool
	// Log receives server logs. Defaults to stderr.
	Log io.Writer
}

// Server handles stdio JSON-RPC for owlsp.
type Server struct {
	in     *bufio.Reader
	out    *bufio.Writer
	sendMu sync.Mutex
	log    io.Writer
	opts   ServerOptions
	nextID atomic.Int64

	mu                sync.Mutex
	baseCtx           context.Context
	session           *session.Session
	closeOnce         sync.Once
	shutdownRequested bool
	open              map[string]struct{}            // paths open in the editor
	published         map[string]map[string]struct{} // unit -> uris with diagnostics
	progress          map[string]bool                // unit -> progress begun
	workDoneProgress  bool
	traceLSP          bool
	transitive        bool
}

// NewServer constructs a new LSP server.
func NewServer(in io.Reader, out io.Writer, opts ServerOptions) *Server {
	logw := opts.Log
	if logw == nil {
		logw = os.Stderr
	}
	return &Server{
		in:        bufio.NewReader(in),
		out:       bufio.NewWriter(out),
		log:       logw,
		opts:      opts,
		baseCtx:   context.Background(),
		open:      make(map[string]struct{}),
		published: make(map[string]map[string]struct{}),
		progress:  make(map[string]bool),
	}
}

// Run serves LSP requests until exit or end of input.
func (s *Server) Run(ctx context.Context) error {
	span := trace.Begin(trace.FromContext(ctx), trace.ScopeServer, "lsp", 0)
	defer span.End("")
	s.mu.Lock()
	s.baseCtx = trace.WithSpan(ctx, span)
	s.mu.Unlock()
	defer s.closeSession()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := readMessage(s.in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		var msg rpcMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.logf("failed to parse message: %v", err)
			if err := s.sendError(json.RawMessage("null"), codeParseError, "parse error"); err != nil {
				return err
			}
			continue
		}
		if msg.Method == "" {
			// Responses to our own requests carry nothing we need.
			continue
		}
		if err := s.dispatch(&msg); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(msg *rpcMessage) error {
	tr := trace.FromContext(s.baseCtx)
	span := trace.Begin(tr, trace.ScopeRequest, msg.Method, trace.ParentID(s.baseCtx))
	err := s.handleMessage(msg)
	if err != nil && !errors.Is(err, ErrExit) && !errors.Is(err, ErrExitWithoutShutdown) {
		trace.Failure(tr, trace.ScopeRequest, msg.Method, err)
	}
	span.End("")
	return err
}

func (s *Server) handleMessage(msg *rpcMessage) error {
	isRequest := len(msg.ID) > 0
	s.mu.Lock()
	ready := s.session != nil
	shutdown := s.shutdownRequested
	s.mu.Unlock()

	switch msg.Method {
	case "initialize":
		return s.handleInitialize(msg)
	case "exit":
		if shutdown {
			return ErrExit
		}
		return ErrExitWithoutShutdown
	}
	if !ready {
		if isRequest {
			return s.sendError(msg.ID, codeServerNotInitialized, "server not initialized")
		}
		return nil
	}
	if shutdown {
		if isRequest {
			return s.sendError(msg.ID, codeInvalidRequest, "server is shutting down")
		}
		return nil
	}

	switch msg.Method {
	case "initialized":
		s.handleInitialized()
		return nil
	case "shutdown":
		return s.handleShutdown(msg)
	case "workspace/didChangeConfiguration":
		return s.handleDidChangeConfiguration(msg)
	case "workspace/executeCommand":
		return s.handleExecuteCommand(msg)
	case "textDocument/didOpen":
		return s.handleDidOpen(msg)
	case "textDocument/didChange":
		return s.handleDidChange(msg)
	case "textDocument/didSave":
		return s.handleDidSave(msg)
	case "textDocument/didClose":
		return s.handleDidClose(msg)
	case "owl/cursor":
		return s.handleCursor(msg)
	case "owl/decorations":
		return s.handleDecorations(msg)
	case "owl/analyze":
		return s.handleAnalyze(msg)
	default:
		if isRequest {
			return s.sendError(msg.ID, codeMethodNotFound, "method not found")
		}
		return nil
	}
}

func (s *Server) handleInitialize(msg *rpcMessage) error {
	var params initializeParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return s.sendError(msg.ID, codeInvalidParams, "invalid params")
		}
	}
	s.mu.Lock()
	already := s.session != nil
	ctx := s.baseCtx
	s.mu.Unlock()
	if already {
		return s.sendError(msg.ID, codeInvalidRequest, "already initialized")
	}

	cfg := s.opts.Config
	if cfg == nil {
		root := workspaceRoot(&params)
		loaded, err := config.Load(root)
		if err != nil {
			s.logf("config: %v", err)
			s.showMessage(1, "owlsp: "+err.Error())
			loaded = config.Default(root)
		}
		cfg = loaded
	}
	sess, err := session.Open(ctx, cfg, session.Options{
		Provider:    s.opts.Provider,
		ReplayDir:   s.opts.ReplayDir,
		NoDiskCache: s.opts.NoDiskCache,
		Observer:    s.observe,
	})
	if err != nil {
		return s.sendError(msg.ID, codeInternalError, err.Error())
	}

	s.mu.Lock()
	s.session = sess
	s.workDoneProgress = params.Capabilities.Window.WorkDoneProgress
	s.mu.Unlock()
	s.applySettings(params.InitializationOptions)
	s.tracef("initialize: root=%s units=%d", cfg.Root, len(sess.UnitKeys()))

	result := initializeResult{
		Capabilities: serverCapabilities{
			TextDocumentSync: textDocumentSyncOptions{
				OpenClose: true,
				Change:    2,
				Save: saveOptions{
					IncludeText: true,
				},
			},
			ExecuteCommandProvider: &executeCommandOptions{Commands: []string{AnalyzeCommand}},
		},
		ServerInfo: serverInfo{Name: "owlsp", Version: version.Version},
	}
	return s.sendResponse(msg.ID, result)
}

func (s *Server) handleInitialized() {
	sess := s.currentSession()
	go func() {
		if n := sess.Warm(); n > 0 {
			s.tracef("warmed %d units from cache", n)
		}
	}()
}

func (s *Server) handleShutdown(msg *rpcMessage) error {
	s.mu.Lock()
	s.shutdownRequested = true
	s.mu.Unlock()
	s.closeSession()
	s.clearAllDiagnostics()
	return s.sendResponse(msg.ID, nil)
}

func (s *Server) closeSession() {
	s.closeOnce.Do(func() {
		if sess := s.currentSession(); sess != nil {
			sess.Shutdown()
		}
	})
}

func (s *Server) currentSession() *session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *Server) handleExecuteCommand(msg *rpcMessage) error {
	var params struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return s.sendError(msg.ID, codeInvalidParams, "invalid params")
	}
	if params.Command != AnalyzeCommand {
		return s.sendError(msg.ID, codeInvalidParams, fmt.Sprintf("unknown command %q", params.Command))
	}
	return s.handleAnalyze(msg)
}

func (s *Server) sendResponse(id json.RawMessage, result any) error {
	if len(id) == 0 {
		return nil
	}
	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}
	return s.send(msg)
}

func (s *Server) sendError(id json.RawMessage, code int, message string) error {
	msg := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": rpcError{
			Code:    code,
			Message: message,
		},
	}
	return s.send(msg)
}

func (s *Server) notify(method string, params any) error {
	return s.send(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

// request sends a server-to-client request. Its response is ignored.
func (s *Server) request(method string, params any) error {
	return s.send(map[string]any{
		"jsonrpc": "2.0",
		"id":      s.nextID.Add(1),
		"method":  method,
		"params":  params,
	})
}

func (s *Server) showMessage(kind int, text string) {
	if err := s.notify("window/showMessage", showMessageParams{Type: kind, Message: text}); err != nil {
		s.logf("showMessage: %v", err)
	}
}

func (s *Server) send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := writeMessage(s.out, payload); err != nil {
		return err
	}
	return s.out.Flush()
}

func (s *Server) logf(format string, args ...any) {
	fmt.Fprintf(s.log, "lsp: "+format+"\n", args...)
}

// tracef logs only when the client enabled owlsp.trace.
func (s *Server) tracef(format string, args ...any) {
	s.mu.Lock()
	on := s.traceLSP
	s.mu.Unlock()
	if on {
		s.logf(format, args...)
	}
}
