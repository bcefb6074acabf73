package facts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"owlsp/internal/source"
)

// Provider produces borrow-checker facts for one build unit.
// Implementations must return promptly once ctx is cancelled and report
// analysis failures as *ProviderFailure.
type Provider interface {
	Facts(ctx context.Context, req Request) ([]FunctionFacts, error)
}

// Func adapts a plain function to Provider.
type Func func(ctx context.Context, req Request) ([]FunctionFacts, error)

func (f Func) Facts(ctx context.Context, req Request) ([]FunctionFacts, error) {
	return f(ctx, req)
}

// streamResult converts a decoded stream into provider output, turning
// error diagnostics into a failure.
func streamResult(unit string, st *Stream) ([]FunctionFacts, error) {
	if st.HasErrors() {
		return nil, &ProviderFailure{Unit: unit, Diagnostics: st.Diagnostics}
	}
	return st.Functions, nil
}

const stderrTail = 4 << 10

// tailBuffer keeps the last stderrTail bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - stderrTail; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

// ExecProvider runs an external analyzer per request. The request is written
// to the child's stdin as JSON and the facts are read from its stdout as
// NDJSON records (see Decoder).
type ExecProvider struct {
	Command string
	Args    []string
	Env     []string
	Names   *source.Interner
	// WaitDelay bounds how long a cancelled child may keep its pipes open.
	WaitDelay time.Duration
}

func (p *ExecProvider) Facts(ctx context.Context, req Request) ([]FunctionFacts, error) {
	if p.Command == "" {
		return nil, &ProviderFailure{Unit: req.Unit, Err: errors.New("no provider command configured")}
	}
	payload, err := json.Marshal(&req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	// #nosec G204 -- the command comes from the user's configuration
	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Dir = req.Root
	cmd.Env = append(os.Environ(), p.Env...)
	cmd.Stdin = bytes.NewReader(payload)
	stderr := &tailBuffer{}
	cmd.Stderr = stderr
	cmd.WaitDelay = p.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("provider stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, &ProviderFailure{Unit: req.Unit, Err: fmt.Errorf("start %s: %w", filepath.Base(p.Command), err)}
	}

	dec := Decoder{Root: req.Root, Names: p.Names}
	st, decodeErr := dec.Decode(stdout)
	if decodeErr != nil {
		// Drain so the child is never blocked writing to a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, fmt.Errorf("provider for %q: %w", req.Unit, ctxErr)
	}
	if waitErr != nil || decodeErr != nil {
		return nil, &ProviderFailure{
			Unit:        req.Unit,
			Diagnostics: st.Diagnostics,
			Stderr:      stderr.String(),
			Err:         errors.Join(waitErr, decodeErr),
		}
	}
	return streamResult(req.Unit, st)
}

// ReplayProvider serves recorded fact streams from Dir. The facts of unit
// "core" are read from Dir/core.ndjson.
type ReplayProvider struct {
	Dir   string
	Names *source.Interner
}

func (p *ReplayProvider) Facts(ctx context.Context, req Request) ([]FunctionFacts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(req.Unit)
	f, err := os.Open(filepath.Join(p.Dir, name+".ndjson"))
	if err != nil {
		return nil, &ProviderFailure{Unit: req.Unit, Err: err}
	}
	defer f.Close()

	dec := Decoder{Root: req.Root, Names: p.Names}
	st, err := dec.Decode(&ctxReader{ctx: ctx, r: f})
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if err != nil {
		return nil, &ProviderFailure{Unit: req.Unit, Err: err}
	}
	return streamResult(req.Unit, st)
}

// ctxReader stops reading once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
