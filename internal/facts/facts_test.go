package facts

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"owlsp/internal/source"
)

const sampleStream = `{"fn":2,"decls":[{"local":1,"name":"b","file":"src/lib.rs","span":{"start":10,"end":11},"ty":"i32"}],"events":[{"kind":"move","local":1,"file":"src/lib.rs","span":{"start":20,"end":21}}]}
not json at all
{"fn":1,"decls":[{"local":1,"name":"café","file":"/abs/main.rs","span":{"start":0,"end":4},"ty":"String","user":false}],"events":[{"kind":"mutable_borrow","local":1,"related":2,"file":"/abs/main.rs","span":{"start":5,"end":9}},{"kind":"teleport","local":1,"file":"/abs/main.rs","span":{"start":1,"end":2}}]}
{"diagnostic":{"file":"src/lib.rs","span":{"start":1,"end":2},"severity":"warning","message":"unused"}}
`

func TestDecodeStream(t *testing.T) {
	dec := Decoder{Root: "/ws", Names: source.NewInterner()}
	st, err := dec.Decode(strings.NewReader(sampleStream))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if st.Skipped != 1 {
		t.Fatalf("Skipped = %d, want 1", st.Skipped)
	}
	if len(st.Functions) != 2 || st.Functions[0].Fn != 1 || st.Functions[1].Fn != 2 {
		t.Fatalf("functions not ordered: %+v", st.Functions)
	}

	first := st.Functions[0]
	if got := first.Decls[0].Name; got != "café" {
		t.Fatalf("name not normalized: %q", got)
	}
	if first.Decls[0].User {
		t.Fatalf("expected compiler temporary")
	}
	if got := first.Events[0]; got.Kind != MutableBorrow || got.Related != (LocalID{Fn: 1, ID: 2}) {
		t.Fatalf("unexpected event %+v", got)
	}
	if got := first.Events[1].Kind; got != KindInvalid {
		t.Fatalf("unknown kind decoded as %v", got)
	}

	second := st.Functions[1]
	if second.Decls[0].File != "/ws/src/lib.rs" {
		t.Fatalf("relative path not resolved: %q", second.Decls[0].File)
	}
	if !second.Decls[0].User {
		t.Fatalf("user should default to true")
	}
	if len(st.Diagnostics) != 1 || st.Diagnostics[0].Severity != SeverityWarning {
		t.Fatalf("diagnostics = %+v", st.Diagnostics)
	}
	if st.HasErrors() {
		t.Fatalf("warning must not count as error")
	}
}

func TestEncodeDecode(t *testing.T) {
	fns := []FunctionFacts{{
		Fn:    7,
		Decls: []LocalDecl{{Local: LocalID{Fn: 7, ID: 3}, Name: "x", File: "/a.rs", Span: source.Span{Start: 1, End: 2}, User: true}},
		Events: []FactEvent{
			{Kind: OutlivesEdge, Local: LocalID{Fn: 7, ID: 3}, File: "/a.rs", Span: source.Span{Start: 4, End: 8}, Region: 1, RelatedRegion: 2},
			{Kind: Call, Local: LocalID{Fn: 7, ID: 3}, File: "/a.rs", Span: source.Span{Start: 9, End: 12}},
		},
	}}
	var buf bytes.Buffer
	if err := Encode(&buf, fns, []Diagnostic{{File: "/a.rs", Message: "boom"}}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	st, err := (&Decoder{}).Decode(&buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(st.Functions) != 1 || len(st.Functions[0].Events) != 2 {
		t.Fatalf("unexpected stream %+v", st)
	}
	ev := st.Functions[0].Events[0]
	if ev.Region != 1 || ev.RelatedRegion != 2 || !ev.Related.IsZero() {
		t.Fatalf("edge event lost fields: %+v", ev)
	}
	if !st.HasErrors() {
		t.Fatalf("default severity must be error")
	}
}

func TestProviderFailureUnwrap(t *testing.T) {
	var err error = &ProviderFailure{Unit: "core", Err: context.DeadlineExceeded}
	wrapped := errors.Join(errors.New("build"), err)

	var pf *ProviderFailure
	if !errors.As(wrapped, &pf) || pf.Unit != "core" {
		t.Fatalf("errors.As failed for %v", wrapped)
	}
	if !errors.Is(wrapped, context.DeadlineExceeded) {
		t.Fatalf("cause not reachable")
	}
}

func TestReplayProvider(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app_core.ndjson"), []byte(sampleStream), 0o600); err != nil {
		t.Fatal(err)
	}
	p := &ReplayProvider{Dir: dir}
	fns, err := p.Facts(context.Background(), Request{Unit: "app/core", Root: "/ws"})
	if err != nil {
		t.Fatalf("Facts: %v", err)
	}
	if len(fns) != 2 {
		t.Fatalf("got %d functions", len(fns))
	}

	_, err = p.Facts(context.Background(), Request{Unit: "missing"})
	var pf *ProviderFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected ProviderFailure, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Facts(ctx, Request{Unit: "app/core"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

func TestExecProviderReadsStdout(t *testing.T) {
	sh := requireShell(t)
	script := `cat >/dev/null; echo '{"fn":1,"decls":[{"local":1,"name":"a","file":"m.rs","span":{"start":0,"end":1}}],"events":[{"kind":"call","local":1,"file":"m.rs","span":{"start":2,"end":3}}]}'`
	p := &ExecProvider{Command: sh, Args: []string{"-c", script}}
	root := t.TempDir()
	fns, err := p.Facts(context.Background(), Request{Unit: "u", Root: root})
	if err != nil {
		t.Fatalf("Facts: %v", err)
	}
	if len(fns) != 1 || fns[0].Events[0].Kind != Call {
		t.Fatalf("unexpected facts %+v", fns)
	}
	if want := source.NormalizePath(filepath.Join(root, "m.rs")); fns[0].Events[0].File != want {
		t.Fatalf("file = %q, want %q", fns[0].Events[0].File, want)
	}
}

func TestExecProviderFailure(t *testing.T) {
	sh := requireShell(t)
	script := `cat >/dev/null; echo '{"diagnostic":{"file":"m.rs","message":"cannot find value"}}'; echo 'compiler exploded' >&2; exit 1`
	p := &ExecProvider{Command: sh, Args: []string{"-c", script}}
	_, err := p.Facts(context.Background(), Request{Unit: "u", Root: t.TempDir()})
	var pf *ProviderFailure
	if !errors.As(err, &pf) {
		t.Fatalf("expected ProviderFailure, got %v", err)
	}
	if len(pf.Diagnostics) != 1 || pf.Diagnostics[0].Message != "cannot find value" {
		t.Fatalf("diagnostics = %+v", pf.Diagnostics)
	}
	if !strings.Contains(pf.Stderr, "compiler exploded") {
		t.Fatalf("stderr = %q", pf.Stderr)
	}
}

func TestExecProviderCancellation(t *testing.T) {
	sh := requireShell(t)
	p := &ExecProvider{Command: sh, Args: []string{"-c", "exec sleep 10"}, WaitDelay: 100 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Facts(ctx, Request{Unit: "u", Root: t.TempDir()})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("cancellation took %v", elapsed)
	}
}

func TestKindText(t *testing.T) {
	for k := Move; k <= OutlivesEdge; k++ {
		text, err := k.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", k, err)
		}
		var back Kind
		if err := back.UnmarshalText(text); err != nil || back != k {
			t.Fatalf("UnmarshalText(%s) = %v, %v", text, back, err)
		}
	}
	var k Kind
	if err := k.UnmarshalText([]byte("nope")); !errors.Is(err, ErrMalformedFact) {
		t.Fatalf("expected ErrMalformedFact, got %v", err)
	}
}
