package main

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"owlsp/internal/config"
	"owlsp/internal/observ"
	"owlsp/internal/sched"
	"owlsp/internal/session"
	"owlsp/internal/source"
	"owlsp/internal/trace"
)

var (
	checkUI        string
	checkFormat    string
	checkReplayDir string
	checkNoCache   bool
	checkClear     bool
	checkUnits     []string
)

var checkCmd = &cobra.Command{
	Use:          "check [dir]",
	Short:        "Analyze every unit of a workspace once and report the results",
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE:         runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkUI, "ui", "auto", "live progress view (auto|on|off)")
	checkCmd.Flags().StringVar(&checkFormat, "format", "pretty", "output format (pretty|json)")
	checkCmd.Flags().StringVar(&checkReplayDir, "replay", "", "read recorded fact streams from this directory")
	checkCmd.Flags().BoolVar(&checkNoCache, "no-cache", false, "do not write the on-disk decoration cache")
	checkCmd.Flags().BoolVar(&checkClear, "clear-cache", false, "empty the on-disk decoration cache first")
	checkCmd.Flags().StringSliceVar(&checkUnits, "unit", nil, "check only these units (repeatable)")
}

type unitReport struct {
	Unit        string         `json:"unit"`
	State       string         `json:"state"`
	Reason      string         `json:"reason,omitempty"`
	Message     string         `json:"message"`
	Files       int            `json:"files"`
	Decorations int            `json:"decorations"`
	Dropped     int            `json:"dropped_facts,omitempty"`
	Diagnostics []diagReport   `json:"diagnostics,omitempty"`
	Timings     *observ.Report `json:"timings,omitempty"`
}

type diagReport struct {
	File     string `json:"file"`
	Line     uint32 `json:"line"`
	Col      uint32 `json:"col"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

func runCheck(cmd *cobra.Command, args []string) error {
	stopProfiling, err := setupProfiling(cmd)
	if err != nil {
		return err
	}
	defer stopProfiling()
	cleanup, err := setupTracing(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	mode, err := readUIMode(checkUI)
	if err != nil {
		return err
	}
	format := strings.ToLower(checkFormat)
	if format != "pretty" && format != "json" {
		return errInvalidChoice("--format", checkFormat, "pretty|json")
	}
	flags := cmd.Root().PersistentFlags()
	quiet, err := flags.GetBool("quiet")
	if err != nil {
		return err
	}
	showTimings, err := flags.GetBool("timings")
	if err != nil {
		return err
	}

	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	dir, err = filepath.Abs(dir)
	if err != nil {
		return err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}

	tracer := trace.FromContext(cmd.Context())
	span := trace.Begin(tracer, trace.ScopeServer, "check", 0).WithExtra("root", cfg.Root)
	defer span.End("")
	ctx := trace.WithSpan(cmd.Context(), span)

	useTUI := shouldUseTUI(mode, format)
	var feed *transitionFeed
	opts := session.Options{ReplayDir: checkReplayDir, NoDiskCache: checkNoCache, ClearDiskCache: checkClear}
	if useTUI {
		feed = newTransitionFeed(len(cfg.Units))
		opts.Observer = feed.observe
	}
	sess, err := session.Open(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer sess.Shutdown()

	units, err := selectUnits(sess.UnitKeys(), checkUnits)
	if err != nil {
		return err
	}

	var outs []*sched.Outcome
	if useTUI {
		outs, err = runCheckWithUI(ctx, sess, units, feed)
	} else {
		outs, err = sess.Sched.CheckAll(ctx, units)
	}
	if err != nil {
		return err
	}

	reports := buildReports(sess, outs, showTimings)
	out := cmd.OutOrStdout()
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(reports); err != nil {
			return err
		}
	} else {
		renderPretty(out, reports, quiet)
	}

	if failed := failedUnits(reports); failed > 0 {
		// In ring mode the recent events are only useful when something broke.
		if ring := trace.FindRing(tracer); ring != nil {
			if err := ring.Dump(cmd.ErrOrStderr(), trace.FormatText); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "trace: dump error: %v\n", err)
			}
		}
		return fmt.Errorf("%d of %d units failed", failed, len(reports))
	}
	return nil
}

// failedUnits counts the reports that make check exit non-zero. A cancelled
// unit only happens when the run itself is interrupted, and that error is
// returned by CheckAll instead.
func failedUnits(reports []unitReport) int {
	n := 0
	for _, r := range reports {
		if r.State == sched.Failed.String() {
			n++
		}
	}
	return n
}

// selectUnits keeps the requested units in workspace order. An empty
// request selects every unit.
func selectUnits(all, want []string) ([]string, error) {
	if len(want) == 0 {
		return all, nil
	}
	for _, w := range want {
		if !slices.Contains(all, w) {
			return nil, fmt.Errorf("unknown unit %q (have %s)", w, strings.Join(all, ", "))
		}
	}
	var out []string
	for _, u := range all {
		if slices.Contains(want, u) {
			out = append(out, u)
		}
	}
	return out, nil
}

func buildReports(sess *session.Session, outs []*sched.Outcome, timings bool) []unitReport {
	reports := make([]unitReport, 0, len(outs))
	for _, o := range outs {
		if o == nil {
			continue
		}
		r := unitReport{
			Unit:    o.Unit,
			State:   o.State.String(),
			Reason:  o.Reason,
			Message: o.Message(),
			Files:   len(sess.Workspace.Files(o.Unit)),
			Dropped: o.Stats.Malformed + o.Stats.OutOfBounds + o.Stats.UnknownFile + o.Stats.Unpaired + o.Stats.DanglingEdges,
		}
		if snap := sess.Cache.Snapshot(o.Unit); snap != nil {
			for _, idx := range snap.Files {
				r.Decorations += idx.Len()
			}
		}
		for _, d := range o.Diagnostics {
			dr := diagReport{File: d.File, Severity: d.Severity.String(), Message: d.Message}
			if f, err := sess.Workspace.Text(source.NormalizePath(d.File)); err == nil {
				lc := f.LineCol(d.Span.Start)
				dr.Line, dr.Col = lc.Line, lc.Col
			}
			r.Diagnostics = append(r.Diagnostics, dr)
		}
		if timings && len(o.Timings.Phases) > 0 {
			t := o.Timings
			r.Timings = &t
		}
		reports = append(reports, r)
	}
	return reports
}

var (
	okColor     = color.New(color.FgGreen, color.Bold)
	failColor   = color.New(color.FgRed, color.Bold)
	cancelColor = color.New(color.FgYellow, color.Bold)
	dimColor    = color.New(color.Faint)
)

func renderPretty(out io.Writer, reports []unitReport, quiet bool) {
	for _, r := range reports {
		ok := r.State == sched.Succeeded.String()
		if ok && quiet {
			continue
		}
		label := okColor.Sprintf("%-9s", "ok")
		switch r.State {
		case sched.Failed.String():
			label = failColor.Sprintf("%-9s", "failed")
		case sched.Cancelled.String():
			label = cancelColor.Sprintf("%-9s", "cancelled")
		}
		fmt.Fprintf(out, "%s %s %s\n", label, r.Unit, dimColor.Sprintf("(%d files, %d decorations)", r.Files, r.Decorations))
		if !ok {
			fmt.Fprintf(out, "  %s\n", r.Message)
		}
		for _, d := range r.Diagnostics {
			loc := d.File
			if d.Line > 0 {
				loc = fmt.Sprintf("%s:%d:%d", d.File, d.Line, d.Col)
			}
			fmt.Fprintf(out, "  %s: %s: %s\n", loc, d.Severity, d.Message)
		}
		if r.Dropped > 0 {
			fmt.Fprintf(out, "  %s\n", dimColor.Sprintf("dropped %d malformed facts", r.Dropped))
		}
		if r.Timings != nil {
			for _, line := range strings.Split(strings.TrimRight(r.Timings.String(), "\n"), "\n") {
				fmt.Fprintf(out, "  %s\n", line)
			}
		}
	}
}
