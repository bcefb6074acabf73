// Package session wires a workspace, its decoration store, the build
// scheduler and the query engine together. Both the language server and the
// headless check command drive analysis through a Session.
package session

import (
	"context"
	"fmt"

	"owlsp/internal/config"
	"owlsp/internal/facts"
	"owlsp/internal/query"
	"owlsp/internal/sched"
	"owlsp/internal/source"
	"owlsp/internal/store"
	"owlsp/internal/trace"
	"owlsp/internal/workspace"
)

// AppName names the per-user cache directory.
const AppName = "owlsp"

// Options adjust a session beyond what owl.toml says.
type Options struct {
	// Provider replaces the configured provider.
	Provider facts.Provider
	// ReplayDir, when set, serves recorded fact streams instead of running
	// the configured command.
	ReplayDir string
	Observer  sched.Observer
	// NoDiskCache disables the on-disk cache regardless of configuration.
	NoDiskCache bool
	// ClearDiskCache empties the on-disk cache before anything is warmed.
	ClearDiskCache bool
}

type Session struct {
	Config    *config.Config
	Workspace *workspace.Workspace
	Cache     *store.Cache
	Disk      *store.DiskCache
	Sched     *sched.Scheduler
	Query     *query.Engine
	Names     *source.Interner
}

// NewProvider builds the provider described by cfg. A replay directory wins
// over a command.
func NewProvider(cfg *config.Config, names *source.Interner, replayDir string) facts.Provider {
	if replayDir == "" {
		replayDir = cfg.Provider.ReplayDir
	}
	if replayDir != "" {
		return &facts.ReplayProvider{Dir: replayDir, Names: names}
	}
	return &facts.ExecProvider{
		Command: cfg.Provider.Command,
		Args:    cfg.Provider.Args,
		Env:     cfg.Provider.Env,
		Names:   names,
	}
}

// Open scans the workspace described by cfg and starts a scheduler for it.
// ctx bounds every build and carries the tracer.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Session, error) {
	span := trace.Begin(trace.FromContext(ctx), trace.ScopeServer, "session.open", trace.ParentID(ctx)).
		WithExtra("root", cfg.Root)
	defer span.End("")

	ws, err := workspace.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open workspace %s: %w", cfg.Root, err)
	}
	s := &Session{
		Config:    cfg,
		Workspace: ws,
		Cache:     store.NewCache(),
		Names:     source.NewInterner(),
	}
	if cfg.CacheEnabled() && !opts.NoDiskCache {
		disk, err := store.OpenDiskCache(AppName, cfg.CacheDir())
		if err != nil {
			// Analysis works without the disk cache.
			trace.Failure(trace.FromContext(ctx), trace.ScopeServer, "cache.open", err)
		} else {
			s.Disk = disk
			switch n, err := cfg.CacheMaxEntries(); {
			case err != nil:
				trace.Failure(trace.FromContext(ctx), trace.ScopeServer, "cache.limit", err)
			case n < 0:
				disk.SetMaxEntries(0)
			case n > 0:
				disk.SetMaxEntries(n)
			}
			if opts.ClearDiskCache {
				if err := disk.DropAll(); err != nil {
					return nil, fmt.Errorf("clear cache %s: %w", disk.Dir(), err)
				}
			}
		}
	}
	provider := opts.Provider
	if provider == nil {
		provider = NewProvider(cfg, s.Names, opts.ReplayDir)
	}
	for _, u := range ws.Units() {
		s.Cache.Ensure(u.Key, ws.Files(u.Key))
	}
	s.Sched = sched.New(ctx, ws, provider, s.Cache, sched.Options{
		Debounce: cfg.Build.Debounce.Duration,
		Timeout:  cfg.Build.Timeout.Duration,
		Workers:  cfg.Build.Workers,
		Observer: opts.Observer,
		Disk:     s.Disk,
	})
	s.Query = query.New(s.Cache, ws)
	return s, nil
}

// UnitKeys lists the configured units in declaration order.
func (s *Session) UnitKeys() []string {
	units := s.Workspace.Units()
	keys := make([]string, 0, len(units))
	for _, u := range units {
		keys = append(keys, u.Key)
	}
	return keys
}

// Warm publishes cached decorations for every unit whose files are
// unchanged since they were stored, and returns how many were warmed.
func (s *Session) Warm() int {
	if s.Disk == nil {
		return 0
	}
	n := 0
	for _, key := range s.UnitKeys() {
		if s.Sched.Warm(key) {
			n++
		}
	}
	return n
}

// Open records an editor overlay and schedules the owning unit.
func (s *Session) Open(path, text string) (string, int64) {
	unit, version := s.Workspace.Open(path, text)
	s.Sched.Schedule(unit)
	return unit, version
}

// Change replaces an overlay and schedules the owning unit.
func (s *Session) Change(path, text string) (string, int64) {
	unit, version := s.Workspace.Change(path, text)
	s.Sched.Schedule(unit)
	return unit, version
}

// Save schedules the unit of a saved file. When the editor sent the saved
// text it replaces the overlay first.
func (s *Session) Save(path string, text *string) string {
	if text != nil {
		unit, _ := s.Workspace.Change(path, *text)
		s.Sched.Schedule(unit)
		return unit
	}
	unit, ok := s.Workspace.UnitOf(path)
	if !ok {
		return ""
	}
	s.Sched.Schedule(unit)
	return unit
}

// Close drops an overlay. A unit left without files is forgotten; otherwise
// it is rebuilt against the disk text.
func (s *Session) Close(path string) string {
	unit, _ := s.Workspace.Close(path)
	if unit == "" {
		return ""
	}
	if _, alive := s.Workspace.Unit(unit); !alive {
		s.Sched.Cancel(unit)
		s.Cache.Drop(unit)
		return unit
	}
	s.Sched.Schedule(unit)
	return unit
}

// AnalyzeAll flushes every unit, including units synthesized for open files.
func (s *Session) AnalyzeAll() []string {
	keys := s.UnitKeys()
	for _, key := range keys {
		s.Sched.Flush(key)
	}
	return keys
}

// Shutdown stops the scheduler and releases the store.
func (s *Session) Shutdown() {
	s.Sched.Close()
	s.Cache.Close()
}
