// Package workspace tracks build units, the files they own and the version
// counters and editor overlays of those files.
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"owlsp/internal/config"
	"owlsp/internal/facts"
	"owlsp/internal/source"
)

// OpenFilesPrefix prefixes the keys of units synthesized for open files that
// no configured unit covers.
const OpenFilesPrefix = "open:"

var skipDirs = map[string]bool{
	"target":       true,
	"node_modules": true,
	"vendor":       true,
}

// Unit is an independently analyzable set of files.
type Unit struct {
	Key        string
	Name       string
	Root       string
	Extensions []string
	// Synthetic units hold only open files and never scan the disk.
	Synthetic bool
}

func (u *Unit) covers(path string) bool {
	if !strings.HasPrefix(path, u.Root+"/") {
		return false
	}
	for _, ext := range u.Extensions {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

type fileState struct {
	unit    string
	version int64
	overlay *source.File
}

// Snapshot is the consistent view of a unit handed to a provider.
type Snapshot struct {
	Unit  *Unit
	Files []*source.File
}

// Request converts the snapshot into a provider request.
func (s *Snapshot) Request() facts.Request {
	req := facts.Request{Unit: s.Unit.Key, Root: s.Unit.Root, Files: make([]facts.FileSnapshot, 0, len(s.Files))}
	for _, f := range s.Files {
		req.Files = append(req.Files, facts.FileSnapshot{Path: f.Path, Version: f.Version, Text: string(f.Content)})
	}
	return req
}

// Workspace is safe for concurrent use.
type Workspace struct {
	mu    sync.RWMutex
	root  string
	units map[string]*Unit
	order []string
	files map[string]*fileState
}

// New builds a workspace from cfg, scanning every unit directory.
func New(cfg *config.Config) (*Workspace, error) {
	w := &Workspace{
		root:  source.NormalizePath(cfg.Root),
		units: make(map[string]*Unit),
		files: make(map[string]*fileState),
	}
	for _, uc := range cfg.Units {
		u := &Unit{
			Key:        uc.Name,
			Name:       uc.Name,
			Root:       source.NormalizePath(cfg.UnitDir(uc)),
			Extensions: slices.Clone(uc.Extensions),
		}
		if _, dup := w.units[u.Key]; dup {
			return nil, fmt.Errorf("duplicate unit %q", u.Key)
		}
		w.units[u.Key] = u
		w.order = append(w.order, u.Key)
		if err := w.scan(u); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *Workspace) scan(u *Unit) error {
	err := filepath.WalkDir(u.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != u.Root && (strings.HasPrefix(name, ".") || skipDirs[name]) {
				return filepath.SkipDir
			}
			return nil
		}
		p := source.NormalizePath(path)
		if !u.covers(p) {
			return nil
		}
		if _, owned := w.files[p]; !owned {
			w.files[p] = &fileState{unit: u.Key, version: 1}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan unit %q: %w", u.Key, err)
	}
	return nil
}

// Root returns the workspace root.
func (w *Workspace) Root() string {
	return w.root
}

// Units returns the units in declaration order.
func (w *Workspace) Units() []*Unit {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*Unit, 0, len(w.order))
	for _, key := range w.order {
		out = append(out, w.units[key])
	}
	return out
}

// Unit returns the unit with the given key.
func (w *Workspace) Unit(key string) (*Unit, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	u, ok := w.units[key]
	return u, ok
}

// UnitOf reports the unit owning a known file.
func (w *Workspace) UnitOf(path string) (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st, ok := w.files[source.NormalizePath(path)]
	if !ok {
		return "", false
	}
	return st.unit, true
}

// Files lists the files of a unit in sorted order.
func (w *Workspace) Files(unit string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []string
	for path, st := range w.files {
		if st.unit == unit {
			out = append(out, path)
		}
	}
	slices.Sort(out)
	return out
}

// Version returns the current version of a known file.
func (w *Workspace) Version(path string) (int64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	st, ok := w.files[source.NormalizePath(path)]
	if !ok {
		return 0, false
	}
	return st.version, true
}

// Open installs an editor overlay and bumps the file version. Files outside
// every configured unit join a synthetic unit for their directory.
// It returns the owning unit key and the new version.
func (w *Workspace) Open(path, text string) (string, int64) {
	return w.setOverlay(path, text)
}

// Change replaces the overlay text and bumps the version.
func (w *Workspace) Change(path, text string) (string, int64) {
	return w.setOverlay(path, text)
}

// Text returns the text a build would see for path.
func (w *Workspace) Text(path string) (*source.File, error) {
	path = source.NormalizePath(path)
	w.mu.RLock()
	st, ok := w.files[path]
	var overlay *source.File
	var version int64
	if ok {
		overlay, version = st.overlay, st.version
	}
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, fs.ErrNotExist)
	}
	if overlay != nil {
		return overlay, nil
	}
	return source.LoadFile(path, version)
}

func (w *Workspace) setOverlay(path, text string) (string, int64) {
	path = source.NormalizePath(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.files[path]
	if !ok {
		st = &fileState{unit: w.unitForLocked(path)}
		w.files[path] = st
	}
	st.version++
	st.overlay = source.NewFile(path, st.version, []byte(text), source.FileOverlay)
	return st.unit, st.version
}

func (w *Workspace) unitForLocked(path string) string {
	best := ""
	for _, key := range w.order {
		u := w.units[key]
		if u.Synthetic || !u.covers(path) {
			continue
		}
		if best == "" || len(u.Root) > len(w.units[best].Root) {
			best = key
		}
	}
	if best != "" {
		return best
	}
	dir := filepath.ToSlash(filepath.Dir(path))
	key := OpenFilesPrefix + dir
	if _, ok := w.units[key]; !ok {
		w.units[key] = &Unit{
			Key:        key,
			Name:       filepath.Base(dir),
			Root:       dir,
			Extensions: []string{filepath.Ext(path)},
			Synthetic:  true,
		}
		w.order = append(w.order, key)
	}
	return key
}

// Close drops the overlay of a file. Files that no longer exist on disk are
// forgotten; otherwise the version is bumped since the disk text may differ.
// It returns the owning unit key and whether the file is still tracked.
func (w *Workspace) Close(path string) (string, bool) {
	path = source.NormalizePath(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.files[path]
	if !ok {
		return "", false
	}
	st.overlay = nil
	u := w.units[st.unit]
	if _, err := os.Stat(path); err != nil || u.Synthetic {
		delete(w.files, path)
		if u.Synthetic && !w.hasFilesLocked(u.Key) {
			delete(w.units, u.Key)
			w.order = slices.DeleteFunc(w.order, func(k string) bool { return k == u.Key })
		}
		return st.unit, false
	}
	st.version++
	return st.unit, true
}

func (w *Workspace) hasFilesLocked(unit string) bool {
	for _, st := range w.files {
		if st.unit == unit {
			return true
		}
	}
	return false
}

// Snapshot captures the current text and version of every file of a unit.
// Disk files that disappeared are skipped.
func (w *Workspace) Snapshot(unit string) (*Snapshot, error) {
	u, ok := w.Unit(unit)
	if !ok {
		return nil, fmt.Errorf("unknown unit %q", unit)
	}
	snap := &Snapshot{Unit: u}
	for _, path := range w.Files(unit) {
		f, err := w.Text(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		snap.Files = append(snap.Files, f)
	}
	return snap, nil
}
