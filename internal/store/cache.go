// Package store keeps the published decoration indexes of every build unit.
// Readers never block writers: a unit's whole snapshot is swapped with a
// single atomic pointer store. Writers of one unit serialize on its entry
// lock.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"owlsp/internal/decor"
)

// ErrSuperseded is returned by Publish when a file changed after the build
// captured it.
var ErrSuperseded = errors.New("build superseded by newer file version")

// VersionSource reports the current version of a file.
type VersionSource interface {
	Version(path string) (int64, bool)
}

// JobInfo describes the last finished build of a unit.
type JobInfo struct {
	ID       uint64
	State    string
	Reason   string
	Message  string
	Finished time.Time
}

// UnitSnapshot is the immutable published state of one unit.
type UnitSnapshot struct {
	Unit  string
	Files map[string]*decor.Index
	// Built is false until the first successful build or cache warm-up.
	Built bool
	Job   JobInfo
}

type entry struct {
	mu   sync.Mutex // serializes Publish and Record
	snap atomic.Pointer[UnitSnapshot]
}

// Cache is the process-wide decoration store.
type Cache struct {
	mu    sync.RWMutex
	units map[string]*entry
	owner map[string]string // path -> unit
}

func NewCache() *Cache {
	return &Cache{
		units: make(map[string]*entry),
		owner: make(map[string]string),
	}
}

// Ensure creates the unit entry if needed and records its files.
func (c *Cache) Ensure(unit string, paths []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.units[unit]; !ok {
		e := &entry{}
		e.snap.Store(&UnitSnapshot{Unit: unit})
		c.units[unit] = e
	}
	for _, p := range paths {
		c.owner[p] = unit
	}
}

func (c *Cache) entry(unit string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.units[unit]
}

// Publish replaces the decorations of a unit. Every index must carry the
// version the file currently has; otherwise nothing is published and
// ErrSuperseded is returned. A cancelled ctx publishes nothing and returns
// its cause. Both checks run under the entry lock, so two publishes of one
// unit never interleave.
func (c *Cache) Publish(ctx context.Context, unit string, files map[string]*decor.Index, versions VersionSource, job JobInfo) error {
	e := c.entry(unit)
	if e == nil {
		return fmt.Errorf("publish: unknown unit %q", unit)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if cause := context.Cause(ctx); cause != nil {
		return fmt.Errorf("publish %s: %w", unit, cause)
	}
	for path, idx := range files {
		cur, ok := versions.Version(path)
		if !ok || cur != idx.Version {
			return fmt.Errorf("%w: %s at v%d, built v%d", ErrSuperseded, path, cur, idx.Version)
		}
	}
	e.snap.Store(&UnitSnapshot{
		Unit:  unit,
		Files: maps.Clone(files),
		Built: true,
		Job:   job,
	})

	c.mu.Lock()
	for path := range files {
		c.owner[path] = unit
	}
	c.mu.Unlock()
	return nil
}

// Record stores the outcome of a build that published nothing. The last
// good decorations stay in place.
func (c *Cache) Record(unit string, job JobInfo) {
	e := c.entry(unit)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	next := *e.snap.Load()
	next.Job = job
	e.snap.Store(&next)
}

// Snapshot returns the published state of a unit, or nil.
func (c *Cache) Snapshot(unit string) *UnitSnapshot {
	e := c.entry(unit)
	if e == nil {
		return nil
	}
	return e.snap.Load()
}

// Lookup returns the index of a file and whether its unit has ever been
// built. The index is nil when the file has no published decorations.
func (c *Cache) Lookup(path string) (idx *decor.Index, built bool) {
	c.mu.RLock()
	unit, ok := c.owner[path]
	var e *entry
	if ok {
		e = c.units[unit]
	}
	c.mu.RUnlock()
	if e == nil {
		return nil, false
	}
	snap := e.snap.Load()
	return snap.Files[path], snap.Built
}

// Units lists the known units in sorted order.
func (c *Cache) Units() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.units))
}

// Drop forgets a unit and its files.
func (c *Cache) Drop(unit string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.units, unit)
	for path, owner := range c.owner {
		if owner == unit {
			delete(c.owner, path)
		}
	}
}

// Close tears down every unit.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.units)
	clear(c.owner)
}
