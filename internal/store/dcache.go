package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"owlsp/internal/decor"
	"owlsp/internal/project"
)

// Current schema version - increment when DiskPayload format changes
const diskCacheSchemaVersion uint16 = 1

// DefaultMaxEntries bounds the number of units a disk cache keeps.
const DefaultMaxEntries = 256

// DiskCache keeps the last good decorations of each unit on disk, keyed by
// the unit and the exact text of its files. Each unit keeps only its latest
// payload, and at most maxEntries units are kept; the least recently
// written units are evicted first.
// Thread-safe for concurrent access.
type DiskCache struct {
	mu         sync.RWMutex
	dir        string
	maxEntries int
}

// DiskPayload is the persisted form of a successful unit build.
type DiskPayload struct {
	// Schema version for safe invalidation when format changes
	Schema uint16

	Unit       string
	FilePaths  []string
	FileHashes []project.Digest
	Files      []*decor.Index
	Built      time.Time
}

// OpenDiskCache initializes a disk cache under $XDG_CACHE_HOME/app, or under
// dir when it is not empty.
func OpenDiskCache(app, dir string) (*DiskCache, error) {
	if dir == "" {
		base := os.Getenv("XDG_CACHE_HOME")
		if base == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			base = filepath.Join(home, ".cache")
		}
		dir = filepath.Join(base, app)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskCache{dir: dir, maxEntries: DefaultMaxEntries}, nil
}

// SetMaxEntries changes the unit cap. n <= 0 removes the cap.
func (c *DiskCache) SetMaxEntries(n int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxEntries = n
}

// Dir reports the cache root.
func (c *DiskCache) Dir() string {
	if c == nil {
		return ""
	}
	return c.dir
}

// UnitKey derives the cache key of a unit from its name and file hashes.
// Hashes must follow the order of the unit's file list.
func UnitKey(unit string, hashes []project.Digest) project.Digest {
	return project.Combine(project.StringDigest(unit), hashes...)
}

func (c *DiskCache) unitDir(unit string) string {
	d := project.StringDigest(unit)
	return filepath.Join(c.dir, "units", hex.EncodeToString(d[:]))
}

func (c *DiskCache) pathFor(unit string, key project.Digest) string {
	return filepath.Join(c.unitDir(unit), hex.EncodeToString(key[:])+".mp")
}

// Put serializes and writes a payload to the disk cache, replacing any
// earlier payload of the same unit.
func (c *DiskCache) Put(key project.Digest, payload *DiskPayload) (err error) {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	payload.Schema = diskCacheSchemaVersion
	p := c.pathFor(payload.Unit, key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(p), "tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if rmErr := os.Remove(f.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
			err = rmErr
		}
	}()

	if err := msgpack.NewEncoder(f).Encode(payload); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode unit %q: %w", payload.Unit, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(f.Name(), p); err != nil {
		return err
	}
	if err := pruneUnit(filepath.Dir(p), filepath.Base(p)); err != nil {
		return err
	}
	return c.evict(filepath.Dir(p))
}

// pruneUnit removes every payload of a unit directory except keep.
func pruneUnit(dir, keep string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		name := e.Name()
		if name == keep || !strings.HasSuffix(name, ".mp") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// evict drops the least recently written units beyond the cap. current is
// the unit directory just written and is never evicted.
func (c *DiskCache) evict(current string) error {
	if c.maxEntries <= 0 {
		return nil
	}
	root := filepath.Join(c.dir, "units")
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	type unitDir struct {
		path string
		mod  time.Time
	}
	dirs := make([]unitDir, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, unitDir{path: filepath.Join(root, e.Name()), mod: info.ModTime()})
	}
	if len(dirs) <= c.maxEntries {
		return nil
	}
	slices.SortFunc(dirs, func(a, b unitDir) int {
		if d := a.mod.Compare(b.mod); d != 0 {
			return d
		}
		return strings.Compare(a.path, b.path)
	})
	excess := len(dirs) - c.maxEntries
	for _, d := range dirs {
		if excess == 0 {
			break
		}
		if d.path == current {
			continue
		}
		if err := os.RemoveAll(d.path); err != nil {
			return err
		}
		excess--
	}
	return nil
}

// Get reads and deserializes the payload stored for unit under key. Payloads
// of an older schema are reported as missing.
func (c *DiskCache) Get(unit string, key project.Digest, out *DiskPayload) (bool, error) {
	if c == nil {
		return false, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, err := os.Open(c.pathFor(unit, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if err := msgpack.NewDecoder(f).Decode(out); err != nil {
		return false, fmt.Errorf("decode %s: %w", f.Name(), err)
	}
	if out.Schema != diskCacheSchemaVersion {
		return false, nil
	}
	for i, idx := range out.Files {
		out.Files[i] = decor.Restore(idx)
	}
	return true, nil
}

// DropAll removes every stored payload and leaves an empty cache root.
func (c *DiskCache) DropAll() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.dir + ".old-" + time.Now().Format("20060102150405")
	if err := os.Rename(c.dir, old); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := os.RemoveAll(old); err != nil {
		return err
	}
	return os.MkdirAll(c.dir, 0o755)
}
