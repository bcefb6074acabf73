package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"owlsp/internal/decor"
	"owlsp/internal/facts"
	"owlsp/internal/project"
	"owlsp/internal/source"
)

type versionMap map[string]int64

func (m versionMap) Version(path string) (int64, bool) {
	v, ok := m[path]
	return v, ok
}

func index(path string, version int64, start uint32) *decor.Index {
	return decor.NewIndex(path, version, []decor.Decoration{{
		Kind:    decor.ImmutableBorrow,
		Span:    source.Span{Start: start, End: start + 4},
		Local:   facts.LocalID{Fn: 1, ID: 1},
		Regions: []facts.RegionID{3},
	}}, []decor.OutliveEdge{{A: 3, B: 4}})
}

func TestPublishAndLookup(t *testing.T) {
	c := NewCache()
	c.Ensure("core", []string{"/a.rs", "/b.rs"})

	if idx, built := c.Lookup("/a.rs"); idx != nil || built {
		t.Fatalf("unbuilt unit returned %v built=%v", idx, built)
	}
	if idx, built := c.Lookup("/unknown.rs"); idx != nil || built {
		t.Fatalf("unknown file returned data")
	}

	versions := versionMap{"/a.rs": 2, "/b.rs": 1}
	files := map[string]*decor.Index{"/a.rs": index("/a.rs", 2, 0), "/b.rs": index("/b.rs", 1, 0)}
	if err := c.Publish(context.Background(), "core", files, versions, JobInfo{ID: 1, State: "succeeded"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	idx, built := c.Lookup("/a.rs")
	if !built || idx == nil || idx.Version != 2 {
		t.Fatalf("Lookup after publish = %+v built=%v", idx, built)
	}
}

func TestPublishSupersededKeepsLastGood(t *testing.T) {
	c := NewCache()
	c.Ensure("core", []string{"/a.rs"})
	versions := versionMap{"/a.rs": 1}
	if err := c.Publish(context.Background(), "core", map[string]*decor.Index{"/a.rs": index("/a.rs", 1, 0)}, versions, JobInfo{ID: 1}); err != nil {
		t.Fatal(err)
	}

	versions["/a.rs"] = 3
	err := c.Publish(context.Background(), "core", map[string]*decor.Index{"/a.rs": index("/a.rs", 2, 10)}, versions, JobInfo{ID: 2})
	if !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	idx, _ := c.Lookup("/a.rs")
	if idx.Version != 1 || idx.Decorations[0].Span.Start != 0 {
		t.Fatalf("last good index replaced: %+v", idx)
	}

	c.Record("core", JobInfo{ID: 3, State: "failed", Reason: "timeout"})
	snap := c.Snapshot("core")
	if snap.Job.Reason != "timeout" || snap.Files["/a.rs"].Version != 1 || !snap.Built {
		t.Fatalf("Record clobbered snapshot: %+v", snap)
	}
}

func TestPublishUnknownUnit(t *testing.T) {
	c := NewCache()
	if err := c.Publish(context.Background(), "nope", nil, versionMap{}, JobInfo{}); err == nil {
		t.Fatalf("expected error for unknown unit")
	}
}

func TestPublishCancelledContextKeepsLastGood(t *testing.T) {
	c := NewCache()
	c.Ensure("core", []string{"/a.rs"})
	versions := versionMap{"/a.rs": 1}
	if err := c.Publish(context.Background(), "core", map[string]*decor.Index{"/a.rs": index("/a.rs", 1, 0)}, versions, JobInfo{ID: 1}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(context.Canceled)
	err := c.Publish(ctx, "core", map[string]*decor.Index{"/a.rs": index("/a.rs", 1, 10)}, versions, JobInfo{ID: 2})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	snap := c.Snapshot("core")
	if snap.Job.ID != 1 || snap.Files["/a.rs"].Decorations[0].Span.Start != 0 {
		t.Fatalf("cancelled publish replaced snapshot: %+v", snap)
	}
}

// Readers racing with publishers must see one whole snapshot: every index
// of a version carries decorations starting at that version's offset.
func TestConcurrentLookupDuringPublish(t *testing.T) {
	c := NewCache()
	paths := []string{"/a.rs", "/b.rs"}
	c.Ensure("core", paths)
	var vmu sync.Mutex
	versions := versionMap{"/a.rs": 0, "/b.rs": 0}
	lockedVersions := versionFunc(func(path string) (int64, bool) {
		vmu.Lock()
		defer vmu.Unlock()
		return versions.Version(path)
	})

	const rounds = 200
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				snap := c.Snapshot("core")
				if !snap.Built {
					continue
				}
				a, b := snap.Files["/a.rs"], snap.Files["/b.rs"]
				if a.Version != b.Version {
					errs <- fmt.Errorf("mixed snapshot: a=v%d b=v%d", a.Version, b.Version)
					return
				}
				if idx, _ := c.Lookup("/a.rs"); idx != nil && idx.Decorations[0].Span.Start != uint32(idx.Version) {
					errs <- fmt.Errorf("torn index: v%d starts at %d", idx.Version, idx.Decorations[0].Span.Start)
					return
				}
			}
		}()
	}
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for v := int64(1); v <= rounds; v++ {
				vmu.Lock()
				versions["/a.rs"], versions["/b.rs"] = v, v
				vmu.Unlock()
				files := map[string]*decor.Index{
					"/a.rs": index("/a.rs", v, uint32(v)),
					"/b.rs": index("/b.rs", v, uint32(v)),
				}
				err := c.Publish(context.Background(), "core", files, lockedVersions, JobInfo{ID: uint64(v)})
				if err != nil && !errors.Is(err, ErrSuperseded) {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

type versionFunc func(path string) (int64, bool)

func (f versionFunc) Version(path string) (int64, bool) { return f(path) }

func TestDropAndClose(t *testing.T) {
	c := NewCache()
	c.Ensure("a", []string{"/a.rs"})
	c.Ensure("b", []string{"/b.rs"})
	c.Drop("a")
	if got := c.Units(); len(got) != 1 || got[0] != "b" {
		t.Fatalf("Units = %v", got)
	}
	if c.Snapshot("a") != nil {
		t.Fatalf("dropped unit still present")
	}
	c.Close()
	if len(c.Units()) != 0 {
		t.Fatalf("Close left units behind")
	}
}

func TestDiskCacheRoundTrip(t *testing.T) {
	dc, err := OpenDiskCache("owlsp", t.TempDir())
	if err != nil {
		t.Fatalf("OpenDiskCache: %v", err)
	}
	hashes := []project.Digest{project.StringDigest("fn main() {}")}
	key := UnitKey("core", hashes)
	payload := &DiskPayload{
		Unit:       "core",
		FilePaths:  []string{"/a.rs"},
		FileHashes: hashes,
		Files:      []*decor.Index{index("/a.rs", 5, 7)},
	}
	if err := dc.Put(key, payload); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var got DiskPayload
	ok, err := dc.Get("core", key, &got)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Unit != "core" || len(got.Files) != 1 {
		t.Fatalf("payload = %+v", got)
	}
	idx := got.Files[0]
	if len(idx.At(8)) != 1 || !idx.Decorations[0].HasRegion(3) || len(idx.Edges) != 1 {
		t.Fatalf("restored index unusable: %+v", idx)
	}

	other := UnitKey("core", []project.Digest{project.StringDigest("fn main() { }")})
	if ok, err := dc.Get("core", other, &got); ok || err != nil {
		t.Fatalf("changed text must miss: ok=%v err=%v", ok, err)
	}

	if err := dc.DropAll(); err != nil {
		t.Fatalf("DropAll: %v", err)
	}
	if ok, _ := dc.Get("core", key, &got); ok {
		t.Fatalf("entry survived DropAll")
	}
}

func TestNilDiskCache(t *testing.T) {
	var dc *DiskCache
	if err := dc.Put(project.Digest{}, &DiskPayload{}); err != nil {
		t.Fatal(err)
	}
	if ok, err := dc.Get("core", project.Digest{}, &DiskPayload{}); ok || err != nil {
		t.Fatalf("nil cache Get = %v %v", ok, err)
	}
}

func TestDiskCacheKeepsLatestPayloadPerUnit(t *testing.T) {
	dc, err := OpenDiskCache("owlsp", t.TempDir())
	if err != nil {
		t.Fatalf("OpenDiskCache: %v", err)
	}
	var keys []project.Digest
	for i := range 3 {
		hashes := []project.Digest{project.StringDigest(fmt.Sprintf("fn main() { %d }", i))}
		key := UnitKey("core", hashes)
		keys = append(keys, key)
		if err := dc.Put(key, &DiskPayload{Unit: "core", FilePaths: []string{"/a.rs"}, FileHashes: hashes, Files: []*decor.Index{index("/a.rs", int64(i), 0)}}); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}
	files, err := filepath.Glob(filepath.Join(dc.Dir(), "units", "*", "*.mp"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 {
		t.Fatalf("unit kept %d payloads: %v", len(files), files)
	}
	var got DiskPayload
	if ok, _ := dc.Get("core", keys[0], &got); ok {
		t.Fatalf("replaced payload still readable")
	}
	if ok, err := dc.Get("core", keys[2], &got); !ok || err != nil {
		t.Fatalf("latest payload missing: ok=%v err=%v", ok, err)
	}
}

func TestDiskCacheEvictsOldestUnits(t *testing.T) {
	dc, err := OpenDiskCache("owlsp", t.TempDir())
	if err != nil {
		t.Fatalf("OpenDiskCache: %v", err)
	}
	dc.SetMaxEntries(2)
	put := func(unit string) project.Digest {
		t.Helper()
		hashes := []project.Digest{project.StringDigest(unit)}
		key := UnitKey(unit, hashes)
		if err := dc.Put(key, &DiskPayload{Unit: unit, FilePaths: []string{"/" + unit + ".rs"}, FileHashes: hashes, Files: []*decor.Index{index("/"+unit+".rs", 1, 0)}}); err != nil {
			t.Fatalf("Put %s: %v", unit, err)
		}
		return key
	}
	age := func(unit string, d time.Duration) {
		t.Helper()
		when := time.Now().Add(-d)
		if err := os.Chtimes(dc.unitDir(unit), when, when); err != nil {
			t.Fatal(err)
		}
	}

	a := put("a")
	age("a", 2*time.Hour)
	b := put("b")
	age("b", time.Hour)
	c := put("c")

	var got DiskPayload
	if ok, _ := dc.Get("a", a, &got); ok {
		t.Fatalf("oldest unit not evicted")
	}
	for unit, key := range map[string]project.Digest{"b": b, "c": c} {
		if ok, err := dc.Get(unit, key, &got); !ok || err != nil {
			t.Fatalf("unit %s evicted: ok=%v err=%v", unit, ok, err)
		}
	}

	dc.SetMaxEntries(0)
	put("d")
	if ok, _ := dc.Get("b", b, &got); !ok {
		t.Fatalf("uncapped cache evicted unit b")
	}
}
