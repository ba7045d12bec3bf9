package cache

import (
	"os"
	"path/filepath"
	"testing"
)

func testStore() *Store {
	return &Store{Spans: []*Span{
		{Blocks: 100, Path: "/dev/a", SectorSize: 512, HashSeed: "a", mmapable: true},
		{Blocks: 50, Path: "/dev/b", SectorSize: 512, HashSeed: "b"},
		{Blocks: 200, Path: "/dev/c", SectorSize: 4096, HashSeed: "c", mmapable: true},
	}}
}

func TestStoreAllocOne(t *testing.T) {
	st := testStore()
	out, err := st.alloc(80, true, false)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if len(out) != 1 || out[0].Blocks != 80 {
		t.Fatalf("one-device alloc split across spans: %+v", out)
	}
	// the carved blocks came off the donor span
	total := int64(0)
	for _, s := range st.Spans {
		total += s.Blocks
	}
	if total != 270 {
		t.Errorf("store accounting off: %d blocks left, want 270", total)
	}
}

func TestStoreAllocMmapOnly(t *testing.T) {
	st := testStore()
	out, err := st.alloc(120, false, true)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	for _, s := range out {
		if s.Path == "/dev/b" {
			t.Errorf("mmap alloc used a non-mmapable span")
		}
	}
}

func TestStoreAllocSpread(t *testing.T) {
	st := testStore()
	out, err := st.spreadAlloc(320, false)
	if err != nil {
		t.Fatalf("spread alloc: %v", err)
	}
	if len(out) < 2 {
		t.Errorf("320 blocks cannot come from one span, got %d pieces", len(out))
	}
}

func TestStoreAllocInsufficient(t *testing.T) {
	st := testStore()
	if _, err := st.alloc(1000, false, false); err == nil {
		t.Fatalf("expected failure for oversize alloc")
	}
	// a failed alloc must not leak blocks
	total := int64(0)
	for _, s := range st.Spans {
		total += s.Blocks
	}
	if total != 350 {
		t.Errorf("failed alloc leaked blocks: %d left, want 350", total)
	}
}

func TestTryRealloc(t *testing.T) {
	st := testStore()
	want := []*Span{
		{Blocks: 60, Path: "/dev/a"},
		{Blocks: 500, Path: "/dev/missing"},
	}
	diff := st.tryRealloc(want)
	if len(diff) != 1 || diff[0].Path != "/dev/missing" {
		t.Errorf("diff should report only the unrecoverable span: %+v", diff)
	}
}

func TestStoreWriteRead(t *testing.T) {
	st := testStore()
	path := filepath.Join(t.TempDir(), "store.json")
	if err := st.write(path); err != nil {
		t.Fatalf("write: %v", err)
	}

	var back Store
	if err := back.read(path); err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(back.Spans) != len(st.Spans) {
		t.Fatalf("span count: got %d want %d", len(back.Spans), len(st.Spans))
	}
	for i, s := range st.Spans {
		b := back.Spans[i]
		if b.Blocks != s.Blocks || b.Path != s.Path || b.SectorSize != s.SectorSize || b.HashSeed != s.HashSeed {
			t.Errorf("span %d changed across persist roundtrip", i)
		}
	}

	if err := back.read(filepath.Join(t.TempDir(), "nope.json")); !os.IsNotExist(err) {
		t.Errorf("reading a missing layout should surface the os error, got %v", err)
	}
}
