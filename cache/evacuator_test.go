package cache

import (
	"bytes"
	"io"
	"testing"
	"time"
)

// wrapConfig shrinks the volume knobs so a handful of writes laps the
// region.
func wrapConfig() Config {
	c := testConfig()
	c.RamCacheCutoff = 0
	c.AggSize = 32 * 1024
	c.AggHighWater = 16 * 1024
	c.AggQueueHighWater = 48 * 1024
	c.EvacuationSize = 32 * 1024
	return c
}

func TestWrapAndEvacuate(t *testing.T) {
	withSettings(t, wrapConfig())
	v, _ := newTestVolume(t, 1<<20, 4, 32)

	// ~900 KB of small objects, then ~300 KB more to push past the end
	payloads := make(map[int][]byte)
	for i := 0; i < 150; i++ {
		payloads[i] = writeSimple(t, v, testKey(i), 5500)
	}
	for i := 150; i < 200; i++ {
		payloads[i] = writeSimple(t, v, testKey(i), 5500)
	}

	if v.cycle == 0 {
		t.Fatalf("expected the write head to wrap")
	}

	// the first-written object was in the reused window: with no readers
	// and no pin it is either dropped or moved, never served corrupt
	switch err := v.Lookup(testKey(0)); Code(err) {
	case ErrNone:
		if got := readBack(t, v, testKey(0)); !bytes.Equal(got, payloads[0]) {
			t.Errorf("survivor delivered wrong bytes")
		}
	case ErrNoDoc:
		// dropped by the sweep, equally acceptable
	default:
		t.Errorf("unexpected lookup result: %v", err)
	}

	// everything still in the directory must read back intact
	checked := 0
	for i := 0; i < 200; i++ {
		if v.Lookup(testKey(i)) != nil {
			continue
		}
		if got, err := v.ReadObject(testKey(i), nil, nil); err == nil {
			if !bytes.Equal(got, payloads[i]) {
				t.Errorf("key %d delivered wrong bytes after wrap", i)
			}
			checked++
		}
	}
	if checked == 0 {
		t.Errorf("no keys survived the wrap at all")
	}
}

func TestPinnedFragmentEvacuated(t *testing.T) {
	withSettings(t, wrapConfig())
	v, _ := newTestVolume(t, 1<<20, 4, 32)

	deadline := uint32(time.Now().Add(time.Hour).Unix())
	pinnedKey := NewKey([]byte("pinned-survivor"))
	pinned := make([]byte, 3000)
	for i := range pinned {
		pinned[i] = byte(i)
	}
	if err := v.WriteObject(pinnedKey, pinned, DocTypeRaw, nil, 0, deadline); err != nil {
		t.Fatalf("pinned write: %v", err)
	}

	// lap the volume twice; the pinned fragment must be carried forward
	for i := 0; i < 400; i++ {
		writeSimple(t, v, testKey(i), 5500)
	}
	if v.cycle < 2 {
		t.Fatalf("volume did not lap twice (cycle=%d)", v.cycle)
	}

	got := readBack(t, v, pinnedKey)
	if !bytes.Equal(got, pinned) {
		t.Errorf("pinned fragment lost or damaged across wraps")
	}
}

func TestReaderBlocksOverwrite(t *testing.T) {
	withSettings(t, wrapConfig())
	v, _ := newTestVolume(t, 1<<20, 4, 32)

	key := NewKey([]byte("slow-reader"))
	payload := writeSimple(t, v, key, 3000)

	// open the reader and hold it: force_evacuate_head pins the fragment
	rvc, err := v.OpenReadVC(key, nil, nil)
	if err != nil {
		t.Fatalf("open read: %v", err)
	}

	// write enough to lap the region while the reader is outstanding
	for i := 0; i < 400; i++ {
		writeSimple(t, v, testKey(i), 5500)
	}
	if v.cycle < 2 {
		t.Fatalf("volume did not lap (cycle=%d)", v.cycle)
	}

	// the suspended reader completes with the original bytes
	got := make([]byte, len(payload))
	if _, err := rvc.ReadAt(got, 0); err != nil && err != io.EOF {
		t.Fatalf("reader failed after overwrite pressure: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("reader observed overwritten bytes")
	}
	rvc.DoIOClose(nil)

	// and the fragment was evacuated forward, not dropped
	if err := v.Lookup(key); err != nil {
		t.Errorf("read-pinned fragment was dropped: %v", err)
	}
	if got := readBack(t, v, key); !bytes.Equal(got, payload) {
		t.Errorf("evacuated fragment delivered wrong bytes")
	}
}

func TestForceEvacuateHeadBookkeeping(t *testing.T) {
	withSettings(t, testConfig())
	v, _ := newTestVolume(t, 1<<20, 4, 32)

	key := NewKey([]byte("tracked"))
	d := Dir{Offset: 64, ApproxSize: 4, Tag: key.Tag(), Flags: dirFlagHead}

	eb := v.evac.ForceEvacuateHead(key, d, 0)
	if eb.Readers != 1 {
		t.Fatalf("readers: got %d want 1", eb.Readers)
	}
	eb2 := v.evac.ForceEvacuateHead(key, d, 0)
	if eb2 != eb || eb.Readers != 2 {
		t.Errorf("second reader must share the block (readers=%d)", eb.Readers)
	}
	if _, ok := v.evac.Lookaside(key); !ok {
		t.Errorf("head fragment missing from the lookaside index")
	}

	off := v.blocksToOffset(d.Offset)
	v.evac.ReleaseReader(key, off)
	v.evac.ReleaseReader(key, off)
	if eb.Readers != 0 {
		t.Errorf("readers not drained: %d", eb.Readers)
	}
}
