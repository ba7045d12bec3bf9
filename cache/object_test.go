package cache

import (
	"bytes"
	"testing"
)

func TestFragmentKeyDerivation(t *testing.T) {
	first := NewKey([]byte("multi"))
	if fragmentKey(first, 0) != first {
		t.Errorf("fragment 0 must be the first key itself")
	}
	seen := map[Key]bool{first: true}
	for i := 1; i < 10; i++ {
		k := fragmentKey(first, i)
		if seen[k] {
			t.Errorf("fragment key %d collides with an earlier one", i)
		}
		seen[k] = true
	}
}

func TestMultiFragmentRoundtrip(t *testing.T) {
	c := testConfig()
	c.MaxFragmentSize = 4096
	withSettings(t, c)
	v, _ := newTestVolume(t, 8<<20, 4, 32)

	key := NewKey([]byte("large-object"))
	payload := make([]byte, 20000) // 5 fragments at 4 KB each
	for i := range payload {
		payload[i] = byte(i * 13)
	}
	if err := v.WriteObject(key, payload, DocTypeRaw, nil, 0, 0); err != nil {
		t.Fatalf("write: %v", err)
	}

	got := readBack(t, v, key)
	if !bytes.Equal(got, payload) {
		t.Fatalf("multi-fragment object damaged across roundtrip")
	}

	// head fragment carries the object's total length
	vc, err := v.OpenReadVC(key, nil, nil)
	if err != nil {
		t.Fatalf("open read: %v", err)
	}
	defer vc.DoIOClose(nil)
	if vc.GetObjectSize() != int64(len(payload)) {
		t.Errorf("object size: got %d want %d", vc.GetObjectSize(), len(payload))
	}
	if len(vc.doc.Payload) != 4096 {
		t.Errorf("head fragment size: got %d want 4096", len(vc.doc.Payload))
	}
}

func TestMultiFragmentSurvivesFlush(t *testing.T) {
	c := testConfig()
	c.MaxFragmentSize = 4096
	c.RamCacheCutoff = 0
	withSettings(t, c)
	v, _ := newTestVolume(t, 8<<20, 4, 32)

	key := NewKey([]byte("large-flushed"))
	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i ^ 0x5a)
	}
	if err := v.WriteObject(key, payload, DocTypeRaw, nil, 0, 0); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := v.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if got := readBack(t, v, key); !bytes.Equal(got, payload) {
		t.Errorf("multi-fragment object damaged after flush")
	}
}

func TestNextFragmentPastEnd(t *testing.T) {
	withSettings(t, testConfig())
	v, _ := newTestVolume(t, 8<<20, 4, 32)

	key := NewKey([]byte("single"))
	writeSimple(t, v, key, 512)
	vc, err := v.OpenReadVC(key, nil, nil)
	if err != nil {
		t.Fatalf("open read: %v", err)
	}
	defer vc.DoIOClose(nil)
	if err := vc.NextFragment(1); Code(err) != ErrNoDoc {
		t.Errorf("expected no-doc past the last fragment, got %v", err)
	}
}
