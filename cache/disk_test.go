package cache

import (
	"testing"
)

func TestDiskCreateDeleteVolume(t *testing.T) {
	withSettings(t, testConfig())
	dev := newMemDevice(64 << 20)
	d := NewDisk("mem0", dev, 0, 64<<20)

	e1, err := d.createVolume(1, 1000)
	if err != nil {
		t.Fatalf("create volume 1: %v", err)
	}
	e2, err := d.createVolume(2, 2000)
	if err != nil {
		t.Fatalf("create volume 2: %v", err)
	}
	if e1.Offset == e2.Offset {
		t.Errorf("volumes share an extent")
	}

	free, used, total := d.freeUsedTotal()
	if used != 2 || free+used != total {
		t.Errorf("accounting: free=%d used=%d total=%d", free, used, total)
	}

	if err := d.deleteVolume(1); err != nil {
		t.Fatalf("delete volume 1: %v", err)
	}
	if err := d.deleteVolume(1); err == nil {
		t.Errorf("double delete must fail")
	}

	// space is reusable after deletion
	if _, err := d.createVolume(3, 1000); err != nil {
		t.Errorf("re-create after delete: %v", err)
	}
}

func TestDiskNoSpace(t *testing.T) {
	withSettings(t, testConfig())
	dev := newMemDevice(1 << 20)
	d := NewDisk("mem1", dev, 0, 1<<20) // 128 store-blocks

	if _, err := d.createVolume(1, 1<<20); Code(err) != ErrNoSpace {
		t.Errorf("expected no-space, got %v", err)
	}
}

func TestDiskCoalesce(t *testing.T) {
	withSettings(t, testConfig())
	dev := newMemDevice(64 << 20)
	d := NewDisk("mem2", dev, 0, 64<<20)

	// carve three adjacent extents, free the middle one, then the outer
	// two: the free list should collapse back to a single extent
	for n := int32(1); n <= 3; n++ {
		if _, err := d.createVolume(n, 1000); err != nil {
			t.Fatalf("create %d: %v", n, err)
		}
	}
	d.deleteVolume(2)
	d.deleteVolume(1)
	d.deleteVolume(3)

	free, _, _ := d.freeUsedTotal()
	if free != 1 {
		t.Errorf("free list not coalesced: %d extents", free)
	}
}

func TestDiskErrorThreshold(t *testing.T) {
	c := testConfig()
	c.DiskErrorThreshold = 2
	withSettings(t, c)
	dev := newMemDevice(1 << 20)
	d := NewDisk("mem3", dev, 0, 1<<20)

	if d.Bad() {
		t.Fatalf("fresh disk marked bad")
	}
	d.NoteIOError()
	d.NoteIOError()
	if d.Bad() {
		t.Fatalf("disk bad below threshold")
	}
	d.NoteIOError()
	if !d.Bad() {
		t.Fatalf("disk not bad past threshold")
	}

	// a bad disk refuses new volumes and new writes on its volumes
	if _, err := d.createVolume(9, 10); Code(err) != ErrBadDisk {
		t.Errorf("create on bad disk: got %v", err)
	}

	v := NewVolume(d, StoreBlockSize, 1<<20-StoreBlockSize, 2, 8)
	v.SetFD(dev)
	err := v.WriteObject(NewKey([]byte("doomed")), []byte("x"), DocTypeRaw, nil, 0, 0)
	if Code(err) != ErrBadDisk {
		t.Errorf("write on bad disk's volume: got %v", err)
	}
}

func TestDiskHeaderSync(t *testing.T) {
	withSettings(t, testConfig())
	dev := newMemDevice(64 << 20)
	d := NewDisk("mem4", dev, 0, 64<<20)
	d.createVolume(1, 1000)

	if err := d.sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	// magic lands at the front of the device
	probe := make([]byte, 4)
	dev.ReadAt(probe, 0)
	got := uint32(probe[0]) | uint32(probe[1])<<8 | uint32(probe[2])<<16 | uint32(probe[3])<<24
	if got != diskHeaderMagic {
		t.Errorf("header magic: got %08x want %08x", got, diskHeaderMagic)
	}
}
