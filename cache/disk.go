/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package cache

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

const diskHeaderMagic uint32 = 0xABCD1237

// diskVolBlockFlags bits.
const (
	dvbFlagType = 1 << 0
	dvbFlagFree = 1 << 3
)

// extent is one DiskVolBlock: a variable-size range of the device, either
// free or assigned to a volume number.
type extent struct {
	Offset uint64 // byte offset on the device
	Len    uint64 // length, in store-blocks
	Number int32  // owning volume number; meaningless when Free
	Free   bool
}

// Less orders extents by offset for the btree free list.
func (e extent) Less(o extent) bool { return e.Offset < o.Offset }

// Disk wraps one storage device (one or more merged Spans). It owns the
// on-disk DiskHeader, an in-memory free list, and reports I/O health via
// an error counter that can force all of its Volumes offline.
type Disk struct {
	Path       string
	Skip       int64 // byte offset of the header on the device
	TotalBytes int64

	mu        sync.Mutex
	free      *btree.BTreeG[extent] // ordered by offset, free extents only
	used      map[int32]extent      // volume number -> its extent
	numErrors int32

	fd io.ReadWriteSeeker
}

// NewDisk creates a Disk spanning totalBytes starting at byte skip on fd,
// entirely free.
func NewDisk(path string, fd io.ReadWriteSeeker, skip, totalBytes int64) *Disk {
	d := &Disk{
		Path:       path,
		Skip:       skip,
		TotalBytes: totalBytes,
		free:       btree.NewG(32, extent.Less),
		used:       make(map[int32]extent),
		fd:         fd,
	}
	d.free.ReplaceOrInsert(extent{Offset: uint64(skip), Len: uint64(totalBytes / StoreBlockSize), Free: true})
	return d
}

// Bad reports whether this disk has crossed its error threshold and must
// refuse all further I/O.
func (d *Disk) Bad() bool {
	return atomic.LoadInt32(&d.numErrors) > int32(Settings.DiskErrorThreshold)
}

// NoteIOError increments the disk's error counter; once the threshold is
// crossed the disk, and every Volume it backs, stops accepting I/O.
// Only device-reported I/O errors reach here; Corrupt-data /
// Read-error from a single bad fragment never increment it.
func (d *Disk) NoteIOError() {
	n := atomic.AddInt32(&d.numErrors, 1)
	if n == int32(Settings.DiskErrorThreshold)+1 {
		logf("disk %s: error threshold exceeded (%d), marking bad", d.Path, n)
	}
}

// createVolume carves size store-blocks for volume number n, returning the
// extent (or an error if the device lacks the space). Updates the free
// list in place.
func (d *Disk) createVolume(n int32, sizeBlocks uint64) (extent, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Bad() {
		return extent{}, newErr(ErrBadDisk, Key{}, d.Path)
	}

	var found *extent
	d.free.Ascend(func(e extent) bool {
		if e.Len >= sizeBlocks {
			cp := e
			found = &cp
			return false
		}
		return true
	})
	if found == nil {
		return extent{}, newErr(ErrNoSpace, Key{}, fmt.Sprintf("disk %s has no extent of %d blocks", d.Path, sizeBlocks))
	}

	d.free.Delete(*found)
	carved := extent{Offset: found.Offset, Len: sizeBlocks, Number: n, Free: false}
	if found.Len > sizeBlocks {
		remainder := extent{Offset: found.Offset + sizeBlocks*StoreBlockSize, Len: found.Len - sizeBlocks, Free: true}
		d.free.ReplaceOrInsert(remainder)
	}
	d.used[n] = carved
	return carved, nil
}

// deleteVolume returns volume n's extent to the free list, coalescing with
// any adjacent free neighbors.
func (d *Disk) deleteVolume(n int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.used[n]
	if !ok {
		return fmt.Errorf("objcache: volume %d not found on disk %s", n, d.Path)
	}
	delete(d.used, n)
	freed := extent{Offset: e.Offset, Len: e.Len, Free: true}

	var left, right *extent
	d.free.DescendLessOrEqual(freed, func(e extent) bool {
		if e.Offset+e.Len*StoreBlockSize == freed.Offset {
			cp := e
			left = &cp
		}
		return false
	})
	d.free.AscendGreaterOrEqual(freed, func(e extent) bool {
		if freed.Offset+freed.Len*StoreBlockSize == e.Offset {
			cp := e
			right = &cp
		}
		return false
	})
	if left != nil {
		d.free.Delete(*left)
		freed.Offset = left.Offset
		freed.Len += left.Len
	}
	if right != nil {
		d.free.Delete(*right)
		freed.Len += right.Len
	}
	d.free.ReplaceOrInsert(freed)
	return nil
}

// freeUsedTotal reports free/used/total extent counts for the header.
func (d *Disk) freeUsedTotal() (free, used, total int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	free = d.free.Len()
	used = len(d.used)
	total = free + used
	return
}

// --- on-disk DiskHeader ---

// sync writes the DiskHeader at the device's front (offset Skip).
func (d *Disk) sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var extents []extent
	d.free.Ascend(func(e extent) bool { extents = append(extents, e); return true })
	for _, e := range d.used {
		extents = append(extents, e)
	}

	buf := make([]byte, 0, 28+len(extents)*24)
	hdr := make([]byte, 28)
	binary.LittleEndian.PutUint32(hdr[0:4], diskHeaderMagic)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(d.used)))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(d.free.Len()))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(d.used)))
	binary.LittleEndian.PutUint32(hdr[16:20], uint32(len(extents)))
	binary.LittleEndian.PutUint64(hdr[20:28], uint64(d.TotalBytes/StoreBlockSize))
	buf = append(buf, hdr...)

	for _, e := range extents {
		b := make([]byte, 24)
		binary.LittleEndian.PutUint64(b[0:8], e.Offset)
		binary.LittleEndian.PutUint64(b[8:16], e.Len)
		binary.LittleEndian.PutUint32(b[16:20], uint32(e.Number))
		var flags uint32
		if e.Free {
			flags |= dvbFlagFree
		}
		binary.LittleEndian.PutUint32(b[20:24], flags)
		buf = append(buf, b...)
	}

	if _, err := d.fd.Seek(d.Skip, io.SeekStart); err != nil {
		return err
	}
	_, err := d.fd.Write(buf)
	if err != nil {
		d.NoteIOError()
	}
	return err
}
