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
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

const volHeaderMagic uint32 = 0xF1D0F00D

// VolHeaderFooter is the redundant header/footer record written at both
// ends of a Volume's directory region.
type VolHeaderFooter struct {
	Magic        uint32
	VMajor       uint8
	VMinor       uint8
	CreateTime   uint64
	WritePos     int64
	LastWritePos int64
	AggPos       int64
	Generation   uint32
	Phase        uint32
	Cycle        uint32
	SyncSerial   uint32
	WriteSerial  uint32
	Dirty        uint32
	SectorSize   uint32
	Freelist     []uint32 // one entry per segment, reserved for future use
}

func (h *VolHeaderFooter) marshal() []byte {
	buf := make([]byte, 4+1+1+2+8+8+8+8+4+4+4+4+4+4+4+len(h.Freelist)*4)
	o := 0
	binary.LittleEndian.PutUint32(buf[o:], h.Magic)
	o += 4
	buf[o] = h.VMajor
	o++
	buf[o] = h.VMinor
	o++
	o += 2 // padding
	binary.LittleEndian.PutUint64(buf[o:], h.CreateTime)
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], uint64(h.WritePos))
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], uint64(h.LastWritePos))
	o += 8
	binary.LittleEndian.PutUint64(buf[o:], uint64(h.AggPos))
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], h.Generation)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], h.Phase)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], h.Cycle)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], h.SyncSerial)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], h.WriteSerial)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], h.Dirty)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], h.SectorSize)
	o += 4
	for _, f := range h.Freelist {
		binary.LittleEndian.PutUint32(buf[o:], f)
		o += 4
	}
	return buf
}

func unmarshalVolHeader(raw []byte, segments int) (VolHeaderFooter, bool) {
	var h VolHeaderFooter
	const fixed = 4 + 1 + 1 + 2 + 8 + 8 + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 4 + 4
	if len(raw) < fixed+segments*4 {
		return h, false
	}
	o := 0
	h.Magic = binary.LittleEndian.Uint32(raw[o:])
	o += 4
	h.VMajor = raw[o]
	o++
	h.VMinor = raw[o]
	o++
	o += 2
	h.CreateTime = binary.LittleEndian.Uint64(raw[o:])
	o += 8
	h.WritePos = int64(binary.LittleEndian.Uint64(raw[o:]))
	o += 8
	h.LastWritePos = int64(binary.LittleEndian.Uint64(raw[o:]))
	o += 8
	h.AggPos = int64(binary.LittleEndian.Uint64(raw[o:]))
	o += 8
	h.Generation = binary.LittleEndian.Uint32(raw[o:])
	o += 4
	h.Phase = binary.LittleEndian.Uint32(raw[o:])
	o += 4
	h.Cycle = binary.LittleEndian.Uint32(raw[o:])
	o += 4
	h.SyncSerial = binary.LittleEndian.Uint32(raw[o:])
	o += 4
	h.WriteSerial = binary.LittleEndian.Uint32(raw[o:])
	o += 4
	h.Dirty = binary.LittleEndian.Uint32(raw[o:])
	o += 4
	h.SectorSize = binary.LittleEndian.Uint32(raw[o:])
	o += 4
	h.Freelist = make([]uint32, segments)
	for i := range h.Freelist {
		h.Freelist[i] = binary.LittleEndian.Uint32(raw[o:])
		o += 4
	}
	return h, h.Magic == volHeaderMagic
}

// valid checks magic and the format version ceiling; a header carrying a
// minor version above the build's is a future format and rejected like a
// major bump.
func (h VolHeaderFooter) valid(maxMajor, maxMinor uint8) bool {
	return h.Magic == volHeaderMagic && h.VMajor <= maxMajor && h.VMinor <= maxMinor
}

func (h VolHeaderFooter) equal(o VolHeaderFooter) bool {
	return h.WritePos == o.WritePos && h.Phase == o.Phase &&
		h.SyncSerial == o.SyncSerial && h.WriteSerial == o.WriteSerial &&
		h.Generation == o.Generation && h.Cycle == o.Cycle
}

// openEntry is the open-object table's per-key record.
type openEntry struct {
	writers             int
	readers             int
	firstFragData       []byte // coupling pointer: read-from-writer staging
	dontUpdateDirectory bool
}

// Volume is one stripe: a circular log-structured region of one Disk,
// owning its own directory, aggregation buffer, evacuation bookkeeping,
// and RAM cache binding. All state transitions happen under mu.
type Volume struct {
	ID   uuid.UUID
	Disk *Disk

	Skip  int64 // header start
	Start int64 // data region start, byte offset on the device
	Len   int64 // data region length, bytes

	hdrLen int64 // bytes reserved for the header before the directory image

	Segments      int
	BucketsPerSeg int

	mu sync.Mutex

	dir *Directory

	writePos    int64
	aggPos      int64
	phase       bool
	syncSerial  uint32
	writeSerial uint32
	generation  uint32
	cycle       uint32

	header VolHeaderFooter
	footer VolHeaderFooter

	aggBuffer []byte
	aggBufPos int64
	inEvac    bool // guards against the evacuator re-entering itself via a nested flush

	openObjects map[Key]*openEntry

	firstFragKey    Key
	firstFragOffset int64
	firstFragData   []byte

	evac *evacuator
	ram  *RamCache

	fd io.ReadWriteSeeker

	needsRecovery bool
}

// NewVolume builds a Volume over [skip, skip+total) on disk d,
// reserving header + directory image + footer space up front and
// rounding the data region down to a multiple of CacheBlockSize.
func NewVolume(d *Disk, skip, total int64, segments, bucketsPerSeg int) *Volume {
	dirBytes := int64(dirWireLen(segments, bucketsPerSeg))
	headerLen := int64(roundUp(200, StoreBlockSize))
	footerLen := headerLen
	reserved := roundUp(int(headerLen+dirBytes+footerLen), StoreBlockSize)

	start := skip + int64(reserved)
	dataLen := total - int64(reserved)
	dataLen -= dataLen % CacheBlockSize

	v := &Volume{
		ID:            uuid.New(),
		Disk:          d,
		Skip:          skip,
		Start:         start,
		Len:           dataLen,
		hdrLen:        headerLen,
		Segments:      segments,
		BucketsPerSeg: bucketsPerSeg,
		dir:           newDirectory(segments, bucketsPerSeg),
		writePos:      start,
		aggPos:        start,
		openObjects:   make(map[Key]*openEntry),
		aggBuffer:     make([]byte, Settings.AggSize),
	}
	v.evac = newEvacuator(v)
	v.ram = NewRamCache(Settings.RamCacheBudget, Settings.RamCacheMode, Settings.RamCachePolicy)
	return v
}

func roundUp(n, mult int) int {
	if n%mult == 0 {
		return n
	}
	return (n/mult + 1) * mult
}

// SetFD attaches the underlying device handle; split from NewVolume so
// tests can build a Volume over an in-memory buffer.
func (v *Volume) SetFD(fd io.ReadWriteSeeker) { v.fd = fd }

// --- open/close protocol ---

// OpenWrite locates or creates the open-object entry for key, refusing
// when the writer count is already at maxWriters unless allowIfWriters.
func (v *Volume) OpenWrite(key Key, allowIfWriters bool, maxWriters int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	// backpressure: refuse new writers while the staged-but-unflushed
	// byte total is past the high water mark
	if v.aggBufPos >= Settings.AggQueueHighWater {
		return newErr(ErrNoSpace, key, "aggregation buffer backlogged, try again")
	}

	e, ok := v.openObjects[key]
	if !ok {
		e = &openEntry{}
		v.openObjects[key] = e
	}
	if e.writers > 0 && e.writers >= maxWriters && !allowIfWriters {
		return newErr(ErrDocBusy, key, "max writers reached")
	}
	e.writers++
	return nil
}

// OpenRead locates an existing open-object entry (it never creates one);
// the returned firstFragData enables read-from-writer when a concurrent
// writer already staged the object's first fragment.
func (v *Volume) OpenRead(key Key) (firstFragData []byte, ok bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, found := v.openObjects[key]
	if !found {
		return nil, false
	}
	e.readers++
	return e.firstFragData, true
}

// CloseWrite decrements the writer count, deleting the entry once both
// counts reach zero. If a remove() raced this writer and flagged
// dont_update_directory, the writer's committed entries are torn back
// out so the remove wins.
func (v *Volume) CloseWrite(key Key) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.openObjects[key]
	if !ok {
		return
	}
	e.writers--
	if e.writers <= 0 && e.dontUpdateDirectory {
		for _, d := range v.dir.Probe(key) {
			v.dir.Delete(key, d.Offset)
			v.ram.Invalidate(key, v.blocksToOffset(d.Offset))
		}
	}
	v.reapOpenEntry(key, e)
}

// CloseRead decrements the reader count, deleting the entry once both
// counts reach zero.
func (v *Volume) CloseRead(key Key) {
	v.mu.Lock()
	defer v.mu.Unlock()
	e, ok := v.openObjects[key]
	if !ok {
		return
	}
	e.readers--
	v.reapOpenEntry(key, e)
}

func (v *Volume) reapOpenEntry(key Key, e *openEntry) {
	if e.writers <= 0 && e.readers <= 0 {
		delete(v.openObjects, key)
	}
}

// MarkRemoved flags the open-object entry (if present) so the eventual
// close skips the directory commit; used by remove() racing an
// in-flight writer.
func (v *Volume) MarkRemoved(key Key) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if e, ok := v.openObjects[key]; ok {
		e.dontUpdateDirectory = true
	}
}

// --- directory helpers exposed at the Volume level ---

// offsetToBlocks converts an absolute byte offset on the device into the
// CacheBlockSize-unit form stored in a Dir entry, relative to Start.
func (v *Volume) offsetToBlocks(off int64) uint32 {
	return uint32((off - v.Start) / CacheBlockSize)
}

func (v *Volume) blocksToOffset(blocks uint32) int64 {
	return v.Start + int64(blocks)*CacheBlockSize
}

// DirValid reports whether dir.Offset is still reachable: a current-phase entry must lie behind the staging head, a
// previous-phase entry must not have been overtaken by it yet.
func (v *Volume) DirValid(d Dir) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dirValidLocked(d)
}

func (v *Volume) dirValidLocked(d Dir) bool {
	off := v.blocksToOffset(d.Offset)
	if off < v.Start || off >= v.Start+v.Len {
		return false
	}
	if d.phase() == v.phase {
		return off < v.aggPos
	}
	return off >= v.aggPos
}

// DirAggBufValid reports whether dir.Offset points inside the
// aggregation buffer rather than already on disk.
func (v *Volume) DirAggBufValid(d Dir) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.dirAggBufValidLocked(d)
}

func (v *Volume) dirAggBufValidLocked(d Dir) bool {
	off := v.blocksToOffset(d.Offset)
	return off >= v.writePos && off < v.aggPos
}

// peekAggBuffer returns a copy of the staged bytes backing d, or nil if
// d is not (or no longer) inside the aggregation buffer. This is the
// "aggregation buffer peek" step of the read data flow.
func (v *Volume) peekAggBuffer(d Dir) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.dirAggBufValidLocked(d) {
		return nil
	}
	off := v.blocksToOffset(d.Offset) - v.writePos
	end := off + int64(d.ApproxSize)*CacheBlockSize
	if end > v.aggBufPos {
		end = v.aggBufPos
	}
	out := make([]byte, end-off)
	copy(out, v.aggBuffer[off:end])
	return out
}

// Lookup answers whether the directory has a live entry for key: the
// directory-only check behind the processor's lookup(). It may be
// fooled by a tag collision; open_read is the authoritative path.
func (v *Volume) Lookup(key Key) error {
	for _, d := range v.dir.Probe(key) {
		if v.DirValid(d) {
			return nil
		}
	}
	return newErr(ErrNoDoc, key, "not found")
}

// Remove deletes key's directory entries and RAM cache copies. A concurrent writer's eventual close is told to skip its
// directory commit via dont_update_directory.
func (v *Volume) Remove(key Key) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	removed := false
	for _, d := range v.dir.Probe(key) {
		if !v.dirValidLocked(d) {
			continue
		}
		v.dir.Delete(key, d.Offset)
		v.ram.Invalidate(key, v.blocksToOffset(d.Offset))
		removed = true
	}
	if e, ok := v.openObjects[key]; ok {
		e.dontUpdateDirectory = true
		removed = true
	}
	if v.firstFragKey == key {
		v.firstFragData = nil
	}
	if !removed {
		return newErr(ErrNoDoc, key, "not found")
	}
	return nil
}

// DirEach walks every live directory entry, for diagnostics.
func (v *Volume) DirEach(fn func(seg, bucket int, d Dir)) {
	v.dir.Each(fn)
}

// noteIOError forwards a device-level failure to the owning disk's
// error counter; volumes built straight over a file (tests, single-span
// setups) may have no Disk.
func (v *Volume) noteIOError() {
	if v.Disk != nil {
		v.Disk.NoteIOError()
	}
}

// now is overridable in tests; production uses wall-clock time.
var now = func() time.Time { return time.Now() }
