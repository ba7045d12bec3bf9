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
	"sync"
)

// Dir flag bits.
const (
	dirFlagPhase  = 1 << 0 // which write-phase (wrap epoch) wrote this entry
	dirFlagHead   = 1 << 1 // this entry is the first fragment of its object
	dirFlagPinned = 1 << 2 // object carries a wall-clock pin deadline
)

// dirSize is the packed on-disk width of one Dir entry.
const dirSize = 11

// Dir is the open-addressed hash index's payload: everything dir_probe
// needs to locate and sanity-check a fragment without touching the
// fragment itself.
type Dir struct {
	Offset     uint32 // fragment start, in CacheBlockSize units from volume data start
	ApproxSize uint16 // rounded-up fragment length, in CacheBlockSize units
	Tag        uint16 // truncated key, disambiguates same-bucket collisions
	Next       int16  // index of next entry in this bucket's chain, -1 at the end
	Flags      uint8
}

func (d Dir) marshal() [dirSize]byte {
	var b [dirSize]byte
	binary.LittleEndian.PutUint32(b[0:4], d.Offset)
	binary.LittleEndian.PutUint16(b[4:6], d.ApproxSize)
	binary.LittleEndian.PutUint16(b[6:8], d.Tag)
	binary.LittleEndian.PutUint16(b[8:10], uint16(d.Next))
	b[10] = d.Flags
	return b
}

func unmarshalDir(b []byte) Dir {
	return Dir{
		Offset:     binary.LittleEndian.Uint32(b[0:4]),
		ApproxSize: binary.LittleEndian.Uint16(b[4:6]),
		Tag:        binary.LittleEndian.Uint16(b[6:8]),
		Next:       int16(binary.LittleEndian.Uint16(b[8:10])),
		Flags:      b[10],
	}
}

func (d Dir) empty() bool { return d.Offset == 0 && d.Tag == 0 && d.ApproxSize == 0 }

func (d Dir) phase() bool  { return d.Flags&dirFlagPhase != 0 }
func (d Dir) head() bool   { return d.Flags&dirFlagHead != 0 }
func (d Dir) pinned() bool { return d.Flags&dirFlagPinned != 0 }

// Segment is one directory segment: a fixed pool of Dir slots shared by
// all of its buckets. Each bucket owns a chain (via Next) rooted at
// heads[bucket]; slots not currently in any chain live on the segment's
// freelist, also threaded through Next.
type Segment struct {
	mu      sync.RWMutex
	buckets int
	entries []Dir
	heads   []int16
	free    int16 // head of the freelist, -1 when full
}

func newSegment(buckets int) *Segment {
	n := buckets * DirDepth
	s := &Segment{
		buckets: buckets,
		entries: make([]Dir, n),
		heads:   make([]int16, buckets),
	}
	for i := range s.heads {
		s.heads[i] = -1
	}
	for i := 0; i < n; i++ {
		if i == n-1 {
			s.entries[i].Next = -1
		} else {
			s.entries[i].Next = int16(i + 1)
		}
	}
	if n > 0 {
		s.free = 0
	} else {
		s.free = -1
	}
	return s
}

// popFree removes and returns one slot index from the freelist.
func (s *Segment) popFree() (int16, bool) {
	if s.free < 0 {
		return -1, false
	}
	idx := s.free
	s.free = s.entries[idx].Next
	return idx, true
}

func (s *Segment) pushFree(idx int16) {
	s.entries[idx] = Dir{Next: s.free}
	s.free = idx
}

// insert adds d to bucket's chain, evicting one entry via evictOne first
// if the segment's freelist is exhausted.
func (s *Segment) insert(bucket int, d Dir) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.popFree()
	if !ok {
		s.evictOne(bucket)
		idx, ok = s.popFree()
		if !ok {
			// every entry in the segment is pinned, so nothing could be
			// evicted; the new entry is dropped
			return
		}
	}
	d.Next = s.heads[bucket]
	s.entries[idx] = d
	s.heads[bucket] = idx
}

// evictOne replenishes the freelist by dropping one entry from a bucket's
// chain: the largest unpinned entry by approx_size, oldest first on
// ties. Pinned entries are never evicted: a chain holding only pinned
// entries is skipped. It prefers the target bucket itself so a hot bucket
// doesn't starve its neighbors.
func (s *Segment) evictOne(preferBucket int) {
	order := make([]int, 0, s.buckets)
	order = append(order, preferBucket)
	for b := 0; b < s.buckets; b++ {
		if b != preferBucket {
			order = append(order, b)
		}
	}
	for _, b := range order {
		if s.heads[b] < 0 {
			continue
		}
		victim := int16(-1)
		victimPrev := int16(-1)
		var victimSize uint16
		onlyPinned := true
		prev := int16(-1)
		// entries nearer the head were linked more recently, so walking
		// to the end and keeping >= comparisons picks the oldest on ties
		for idx := s.heads[b]; idx >= 0; {
			e := s.entries[idx]
			if !e.pinned() {
				onlyPinned = false
				if e.ApproxSize >= victimSize || victim < 0 {
					victim, victimPrev, victimSize = idx, prev, e.ApproxSize
				}
			}
			prev = idx
			idx = e.Next
		}
		if onlyPinned {
			continue
		}
		next := s.entries[victim].Next
		if victimPrev < 0 {
			s.heads[b] = next
		} else {
			pe := s.entries[victimPrev]
			pe.Next = next
			s.entries[victimPrev] = pe
		}
		s.pushFree(victim)
		return
	}
}

// probe returns every entry in bucket's chain whose Tag matches tag. The
// caller still must fetch the candidate fragment and compare its full
// key, since Tag is a truncated hash.
func (s *Segment) probe(bucket int, tag uint16) []Dir {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Dir
	idx := s.heads[bucket]
	for idx >= 0 {
		e := s.entries[idx]
		if e.Tag == tag {
			out = append(out, e)
		}
		idx = e.Next
	}
	return out
}

// delete removes the first entry in bucket's chain matching (tag, offset).
func (s *Segment) delete(bucket int, tag uint16, offset uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := int16(-1)
	idx := s.heads[bucket]
	for idx >= 0 {
		e := s.entries[idx]
		if e.Tag == tag && e.Offset == offset {
			next := e.Next
			if prev < 0 {
				s.heads[bucket] = next
			} else {
				pe := s.entries[prev]
				pe.Next = next
				s.entries[prev] = pe
			}
			s.pushFree(idx)
			return true
		}
		prev = idx
		idx = e.Next
	}
	return false
}

// clear empties the whole segment; called through Directory.ClearFrom.
func (s *Segment) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	for i := range s.heads {
		s.heads[i] = -1
	}
	for i := 0; i < n; i++ {
		s.entries[i] = Dir{Next: int16(i + 1)}
	}
	if n > 0 {
		s.entries[n-1].Next = -1
		s.free = 0
	} else {
		s.free = -1
	}
}

// each iterates every live entry in the segment, bucket by bucket.
func (s *Segment) each(fn func(bucket int, d Dir)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for b, head := range s.heads {
		idx := head
		for idx >= 0 {
			e := s.entries[idx]
			fn(b, e)
			idx = e.Next
		}
	}
}

// Directory is a Volume's full hash index: a fixed set of Segments, each
// independently lockable so concurrent inserts into different segments
// don't contend.
type Directory struct {
	Segments      []*Segment
	bucketsPerSeg int
}

func newDirectory(numSegments, bucketsPerSegment int) *Directory {
	d := &Directory{Segments: make([]*Segment, numSegments), bucketsPerSeg: bucketsPerSegment}
	for i := range d.Segments {
		d.Segments[i] = newSegment(bucketsPerSegment)
	}
	return d
}

func (d *Directory) locate(k Key) (*Segment, int, uint16) {
	segIdx := k.Segment(len(d.Segments))
	bucket := k.Bucket(d.bucketsPerSeg)
	return d.Segments[segIdx], bucket, k.Tag()
}

// Insert records a fragment's location. The caller already knows this
// key doesn't collide with an identical live entry (open_write dedupes).
func (d *Directory) Insert(k Key, offsetBlocks uint32, approxSizeBlocks uint16, head, pinned, phase bool) {
	seg, bucket, tag := d.locate(k)
	var flags uint8
	if phase {
		flags |= dirFlagPhase
	}
	if head {
		flags |= dirFlagHead
	}
	if pinned {
		flags |= dirFlagPinned
	}
	seg.insert(bucket, Dir{Offset: offsetBlocks, ApproxSize: approxSizeBlocks, Tag: tag, Flags: flags})
}

// Probe returns dir_probe candidates for k; the caller must still confirm
// a candidate's fragment actually carries k before trusting it.
func (d *Directory) Probe(k Key) []Dir {
	seg, bucket, tag := d.locate(k)
	return seg.probe(bucket, tag)
}

// Delete removes the entry for k at offsetBlocks, if present.
func (d *Directory) Delete(k Key, offsetBlocks uint32) bool {
	seg, bucket, tag := d.locate(k)
	return seg.delete(bucket, tag, offsetBlocks)
}

// DeleteAt removes an entry by its physical location (segment index,
// bucket, tag, offset) rather than by re-hashing a key. Used by scans
// over Each, which surface tags but not full keys.
func (d *Directory) DeleteAt(segIdx, bucket int, tag uint16, offsetBlocks uint32) bool {
	return d.Segments[segIdx].delete(bucket, tag, offsetBlocks)
}

// ClearFrom discards every entry, used during recovery when the volume
// is reinitialized or its directory image on disk cannot be read.
// Entries at or past the recovered write_pos are removed one by one by
// the forward scan instead.
func (d *Directory) ClearFrom() {
	for _, s := range d.Segments {
		s.clear()
	}
}

// hasAt reports whether k's bucket already holds an entry at offsetBlocks,
// used by recovery to avoid double-inserting scanned fragments.
func (d *Directory) hasAt(k Key, offsetBlocks uint32) bool {
	seg, bucket, tag := d.locate(k)
	for _, e := range seg.probe(bucket, tag) {
		if e.Offset == offsetBlocks {
			return true
		}
	}
	return false
}

// dirWireLen is the byte size of the persisted directory image: per segment
// a freelist head, the bucket chain heads, then the packed entries.
func dirWireLen(segments, bucketsPerSeg int) int {
	perSeg := 2 + bucketsPerSeg*2 + bucketsPerSeg*DirDepth*dirSize
	return segments * perSeg
}

// marshal packs the whole directory for Volume.dir_sync.
func (d *Directory) marshal() []byte {
	out := make([]byte, 0, dirWireLen(len(d.Segments), d.bucketsPerSeg))
	var two [2]byte
	for _, s := range d.Segments {
		s.mu.RLock()
		binary.LittleEndian.PutUint16(two[:], uint16(s.free))
		out = append(out, two[:]...)
		for _, h := range s.heads {
			binary.LittleEndian.PutUint16(two[:], uint16(h))
			out = append(out, two[:]...)
		}
		for _, e := range s.entries {
			b := e.marshal()
			out = append(out, b[:]...)
		}
		s.mu.RUnlock()
	}
	return out
}

// unmarshal restores a directory image written by marshal. Returns false
// (leaving the directory untouched) if raw is too short for the
// configured geometry.
func (d *Directory) unmarshal(raw []byte) bool {
	if len(raw) < dirWireLen(len(d.Segments), d.bucketsPerSeg) {
		return false
	}
	o := 0
	for _, s := range d.Segments {
		s.mu.Lock()
		s.free = int16(binary.LittleEndian.Uint16(raw[o:]))
		o += 2
		for i := range s.heads {
			s.heads[i] = int16(binary.LittleEndian.Uint16(raw[o:]))
			o += 2
		}
		for i := range s.entries {
			s.entries[i] = unmarshalDir(raw[o : o+dirSize])
			o += dirSize
		}
		s.mu.Unlock()
	}
	return true
}

// Each walks every live entry across every segment, (segment, bucket) in
// order, for diagnostics and evacuation sweeps.
func (d *Directory) Each(fn func(seg int, bucket int, e Dir)) {
	for i, s := range d.Segments {
		s.each(func(bucket int, e Dir) { fn(i, bucket, e) })
	}
}
