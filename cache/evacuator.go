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
	"sync"
)

// evacuationBucketSize spans this many bytes of the volume per evacuate[]
// bucket.
const evacuationBucketSize = 1 << 20

// lookasideSize bounds the secondary first-fragment index.
const lookasideSize = 256

// EvacuationBlock tracks one fragment that must survive the write head
// passing over its current location.
type EvacuationBlock struct {
	OldDir      Dir
	NewDir      Dir
	Key         Key
	Companions  []Key
	Readers     int32
	PinDeadline uint32 // unix seconds, 0 = unpinned
	Done        bool
}

// evacuator owns the evacuate[] bucket array and the lookaside index for
// one Volume.
type evacuator struct {
	v *Volume

	mu        sync.Mutex
	buckets   map[int]map[Key]*EvacuationBlock
	lookaside map[Key]*EvacuationBlock
}

func newEvacuator(v *Volume) *evacuator {
	return &evacuator{
		v:         v,
		buckets:   make(map[int]map[Key]*EvacuationBlock),
		lookaside: make(map[Key]*EvacuationBlock),
	}
}

func evacBucketOf(offset int64) int { return int(offset / evacuationBucketSize) }

// ForceEvacuateHead is called at read-open time to prevent the fragment
// at dir from being overwritten mid-read. It creates the EvacuationBlock
// if absent and bumps its reader count.
func (e *evacuator) ForceEvacuateHead(key Key, dir Dir, pinDeadline uint32) *EvacuationBlock {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := evacBucketOf(e.v.blocksToOffset(dir.Offset))
	bucket, ok := e.buckets[b]
	if !ok {
		bucket = make(map[Key]*EvacuationBlock)
		e.buckets[b] = bucket
	}
	eb, ok := bucket[key]
	if !ok {
		eb = &EvacuationBlock{OldDir: dir, Key: key, PinDeadline: pinDeadline}
		bucket[key] = eb
		if dir.head() {
			e.addLookaside(key, eb)
		}
	}
	eb.Readers++
	return eb
}

func (e *evacuator) addLookaside(key Key, eb *EvacuationBlock) {
	if len(e.lookaside) >= lookasideSize {
		for k := range e.lookaside {
			delete(e.lookaside, k)
			break
		}
	}
	e.lookaside[key] = eb
}

// Lookaside returns the evacuation record kept alive for a first
// fragment, if any, so an in-flight reader can resume against the moved
// copy.
func (e *evacuator) Lookaside(key Key) (*EvacuationBlock, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	eb, ok := e.lookaside[key]
	return eb, ok
}

// ReleaseReader drops a reader reference taken by ForceEvacuateHead and
// reaps the block once it has no readers and its copy (if any) finished.
// The block may have migrated to a different bucket if the fragment was
// evacuated while the reader was active, so a miss at the registered
// offset falls back to a full search.
func (e *evacuator) ReleaseReader(key Key, offset int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	b := evacBucketOf(offset)
	bucket := e.buckets[b]
	if bucket == nil || bucket[key] == nil {
		bucket = nil
		for bi, cand := range e.buckets {
			if cand[key] != nil {
				b, bucket = bi, cand
				break
			}
		}
	}
	if bucket == nil {
		return
	}
	eb := bucket[key]
	eb.Readers--
	if eb.Readers <= 0 {
		delete(bucket, key)
		delete(e.lookaside, key)
		if len(bucket) == 0 {
			delete(e.buckets, b)
		}
	}
}

// EvacRange sweeps the byte window [start, end) the aggregation writer is
// about to overwrite. Every live
// previous-phase directory entry in the window is either copied forward
// to the current head position or dropped:
//   - entries with registered readers, and pinned entries whose deadline
//     has not passed, are copied, never dropped;
//   - everything else is removed and its space reclaimed by the wrap.
//
// Called with the Volume mutex held; the copy goes through
// Volume.evacCopyLocked which re-stages the fragment into the
// aggregation buffer at the current head.
func (e *evacuator) EvacRange(start, end int64, nowUnix uint32) {
	type victim struct {
		seg, bucket int
		d           Dir
	}
	var victims []victim
	e.v.dir.Each(func(seg, bucket int, d Dir) {
		if d.phase() == e.v.phase {
			return // freshly written in the current pass, not overwrite fodder
		}
		off := e.v.blocksToOffset(d.Offset)
		if !inCircularRange(off, start, end) {
			return
		}
		victims = append(victims, victim{seg, bucket, d})
	})

	for _, item := range victims {
		d := item.d
		off := e.v.blocksToOffset(d.Offset)
		b := evacBucketOf(off)

		e.mu.Lock()
		var eb *EvacuationBlock
		if bucket := e.buckets[b]; bucket != nil {
			for _, cand := range bucket {
				if cand.OldDir.Offset == d.Offset {
					eb = cand
					break
				}
			}
		}
		e.mu.Unlock()

		mustKeep := eb != nil && eb.Readers > 0
		pinnedLive := d.pinned() && (eb == nil || eb.PinDeadline == 0 || eb.PinDeadline > nowUnix)

		if !mustKeep && !pinnedLive {
			e.v.dir.DeleteAt(item.seg, item.bucket, d.Tag, d.Offset)
			continue
		}

		oldOffset := d.Offset
		newOffsetBlocks, err := e.v.evacCopyLocked(off, d.ApproxSize)
		e.v.dir.DeleteAt(item.seg, item.bucket, d.Tag, oldOffset)
		if err != nil {
			logf("evacuator: copy failed for offset %d: %v", off, err)
			continue
		}
		d.Offset = newOffsetBlocks
		d.Flags &^= dirFlagPhase
		if e.v.phase {
			d.Flags |= dirFlagPhase
		}
		e.v.dir.Segments[item.seg].insert(item.bucket, d)

		if eb != nil {
			// the block follows its fragment to the new location so
			// still-active readers keep protecting it on later sweeps
			e.mu.Lock()
			eb.NewDir = d
			eb.OldDir = d
			eb.Done = true
			if old := e.buckets[b]; old != nil {
				delete(old, eb.Key)
				if len(old) == 0 {
					delete(e.buckets, b)
				}
			}
			nb := evacBucketOf(e.v.blocksToOffset(d.Offset))
			if e.buckets[nb] == nil {
				e.buckets[nb] = make(map[Key]*EvacuationBlock)
			}
			e.buckets[nb][eb.Key] = eb
			e.mu.Unlock()
		}
	}
}

// inCircularRange reports whether off falls in [start, end) on the
// volume's data ring; start > end means the window wraps the region end.
func inCircularRange(off, start, end int64) bool {
	if start <= end {
		return off >= start && off < end
	}
	return off >= start || off < end
}
