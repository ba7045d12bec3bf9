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
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// Span represents a contiguous region of one storage device: a raw
// partition or a plain file standing in for one.
type Span struct {
	Blocks     int64  // number of StoreBlockSize blocks in this span
	FileOffset int64  // byte offset within the device, for file-backed spans
	SectorSize int    // hardware sector size
	Align      int64  // alignment constraint, in bytes
	DeviceMaj  int     // device id pair, for raw partitions
	DeviceMin  int
	Path       string // pathname of the file or device node
	Pin        int    // optional volume-pin number; 0 = unpinned
	HashSeed   string // seed folded into volume-assignment hashing

	mmapable bool
}

// Bytes returns the span's capacity in bytes.
func (s *Span) Bytes() int64 { return s.Blocks * StoreBlockSize }

func (s *Span) Mmapable() bool { return s.mmapable }

// Store is an ordered collection of Spans, possibly across many devices.
// It is the unit the engine persists and reloads layout assignments
// through.
type Store struct {
	Spans []*Span
}

// alloc assigns n store-blocks from the Store. When one is true, all n
// blocks come from a
// single span (if any span is big enough); otherwise blocks may be spread
// across spans. When mmap is true, spans that cannot be mmap'd are
// skipped entirely.
func (st *Store) alloc(n int64, one bool, mmap bool) ([]*Span, error) {
	if n <= 0 {
		return nil, fmt.Errorf("objcache: alloc requires n > 0")
	}
	candidates := make([]*Span, 0, len(st.Spans))
	for _, s := range st.Spans {
		if mmap && !s.mmapable {
			continue
		}
		if s.Blocks > 0 {
			candidates = append(candidates, s)
		}
	}
	if one {
		for _, s := range candidates {
			if s.Blocks >= n {
				carved := &Span{Blocks: n, FileOffset: s.FileOffset, SectorSize: s.SectorSize,
					Align: s.Align, DeviceMaj: s.DeviceMaj, DeviceMin: s.DeviceMin,
					Path: s.Path, Pin: s.Pin, HashSeed: s.HashSeed, mmapable: s.mmapable}
				s.Blocks -= n
				s.FileOffset += carved.Bytes()
				return []*Span{carved}, nil
			}
		}
		return nil, fmt.Errorf("objcache: no single span has %d free blocks", n)
	}

	// spread across multiple spans, biggest first, until satisfied
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Blocks > candidates[j].Blocks })
	var out []*Span
	remaining := n
	for _, s := range candidates {
		if remaining <= 0 {
			break
		}
		take := s.Blocks
		if take > remaining {
			take = remaining
		}
		if take <= 0 {
			continue
		}
		carved := &Span{Blocks: take, FileOffset: s.FileOffset, SectorSize: s.SectorSize,
			Align: s.Align, DeviceMaj: s.DeviceMaj, DeviceMin: s.DeviceMin,
			Path: s.Path, Pin: s.Pin, HashSeed: s.HashSeed, mmapable: s.mmapable}
		s.Blocks -= take
		s.FileOffset += carved.Bytes()
		out = append(out, carved)
		remaining -= take
	}
	if remaining > 0 {
		// undo: return the blocks we did carve, since a partial
		// allocation is not an acceptable result
		for _, c := range out {
			st.returnSpan(c)
		}
		return nil, fmt.Errorf("objcache: store has only %d of %d requested blocks", n-remaining, n)
	}
	return out, nil
}

// spreadAlloc allocates n blocks across as many spans as needed, the
// same way as alloc with one=false: the largest spans are used up first.
// It does not interleave round-robin across devices, so the blocks are
// not balanced between them.
func (st *Store) spreadAlloc(n int64, mmap bool) ([]*Span, error) {
	return st.alloc(n, false, mmap)
}

func (st *Store) returnSpan(s *Span) {
	for _, existing := range st.Spans {
		if existing.Path == s.Path && existing.DeviceMaj == s.DeviceMaj && existing.DeviceMin == s.DeviceMin {
			existing.Blocks += s.Blocks
			return
		}
	}
	st.Spans = append(st.Spans, s)
}

// tryRealloc re-acquires previously assigned blocks (e.g. after a config
// reload shrinks a span); any blocks that could not be recovered are
// reported in diff.
func (st *Store) tryRealloc(want []*Span) (diff []*Span) {
	for _, w := range want {
		found := false
		for _, s := range st.Spans {
			if s.Path == w.Path && s.Blocks >= w.Blocks {
				s.Blocks -= w.Blocks
				found = true
				break
			}
		}
		if !found {
			diff = append(diff, w)
		}
	}
	return
}

// storeFileFormat is the JSON persisted layout written by write/read.
// A plain text layout (rather than the packed binary formats used for
// Disk/Volume/Doc on-disk records) is sufficient here: the Store layout
// is read once at startup/reconfiguration, not on the hot I/O path.
type storeFileFormat struct {
	Spans []*Span `json:"spans"`
}

// write persists the Store's layout so a later configuration reload can
// discover the previous assignment.
func (st *Store) write(path string) error {
	data, err := json.MarshalIndent(storeFileFormat{Spans: st.Spans}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0640)
}

// read loads a previously written Store layout.
func (st *Store) read(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f storeFileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	st.Spans = f.Spans
	return nil
}
