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
	"bytes"
	"compress/zlib"
	"container/list"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// ramKey is the RAM cache's lookup key: a fragment key plus the volume
// offset it lives at.
type ramKey struct {
	key    Key
	offset int64
}

type ramEntry struct {
	k          ramKey
	data       []byte
	mode       RamCacheMode // compression actually applied to data, RamCacheNone if stored raw
	rawLen     int
	hits       uint32
	size       int
	listElem   *list.Element
	generation int // CLFUS aging bucket
}

// RamCache is the per-volume bounded fragment cache. Eviction
// policy is selected at construction; both policies share this struct's
// accounting fields and differ only in how insert/evict choose victims.
type RamCache struct {
	mu     sync.Mutex
	budget int64
	used   int64
	mode   RamCacheMode
	policy EvictPolicy

	entries map[ramKey]*ramEntry

	// LRU: entries ordered by recency, most-recent at Front.
	lru *list.List

	// CLFUS: frequency-segregated lists; higher index = hotter. A hit
	// promotes an entry one segment up; eviction drains from segment 0
	// upward, which makes single-pass scans (many one-shot misses) drain
	// out of segment 0 without disturbing hot data in higher segments.
	clfusSegs []*list.List
}

const clfusSegments = 4

// NewRamCache constructs a RAM cache with the given byte budget.
func NewRamCache(budget int64, mode RamCacheMode, policy EvictPolicy) *RamCache {
	rc := &RamCache{
		budget:  budget,
		mode:    mode,
		policy:  policy,
		entries: make(map[ramKey]*ramEntry),
	}
	if policy == EvictLRU {
		rc.lru = list.New()
	} else {
		rc.clfusSegs = make([]*list.List, clfusSegments)
		for i := range rc.clfusSegs {
			rc.clfusSegs[i] = list.New()
		}
	}
	return rc
}

// Get returns the fragment's stored bytes (still compressed, if it was
// stored that way) and the compression mode used, so the caller can
// decompress on demand.
func (rc *RamCache) Get(key Key, offset int64) (data []byte, mode RamCacheMode, ok bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	e, found := rc.entries[ramKey{key, offset}]
	if !found {
		return nil, RamCacheNone, false
	}
	e.hits++
	rc.touch(e)
	return e.data, e.mode, true
}

func (rc *RamCache) touch(e *ramEntry) {
	if rc.policy == EvictLRU {
		rc.lru.MoveToFront(e.listElem)
		return
	}
	seg := e.generation
	rc.clfusSegs[seg].Remove(e.listElem)
	if seg < clfusSegments-1 {
		seg++
	}
	e.generation = seg
	e.listElem = rc.clfusSegs[seg].PushFront(e)
}

// Put inserts a fragment, skipping it if it exceeds the configured
// cutoff, and compresses it first when the mode/doc_type/hlen conditions
// are met and doing so actually saves space.
func (rc *RamCache) Put(key Key, offset int64, raw []byte, docType DocType, hlen int, totalLen int64) {
	cutoff := Settings.RamCacheCutoff
	if totalLen > cutoff || int64(len(raw)) > cutoff {
		return
	}

	data := raw
	mode := RamCacheNone
	if rc.mode != RamCacheNone && docType == DocTypeHTTP && hlen > 0 {
		if compressed, ok := compressFragment(raw, rc.mode); ok && len(compressed) < len(raw) {
			data = compressed
			mode = rc.mode
		}
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	k := ramKey{key, offset}
	if old, ok := rc.entries[k]; ok {
		rc.removeLocked(old)
	}
	e := &ramEntry{k: k, data: data, mode: mode, rawLen: len(raw), size: len(data)}
	rc.used += int64(e.size)
	if rc.policy == EvictLRU {
		e.listElem = rc.lru.PushFront(e)
	} else {
		e.listElem = rc.clfusSegs[0].PushFront(e)
	}
	rc.entries[k] = e

	for rc.used > rc.budget {
		if !rc.evictOneLocked() {
			break
		}
	}
}

func (rc *RamCache) removeLocked(e *ramEntry) {
	delete(rc.entries, e.k)
	rc.used -= int64(e.size)
	if rc.policy == EvictLRU {
		rc.lru.Remove(e.listElem)
	} else {
		rc.clfusSegs[e.generation].Remove(e.listElem)
	}
}

// evictOneLocked drops the single best eviction candidate, returning
// false if the cache is already empty.
func (rc *RamCache) evictOneLocked() bool {
	if rc.policy == EvictLRU {
		back := rc.lru.Back()
		if back == nil {
			return false
		}
		rc.removeLocked(back.Value.(*ramEntry))
		return true
	}
	for _, seg := range rc.clfusSegs {
		back := seg.Back()
		if back != nil {
			rc.removeLocked(back.Value.(*ramEntry))
			return true
		}
	}
	return false
}

// Invalidate removes a single entry, e.g. on object remove().
func (rc *RamCache) Invalidate(key Key, offset int64) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if e, ok := rc.entries[ramKey{key, offset}]; ok {
		rc.removeLocked(e)
	}
}

// compressFragment applies the RAM cache's configured compression
// class: lz4 for the fast tier, stdlib zlib for the middle tier, and xz
// for the high-ratio tier.
func compressFragment(raw []byte, mode RamCacheMode) ([]byte, bool) {
	switch mode {
	case RamCacheFastLZ:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, false
		}
		if err := w.Close(); err != nil {
			return nil, false
		}
		return buf.Bytes(), true
	case RamCacheZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(raw); err != nil {
			return nil, false
		}
		if err := w.Close(); err != nil {
			return nil, false
		}
		return buf.Bytes(), true
	case RamCacheLZMA:
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, false
		}
		if _, err := w.Write(raw); err != nil {
			return nil, false
		}
		if err := w.Close(); err != nil {
			return nil, false
		}
		return buf.Bytes(), true
	default:
		return nil, false
	}
}

// DecompressFragment reverses compressFragment for a caller that received
// a RamCacheMode flag from Get.
func DecompressFragment(data []byte, mode RamCacheMode) ([]byte, error) {
	switch mode {
	case RamCacheNone:
		return data, nil
	case RamCacheFastLZ:
		r := lz4.NewReader(bytes.NewReader(data))
		return io.ReadAll(r)
	case RamCacheZlib:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case RamCacheLZMA:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(r)
	default:
		return nil, newErr(ErrCorruptData, Key{}, "unknown ram cache compression mode")
	}
}
