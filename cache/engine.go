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
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/dc0d/onexit"
)

// Engine is the top-level handle: it owns the Store, every Disk and the
// Volumes carved from them, the Scheduler, and the AIO bridge. Call
// Open, then Run, then Shutdown.
type Engine struct {
	Store   *Store
	Disks   []*Disk
	Volumes []*Volume

	Scheduler *Scheduler
	AIO       AIOBridge

	watcher *StoreWatcher
	files   []*os.File

	flushStop chan struct{}
}

// NewEngine constructs an Engine with n worker partitions and the given
// AIO back-end (pass nil for NewThreadPoolBridge).
func NewEngine(n int, aio AIOBridge) *Engine {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if aio == nil {
		aio = NewThreadPoolBridge()
	}
	return &Engine{
		Scheduler: NewScheduler(n),
		AIO:       aio,
		flushStop: make(chan struct{}),
	}
}

// Open loads storePath's layout, builds one Volume per Span (a simple
// 1:1 assignment; production deployments would instead group multiple
// spans per volume via Store.spreadAlloc), and runs recovery on each.
func (e *Engine) Open(storePath string) error {
	st := &Store{}
	if err := st.read(storePath); err != nil {
		return fmt.Errorf("objcache: open store %s: %w", storePath, err)
	}
	e.Store = st

	for _, span := range st.Spans {
		if span.Blocks*StoreBlockSize < Settings.MinVolSize {
			logf("engine: skipping span %s, smaller than MinVolSize", span.Path)
			continue
		}
		fd, err := os.OpenFile(span.Path, os.O_RDWR|os.O_CREATE, 0640)
		if err != nil {
			return fmt.Errorf("objcache: open span %s: %w", span.Path, err)
		}
		e.files = append(e.files, fd)

		disk := NewDisk(span.Path, fd, 0, span.Bytes())
		e.Disks = append(e.Disks, disk)

		segments, buckets := computeGeometry(span.Bytes())
		// first store-block belongs to the DiskHeader; the volume region
		// starts behind it
		vol := NewVolume(disk, StoreBlockSize, span.Bytes()-StoreBlockSize, segments, buckets)
		vol.SetFD(fd)

		if err := vol.Recover(); err != nil {
			return fmt.Errorf("objcache: recover volume %s: %w", span.Path, err)
		}
		e.Volumes = append(e.Volumes, vol)
	}

	watcher, err := WatchStore(storePath, func(reloaded *Store) {
		logf("engine: store layout at %s changed on disk; restart to apply", storePath)
	})
	if err == nil {
		e.watcher = watcher
	}

	onexit.Register(func() { e.Shutdown() })
	return nil
}

// computeGeometry picks a directory segment/bucket count for a span of
// the given byte size, targeting roughly one directory entry per 4KB of
// data (a conservative fill factor that leaves headroom for collisions
// before in-bucket eviction kicks in).
func computeGeometry(spanBytes int64) (segments, bucketsPerSeg int) {
	approxEntries := spanBytes / (4 * 1024)
	segments = 16
	bucketsPerSeg = int(approxEntries / int64(segments) / DirDepth)
	if bucketsPerSeg < 1 {
		bucketsPerSeg = 1
	}
	return
}

// VolumeFor picks the Volume owning key, by the same volume-index
// hashing as the directory's segment/bucket selectors.
func (e *Engine) VolumeFor(key Key) *Volume {
	if len(e.Volumes) == 0 {
		return nil
	}
	return e.Volumes[key.VolumeIndex(len(e.Volumes))]
}

// Run starts the periodic aggregation-flush ticker for every volume.
func (e *Engine) Run(flushInterval time.Duration) {
	for _, v := range e.Volumes {
		go v.periodicFlush(flushInterval, e.flushStop)
	}
}

// Shutdown forces a final sync of every volume, drains the AIO bridge,
// and stops the scheduler. Safe to call more than once.
func (e *Engine) Shutdown() {
	select {
	case <-e.flushStop:
		return // already closed
	default:
		close(e.flushStop)
	}
	for _, v := range e.Volumes {
		if err := v.Sync(); err != nil {
			logf("engine: shutdown sync failed for volume %s: %v", v.ID, err)
		}
	}
	e.AIO.Shutdown()
	e.Scheduler.Shutdown()
	if e.watcher != nil {
		e.watcher.Close()
	}
	for _, f := range e.files {
		f.Close()
	}
	e.files = nil
}
