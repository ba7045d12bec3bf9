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
	"github.com/docker/go-units"
)

// Geometry constants from the GLOSSARY.
const (
	StoreBlockSize = 8192 // bytes; fixed unit of device space
	CacheBlockSize = 512  // bytes; directory offsets are measured in this unit

	DirDepth = 4 // entries probed directly per bucket before following Next
)

// RamCacheMode selects the RAM cache's compression strategy.
type RamCacheMode int

const (
	RamCacheNone RamCacheMode = iota
	RamCacheFastLZ
	RamCacheZlib
	RamCacheLZMA
)

// EvictPolicy selects the RAM cache's eviction policy.
type EvictPolicy int

const (
	EvictLRU EvictPolicy = iota
	EvictCLFUS
)

// Config carries every runtime-tunable knob the engine's components
// need. Parsing a configuration file is the embedding program's job;
// this struct is what its config loader is expected to populate.
type Config struct {
	// AggSize bounds how many bytes of aggregation buffer a volume may hold
	// between flushes (agg_pos - write_pos <= AggSize).
	AggSize int64
	// AggHighWater triggers an eager flush once the buffer fills past it.
	AggHighWater int64
	// AggQueueHighWater is the backpressure threshold in bytes of writer
	// data staged in the aggregation buffer and not yet flushed. Writes are
	// copied into the buffer as they are enqueued; there is no separate
	// queue of not-yet-copied data.
	AggQueueHighWater int64
	// EvacuationSize is the width, in bytes, of the pre-overwrite scan
	// window.
	EvacuationSize int64
	// RecoverySize bounds how far recovery scans forward from write_pos
	// looking for Docs not yet reflected by the directory.
	RecoverySize int64
	// MinVolSize is the smallest volume the engine will create; tests
	// override it to exercise wrap/evacuate behavior cheaply.
	MinVolSize int64

	// DiskErrorThreshold: an AIO-reported device error increments a
	// disk's counter; crossing this value marks the disk (and all its
	// volumes) bad.
	DiskErrorThreshold int

	// MaxFragmentSize: writes larger than this split into multiple Docs
	// sharing first_key.
	MaxFragmentSize int64

	// RamCacheBudget is the byte budget for the per-volume RAM cache.
	RamCacheBudget int64
	// RamCacheCutoff: fragments bigger than this are never inserted.
	RamCacheCutoff int64
	RamCacheMode   RamCacheMode
	RamCachePolicy EvictPolicy

	// MaxWriters is the default max_writers passed to open_write when the
	// caller does not override it.
	MaxWriters int

	// ChecksumEnabled toggles Doc checksum verification.
	ChecksumEnabled bool

	// MaxMajorVersion/MaxMinorVersion: the build's supported Doc/Volume
	// format version ceiling.
	MaxMajorVersion uint8
	MaxMinorVersion uint8
}

// DefaultConfig is the baseline every embedder starts from.
var DefaultConfig = Config{
	AggSize:           4 * units.MiB,
	AggHighWater:      3 * units.MiB,
	AggQueueHighWater: 8 * units.MiB,
	EvacuationSize:    2 * units.MiB,
	RecoverySize:      16 * units.MiB,
	MinVolSize:        128 * units.MiB,

	DiskErrorThreshold: 5,

	MaxFragmentSize: 1 * units.MiB,

	RamCacheBudget: 64 * units.MiB,
	RamCacheCutoff: 4 * units.MiB,
	RamCacheMode:   RamCacheFastLZ,
	RamCachePolicy: EvictCLFUS,

	MaxWriters: 1,

	ChecksumEnabled: true,

	MaxMajorVersion: 1,
	MaxMinorVersion: 1,
}

// ParseSize parses a human byte size ("128MB", "4GiB") the way an
// external config loader would before populating a Config field.
func ParseSize(s string) (int64, error) {
	return units.RAMInBytes(s)
}

// Settings holds the process-wide, hot-reloadable subset of Config. It
// is a package variable (not a field threaded through every call) only
// for the knobs that are safe to read without synchronization races,
// i.e. those read once per operation and tolerant of a stale value.
var Settings = DefaultConfig
