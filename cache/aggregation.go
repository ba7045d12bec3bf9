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
	"io"
	"time"
)

// Enqueue stages one writer's fragment into the aggregation buffer.
// The directory entry is installed immediately at the
// fragment's future disk offset (readers arriving before the flush are
// served out of the buffer via DirAggBufValid) and the buffer is
// written to disk as one sequential I/O once it crosses AggHighWater.
// Returns the committed offset in cache-block units.
func (v *Volume) Enqueue(vc *VC, doc *Doc) (uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.enqueueLocked(doc)
}

func (v *Volume) enqueueLocked(doc *Doc) (uint32, error) {
	if v.Disk != nil && v.Disk.Bad() {
		return 0, newErr(ErrBadDisk, doc.FragKey, v.Disk.Path)
	}

	doc.SyncSerial = v.syncSerial + 1
	doc.WriteSerial = v.writeSerial + 1
	raw := doc.Marshal()
	if int64(len(raw)) > int64(len(v.aggBuffer)) {
		return 0, newErr(ErrNoSpace, doc.FragKey, "fragment exceeds aggregation buffer")
	}

	// make room: flush until the fragment fits in the buffer and does not
	// straddle the region end (the head wraps early in that case, leaving
	// the tail bytes to the next recovery scan). Each flush may re-stage
	// evacuation copies, so the conditions are re-checked; a handful of
	// rounds not converging means the volume is hopelessly congested.
	for attempt := 0; v.aggBufPos+int64(len(raw)) > int64(len(v.aggBuffer)) ||
		v.writePos+v.aggBufPos+int64(len(raw)) > v.Start+v.Len; attempt++ {
		if attempt >= 4 {
			return 0, newErr(ErrNoSpace, doc.FragKey, "aggregation buffer congested")
		}
		if err := v.flushLocked(true); err != nil {
			return 0, err
		}
		if v.aggBufPos == 0 && v.writePos+int64(len(raw)) > v.Start+v.Len {
			v.wrapLocked()
		}
	}

	off := v.writePos + v.aggBufPos
	copy(v.aggBuffer[v.aggBufPos:], raw)
	v.aggBufPos += int64(len(raw))
	v.aggPos = v.writePos + v.aggBufPos
	v.writeSerial++

	blockOff := v.offsetToBlocks(off)
	approxBlocks := uint16((len(raw) + CacheBlockSize - 1) / CacheBlockSize)
	v.dir.Insert(doc.FragKey, blockOff, approxBlocks, doc.FragKey == doc.FirstKey, doc.Pinned != 0, v.phase)
	v.ram.Put(doc.FragKey, off, raw, doc.DocType, int(doc.HLen), int64(doc.TotalLen))

	if doc.FragKey == doc.FirstKey {
		if e, ok := v.openObjects[doc.FirstKey]; ok {
			e.firstFragData = doc.Payload
		}
		v.firstFragKey = doc.FragKey
		v.firstFragOffset = off
		v.firstFragData = doc.Payload
	}

	if v.aggBufPos >= Settings.AggHighWater {
		if err := v.flushLocked(true); err != nil {
			return blockOff, err
		}
	}
	return blockOff, nil
}

// flushLocked emits the staged buffer as one aligned sequential write at
// write_pos, advances the head (wrapping and flipping phase at the region
// end), and, when runEvac, sweeps the window the head is about to
// reuse. Caller holds v.mu.
func (v *Volume) flushLocked(runEvac bool) error {
	if v.aggBufPos == 0 {
		return nil
	}
	writeLen := v.aggBufPos
	writeAt := v.writePos

	var err error
	if v.fd != nil {
		if _, err = v.fd.Seek(writeAt, io.SeekStart); err == nil {
			_, err = v.fd.Write(v.aggBuffer[:writeLen])
		}
		if err != nil {
			v.noteIOError()
		}
	}

	v.writePos += writeLen
	v.aggBufPos = 0
	v.aggPos = v.writePos
	v.syncSerial++
	if v.writePos >= v.Start+v.Len {
		v.wrapLocked()
	} else if runEvac {
		v.evacNextWindowLocked()
	}
	return err
}

// wrapLocked returns the write head to the region start, flips the phase
// bit, and clears the window at the region's front.
func (v *Volume) wrapLocked() {
	v.writePos = v.Start
	v.aggPos = v.Start
	v.phase = !v.phase
	v.cycle++
	v.evacNextWindowLocked()
}

// evacNextWindowLocked sweeps [write_pos, write_pos+window) so every live
// previous-phase fragment in the head's path is copied forward or
// dropped before its bytes are reused. The window is at least AggSize
// wide so a single flush can never advance past unswept territory.
func (v *Volume) evacNextWindowLocked() {
	if v.cycle == 0 {
		return // first pass over the region: nothing ahead to preserve
	}
	if v.inEvac {
		return // a nested flush during an evacuation copy must not re-enter
	}
	v.inEvac = true
	defer func() { v.inEvac = false }()
	window := Settings.EvacuationSize
	if window < Settings.AggSize {
		window = Settings.AggSize
	}
	start := v.writePos
	end := start + window
	regionEnd := v.Start + v.Len
	if end > regionEnd {
		end = v.Start + (end - regionEnd)
	}
	v.evac.EvacRange(start, end, uint32(now().Unix()))
}

// evacCopyLocked re-stages the fragment at oldOffset at the current head
// position, refreshing its recovery serials so a post-crash scan doesn't
// stop at a stale counter. Returns the fragment's new offset. Caller
// holds v.mu; used as the evacuator's copy callback.
func (v *Volume) evacCopyLocked(oldOffset int64, approxBlocks uint16) (uint32, error) {
	if v.fd == nil {
		return 0, newErr(ErrReadError, Key{}, "volume has no backing store")
	}
	buf := make([]byte, int(approxBlocks)*CacheBlockSize)
	if _, err := v.fd.Seek(oldOffset, io.SeekStart); err != nil {
		return 0, err
	}
	if _, err := io.ReadFull(v.fd, buf); err != nil {
		return 0, err
	}
	doc, err := UnmarshalDoc(buf)
	if err != nil {
		return 0, err // garbage at the old location, caller drops the entry
	}

	need := docHeaderSize + len(doc.Alternates) + len(doc.Payload)
	need += padLen(need)
	if v.aggBufPos+int64(need) > int64(len(v.aggBuffer)) {
		// window was already swept, so a nested flush must not re-enter
		// the evacuator
		if err := v.flushLocked(false); err != nil {
			return 0, err
		}
	}
	doc.SyncSerial = v.syncSerial + 1
	doc.WriteSerial = v.writeSerial + 1
	raw := doc.Marshal()

	off := v.writePos + v.aggBufPos
	copy(v.aggBuffer[v.aggBufPos:], raw)
	v.aggBufPos += int64(len(raw))
	v.aggPos = v.writePos + v.aggBufPos
	v.writeSerial++
	return v.offsetToBlocks(off), nil
}

// FlushIfFull runs the writer handler once; called by the periodic
// flush ticker (periodicFlush, started by Engine.Run).
func (v *Volume) FlushIfFull() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.aggBufPos >= Settings.AggHighWater {
		v.flushLocked(true)
	}
}

// ForceFlush flushes whatever is staged regardless of the high-water
// mark; used by close-complete writers.
func (v *Volume) ForceFlush() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.flushLocked(true)
}

// Sync forces a flush of the staged buffer, zero-padding it to a
// cache-block boundary first, then persists directory + header + footer.
// Called by Engine.Shutdown and by writers opened with the SYNC option;
// nothing calls it on a timer, so between those calls the persisted
// directory lags the in-memory one.
func (v *Volume) Sync() error {
	v.mu.Lock()
	if v.aggBufPos > 0 {
		if pad := padLen(int(v.aggBufPos)); pad > 0 {
			for i := int64(0); i < int64(pad); i++ {
				v.aggBuffer[v.aggBufPos+i] = 0
			}
			v.aggBufPos += int64(pad)
		}
		if err := v.flushLocked(true); err != nil {
			v.mu.Unlock()
			return err
		}
	}
	v.mu.Unlock()
	return v.dirSync()
}

// dirSync persists directory + header + footer, header first and footer
// last.
func (v *Volume) dirSync() error {
	v.mu.Lock()
	h := VolHeaderFooter{
		Magic:        volHeaderMagic,
		VMajor:       Settings.MaxMajorVersion,
		VMinor:       Settings.MaxMinorVersion,
		CreateTime:   uint64(now().Unix()),
		WritePos:     v.writePos,
		LastWritePos: v.writePos,
		AggPos:       v.aggPos,
		Generation:   v.generation,
		Phase:        boolToU32(v.phase),
		Cycle:        v.cycle,
		SyncSerial:   v.syncSerial,
		WriteSerial:  v.writeSerial,
		Dirty:        0,
		SectorSize:   512,
		Freelist:     make([]uint32, v.Segments),
	}
	v.header = h
	v.footer = h
	v.mu.Unlock()

	if v.fd == nil {
		return nil
	}
	buf := h.marshal()
	if _, err := v.fd.Seek(v.Skip, io.SeekStart); err != nil {
		return err
	}
	if _, err := v.fd.Write(buf); err != nil {
		v.noteIOError()
		return err
	}
	dirImage := v.dir.marshal()
	if _, err := v.fd.Seek(v.Skip+v.hdrLen, io.SeekStart); err != nil {
		return err
	}
	if _, err := v.fd.Write(dirImage); err != nil {
		v.noteIOError()
		return err
	}
	footerOff := v.Start - int64(len(buf))
	if footerOff > v.Skip {
		if _, err := v.fd.Seek(footerOff, io.SeekStart); err != nil {
			return err
		}
		if _, err := v.fd.Write(buf); err != nil {
			v.noteIOError()
			return err
		}
	}
	return nil
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// periodicFlush is driven by the engine's Run loop.
func (v *Volume) periodicFlush(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			v.FlushIfFull()
		case <-stop:
			return
		}
	}
}
