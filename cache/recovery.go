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
)

// Recover runs the startup reconciliation against v's backing
// store. It must be called before the volume accepts any I/O.
func (v *Volume) Recover() error {
	headerBuf := make([]byte, headerFooterWireLen(v.Segments))
	footerBuf := make([]byte, len(headerBuf))

	var haveHeader, haveFooter bool
	if v.fd != nil {
		if _, err := v.fd.Seek(v.Skip, io.SeekStart); err == nil {
			if _, err := io.ReadFull(v.fd, headerBuf); err == nil {
				haveHeader = true
			}
		}
		footerOff := v.Start - int64(len(footerBuf))
		if footerOff > v.Skip {
			if _, err := v.fd.Seek(footerOff, io.SeekStart); err == nil {
				if _, err := io.ReadFull(v.fd, footerBuf); err == nil {
					haveFooter = true
				}
			}
		}
	}

	var h VolHeaderFooter
	var hOK, fOK bool
	if haveHeader {
		h, hOK = unmarshalVolHeader(headerBuf, v.Segments)
		hOK = hOK && h.valid(Settings.MaxMajorVersion, Settings.MaxMinorVersion)
	}
	var f VolHeaderFooter
	if haveFooter {
		f, fOK = unmarshalVolHeader(footerBuf, v.Segments)
		fOK = fOK && f.valid(Settings.MaxMajorVersion, Settings.MaxMinorVersion)
	}

	switch {
	case hOK && fOK && h.equal(f):
		v.adoptHeader(h)
	case hOK && !fOK:
		v.adoptHeader(h)
		v.needsRecovery = true
	case fOK && !hOK:
		v.adoptHeader(f)
		v.needsRecovery = true
	case hOK && fOK && !h.equal(f):
		// both structurally valid but disagree: trust the header, the
		// footer may be a stale copy from a prior generation
		v.adoptHeader(h)
		v.needsRecovery = true
	default:
		// neither valid: reinitialize from scratch
		v.writePos = v.Start
		v.aggPos = v.Start
		v.phase = false
		v.syncSerial = 0
		v.writeSerial = 0
		v.cycle = 0
		v.dir.ClearFrom()
		return v.dirSync()
	}

	if v.fd != nil {
		v.loadDirImage()
		v.scanForward()
	}

	return v.dirSync()
}

func (v *Volume) adoptHeader(h VolHeaderFooter) {
	v.writePos = h.WritePos
	v.aggPos = h.WritePos // staged bytes never survive a restart
	v.phase = h.Phase != 0
	v.syncSerial = h.SyncSerial
	v.writeSerial = h.WriteSerial
	v.generation = h.Generation
	v.cycle = h.Cycle
}

// loadDirImage reads the persisted directory from between the header and
// footer. A short or unreadable image leaves the directory
// empty; the forward scan then rebuilds what it can.
func (v *Volume) loadDirImage() {
	raw := make([]byte, dirWireLen(v.Segments, v.BucketsPerSeg))
	if _, err := v.fd.Seek(v.Skip+v.hdrLen, io.SeekStart); err != nil {
		v.dir.ClearFrom()
		return
	}
	if _, err := io.ReadFull(v.fd, raw); err != nil {
		v.dir.ClearFrom()
		return
	}
	if !v.dir.unmarshal(raw) {
		v.dir.ClearFrom()
	}
}

// scanForward walks forward from write_pos up to RecoverySize bytes,
// validating each Doc found. Every fragment whose
// sync_serial is at least the header's was flushed after the last
// dir_sync: the scan advances write_pos past it and re-inserts its
// directory entry, since the persisted directory image predates it. The
// scan stops at the first invalid or stale fragment; any directory entry
// beyond the recovered write_pos in the current phase is then cleared,
// because that write was lost.
func (v *Volume) scanForward() {
	pos := v.writePos
	scanned := int64(0)
	regionEnd := v.Start + v.Len
	hdr := make([]byte, CacheBlockSize)

	for scanned < Settings.RecoverySize && pos+int64(docHeaderSize) <= regionEnd {
		if _, err := v.fd.Seek(pos, io.SeekStart); err != nil {
			break
		}
		if _, err := io.ReadFull(v.fd, hdr); err != nil {
			break
		}
		if binary.LittleEndian.Uint32(hdr) != docMagic {
			break
		}
		dlen := binary.LittleEndian.Uint32(hdr[4:8])
		if int(dlen) < docHeaderSize || int64(dlen) > regionEnd-pos {
			break
		}
		full := make([]byte, int(dlen))
		if _, err := v.fd.Seek(pos, io.SeekStart); err != nil {
			break
		}
		if _, err := io.ReadFull(v.fd, full); err != nil {
			break
		}
		d, err := UnmarshalDoc(full)
		if err != nil || !d.Valid() {
			break
		}
		if d.SyncSerial < v.syncSerial {
			break
		}

		advance := int64(dlen) + int64(padLen(int(dlen)))
		blockOff := v.offsetToBlocks(pos)
		if !v.dir.hasAt(d.FragKey, blockOff) {
			approxBlocks := uint16((advance + CacheBlockSize - 1) / CacheBlockSize)
			v.dir.Insert(d.FragKey, blockOff, approxBlocks, d.FragKey == d.FirstKey, d.Pinned != 0, v.phase)
		}
		if d.SyncSerial > v.syncSerial {
			v.syncSerial = d.SyncSerial
		}
		if d.WriteSerial > v.writeSerial {
			v.writeSerial = d.WriteSerial
		}

		pos += advance
		scanned += advance
	}
	v.writePos = pos
	v.aggPos = pos

	type stale struct {
		seg, bucket int
		e           Dir
	}
	var lost []stale
	v.dir.Each(func(seg, bucket int, e Dir) {
		off := v.blocksToOffset(e.Offset)
		if e.phase() == v.phase && off >= v.writePos {
			lost = append(lost, stale{seg, bucket, e})
		}
	})
	for _, s := range lost {
		v.dir.DeleteAt(s.seg, s.bucket, s.e.Tag, s.e.Offset)
	}

	if v.needsRecovery {
		logf("volume %s: recovered write_pos=%d sync_serial=%d", v.ID, v.writePos, v.syncSerial)
	}
}

func headerFooterWireLen(segments int) int {
	return (&VolHeaderFooter{Freelist: make([]uint32, segments)}).wireLen()
}

func (h *VolHeaderFooter) wireLen() int {
	return 4 + 1 + 1 + 2 + 8 + 8 + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + len(h.Freelist)*4
}
