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
	"sync"
	"time"

	"golang.org/x/text/language"
)

// VCState tags a Cache VC's position in its state machine: a plain enum
// plus an explicit dispatch switch, with the scheduler (scheduler.go)
// standing in for a continuation queue.
type VCState int

const (
	VCInit VCState = iota
	VCProbeDir
	VCCheckRAM
	VCSubmitRead
	VCHandleReadDone
	VCDeliver
	VCOpenWrite
	VCStage
	VCClosed
)

// VCMode distinguishes the read side from the write side of a Cache VC.
type VCMode int

const (
	VCModeRead VCMode = iota
	VCModeWrite
)

// WriteOption bits for open_write.
type WriteOption int

const (
	WriteOverwrite WriteOption = 1 << iota
	WriteCloseComplete
	WriteSync
)

// VC is the request-scoped cache I/O handle returned by open_read /
// open_write. It exposes a small synchronous VIO surface;
// Reenable/ReenableRe serve callers that drive it asynchronously from
// the scheduler instead.
type VC struct {
	mu sync.Mutex

	Key     Key
	FragKey Key
	Volume  *Volume
	Mode    VCMode
	State   VCState

	closed    bool
	scheduled bool
	inFlight  bool

	lastCollision int // index into the last dir_probe result list consumed, -1 if none yet

	// read side
	alternates  []Alternate
	selectedAlt *Alternate
	doc         *Doc
	readPos     int // delivery cursor into doc.Payload
	ramHit      bool
	openReadOK  bool  // we hold a reader count in the open-object table
	openKey     Key   // key the reader count was taken under
	evacOffset  int64 // byte offset protected by ForceEvacuateHead, -1 if none

	// write side
	expectedSize int64
	options      WriteOption
	pinDeadline  uint32
	maxWriters   int
	written      int64

	reqHeaders map[string]string
	acceptLang []language.Tag

	err  error
	done chan struct{}
}

// OpenReadVC implements the HTTP-aware open_read(cont, http_key, req_hdr,
// overridable_params, pin, frag_type) variant, negotiating
// alternates and binding the returned VC to one of them. Passing nil
// request headers gives the plain open_read(cont, key, ...) behavior.
func (v *Volume) OpenReadVC(key Key, reqHeaders map[string]string, accept []language.Tag) (*VC, error) {
	vc := &VC{Key: key, Volume: v, Mode: VCModeRead, State: VCProbeDir, lastCollision: -1,
		evacOffset: -1, reqHeaders: reqHeaders, acceptLang: accept, done: make(chan struct{})}

	// read-from-writer: a concurrent writer's staged first fragment is
	// delivered directly if the directory has nothing yet
	writerData, openOK := v.OpenRead(key)
	vc.openReadOK = openOK
	vc.openKey = key

	err := vc.probeAndLoad()
	if err != nil && Code(err) == ErrNoDoc && writerData != nil {
		vc.doc = &Doc{
			Magic:    docMagic,
			TotalLen: uint64(len(writerData)),
			FirstKey: key,
			FragKey:  key,
			Payload:  writerData,
		}
		vc.State = VCDeliver
		return vc, nil
	}
	if err != nil {
		if openOK {
			v.CloseRead(key)
		}
		return nil, err
	}
	return vc, nil
}

// probeAndLoad runs PROBE_DIR -> CHECK_RAM -> SUBMIT_READ ->
// HANDLE_READ_DONE -> (alt negotiation) synchronously, since this
// implementation has no separate reactor thread driving AIO completions
// back into the VC. Collision retries loop here via
// lastCollision instead of surfacing to the caller.
func (vc *VC) probeAndLoad() error {
	v := vc.Volume
	candidates := v.dir.Probe(vc.Key)
	if len(candidates) == 0 {
		return newErr(ErrNoDoc, vc.Key, "not found")
	}

	for i, d := range candidates {
		if i <= vc.lastCollision {
			continue
		}
		if !v.DirValid(d) {
			vc.lastCollision = i
			continue
		}
		doc, ramHit, err := vc.fetchFragment(d)
		if err != nil {
			if Code(err) == ErrCorruptData || Code(err) == ErrReadError {
				// the bad Doc must never reach a future reader
				v.dir.Delete(vc.Key, d.Offset)
				v.ram.Invalidate(vc.Key, v.blocksToOffset(d.Offset))
				return err
			}
			vc.lastCollision = i
			continue
		}
		if doc.FragKey != vc.Key {
			// tag collision: bucket shared by a different key
			vc.lastCollision = i
			continue
		}
		vc.doc = doc
		vc.ramHit = ramHit

		alts, aerr := unmarshalAlternates(doc.Alternates, doc.VMinor)
		if aerr != nil {
			return newErr(ErrCorruptData, vc.Key, "alternates: "+aerr.Error())
		}
		vc.alternates = alts

		if len(alts) > 0 && vc.reqHeaders != nil {
			best, serr := selectAlternate(alts, vc.reqHeaders, vc.acceptLang)
			if serr != nil {
				return serr
			}
			vc.selectedAlt = best
		}

		// pin the fragment against the advancing write head for the
		// lifetime of this reader
		vc.evacOffset = v.blocksToOffset(d.Offset)
		v.evac.ForceEvacuateHead(vc.Key, d, doc.Pinned)

		v.mu.Lock()
		if doc.FragKey == doc.FirstKey {
			v.firstFragKey = doc.FirstKey
			v.firstFragOffset = vc.evacOffset
			v.firstFragData = doc.Payload
		}
		v.mu.Unlock()

		if !ramHit {
			v.ram.Put(vc.Key, v.blocksToOffset(d.Offset), doc.Marshal(), doc.DocType, int(doc.HLen), int64(doc.TotalLen))
		}

		vc.State = VCDeliver
		return nil
	}
	return newErr(ErrNoDoc, vc.Key, "exhausted collision chain")
}

// fetchFragment retrieves the Doc bytes for d: RAM cache first, then a
// peek into the aggregation buffer for not-yet-flushed fragments, then a
// disk read.
func (vc *VC) fetchFragment(d Dir) (*Doc, bool, error) {
	v := vc.Volume
	off := v.blocksToOffset(d.Offset)

	if data, mode, ok := v.ram.Get(vc.Key, off); ok {
		raw, err := DecompressFragment(data, mode)
		if err != nil {
			return nil, true, err
		}
		doc, err := UnmarshalDoc(raw)
		return doc, true, err
	}

	if staged := v.peekAggBuffer(d); staged != nil {
		doc, err := UnmarshalDoc(staged)
		return doc, false, err
	}

	if v.Disk != nil && v.Disk.Bad() {
		return nil, false, newErr(ErrBadDisk, vc.Key, v.Disk.Path)
	}
	if v.fd == nil {
		return nil, false, newErr(ErrReadError, vc.Key, "no backing store")
	}

	size := int(d.ApproxSize) * CacheBlockSize
	buf := make([]byte, size)
	v.mu.Lock()
	_, err := v.fd.Seek(off, io.SeekStart)
	if err == nil {
		_, err = io.ReadFull(v.fd, buf)
	}
	v.mu.Unlock()
	if err != nil {
		if v.Disk != nil {
			v.Disk.NoteIOError()
		}
		return nil, false, newErr(ErrReadError, vc.Key, err.Error())
	}

	doc, err := UnmarshalDoc(buf)
	if err != nil {
		return nil, false, err
	}
	return doc, false, nil
}

// Read copies the current fragment's payload into dst sequentially,
// returning io.EOF alongside the final bytes. For multi-fragment
// objects, callers advance with NextFragment (object.go) once a
// fragment is drained.
func (vc *VC) Read(dst []byte) (int, error) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.closed {
		return 0, newErr(ErrDocBusy, vc.Key, "vc closed")
	}
	if vc.doc == nil {
		return 0, newErr(ErrNoDoc, vc.Key, "nothing probed")
	}
	n := copy(dst, vc.doc.Payload[vc.readPos:])
	vc.readPos += n
	if vc.readPos < len(vc.doc.Payload) {
		return n, nil
	}
	return n, io.EOF
}

// ReadAt is the do_io_pread surface: a positioned read within the
// current fragment's payload that does not disturb Read's cursor.
func (vc *VC) ReadAt(dst []byte, off int64) (int, error) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.closed {
		return 0, newErr(ErrDocBusy, vc.Key, "vc closed")
	}
	if vc.doc == nil {
		return 0, newErr(ErrNoDoc, vc.Key, "nothing probed")
	}
	if off < 0 || off > int64(len(vc.doc.Payload)) {
		return 0, io.EOF
	}
	n := copy(dst, vc.doc.Payload[off:])
	if off+int64(n) == int64(len(vc.doc.Payload)) {
		return n, io.EOF
	}
	return n, nil
}

// GetObjectSize returns the logical object's total length.
func (vc *VC) GetObjectSize() int64 {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.doc == nil {
		return 0
	}
	return int64(vc.doc.TotalLen)
}

// IsRamCacheHit reports whether the delivered fragment came from RAM.
func (vc *VC) IsRamCacheHit() bool {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.ramHit
}

// IsPreadCapable reports whether this VC supports positioned reads
// without disturbing a shared cursor; always true here since ReadAt
// never touches Read's cursor.
func (vc *VC) IsPreadCapable() bool { return true }

// SetPinInCache marks the object pinned until deadline (unix seconds).
func (vc *VC) SetPinInCache(deadline uint32) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.pinDeadline = deadline
}

// GetHTTPInfo returns the alternates vector and the alternate this VC
// was bound to by negotiation (nil when none was selected).
func (vc *VC) GetHTTPInfo() ([]Alternate, *Alternate) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return vc.alternates, vc.selectedAlt
}

// SetHTTPInfo attaches the alternates vector a writer wants serialized
// into its fragments' header area.
func (vc *VC) SetHTTPInfo(alts []Alternate) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.alternates = alts
}

// --- write side ---

// OpenWriteVC implements open_write(cont, key, frag_type, expected_size,
// options, pin, hostname).
func (v *Volume) OpenWriteVC(key Key, expectedSize int64, options WriteOption, pin uint32, maxWriters int) (*VC, error) {
	allowIfWriters := options&WriteOverwrite != 0
	if maxWriters <= 0 {
		maxWriters = Settings.MaxWriters
	}
	if err := v.OpenWrite(key, allowIfWriters, maxWriters); err != nil {
		return nil, err
	}
	return &VC{
		Key: key, FragKey: key, Volume: v, Mode: VCModeWrite, State: VCOpenWrite,
		lastCollision: -1, evacOffset: -1, expectedSize: expectedSize, options: options,
		pinDeadline: pin, maxWriters: maxWriters, done: make(chan struct{}),
	}, nil
}

// Write stages one fragment into the aggregation buffer.
// The directory entry is installed at the staged offset; with
// CLOSE_COMPLETE or SYNC options the call additionally waits for the
// flush (and, for SYNC, the directory sync) before returning.
func (vc *VC) Write(data []byte, firstKey Key, totalLen int64, docType DocType, alternates []Alternate) error {
	vc.mu.Lock()
	if vc.closed {
		vc.mu.Unlock()
		return newErr(ErrDocBusy, vc.Key, "vc closed")
	}
	vc.State = VCStage
	fragKey := vc.FragKey
	pin := vc.pinDeadline
	opts := vc.options
	vc.mu.Unlock()

	doc := &Doc{
		TotalLen:   uint64(totalLen),
		FirstKey:   firstKey,
		FragKey:    fragKey,
		DocType:    docType,
		VMajor:     Settings.MaxMajorVersion,
		VMinor:     Settings.MaxMinorVersion,
		Pinned:     pin,
		Alternates: marshalAlternatesV1(alternates),
		Payload:    data,
	}

	if _, err := vc.Volume.Enqueue(vc, doc); err != nil {
		return err
	}
	vc.mu.Lock()
	vc.written += int64(len(data))
	vc.mu.Unlock()

	if opts&WriteSync != 0 {
		return vc.Volume.Sync()
	}
	if opts&WriteCloseComplete != 0 {
		return vc.Volume.ForceFlush()
	}
	return nil
}

// DoIOClose marks the VC closed and releases its open-object handle and
// evacuation reader; all I/O above is synchronous from the caller's
// point of view, so there is no in-flight AIO to wait out.
func (vc *VC) DoIOClose(errno error) {
	vc.mu.Lock()
	if vc.closed {
		vc.mu.Unlock()
		return
	}
	vc.closed = true
	vc.err = errno
	vc.State = VCClosed
	close(vc.done)
	mode := vc.Mode
	key := vc.Key
	openKey := vc.openKey
	evacOffset := vc.evacOffset
	openReadOK := vc.openReadOK
	vc.mu.Unlock()

	if mode == VCModeWrite {
		vc.Volume.CloseWrite(key)
	} else {
		if evacOffset >= 0 {
			vc.Volume.evac.ReleaseReader(key, evacOffset)
		}
		if openReadOK {
			vc.Volume.CloseRead(openKey)
		}
	}
}

// Reenable schedules the VC on its volume's partition; a no-op if a
// schedule is already pending.
func (vc *VC) Reenable(sched *Scheduler, partitionIdx int, fn func()) {
	vc.mu.Lock()
	if vc.scheduled {
		vc.mu.Unlock()
		return
	}
	vc.scheduled = true
	vc.mu.Unlock()

	sched.Schedule(partitionIdx, func() {
		vc.mu.Lock()
		vc.scheduled = false
		vc.mu.Unlock()
		fn()
	})
}

// ReenableRe runs fn inline iff no I/O is in flight and this call is not
// itself a reentrant call from within fn (the recursion guard is the
// inFlight flag, set for the duration of fn's execution).
func (vc *VC) ReenableRe(fn func()) {
	vc.mu.Lock()
	if vc.inFlight {
		vc.mu.Unlock()
		return
	}
	vc.inFlight = true
	vc.mu.Unlock()

	fn()

	vc.mu.Lock()
	vc.inFlight = false
	vc.mu.Unlock()
}

// waitClosed blocks until DoIOClose has run, bounded by timeout; nothing
// in the package calls it at present.
func (vc *VC) waitClosed(timeout time.Duration) bool {
	select {
	case <-vc.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
