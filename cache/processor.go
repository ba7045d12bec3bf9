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
	"golang.org/x/text/language"
)

// EventType tags the completion events the processor API fires on a
// caller's continuation. The synchronous methods below return
// (value, error) directly; the *Async variants deliver these events on
// the owning volume's scheduler partition for callers structured around
// a continuation style.
type EventType int

const (
	EventLookup EventType = iota
	EventLookupFailed
	EventOpenRead
	EventOpenReadFailed
	EventOpenWrite
	EventOpenWriteFailed
	EventRemove
	EventRemoveFailed
)

// Event is one completion notification.
type Event struct {
	Type EventType
	VC   *VC
	Err  error
}

// Lookup answers whether key has a live directory entry on its owning
// volume.
func (e *Engine) Lookup(key Key) error {
	v := e.VolumeFor(key)
	if v == nil {
		return newErr(ErrNoDoc, key, "no volumes")
	}
	return v.Lookup(key)
}

// OpenRead opens key for reading on its owning volume.
func (e *Engine) OpenRead(key Key) (*VC, error) {
	v := e.VolumeFor(key)
	if v == nil {
		return nil, newErr(ErrNoDoc, key, "no volumes")
	}
	return v.OpenReadVC(key, nil, nil)
}

// OpenReadHTTP is the HTTP-aware open_read variant: it negotiates among
// the stored alternates using the request's Vary-relevant headers and
// Accept-Language preference.
func (e *Engine) OpenReadHTTP(key Key, reqHeaders map[string]string, accept []language.Tag) (*VC, error) {
	v := e.VolumeFor(key)
	if v == nil {
		return nil, newErr(ErrNoDoc, key, "no volumes")
	}
	return v.OpenReadVC(key, reqHeaders, accept)
}

// OpenWrite opens key for writing.
func (e *Engine) OpenWrite(key Key, expectedSize int64, options WriteOption, pin uint32) (*VC, error) {
	v := e.VolumeFor(key)
	if v == nil {
		return nil, newErr(ErrNoSpace, key, "no volumes")
	}
	return v.OpenWriteVC(key, expectedSize, options, pin, 0)
}

// Remove deletes key from its owning volume.
func (e *Engine) Remove(key Key) error {
	v := e.VolumeFor(key)
	if v == nil {
		return newErr(ErrNoDoc, key, "no volumes")
	}
	return v.Remove(key)
}

// Scan streams every live object across all volumes at kbPerSecond,
// terminated by one ScanDone event.
func (e *Engine) Scan(kbPerSecond int, stop <-chan struct{}) <-chan ScanEvent {
	out := make(chan ScanEvent, 16)
	go func() {
		defer close(out)
		for _, v := range e.Volumes {
			for ev := range v.Scan(kbPerSecond, stop) {
				if ev.ScanDone {
					break // per-volume terminator, not the stream's
				}
				select {
				case out <- ev:
				case <-stop:
					return
				}
			}
		}
		select {
		case out <- ScanEvent{ScanDone: true}:
		case <-stop:
		}
	}()
	return out
}

// partitionOf picks the scheduler partition owning key's volume.
func (e *Engine) partitionOf(key Key) int {
	v := e.VolumeFor(key)
	if v == nil {
		return 0
	}
	return e.Scheduler.PartitionFor(v.ID.String())
}

// LookupAsync runs lookup on the owning volume's partition and fires
// LOOKUP or LOOKUP_FAILED on cont.
func (e *Engine) LookupAsync(cont func(Event), key Key) {
	e.Scheduler.Schedule(e.partitionOf(key), func() {
		if err := e.Lookup(key); err != nil {
			cont(Event{Type: EventLookupFailed, Err: err})
			return
		}
		cont(Event{Type: EventLookup})
	})
}

// OpenReadAsync fires OPEN_READ (carrying the VC) or OPEN_READ_FAILED.
func (e *Engine) OpenReadAsync(cont func(Event), key Key) {
	e.Scheduler.Schedule(e.partitionOf(key), func() {
		vc, err := e.OpenRead(key)
		if err != nil {
			cont(Event{Type: EventOpenReadFailed, Err: err})
			return
		}
		cont(Event{Type: EventOpenRead, VC: vc})
	})
}

// OpenWriteAsync fires OPEN_WRITE (carrying the VC) or OPEN_WRITE_FAILED.
func (e *Engine) OpenWriteAsync(cont func(Event), key Key, expectedSize int64, options WriteOption, pin uint32) {
	e.Scheduler.Schedule(e.partitionOf(key), func() {
		vc, err := e.OpenWrite(key, expectedSize, options, pin)
		if err != nil {
			cont(Event{Type: EventOpenWriteFailed, Err: err})
			return
		}
		cont(Event{Type: EventOpenWrite, VC: vc})
	})
}

// RemoveAsync fires REMOVE or REMOVE_FAILED.
func (e *Engine) RemoveAsync(cont func(Event), key Key) {
	e.Scheduler.Schedule(e.partitionOf(key), func() {
		if err := e.Remove(key); err != nil {
			cont(Event{Type: EventRemoveFailed, Err: err})
			return
		}
		cont(Event{Type: EventRemove})
	})
}
