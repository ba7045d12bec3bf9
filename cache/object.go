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

// Multi-fragment objects: a write larger than MaxFragmentSize splits
// into several Docs sharing first_key; every fragment after the head
// gets a derived key so each has its own directory entry.

// fragmentKey derives the key of fragment i of the object rooted at
// first. Fragment 0 is the first key itself; later fragments offset the
// low word, which feeds only slice64(0), the volume selector. All
// fragments of an object therefore share the head's segment, bucket and
// tag, and a probe tells them apart by the full FragKey check.
func fragmentKey(first Key, i int) Key {
	if i == 0 {
		return first
	}
	k := first
	k[0] += uint32(i)
	return k
}

// WriteObject writes payload as one or more fragments under key,
// honoring Settings.MaxFragmentSize, wrapped in the open_write/close
// protocol. Every fragment records the object's total length; only the
// head fragment carries the alternates vector.
func (v *Volume) WriteObject(key Key, payload []byte, docType DocType, alts []Alternate, options WriteOption, pin uint32) error {
	vc, err := v.OpenWriteVC(key, int64(len(payload)), options, pin, 0)
	if err != nil {
		return err
	}
	defer vc.DoIOClose(nil)

	frag := Settings.MaxFragmentSize
	if frag <= 0 || int64(len(payload)) <= frag {
		return vc.Write(payload, key, int64(len(payload)), docType, alts)
	}

	total := int64(len(payload))
	for i, off := 0, int64(0); off < total; i++ {
		end := off + frag
		if end > total {
			end = total
		}
		vc.mu.Lock()
		vc.FragKey = fragmentKey(key, i)
		vc.mu.Unlock()
		var fragAlts []Alternate
		if i == 0 {
			fragAlts = alts
		}
		if err := vc.Write(payload[off:end], key, total, docType, fragAlts); err != nil {
			return err
		}
		off = end
	}
	return nil
}

// NextFragment advances a read VC to fragment index+1 of its object,
// probing the derived key and loading its Doc. Returns No-doc when the
// object has no further fragment.
func (vc *VC) NextFragment(index int) error {
	vc.mu.Lock()
	if vc.closed {
		vc.mu.Unlock()
		return newErr(ErrDocBusy, vc.Key, "vc closed")
	}
	first := vc.doc.FirstKey
	old := vc.Key
	oldEvac := vc.evacOffset
	vc.Key = fragmentKey(first, index)
	vc.lastCollision = -1
	vc.readPos = 0
	vc.evacOffset = -1
	vc.mu.Unlock()

	if oldEvac >= 0 {
		vc.Volume.evac.ReleaseReader(old, oldEvac)
	}
	err := vc.probeAndLoad()
	if err != nil {
		vc.mu.Lock()
		vc.Key = old
		vc.mu.Unlock()
	}
	return err
}

// ReadObject reassembles a whole logical object: the head fragment
// (negotiated through reqHeaders/accept when alternates are present)
// followed by every body fragment, in order.
func (v *Volume) ReadObject(key Key, reqHeaders map[string]string, accept []language.Tag) ([]byte, error) {
	vc, err := v.OpenReadVC(key, reqHeaders, accept)
	if err != nil {
		return nil, err
	}
	defer vc.DoIOClose(nil)

	total := int64(vc.doc.TotalLen)
	out := make([]byte, 0, total)
	out = append(out, vc.doc.Payload...)
	for i := 1; int64(len(out)) < total; i++ {
		if err := vc.NextFragment(i); err != nil {
			return nil, err
		}
		out = append(out, vc.doc.Payload...)
	}
	return out, nil
}
