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
	"fmt"
	"hash/crc32"
)

const (
	docMagic      uint32 = 0x5F129B13
	docCorrupt    uint32 = 0
	docNoChecksum uint32 = 0xFFFFFFFF

	// docHeaderSize is the fixed, on-disk header size preceding the
	// hlen bytes of alternates and the payload.
	docHeaderSize = 4 + 4 + 8 + 16 + 16 + 4 + 1 + 1 + 1 + 1 + 4 + 4 + 4 + 4
)

// DocType discriminates what a fragment's payload holds.
type DocType uint8

const (
	DocTypeHTTP DocType = iota
	DocTypeRaw
)

// Doc is the on-disk record for one fragment: header + alternates + payload.
type Doc struct {
	Magic       uint32
	Len         uint32 // total length of this fragment incl. header+alternates, unrounded
	TotalLen    uint64 // total length of the logical object across all fragments
	FirstKey    Key
	FragKey     Key // = FirstKey for single-fragment objects
	HLen        uint32
	DocType     DocType
	VMajor      uint8
	VMinor      uint8
	SyncSerial  uint32
	WriteSerial uint32
	Pinned      uint32 // wall-clock deadline (unix seconds), or 0
	Checksum    uint32

	Alternates []byte // hlen bytes, opaque to this layer
	Payload    []byte
}

// DataLen is the payload length excluding header and alternates.
func (d *Doc) DataLen() int { return int(d.Len) - d.PrefixLen() }

// PrefixLen is the header + alternates length preceding the payload.
func (d *Doc) PrefixLen() int { return docHeaderSize + int(d.HLen) }

// padLen returns the zero-padding needed so the next Doc starts on a
// CacheBlockSize boundary.
func padLen(n int) int {
	rem := n % CacheBlockSize
	if rem == 0 {
		return 0
	}
	return CacheBlockSize - rem
}

// Marshal serializes the Doc (header, alternates, payload, then zero
// padding to the next cache-block boundary) and returns the bytes to
// write to disk; their length is the on-disk footprint including padding.
func (d *Doc) Marshal() []byte {
	d.HLen = uint32(len(d.Alternates))
	d.Len = uint32(docHeaderSize + len(d.Alternates) + len(d.Payload))
	d.Magic = docMagic

	buf := make([]byte, 0, int(d.Len)+padLen(int(d.Len)))
	hdr := make([]byte, docHeaderSize)
	o := 0
	binary.LittleEndian.PutUint32(hdr[o:], d.Magic)
	o += 4
	binary.LittleEndian.PutUint32(hdr[o:], d.Len)
	o += 4
	binary.LittleEndian.PutUint64(hdr[o:], d.TotalLen)
	o += 8
	for _, w := range d.FirstKey {
		binary.LittleEndian.PutUint32(hdr[o:], w)
		o += 4
	}
	for _, w := range d.FragKey {
		binary.LittleEndian.PutUint32(hdr[o:], w)
		o += 4
	}
	binary.LittleEndian.PutUint32(hdr[o:], d.HLen)
	o += 4
	hdr[o] = byte(d.DocType)
	o++
	hdr[o] = d.VMajor
	o++
	hdr[o] = d.VMinor
	o++
	hdr[o] = 0 // unused
	o++
	binary.LittleEndian.PutUint32(hdr[o:], d.SyncSerial)
	o += 4
	binary.LittleEndian.PutUint32(hdr[o:], d.WriteSerial)
	o += 4
	binary.LittleEndian.PutUint32(hdr[o:], d.Pinned)
	o += 4

	// checksum covers [hdr_start, hdr_start+len) i.e. header(minus the
	// checksum field itself) + alternates + payload
	if Settings.ChecksumEnabled {
		crc := crc32.NewIEEE()
		crc.Write(hdr[:o])
		crc.Write(d.Alternates)
		crc.Write(d.Payload)
		d.Checksum = crc.Sum32()
	} else {
		d.Checksum = docNoChecksum
	}
	binary.LittleEndian.PutUint32(hdr[o:], d.Checksum)
	o += 4

	buf = append(buf, hdr...)
	buf = append(buf, d.Alternates...)
	buf = append(buf, d.Payload...)
	if pad := padLen(len(buf)); pad > 0 {
		buf = append(buf, make([]byte, pad)...)
	}
	return buf
}

// UnmarshalDoc parses a Doc out of raw, which must contain at least the
// fixed header; the caller supplies enough bytes to cover hlen+payload or
// this returns ErrCorruptData for a short read.
func UnmarshalDoc(raw []byte) (*Doc, error) {
	if len(raw) < docHeaderSize {
		return nil, newErr(ErrCorruptData, Key{}, "short header")
	}
	d := &Doc{}
	o := 0
	d.Magic = binary.LittleEndian.Uint32(raw[o:])
	o += 4
	d.Len = binary.LittleEndian.Uint32(raw[o:])
	o += 4
	d.TotalLen = binary.LittleEndian.Uint64(raw[o:])
	o += 8
	for i := range d.FirstKey {
		d.FirstKey[i] = binary.LittleEndian.Uint32(raw[o:])
		o += 4
	}
	for i := range d.FragKey {
		d.FragKey[i] = binary.LittleEndian.Uint32(raw[o:])
		o += 4
	}
	d.HLen = binary.LittleEndian.Uint32(raw[o:])
	o += 4
	d.DocType = DocType(raw[o])
	o++
	d.VMajor = raw[o]
	o++
	d.VMinor = raw[o]
	o++
	o++ // unused
	d.SyncSerial = binary.LittleEndian.Uint32(raw[o:])
	o += 4
	d.WriteSerial = binary.LittleEndian.Uint32(raw[o:])
	o += 4
	d.Pinned = binary.LittleEndian.Uint32(raw[o:])
	o += 4
	d.Checksum = binary.LittleEndian.Uint32(raw[o:])
	o += 4

	if d.Magic != docMagic {
		return d, newErr(ErrCorruptData, d.FragKey, "bad magic")
	}
	if d.VMajor > Settings.MaxMajorVersion || d.VMinor > Settings.MaxMinorVersion {
		return d, newErr(ErrCorruptData, d.FragKey, "future version")
	}

	need := int(d.Len)
	if len(raw) < need {
		return d, newErr(ErrCorruptData, d.FragKey, "short body")
	}
	if docHeaderSize+int(d.HLen) > need {
		return d, newErr(ErrCorruptData, d.FragKey, "hlen exceeds fragment length")
	}
	d.Alternates = append([]byte(nil), raw[docHeaderSize:docHeaderSize+int(d.HLen)]...)
	d.Payload = append([]byte(nil), raw[docHeaderSize+int(d.HLen):d.Len]...)

	if Settings.ChecksumEnabled && d.Checksum != docNoChecksum {
		crc := crc32.NewIEEE()
		crc.Write(raw[0 : docHeaderSize-4])
		crc.Write(d.Alternates)
		crc.Write(d.Payload)
		if crc.Sum32() != d.Checksum {
			return d, newErr(ErrCorruptData, d.FragKey, "checksum mismatch")
		}
	}
	return d, nil
}

// Valid reports whether d passes the magic/version validity check. A
// minor version above the build's ceiling is as unreadable as a major
// bump: both are future formats, treated as corrupt. The checksum half
// of the invariant needs the raw on-disk bytes and is verified by
// UnmarshalDoc, which returns Corrupt-data on mismatch; Valid is for
// callers (e.g. recovery) that already unmarshalled successfully and
// want the remaining boolean.
func (d *Doc) Valid() bool {
	return d.Magic == docMagic &&
		d.VMajor <= Settings.MaxMajorVersion &&
		d.VMinor <= Settings.MaxMinorVersion
}

func (d *Doc) String() string {
	return fmt.Sprintf("Doc{key=%s len=%d total=%d type=%d}", d.FragKey, d.Len, d.TotalLen, d.DocType)
}

// unmarshalAlternates dispatches to one of two decoders based on the
// Doc's stored minor version, so an older persisted format survives an
// engine upgrade. Both versions here use the same simple
// length-prefixed encoding; v1 additionally stores a content-language tag
// and a Vary header map per alternate that v0 lacks, which is why two
// entry points exist at all.
func unmarshalAlternates(raw []byte, vminor uint8) ([]Alternate, error) {
	if vminor == 0 {
		return unmarshalAlternatesV0(raw)
	}
	return unmarshalAlternatesV1(raw)
}
