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

	"golang.org/x/text/language"
)

// Alternate is one entry of a Doc's vary-negotiated alternates set. An
// object
// with a single representation has exactly one Alternate with an empty
// VaryHeaders map.
type Alternate struct {
	FragKey     Key               // key of the first fragment holding this alternate's body
	ContentType string
	Lang        language.Tag
	VaryHeaders map[string]string // request header name -> value this alternate was built for
	Length      int64
}

// matchLanguage scores how well a request's Accept-Language preference
// matches this alternate, used by selectAlternate to negotiate among
// several stored representations. Higher is
// better; zero means "no match".
func (a Alternate) matchLanguage(accept []language.Tag) float64 {
	if len(accept) == 0 || a.Lang == language.Und {
		return 1
	}
	matcher := language.NewMatcher(accept)
	_, _, conf := matcher.Match(a.Lang)
	switch conf {
	case language.Exact:
		return 1
	case language.High:
		return 0.8
	case language.Low:
		return 0.4
	default:
		return 0
	}
}

// selectAlternate picks the best-matching Alternate for a request whose
// Vary-relevant header values and Accept-Language preference are given.
// Returns ErrAltMiss if none of alts satisfies reqHeaders.
func selectAlternate(alts []Alternate, reqHeaders map[string]string, accept []language.Tag) (*Alternate, error) {
	var best *Alternate
	var bestScore float64
	for i := range alts {
		a := &alts[i]
		ok := true
		for h, v := range a.VaryHeaders {
			if reqHeaders[h] != v {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		score := a.matchLanguage(accept)
		if score <= 0 {
			continue
		}
		if best == nil || score > bestScore {
			best = a
			bestScore = score
		}
	}
	if best == nil {
		return nil, newErr(ErrAltMiss, Key{}, "no alternate matches request")
	}
	return best, nil
}

// marshalAlternatesV1 encodes alts in the current (v1) wire format: a
// count, then per-entry a fixed key + fixed-width fields + length-prefixed
// strings for content type, language tag, and vary headers.
func marshalAlternatesV1(alts []Alternate) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(len(alts)))
	for _, a := range alts {
		for _, w := range a.FragKey {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], w)
			buf = append(buf, b[:]...)
		}
		buf = append(buf, putString(a.ContentType)...)
		buf = append(buf, putString(a.Lang.String())...)
		var lb [8]byte
		binary.LittleEndian.PutUint64(lb[:], uint64(a.Length))
		buf = append(buf, lb[:]...)
		var cnt [4]byte
		binary.LittleEndian.PutUint32(cnt[:], uint32(len(a.VaryHeaders)))
		buf = append(buf, cnt[:]...)
		for k, v := range a.VaryHeaders {
			buf = append(buf, putString(k)...)
			buf = append(buf, putString(v)...)
		}
	}
	return buf
}

func putString(s string) []byte {
	out := make([]byte, 4+len(s))
	binary.LittleEndian.PutUint32(out, uint32(len(s)))
	copy(out[4:], s)
	return out
}

func getString(raw []byte, off int) (string, int, error) {
	if off+4 > len(raw) {
		return "", off, fmt.Errorf("objcache: truncated alternates string length")
	}
	n := int(binary.LittleEndian.Uint32(raw[off:]))
	off += 4
	if off+n > len(raw) {
		return "", off, fmt.Errorf("objcache: truncated alternates string body")
	}
	return string(raw[off : off+n]), off + n, nil
}

// unmarshalAlternatesV1 decodes the current format written by
// marshalAlternatesV1.
func unmarshalAlternatesV1(raw []byte) ([]Alternate, error) {
	if len(raw) < 4 {
		if len(raw) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("objcache: truncated alternates header")
	}
	count := int(binary.LittleEndian.Uint32(raw))
	off := 4
	out := make([]Alternate, 0, count)
	for i := 0; i < count; i++ {
		var a Alternate
		for j := range a.FragKey {
			if off+4 > len(raw) {
				return nil, fmt.Errorf("objcache: truncated alternate key")
			}
			a.FragKey[j] = binary.LittleEndian.Uint32(raw[off:])
			off += 4
		}
		var err error
		a.ContentType, off, err = getString(raw, off)
		if err != nil {
			return nil, err
		}
		var langStr string
		langStr, off, err = getString(raw, off)
		if err != nil {
			return nil, err
		}
		if langStr != "" {
			tag, perr := language.Parse(langStr)
			if perr == nil {
				a.Lang = tag
			}
		}
		if off+8 > len(raw) {
			return nil, fmt.Errorf("objcache: truncated alternate length")
		}
		a.Length = int64(binary.LittleEndian.Uint64(raw[off:]))
		off += 8
		if off+4 > len(raw) {
			return nil, fmt.Errorf("objcache: truncated alternate vary count")
		}
		vc := int(binary.LittleEndian.Uint32(raw[off:]))
		off += 4
		if vc > 0 {
			a.VaryHeaders = make(map[string]string, vc)
		}
		for k := 0; k < vc; k++ {
			var key, val string
			key, off, err = getString(raw, off)
			if err != nil {
				return nil, err
			}
			val, off, err = getString(raw, off)
			if err != nil {
				return nil, err
			}
			a.VaryHeaders[key] = val
		}
		out = append(out, a)
	}
	return out, nil
}

// unmarshalAlternatesV0 decodes the legacy format: identical to v1 except
// it carries no language tag and no Vary header map at all (every fragment
// written under the v0 minor version predates per-header negotiation and
// is treated as a single, headerless alternate).
func unmarshalAlternatesV0(raw []byte) ([]Alternate, error) {
	if len(raw) < 4 {
		if len(raw) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("objcache: truncated v0 alternates header")
	}
	count := int(binary.LittleEndian.Uint32(raw))
	off := 4
	out := make([]Alternate, 0, count)
	for i := 0; i < count; i++ {
		var a Alternate
		for j := range a.FragKey {
			if off+4 > len(raw) {
				return nil, fmt.Errorf("objcache: truncated v0 alternate key")
			}
			a.FragKey[j] = binary.LittleEndian.Uint32(raw[off:])
			off += 4
		}
		var err error
		a.ContentType, off, err = getString(raw, off)
		if err != nil {
			return nil, err
		}
		if off+8 > len(raw) {
			return nil, fmt.Errorf("objcache: truncated v0 alternate length")
		}
		a.Length = int64(binary.LittleEndian.Uint64(raw[off:]))
		off += 8
		out = append(out, a)
	}
	return out, nil
}
