package cache

import (
	"testing"

	"golang.org/x/text/language"
)

func sampleAlternates() []Alternate {
	return []Alternate{
		{
			FragKey:     NewKey([]byte("alt-en")),
			ContentType: "text/html",
			Lang:        language.AmericanEnglish,
			VaryHeaders: map[string]string{"Accept-Encoding": "gzip"},
			Length:      1234,
		},
		{
			FragKey:     NewKey([]byte("alt-de")),
			ContentType: "text/html",
			Lang:        language.German,
			VaryHeaders: map[string]string{"Accept-Encoding": "identity"},
			Length:      2345,
		},
	}
}

func TestAlternatesV1Roundtrip(t *testing.T) {
	alts := sampleAlternates()
	raw := marshalAlternatesV1(alts)
	got, err := unmarshalAlternatesV1(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != len(alts) {
		t.Fatalf("count: got %d want %d", len(got), len(alts))
	}
	for i := range alts {
		if got[i].FragKey != alts[i].FragKey {
			t.Errorf("alt %d: key mismatch", i)
		}
		if got[i].ContentType != alts[i].ContentType {
			t.Errorf("alt %d: content type %q != %q", i, got[i].ContentType, alts[i].ContentType)
		}
		if got[i].Length != alts[i].Length {
			t.Errorf("alt %d: length %d != %d", i, got[i].Length, alts[i].Length)
		}
		for k, v := range alts[i].VaryHeaders {
			if got[i].VaryHeaders[k] != v {
				t.Errorf("alt %d: vary header %s lost", i, k)
			}
		}
	}
}

func TestAlternatesEmpty(t *testing.T) {
	got, err := unmarshalAlternates(nil, 1)
	if err != nil || len(got) != 0 {
		t.Errorf("empty alternates: got %v, %v", got, err)
	}
}

func TestAlternatesV0Decode(t *testing.T) {
	// hand-build a v0 image: count, then per entry key + content type +
	// length, no vary map
	k := NewKey([]byte("legacy"))
	raw := make([]byte, 0, 64)
	raw = append(raw, 1, 0, 0, 0)
	for _, w := range k {
		raw = append(raw, byte(w), byte(w>>8), byte(w>>16), byte(w>>24))
	}
	raw = append(raw, putString("text/plain")...)
	raw = append(raw, 0x39, 0x05, 0, 0, 0, 0, 0, 0) // length 1337

	got, err := unmarshalAlternates(raw, 0)
	if err != nil {
		t.Fatalf("v0 decode: %v", err)
	}
	if len(got) != 1 || got[0].FragKey != k || got[0].ContentType != "text/plain" || got[0].Length != 1337 {
		t.Errorf("v0 decode wrong: %+v", got)
	}
	if got[0].VaryHeaders != nil {
		t.Errorf("v0 alternates must carry no vary headers")
	}
}

func TestSelectAlternateVary(t *testing.T) {
	alts := sampleAlternates()

	best, err := selectAlternate(alts, map[string]string{"Accept-Encoding": "identity"}, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if best.Length != 2345 {
		t.Errorf("selected wrong alternate: %+v", best)
	}
}

func TestSelectAlternateLanguage(t *testing.T) {
	alts := sampleAlternates()
	// both vary sets must match for language to be the tiebreaker
	for i := range alts {
		alts[i].VaryHeaders = nil
	}

	best, err := selectAlternate(alts, map[string]string{}, []language.Tag{language.German})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if best.Lang != language.German {
		t.Errorf("language negotiation picked %v", best.Lang)
	}
}

func TestSelectAlternateMiss(t *testing.T) {
	alts := sampleAlternates()
	_, err := selectAlternate(alts, map[string]string{"Accept-Encoding": "br"}, nil)
	if Code(err) != ErrAltMiss {
		t.Errorf("expected alt-miss, got %v", err)
	}
}

func TestAlternatesTruncated(t *testing.T) {
	raw := marshalAlternatesV1(sampleAlternates())
	if _, err := unmarshalAlternatesV1(raw[:len(raw)/2]); err == nil {
		t.Errorf("truncated image must fail to decode")
	}
}
