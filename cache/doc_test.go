package cache

import (
	"bytes"
	"testing"
)

func sampleDoc(payload []byte) *Doc {
	k := NewKey([]byte("sample"))
	return &Doc{
		TotalLen: uint64(len(payload)),
		FirstKey: k,
		FragKey:  k,
		DocType:  DocTypeRaw,
		VMajor:   Settings.MaxMajorVersion,
		VMinor:   Settings.MaxMinorVersion,
		Payload:  payload,
	}
}

func TestDocMarshalRoundtrip(t *testing.T) {
	withSettings(t, testConfig())

	payload := []byte("the quick brown fox jumps over the lazy dog")
	d := sampleDoc(payload)
	raw := d.Marshal()

	if len(raw)%CacheBlockSize != 0 {
		t.Errorf("marshaled doc not padded to cache block: %d bytes", len(raw))
	}

	got, err := UnmarshalDoc(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.FragKey != d.FragKey || got.FirstKey != d.FirstKey {
		t.Errorf("keys changed across roundtrip")
	}
	if got.TotalLen != d.TotalLen {
		t.Errorf("total_len: got %d want %d", got.TotalLen, d.TotalLen)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("payload changed across roundtrip")
	}
	if got.DataLen() != len(payload) {
		t.Errorf("DataLen: got %d want %d", got.DataLen(), len(payload))
	}
	if got.PrefixLen() != docHeaderSize {
		t.Errorf("PrefixLen: got %d want %d", got.PrefixLen(), docHeaderSize)
	}
}

func TestDocCorruptMagic(t *testing.T) {
	withSettings(t, testConfig())

	raw := sampleDoc([]byte("payload")).Marshal()
	raw[0] ^= 0xff
	if _, err := UnmarshalDoc(raw); Code(err) != ErrCorruptData {
		t.Errorf("expected corrupt-data for bad magic, got %v", err)
	}
}

func TestDocChecksumMismatch(t *testing.T) {
	withSettings(t, testConfig())

	d := sampleDoc([]byte("some payload bytes to damage"))
	raw := d.Marshal()
	raw[docHeaderSize+3] ^= 0x01 // flip one payload byte
	if _, err := UnmarshalDoc(raw); Code(err) != ErrCorruptData {
		t.Errorf("expected corrupt-data for checksum mismatch, got %v", err)
	}
}

func TestDocChecksumDisabled(t *testing.T) {
	c := testConfig()
	c.ChecksumEnabled = false
	withSettings(t, c)

	d := sampleDoc([]byte("unverified"))
	raw := d.Marshal()
	got, err := UnmarshalDoc(raw)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Checksum != docNoChecksum {
		t.Errorf("expected DOC_NO_CHECKSUM sentinel, got %08x", got.Checksum)
	}
}

func TestDocFutureVersion(t *testing.T) {
	withSettings(t, testConfig())

	d := sampleDoc([]byte("from the future"))
	d.VMajor = Settings.MaxMajorVersion + 1
	raw := d.Marshal()
	if _, err := UnmarshalDoc(raw); Code(err) != ErrCorruptData {
		t.Errorf("expected corrupt-data for future major version, got %v", err)
	}
	if d.Valid() {
		t.Errorf("future-major doc must not be Valid")
	}

	// a minor bump past the build's ceiling is just as unreadable
	d = sampleDoc([]byte("minor from the future"))
	d.VMinor = Settings.MaxMinorVersion + 1
	raw = d.Marshal()
	if _, err := UnmarshalDoc(raw); Code(err) != ErrCorruptData {
		t.Errorf("expected corrupt-data for future minor version, got %v", err)
	}
	if d.Valid() {
		t.Errorf("future-minor doc must not be Valid")
	}

	// an older minor still decodes (the migration read path)
	d = sampleDoc([]byte("legacy minor"))
	d.VMinor = 0
	raw = d.Marshal()
	if _, err := UnmarshalDoc(raw); err != nil {
		t.Errorf("older minor version must remain readable: %v", err)
	}
}

func TestDocShortRead(t *testing.T) {
	withSettings(t, testConfig())

	raw := sampleDoc(bytes.Repeat([]byte("x"), 2000)).Marshal()
	if _, err := UnmarshalDoc(raw[:docHeaderSize-1]); Code(err) != ErrCorruptData {
		t.Errorf("expected corrupt-data for short header")
	}
	if _, err := UnmarshalDoc(raw[:docHeaderSize+100]); Code(err) != ErrCorruptData {
		t.Errorf("expected corrupt-data for short body")
	}
}
