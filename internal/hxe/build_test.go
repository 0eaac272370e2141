package hxe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
)

// imageBuilder assembles raw ".hxe" bytes for tests, standing in for the
// MVASM linker (an out-of-scope collaborator per §1).
type imageBuilder struct {
	version uint16
	flags   uint16
	entry   uint32
	code    []byte
	rodata  []byte
	appName string
}

func newV1Builder() *imageBuilder {
	return &imageBuilder{version: 1, code: []byte{0, 0, 0, 0}}
}

func newV2Builder() *imageBuilder {
	return &imageBuilder{version: 2, code: []byte{0, 0, 0, 0}, appName: "demo"}
}

func (b *imageBuilder) build(t *testing.T) []byte {
	t.Helper()

	headerSize := HeaderSizeV1
	if b.version == 2 {
		headerSize = HeaderSizeV2
	}

	buf := make([]byte, headerSize)
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], b.version)
	binary.BigEndian.PutUint16(buf[6:8], b.flags)
	binary.BigEndian.PutUint32(buf[8:12], b.entry)
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(b.code)))
	binary.BigEndian.PutUint32(buf[16:20], uint32(len(b.rodata)))
	binary.BigEndian.PutUint32(buf[20:24], 0) // bss_size
	binary.BigEndian.PutUint32(buf[24:28], 0) // req_caps

	if b.version == 2 {
		copy(buf[32:64], b.appName)
		// meta_offset/meta_count stay zero: no metadata sections.
	}

	buf = append(buf, b.code...)
	buf = append(buf, b.rodata...)

	prefix := make([]byte, HeaderSizeV1)
	copy(prefix, buf[:HeaderSizeV1])
	binary.BigEndian.PutUint32(prefix[28:32], 0)

	h := crc32.New(crc32.IEEETable)
	h.Write(prefix)
	h.Write(b.code)
	h.Write(b.rodata)
	binary.BigEndian.PutUint32(buf[28:32], h.Sum32())

	return buf
}

func TestParseV1RoundTrip(t *testing.T) {
	b := newV1Builder()
	b.code = []byte{0x01, 0x02, 0x03, 0x04}
	raw := b.build(t)

	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if img.Version != 1 {
		t.Errorf("Version = %d, want 1", img.Version)
	}
	if !bytes.Equal(img.Code, b.code) {
		t.Errorf("Code = %x, want %x", img.Code, b.code)
	}
}

func TestParseV2AppName(t *testing.T) {
	b := newV2Builder()
	raw := b.build(t)

	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if img.AppName != "demo" {
		t.Errorf("AppName = %q, want %q", img.AppName, "demo")
	}
	if img.AllowMultipleInstances {
		t.Error("AllowMultipleInstances should default false")
	}
}

func TestParseCrcMismatch(t *testing.T) {
	b := newV1Builder()
	raw := b.build(t)
	raw[len(raw)-1] ^= 0xFF // corrupt last rodata/code byte... but code len 4, rodata 0

	if _, err := Parse(raw); err == nil {
		t.Fatal("expected crc mismatch error")
	}
}

func TestParseUnsupportedVersion(t *testing.T) {
	b := newV1Builder()
	b.version = 7
	raw := b.build(t)

	_, err := Parse(raw)
	var verr *UnsupportedVersionError
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.As(err, &verr) {
		t.Fatalf("expected UnsupportedVersionError, got %v", err)
	}
	if verr.Version != 7 {
		t.Errorf("Version = %d, want 7", verr.Version)
	}
}

func TestParseBadAlignment(t *testing.T) {
	b := newV1Builder()
	b.code = []byte{0x01, 0x02, 0x03} // 3 bytes, not a multiple of 4
	raw := b.build(t)

	if _, err := Parse(raw); err == nil {
		t.Fatal("expected bad alignment error")
	}
}

func TestParseEntryOutOfRange(t *testing.T) {
	b := newV1Builder()
	b.entry = 100 // beyond 4-byte code
	raw := b.build(t)

	if _, err := Parse(raw); err == nil {
		t.Fatal("expected entry out of range error")
	}
}

func TestParseEmptyRodataCrc(t *testing.T) {
	b := newV1Builder()
	b.rodata = nil
	raw := b.build(t)

	if _, err := Parse(raw); err != nil {
		t.Fatalf("Parse with empty rodata: %v", err)
	}
}
