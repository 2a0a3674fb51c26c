package trace

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func TestNewWriterWritesHeader(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dec, err := zstd.NewReader(&buf)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer dec.Close()

	hdr := make([]byte, headerLength)
	if _, err := io.ReadFull(dec, hdr); err != nil {
		t.Fatalf("reading header: %v", err)
	}
	if got := binary.LittleEndian.Uint32(hdr[0:4]); got != magic {
		t.Errorf("magic = %#x, want %#x", got, uint32(magic))
	}
	if got := binary.LittleEndian.Uint32(hdr[4:8]); got != archX64 {
		t.Errorf("architecture = %d, want %d", got, archX64)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	code := []byte{0x48, 0x89, 0xf8, 0xc3} // arbitrary bytes, contents don't matter
	if err := w.Record(0x10004, code); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	dec, err := zstd.NewReader(&buf)
	if err != nil {
		t.Fatalf("zstd.NewReader: %v", err)
	}
	defer dec.Close()

	// skip the stream header
	if _, err := io.ReadFull(dec, make([]byte, headerLength)); err != nil {
		t.Fatalf("skipping header: %v", err)
	}

	recHdr := make([]byte, 16)
	if _, err := io.ReadFull(dec, recHdr); err != nil {
		t.Fatalf("reading record header: %v", err)
	}
	gotPC := binary.LittleEndian.Uint64(recHdr[0:8])
	gotSize := binary.LittleEndian.Uint64(recHdr[8:16])
	if gotPC != 0x10004 {
		t.Errorf("guestPC = %#x, want %#x", gotPC, 0x10004)
	}
	if gotSize != uint64(len(code)) {
		t.Errorf("size = %d, want %d", gotSize, len(code))
	}

	gotCode := make([]byte, gotSize)
	if _, err := io.ReadFull(dec, gotCode); err != nil {
		t.Fatalf("reading record body: %v", err)
	}
	for i := range code {
		if gotCode[i] != code[i] {
			t.Errorf("code[%d] = %#x, want %#x", i, gotCode[i], code[i])
		}
	}
}
