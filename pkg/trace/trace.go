// Package trace implements the code-dump telemetry stream: a zstd-compressed
// log of every (guestPC, codeBytes) pair as the code generator installs a
// block. Pure-Go zstd (github.com/klauspost/compress/zstd, grounded on its
// use in grafana-k6's gRPC compression plugin) is used in place of the
// pack's cgo-based DataDog/zstd binding to keep the engine free of cgo (see
// DESIGN.md); the generated-code path elsewhere in this engine already
// avoids cgo for the same reason.
package trace

import (
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/zstd"

	"rv64emu/pkg/errors"
)

const (
	magic        = 0xAB773ACF
	archX64      = 2
	headerLength = 8
)

// Writer appends (guestPC, codeBytes) records to an underlying zstd stream,
// flushing after every record so a run that's interrupted mid-stream still
// leaves a readable prefix.
type Writer struct {
	enc *zstd.Encoder
}

// NewWriter wraps w in a zstd encoder and writes the stream header.
func NewWriter(w io.Writer) (*Writer, error) {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return nil, errors.Wrap(err, "trace: creating zstd encoder")
	}
	var hdr [headerLength]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	binary.LittleEndian.PutUint32(hdr[4:8], archX64)
	if _, err := enc.Write(hdr[:]); err != nil {
		_ = enc.Close()
		return nil, errors.Wrap(err, "trace: writing stream header")
	}
	if err := enc.Flush(); err != nil {
		_ = enc.Close()
		return nil, errors.Wrap(err, "trace: flushing stream header")
	}
	return &Writer{enc: enc}, nil
}

// Record appends one {guestPC, size, codeBytes} entry and flushes.
func (w *Writer) Record(guestPC uint64, code []byte) error {
	var rec [16]byte
	binary.LittleEndian.PutUint64(rec[0:8], guestPC)
	binary.LittleEndian.PutUint64(rec[8:16], uint64(len(code)))
	if _, err := w.enc.Write(rec[:]); err != nil {
		return errors.Wrap(err, "trace: writing record header")
	}
	if _, err := w.enc.Write(code); err != nil {
		return errors.Wrap(err, "trace: writing record body")
	}
	if err := w.enc.Flush(); err != nil {
		return errors.Wrap(err, "trace: flushing record")
	}
	return nil
}

// Close finalizes the zstd stream.
func (w *Writer) Close() error {
	return w.enc.Close()
}
