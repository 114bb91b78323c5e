// Package sandbox runs plugin transforms in subprocess workers. The
// orchestrator keeps the data (see package secure); workers receive rows
// plus an opaque proxy handle over a length-prefixed msgpack stream on
// stdin/stdout, and never open sockets of their own. UID separation between
// orchestrator and worker is deployment configuration, not something this
// package arranges.
package sandbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MaxFrameSize caps a single IPC frame. A frame larger than this is a
// protocol violation, not a big batch: batches that large should have been
// split upstream.
const MaxFrameSize = 64 << 20

// Request asks a worker to run one named transform over a batch of rows.
// ProxyID identifies the orchestrator-held frame the rows came from; the
// worker echoes it back in telemetry but can do nothing with it except
// return it.
type Request struct {
	ID        uint64           `msgpack:"id"`
	Transform string           `msgpack:"transform"`
	ProxyID   string           `msgpack:"proxy_id"`
	Rows      []map[string]any `msgpack:"rows"`
	Config    map[string]any   `msgpack:"config"`
}

// Response carries the transformed rows back, or the failure that prevented
// them. Exactly one of OK or Exception is meaningful.
type Response struct {
	ID        uint64           `msgpack:"id"`
	OK        bool             `msgpack:"ok"`
	Rows      []map[string]any `msgpack:"rows"`
	Exception *ExceptionResult `msgpack:"exception"`
}

// ExceptionResult is how a worker-side failure crosses the process
// boundary: recovered panics, unknown transform names, and transform errors
// all arrive as one of these and are re-raised by the pool.
type ExceptionResult struct {
	Type      string `msgpack:"type"`
	Message   string `msgpack:"message"`
	Traceback string `msgpack:"traceback"`
}

func (e *ExceptionResult) Error() string {
	return fmt.Sprintf("worker %s: %s", e.Type, e.Message)
}

// WriteFrame encodes v as msgpack and writes it with a 4-byte big-endian
// length prefix.
func WriteFrame(w io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding ipc frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("ipc frame of %d bytes exceeds the %d byte limit", len(data), MaxFrameSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("writing ipc frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("writing ipc frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame into v. A clean end of stream
// (no header bytes at all) returns io.EOF untouched so callers can tell an
// orderly shutdown from a truncated frame.
func ReadFrame(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("reading ipc frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return fmt.Errorf("ipc frame of %d bytes exceeds the %d byte limit", size, MaxFrameSize)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("reading ipc frame body: %w", err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding ipc frame: %w", err)
	}
	return nil
}
