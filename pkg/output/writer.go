package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer outputs JSONL records for a supervised job.
//
// Implementations must be safe for concurrent use from multiple
// goroutines. Each Write* method emits a complete record as a
// single line of JSON followed by a newline.
type Writer interface {
	WriteState(ctx context.Context, rec *StateRecord) error
	WriteMembership(ctx context.Context, rec *MembershipRecord) error
	WriteCheckpoint(ctx context.Context, rec *CheckpointRecord) error
	WriteArchive(ctx context.Context, rec *ArchiveRecord) error
	WriteError(ctx context.Context, rec *ErrorRecord) error
	WriteSummary(ctx context.Context, rec *SummaryRecord) error

	// Close flushes any buffered output and releases resources.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
//
// Writes are serialized using a mutex to ensure atomic line writes.
type JSONLWriter struct {
	w      io.Writer
	jobID  string
	engine string
	mu     sync.Mutex

	closed bool
}

// NewJSONLWriter creates a new JSONL writer.
//
// Parameters:
//   - w: The underlying writer (stdout, file, etc.)
//   - jobID: Correlation ID for the job
//   - engine: Engine profile name (e.g., "dmtcp")
func NewJSONLWriter(w io.Writer, jobID, engine string) *JSONLWriter {
	return &JSONLWriter{
		w:      w,
		jobID:  jobID,
		engine: engine,
	}
}

func (jw *JSONLWriter) WriteState(ctx context.Context, rec *StateRecord) error {
	return jw.writeRecord(ctx, TypeState, rec)
}

func (jw *JSONLWriter) WriteMembership(ctx context.Context, rec *MembershipRecord) error {
	return jw.writeRecord(ctx, TypeMembership, rec)
}

func (jw *JSONLWriter) WriteCheckpoint(ctx context.Context, rec *CheckpointRecord) error {
	return jw.writeRecord(ctx, TypeCheckpoint, rec)
}

func (jw *JSONLWriter) WriteArchive(ctx context.Context, rec *ArchiveRecord) error {
	return jw.writeRecord(ctx, TypeArchive, rec)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, rec *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, rec)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, rec *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, rec)
}

// Close marks the writer as closed.
//
// If the underlying writer implements io.Closer, it is NOT closed.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	record := Record{
		Type:   recordType,
		TS:     time.Now().UTC(),
		JobID:  jw.jobID,
		Engine: jw.engine,
		Data:   dataBytes,
	}

	recordBytes, err := json.Marshal(record)
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may return a short write with a nil error; a truncated line
	// would corrupt the stream.
	recordBytes = append(recordBytes, '\n')
	if err := writeAll(jw.w, recordBytes); err != nil {
		return &WriteError{Op: "write", Err: err}
	}

	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

// Nop returns a Writer that discards everything.
func Nop() Writer {
	return nopWriter{}
}

type nopWriter struct{}

func (nopWriter) WriteState(context.Context, *StateRecord) error           { return nil }
func (nopWriter) WriteMembership(context.Context, *MembershipRecord) error { return nil }
func (nopWriter) WriteCheckpoint(context.Context, *CheckpointRecord) error { return nil }
func (nopWriter) WriteArchive(context.Context, *ArchiveRecord) error       { return nil }
func (nopWriter) WriteError(context.Context, *ErrorRecord) error           { return nil }
func (nopWriter) WriteSummary(context.Context, *SummaryRecord) error       { return nil }
func (nopWriter) Close() error                                             { return nil }

// Compile-time check that JSONLWriter implements Writer.
var _ Writer = (*JSONLWriter)(nil)
