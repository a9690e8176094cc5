// Package loader provides classified instruction trace loading.
package loader

import (
	"bufio"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sarchlab/bcsim/insts"
)

// Source produces instructions in program order.
// Next returns io.EOF once the trace is exhausted.
type Source interface {
	Next() (*insts.Instruction, error)
}

// TraceReader decodes records from a stream. It holds one record of
// lookahead so the target of a taken branch can be taken from the address
// of the following record.
type TraceReader struct {
	r       io.Reader
	closer  io.Closer
	decoder *insts.Decoder
	buf     []byte
	pending *insts.Instruction
	count   uint64
	done    bool
}

// NewTraceReader creates a reader over raw, uncompressed records.
func NewTraceReader(r io.Reader) *TraceReader {
	return &TraceReader{
		r:       bufio.NewReader(r),
		decoder: insts.NewDecoder(),
		buf:     make([]byte, insts.RecordSize),
	}
}

// Open opens a trace file. Files ending in .gz are decompressed.
func Open(path string) (*TraceReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to open gzip trace: %w", err)
		}
		r = gz
	}

	tr := NewTraceReader(r)
	tr.closer = f
	return tr, nil
}

// Close releases the underlying file, if any.
func (t *TraceReader) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// Count returns the number of records decoded so far.
func (t *TraceReader) Count() uint64 {
	return t.count
}

func (t *TraceReader) readOne() (*insts.Instruction, error) {
	_, err := io.ReadFull(t.r, t.buf)
	if errors.Is(err, io.EOF) {
		return nil, io.EOF
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trace record %d: %w", t.count, err)
	}

	rec, err := insts.ParseRecord(t.buf)
	if err != nil {
		return nil, fmt.Errorf("record %d: %w", t.count, err)
	}

	t.count++
	return t.decoder.Decode(rec), nil
}

// Next returns the next instruction.
func (t *TraceReader) Next() (*insts.Instruction, error) {
	if t.done {
		return nil, io.EOF
	}

	if t.pending == nil {
		first, err := t.readOne()
		if err != nil {
			t.done = errors.Is(err, io.EOF)
			return nil, err
		}
		t.pending = first
	}

	cur := t.pending
	next, err := t.readOne()
	switch {
	case errors.Is(err, io.EOF):
		t.pending = nil
		t.done = true
	case err != nil:
		return nil, err
	default:
		t.pending = next
		if cur.IsBranch && cur.Taken {
			cur.Target = next.PC
		}
	}

	return cur, nil
}

// SliceSource replays a fixed instruction list. Instructions are cloned so
// the same list can feed several cores.
type SliceSource struct {
	instrs []*insts.Instruction
	pos    int
}

// NewSliceSource creates a source over instrs.
func NewSliceSource(instrs []*insts.Instruction) *SliceSource {
	return &SliceSource{instrs: instrs}
}

// Next returns the next instruction.
func (s *SliceSource) Next() (*insts.Instruction, error) {
	if s.pos >= len(s.instrs) {
		return nil, io.EOF
	}
	inst := s.instrs[s.pos].Clone()
	s.pos++
	return inst, nil
}

// Remaining returns the number of instructions not yet produced.
func (s *SliceSource) Remaining() int {
	return len(s.instrs) - s.pos
}

// WriteTrace encodes records to w.
func WriteTrace(w io.Writer, records []insts.Record) error {
	bw := bufio.NewWriter(w)
	buf := make([]byte, 0, insts.RecordSize)
	for i, r := range records {
		buf = insts.AppendRecord(buf[:0], r)
		if _, err := bw.Write(buf); err != nil {
			return fmt.Errorf("failed to write trace record %d: %w", i, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush trace: %w", err)
	}
	return nil
}
