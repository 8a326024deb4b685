package trace

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Sink is a pluggable trace destination: a batch of rows arrives via
// Export, in the order the background worker drained them from its
// channel, and Close flushes and releases any underlying resource.
type Sink interface {
	Export(entries []Entry) error
	Close() error
}

// NoopSink discards every row; used when --output-trace is unset.
type NoopSink struct{}

func (NoopSink) Export([]Entry) error { return nil }
func (NoopSink) Close() error         { return nil }

// WriterSink writes CSV rows to an io.Writer via encoding/csv, writing
// the header once on the first Export call.
type WriterSink struct {
	cw          *csv.Writer
	mu          sync.Mutex
	wroteHeader bool
}

var csvHeaderFields = strings.Split(CSVHeader, ",")

// NewWriterSink returns a Sink that writes CSV to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{cw: csv.NewWriter(w)}
}

func (s *WriterSink) Export(entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.wroteHeader {
		if err := s.cw.Write(csvHeaderFields); err != nil {
			return fmt.Errorf("writing trace header: %w", err)
		}
		s.wroteHeader = true
	}
	for _, e := range entries {
		if err := s.cw.Write(e.csvFields()); err != nil {
			return fmt.Errorf("writing trace row: %w", err)
		}
	}
	s.cw.Flush()
	return s.cw.Error()
}

func (s *WriterSink) Close() error { return nil }

// FileSink writes CSV rows to a file, transparently Zstandard-framing
// the stream when the path ends in ".zst".
type FileSink struct {
	file  *os.File
	buf   *bufio.Writer
	zstd  *zstd.Encoder
	inner *WriterSink
}

// NewFileSink opens path for writing and returns a Sink. When path ends
// in ".zst" the CSV stream is Zstandard-encoded before being written to
// disk.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating trace output file: %w", err)
	}

	buf := bufio.NewWriter(f)
	fs := &FileSink{file: f, buf: buf}

	var w io.Writer = buf
	if strings.HasSuffix(path, ".zst") {
		enc, err := zstd.NewWriter(buf)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("constructing zstd encoder: %w", err)
		}
		fs.zstd = enc
		w = enc
	}
	fs.inner = NewWriterSink(w)
	return fs, nil
}

func (s *FileSink) Export(entries []Entry) error {
	return s.inner.Export(entries)
}

func (s *FileSink) Close() error {
	if s.zstd != nil {
		if err := s.zstd.Close(); err != nil {
			return fmt.Errorf("closing zstd encoder: %w", err)
		}
	}
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("flushing trace output: %w", err)
	}
	return s.file.Close()
}

// MultiSink fans Export/Close out to every constituent sink.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink returns a Sink that forwards to every sink in sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Export(entries []Entry) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Export(entries); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *MultiSink) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
