package log

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// ConsoleOutput writes formatted entries to stdout, or stderr when UseStderr is set.
type ConsoleOutput struct {
	UseStderr bool
	mu        sync.Mutex
}

// NewConsoleOutput returns a stdout console output.
func NewConsoleOutput() *ConsoleOutput { return &ConsoleOutput{} }

func (o *ConsoleOutput) Write(_ *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	var w io.Writer = os.Stdout
	if o.UseStderr {
		w = os.Stderr
	}
	_, err := w.Write(formatted)
	return err
}

func (o *ConsoleOutput) Close() error { return nil }

// WriterOutput writes formatted entries to an arbitrary writer. It is mostly
// useful in tests.
type WriterOutput struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterOutput(w io.Writer) *WriterOutput { return &WriterOutput{w: w} }

func (o *WriterOutput) Write(_ *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.w.Write(formatted)
	return err
}

func (o *WriterOutput) Close() error { return nil }

// FileOutput appends formatted entries to a file.
type FileOutput struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileOutput opens path for appending, creating it if needed.
func NewFileOutput(path string) (*FileOutput, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return &FileOutput{f: f}, nil
}

func (o *FileOutput) Write(_ *Entry, formatted []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.f.Write(formatted)
	return err
}

func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.f.Close()
}

// NullOutput discards everything.
type NullOutput struct{}

func (NullOutput) Write(*Entry, []byte) error { return nil }
func (NullOutput) Close() error               { return nil }

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() Logger {
	return NewLogger(WithLevel(levelOff), WithOutput(NullOutput{}))
}
