package transcript

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Options control how records are written.
type Options struct {
	Algorithm Algorithm
	// Fsync syncs the file after every record.
	Fsync bool
}

// Writer appends records to a JSONL transcript. The file is opened once with
// O_APPEND and every record is emitted with a single write call, so a record
// is either fully present or absent.
type Writer struct {
	path  string
	file  *os.File
	opts  Options
	now   func() time.Time
	bytes int64
}

// Create opens (or creates) path for appending.
func Create(path string, opts Options) (*Writer, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = DefaultAlgorithm
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("transcript: create directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("transcript: open file: %w", err)
	}
	var size int64
	if info, err := file.Stat(); err == nil {
		size = info.Size()
	}
	return &Writer{
		path:  path,
		file:  file,
		opts:  opts,
		now:   time.Now,
		bytes: size,
	}, nil
}

// Path returns the transcript file path.
func (w *Writer) Path() string { return w.path }

// Algorithm returns the digest algorithm in use.
func (w *Writer) Algorithm() Algorithm { return w.opts.Algorithm }

// Size returns the number of bytes in the file after the last append.
func (w *Writer) Size() int64 { return w.bytes }

// Append stamps rec with the current time (unless already set) and
// prevHash, writes it as one line and returns the hash of that line.
func (w *Writer) Append(rec Record, prevHash string) (string, error) {
	line, err := encode(rec.stamp(w.now().UTC().Format(TimestampFormat), prevHash))
	if err != nil {
		return "", fmt.Errorf("transcript: marshal %s: %w", rec.Kind(), err)
	}
	n, err := w.file.Write(line)
	w.bytes += int64(n)
	if err != nil {
		return "", fmt.Errorf("transcript: write %s: %w", rec.Kind(), err)
	}
	if w.opts.Fsync {
		if err := w.file.Sync(); err != nil {
			return "", fmt.Errorf("transcript: sync: %w", err)
		}
	}
	return w.opts.Algorithm.Sum(line), nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	return w.file.Close()
}

// encode marshals rec as one line terminated by "\n" without HTML escaping,
// so terminal text such as "<" is stored as written.
func encode(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Chain tracks the head hash of a transcript. It is owned by a single
// goroutine.
type Chain struct {
	w    *Writer
	head string
}

// OpenChain opens path and recovers the chain head from its last line,
// if any.
func OpenChain(path string, opts Options) (*Chain, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = DefaultAlgorithm
	}
	head, err := lastLineHash(path, opts.Algorithm)
	if err != nil {
		return nil, err
	}
	w, err := Create(path, opts)
	if err != nil {
		return nil, err
	}
	return &Chain{w: w, head: head}, nil
}

// Append writes rec chained to the current head and advances the head.
func (c *Chain) Append(rec Record) error {
	hash, err := c.w.Append(rec, c.head)
	if err != nil {
		return err
	}
	c.head = hash
	return nil
}

// Head returns the hash of the last record written, or "" for an empty
// transcript.
func (c *Chain) Head() string { return c.head }

// Writer returns the underlying writer.
func (c *Chain) Writer() *Writer { return c.w }

// Close closes the transcript file.
func (c *Chain) Close() error { return c.w.Close() }

func lastLineHash(path string, algo Algorithm) (string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("transcript: read existing log: %w", err)
	}
	defer f.Close()

	var last []byte
	err = eachLine(f, func(line []byte) error {
		last = append(last[:0], line...)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("transcript: scan existing log: %w", err)
	}
	if len(last) == 0 {
		return "", nil
	}
	return algo.Sum(append(last, '\n')), nil
}

// eachLine calls fn with every line of r, without its trailing newline.
// Lines may be arbitrarily long.
func eachLine(r io.Reader, fn func(line []byte) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if line[len(line)-1] == '\n' {
				line = line[:len(line)-1]
			}
			if ferr := fn(line); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
