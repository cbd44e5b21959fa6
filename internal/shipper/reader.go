// Package shipper forwards transcript records to downstream sinks: a
// generic HTTP endpoint or Loki. It supports one-shot shipping of a file
// and a follower that tails every transcript under the log directory with
// durable offsets.
package shipper

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ppiankov/ptytee/internal/transcript"
)

// Record is one decoded transcript line and the file offset just past it.
type Record struct {
	Entry transcript.Entry
	End   int64
}

// Chunk is the result of reading a transcript from an offset.
type Chunk struct {
	Records   []Record
	Next      int64 // offset just past the last complete line
	Malformed int
}

// ReadFrom reads complete lines of path starting at offset. A trailing
// line without a newline is left for the next read.
func ReadFrom(path string, offset int64) (*Chunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("shipper: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("shipper: seek %s: %w", path, err)
	}

	c := &Chunk{Next: offset}
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			c.Next += int64(len(line))
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) > 0 {
				entry, perr := transcript.ParseEntry(trimmed)
				if perr != nil {
					c.Malformed++
				} else {
					c.Records = append(c.Records, Record{Entry: entry, End: c.Next})
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return c, nil
		}
		if err != nil {
			return nil, fmt.Errorf("shipper: read %s: %w", path, err)
		}
	}
}
