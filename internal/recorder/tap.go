package recorder

import (
	"fmt"
	"io"

	"github.com/ppiankov/ptytee/internal/transcript"
)

// tap persists every relayed chunk: raw bytes first, then one io record.
// It is used only by the relay goroutine and, after the loop, by the
// finalizer.
type tap struct {
	sessionID string
	raw       io.WriteCloser
	chain     *transcript.Chain

	bytesIn  int64
	bytesOut int64
	failed   error
}

func (t *tap) Chunk(dir transcript.Direction, data []byte) error {
	if t.failed != nil {
		return t.failed
	}
	if _, err := t.raw.Write(data); err != nil {
		t.failed = fmt.Errorf("recorder: append raw transcript: %w", err)
		return t.failed
	}
	var total int64
	if dir == transcript.DirectionIn {
		t.bytesIn += int64(len(data))
		total = t.bytesIn
	} else {
		t.bytesOut += int64(len(data))
		total = t.bytesOut
	}
	if err := t.chain.Append(transcript.NewIO(t.sessionID, dir, data, total)); err != nil {
		t.failed = err
		return err
	}
	return nil
}

func (t *tap) Fault(kind string, err error) {
	t.recordError(kind, err)
}

// recordError appends an error record. A failed append marks the tap
// failed so the next chunk ends the loop.
func (t *tap) recordError(kind string, err error) {
	if t.failed != nil {
		return
	}
	rec := transcript.Error{SessionID: t.sessionID, Message: err.Error(), ErrorType: kind}
	if aerr := t.chain.Append(rec); aerr != nil {
		t.failed = aerr
	}
}
