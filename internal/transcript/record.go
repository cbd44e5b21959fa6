package transcript

import (
	"unicode/utf8"
)

// TimestampFormat is the layout used for the ts field of every record.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Event names carried in the "event" field.
const (
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
	EventError          = "error"
)

// KindIO is the kind reported for io records, which carry a direction
// instead of an event name.
const KindIO = "io"

// Direction of an io record relative to the wrapped program.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Error classifications written to the error_type field.
const (
	ErrReadInput   = "read_input"
	ErrWritePTY    = "write_pty"
	ErrWriteOutput = "write_output"
	ErrReadPTY     = "read_pty"
	ErrResize      = "resize"
	ErrSignal      = "signal"
	ErrSpawn       = "spawn"
	ErrAppend      = "append"
)

// Record is one line of the structured transcript. Each kind is its own
// struct so json.Marshal emits a fixed field order and the hash of a line
// is reproducible.
type Record interface {
	Kind() string
	stamp(ts, prevHash string) Record
}

// SessionStarted is always the first record of a transcript.
type SessionStarted struct {
	Timestamp       string   `json:"ts"`
	SessionID       string   `json:"session_id"`
	Event           string   `json:"event"`
	Cmd             []string `json:"cmd"`
	Cwd             string   `json:"cwd"`
	ResumeSessionID string   `json:"resume_session_id,omitempty"`
	IsResume        bool     `json:"is_resume,omitempty"`
	PrevHash        string   `json:"prev_hash,omitempty"`
}

func (SessionStarted) Kind() string { return EventSessionStarted }

func (r SessionStarted) stamp(ts, prevHash string) Record {
	if r.Timestamp == "" {
		r.Timestamp = ts
	}
	r.Event = EventSessionStarted
	r.PrevHash = prevHash
	return r
}

// SessionEnded is the last record of a finalized transcript.
type SessionEnded struct {
	Timestamp       string `json:"ts"`
	SessionID       string `json:"session_id"`
	Event           string `json:"event"`
	ExitCode        int    `json:"exit_code"`
	TotalBytesIn    int64  `json:"total_bytes_in"`
	TotalBytesOut   int64  `json:"total_bytes_out"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
	IsResume        bool   `json:"is_resume,omitempty"`
	PrevHash        string `json:"prev_hash,omitempty"`
}

func (SessionEnded) Kind() string { return EventSessionEnded }

func (r SessionEnded) stamp(ts, prevHash string) Record {
	if r.Timestamp == "" {
		r.Timestamp = ts
	}
	r.Event = EventSessionEnded
	r.PrevHash = prevHash
	return r
}

// IO records one chunk that crossed the relay. Exactly one of the totals
// is set, matching the direction.
type IO struct {
	Timestamp     string    `json:"ts"`
	SessionID     string    `json:"session_id"`
	Direction     Direction `json:"direction"`
	Bytes         int       `json:"bytes"`
	Text          string    `json:"text"`
	TotalBytesIn  *int64    `json:"total_bytes_in,omitempty"`
	TotalBytesOut *int64    `json:"total_bytes_out,omitempty"`
	PrevHash      string    `json:"prev_hash,omitempty"`
}

func (IO) Kind() string { return KindIO }

func (r IO) stamp(ts, prevHash string) Record {
	if r.Timestamp == "" {
		r.Timestamp = ts
	}
	r.PrevHash = prevHash
	return r
}

// NewIO builds an io record for data, with total being the running count
// for the direction after this chunk.
func NewIO(sessionID string, dir Direction, data []byte, total int64) IO {
	r := IO{
		SessionID: sessionID,
		Direction: dir,
		Bytes:     len(data),
		Text:      DecodeText(data),
	}
	if dir == DirectionIn {
		r.TotalBytesIn = &total
	} else {
		r.TotalBytesOut = &total
	}
	return r
}

// Error records a runtime fault that did not necessarily end the session.
type Error struct {
	Timestamp string `json:"ts"`
	SessionID string `json:"session_id"`
	Event     string `json:"event"`
	Message   string `json:"error"`
	ErrorType string `json:"error_type"`
	PrevHash  string `json:"prev_hash,omitempty"`
}

func (Error) Kind() string { return EventError }

func (r Error) stamp(ts, prevHash string) Record {
	if r.Timestamp == "" {
		r.Timestamp = ts
	}
	r.Event = EventError
	r.PrevHash = prevHash
	return r
}

// DecodeText converts raw terminal bytes to a string, replacing every
// byte that is not part of a valid UTF-8 sequence with U+FFFD.
func DecodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	buf := make([]byte, 0, len(data)+8)
	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size <= 1 {
			buf = utf8.AppendRune(buf, utf8.RuneError)
			data = data[1:]
			continue
		}
		buf = append(buf, data[:size]...)
		data = data[size:]
	}
	return string(buf)
}
