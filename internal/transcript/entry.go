package transcript

import (
	"encoding/json"
	"fmt"
	"os"
)

// Entry is the decoded form of any transcript line, used by readers that do
// not care which struct produced it.
type Entry struct {
	Timestamp       string   `json:"ts"`
	SessionID       string   `json:"session_id"`
	Event           string   `json:"event,omitempty"`
	Direction       string   `json:"direction,omitempty"`
	Bytes           int      `json:"bytes,omitempty"`
	Text            string   `json:"text,omitempty"`
	Cmd             []string `json:"cmd,omitempty"`
	Cwd             string   `json:"cwd,omitempty"`
	ExitCode        *int     `json:"exit_code,omitempty"`
	TotalBytesIn    *int64   `json:"total_bytes_in,omitempty"`
	TotalBytesOut   *int64   `json:"total_bytes_out,omitempty"`
	Error           string   `json:"error,omitempty"`
	ErrorType       string   `json:"error_type,omitempty"`
	ResumeSessionID string   `json:"resume_session_id,omitempty"`
	IsResume        bool     `json:"is_resume,omitempty"`
	PrevHash        string   `json:"prev_hash,omitempty"`
}

// Kind returns the event name, "io" for records with a direction, or
// "log" for anything else.
func (e Entry) Kind() string {
	switch {
	case e.Event != "":
		return e.Event
	case e.Direction != "":
		return KindIO
	default:
		return "log"
	}
}

// ParseEntry decodes one transcript line.
func ParseEntry(line []byte) (Entry, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, fmt.Errorf("transcript: parse entry: %w", err)
	}
	return e, nil
}

// ReadEntries decodes every well-formed line of path. Malformed lines are
// skipped and counted.
func ReadEntries(path string) ([]Entry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("transcript: open: %w", err)
	}
	defer f.Close()

	var entries []Entry
	malformed := 0
	err = eachLine(f, func(line []byte) error {
		if len(line) == 0 {
			return nil
		}
		e, err := ParseEntry(line)
		if err != nil {
			malformed++
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("transcript: read: %w", err)
	}
	return entries, malformed, nil
}

// Tail returns the last n entries of path.
func Tail(path string, n int) ([]Entry, error) {
	entries, _, err := ReadEntries(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}
