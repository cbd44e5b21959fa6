package transcript

import (
	"time"
)

// Summary describes one transcript without its payload.
type Summary struct {
	SessionID       string         `json:"session_id"`
	Command         []string       `json:"command,omitempty"`
	Cwd             string         `json:"cwd,omitempty"`
	ResumeSessionID string         `json:"resume_session_id,omitempty"`
	Records         int            `json:"records"`
	Malformed       int            `json:"malformed,omitempty"`
	Kinds           map[string]int `json:"kinds"`
	BytesIn         int64          `json:"bytes_in"`
	BytesOut        int64          `json:"bytes_out"`
	Errors          []string       `json:"errors,omitempty"`
	FirstTimestamp  string         `json:"first_timestamp,omitempty"`
	LastTimestamp   string         `json:"last_timestamp,omitempty"`
	ExitCode        *int           `json:"exit_code,omitempty"`
	Ended           bool           `json:"ended"`
}

// Duration returns the time between the first and last record, or zero if
// either timestamp cannot be parsed.
func (s *Summary) Duration() time.Duration {
	first, err := time.Parse(TimestampFormat, s.FirstTimestamp)
	if err != nil {
		return 0
	}
	last, err := time.Parse(TimestampFormat, s.LastTimestamp)
	if err != nil {
		return 0
	}
	return last.Sub(first)
}

// Summarize reads path and aggregates its records.
func Summarize(path string) (*Summary, error) {
	entries, malformed, err := ReadEntries(path)
	if err != nil {
		return nil, err
	}
	s := &Summary{Kinds: map[string]int{}, Malformed: malformed}
	for _, e := range entries {
		s.add(e)
	}
	return s, nil
}

func (s *Summary) add(e Entry) {
	s.Records++
	s.Kinds[e.Kind()]++
	if s.SessionID == "" {
		s.SessionID = e.SessionID
	}

	switch e.Kind() {
	case EventSessionStarted:
		s.Command = e.Cmd
		s.Cwd = e.Cwd
		s.ResumeSessionID = e.ResumeSessionID
	case EventSessionEnded:
		s.Ended = true
		s.ExitCode = e.ExitCode
	case EventError:
		s.Errors = append(s.Errors, e.ErrorType+": "+e.Error)
	case KindIO:
		if Direction(e.Direction) == DirectionIn {
			s.BytesIn += int64(e.Bytes)
		} else {
			s.BytesOut += int64(e.Bytes)
		}
	}

	if s.FirstTimestamp == "" {
		s.FirstTimestamp = e.Timestamp
	}
	s.LastTimestamp = e.Timestamp
}
