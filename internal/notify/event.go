// Package notify publishes session lifecycle events to webhooks and redis
// pub/sub channels.
package notify

import (
	"fmt"
	"time"

	"github.com/ppiankov/ptytee/internal/session"
	"github.com/ppiankov/ptytee/internal/transcript"
)

// Event types.
const (
	SessionStarted = "session_started"
	SessionEnded   = "session_ended"
)

// Source is the source field of every event.
const Source = "ptytee"

// Event is the payload delivered to every sink.
type Event struct {
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Severity  string         `json:"severity"`
	Source    string         `json:"source"`
	NodeID    string         `json:"node_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func newEvent(typ, nodeID string, m *session.Metadata) Event {
	return Event{
		Timestamp: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
		SessionID: m.SessionID,
		Type:      typ,
		Severity:  "info",
		Source:    Source,
		NodeID:    nodeID,
		Metadata:  map[string]any{"session_id": m.SessionID},
	}
}

// StartedEvent describes a session that has just started.
func StartedEvent(m *session.Metadata, nodeID, jsonlPath string) Event {
	ev := newEvent(SessionStarted, nodeID, m)
	verb := "started"
	if m.ResumeSessionID != "" {
		verb = "resumed"
	}
	ev.Message = fmt.Sprintf("session %s: %s", verb, m.SessionID)
	ev.Metadata["cwd"] = m.Cwd
	ev.Metadata["hostname"] = m.Hostname
	ev.Metadata["program_version"] = m.ProgramVersion
	ev.Metadata["jsonl_path"] = jsonlPath
	if m.ResumeSessionID != "" {
		ev.Message += fmt.Sprintf(" (resumes %.8s)", m.ResumeSessionID)
		ev.Metadata["resume_session_id"] = m.ResumeSessionID
		ev.Metadata["is_resume"] = true
	}
	return ev
}

// EndedEvent describes a finalized session.
func EndedEvent(m *session.Metadata, nodeID, jsonlPath string) Event {
	ev := newEvent(SessionEnded, nodeID, m)
	code := -1
	if m.ExitCode != nil {
		code = *m.ExitCode
	}
	ev.Message = fmt.Sprintf("session ended: %s (exit=%d, %d bytes)", m.SessionID, code, m.TotalBytesOut)
	if code != 0 {
		ev.Severity = "warning"
	}
	ev.Metadata["exit_code"] = code
	ev.Metadata["total_bytes_in"] = m.TotalBytesIn
	ev.Metadata["total_bytes_out"] = m.TotalBytesOut
	ev.Metadata["jsonl_path"] = jsonlPath
	if m.FinalHash != "" {
		ev.Metadata["final_hash"] = transcript.ShortHash(m.FinalHash, 16)
	}
	if m.ResumeSessionID != "" {
		ev.Metadata["resume_session_id"] = m.ResumeSessionID
	}
	return ev
}
