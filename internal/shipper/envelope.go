package shipper

import (
	"encoding/json"
	"time"

	"github.com/ppiankov/ptytee/internal/transcript"
)

// Source names the producer in batch payloads.
const Source = "ptytee"

// Event is the sink-neutral envelope of one transcript record.
type Event struct {
	Timestamp string         `json:"ts"`
	SessionID string         `json:"session_id"`
	Kind      string         `json:"kind"`
	Metadata  map[string]any `json:"metadata"`
}

// Batch is the body posted to generic endpoints.
type Batch struct {
	Source      string  `json:"source"`
	GeneratedAt string  `json:"generated_at"`
	Events      []Event `json:"events"`
}

// NewBatch wraps events with the source and generation time.
func NewBatch(events []Event) Batch {
	return Batch{
		Source:      Source,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Events:      events,
	}
}

// EnvelopeOptions control what leaves the machine.
type EnvelopeOptions struct {
	IncludeText bool
	Redact      bool
}

// ToGenericEvent converts a transcript entry. Text is carried only when
// requested and is scrubbed first when redaction is on.
func ToGenericEvent(e transcript.Entry, opts EnvelopeOptions) Event {
	ev := Event{
		Timestamp: e.Timestamp,
		SessionID: e.SessionID,
		Kind:      kindOf(e),
		Metadata:  map[string]any{},
	}
	md := ev.Metadata
	switch {
	case e.Event == transcript.EventSessionStarted:
		cmd := e.Cmd
		if cmd == nil {
			cmd = []string{}
		}
		md["cmd"] = cmd
		md["cwd"] = e.Cwd
	case e.Event == transcript.EventSessionEnded:
		md["exit_code"] = derefInt(e.ExitCode)
		md["total_bytes_in"] = derefInt64(e.TotalBytesIn)
		md["total_bytes_out"] = derefInt64(e.TotalBytesOut)
	case e.Direction == string(transcript.DirectionIn) || e.Direction == string(transcript.DirectionOut):
		md["direction"] = e.Direction
		md["bytes"] = e.Bytes
		if e.TotalBytesIn != nil {
			md["total_bytes_in"] = *e.TotalBytesIn
		}
		if e.TotalBytesOut != nil {
			md["total_bytes_out"] = *e.TotalBytesOut
		}
		if opts.IncludeText {
			text := e.Text
			if opts.Redact {
				text = Redact(text)
			}
			md["text"] = text
		}
	}
	if e.Error != "" {
		md["error"] = e.Error
		md["error_type"] = e.ErrorType
	}
	if e.ResumeSessionID != "" {
		md["resume_session_id"] = e.ResumeSessionID
	}
	return ev
}

// kindOf names an event by its event field, else its direction, else "log".
func kindOf(e transcript.Entry) string {
	switch {
	case e.Event != "":
		return e.Event
	case e.Direction != "":
		return e.Direction
	default:
		return "log"
	}
}

// CompactLine renders ev as the single-line JSON carried in Loki streams.
// Text is never included.
func CompactLine(ev Event) string {
	line := map[string]any{
		"ts":         ev.Timestamp,
		"session_id": ev.SessionID,
		"kind":       ev.Kind,
	}
	for k, v := range ev.Metadata {
		if k == "text" {
			continue
		}
		line[k] = v
	}
	data, _ := json.Marshal(line)
	return string(data)
}

func derefInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func derefInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
