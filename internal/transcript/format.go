package transcript

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

const separator = "──────────────────────────────────────────────────────────────────"

// FormatEntry renders one entry as a single human-readable line.
func FormatEntry(e Entry) string {
	ts := formatTimeOnly(e.Timestamp)
	switch e.Kind() {
	case EventSessionStarted:
		return fmt.Sprintf("%-12s %-15s %s (cwd %s)", ts, "START", strings.Join(e.Cmd, " "), e.Cwd)
	case EventSessionEnded:
		code := "?"
		if e.ExitCode != nil {
			code = strconv.Itoa(*e.ExitCode)
		}
		return fmt.Sprintf("%-12s %-15s exit=%s in=%s out=%s", ts, "END", code,
			humanBytes(e.TotalBytesIn), humanBytes(e.TotalBytesOut))
	case EventError:
		return fmt.Sprintf("%-12s %-15s %s", ts, "ERROR "+e.ErrorType, e.Error)
	case KindIO:
		arrow := "<<"
		if Direction(e.Direction) == DirectionIn {
			arrow = ">>"
		}
		return fmt.Sprintf("%-12s %-15s %s", ts, fmt.Sprintf("%s %5d", arrow, e.Bytes), truncate(strconv.Quote(e.Text), 80))
	default:
		return fmt.Sprintf("%-12s %s", ts, e.Kind())
	}
}

// FormatSummary renders a Summary as a short text report.
func FormatSummary(s *Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", s.SessionID)
	if len(s.Command) > 0 {
		fmt.Fprintf(&b, "Command: %s\n", strings.Join(s.Command, " "))
	}
	if s.ResumeSessionID != "" {
		fmt.Fprintf(&b, "Resumes: %s\n", s.ResumeSessionID)
	}
	b.WriteString(separator + "\n")
	fmt.Fprintf(&b, "Time:     %s → %s (%s)\n", formatDateTime(s.FirstTimestamp), formatTimeOnly(s.LastTimestamp),
		s.Duration().Round(time.Millisecond))

	kinds := make([]string, 0, len(s.Kinds))
	for k := range s.Kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	parts := make([]string, 0, len(kinds))
	for _, k := range kinds {
		parts = append(parts, fmt.Sprintf("%d %s", s.Kinds[k], k))
	}
	fmt.Fprintf(&b, "Records:  %d (%s)\n", s.Records, strings.Join(parts, ", "))
	fmt.Fprintf(&b, "Bytes:    in %s, out %s\n", humanize.IBytes(uint64(s.BytesIn)), humanize.IBytes(uint64(s.BytesOut)))

	switch {
	case !s.Ended:
		b.WriteString("Exit:     not finalized\n")
	case s.ExitCode != nil:
		fmt.Fprintf(&b, "Exit:     %d\n", *s.ExitCode)
	}
	for _, e := range s.Errors {
		fmt.Fprintf(&b, "Error:    %s\n", e)
	}
	if s.Malformed > 0 {
		fmt.Fprintf(&b, "Skipped:  %d malformed lines\n", s.Malformed)
	}
	return b.String()
}

// FormatJSON renders v as indented JSON.
func FormatJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("transcript: marshal: %w", err)
	}
	return string(data), nil
}

func humanBytes(n *int64) string {
	if n == nil {
		return "?"
	}
	return humanize.IBytes(uint64(*n))
}

func formatDateTime(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("2006-01-02 15:04:05")
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05.000")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
