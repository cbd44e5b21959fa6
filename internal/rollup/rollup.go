// Package rollup aggregates the transcripts of a day or date range into
// usage statistics with rough token and cost estimates.
package rollup

import (
	"cmp"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ppiankov/ptytee/internal/session"
	"github.com/ppiankov/ptytee/internal/transcript"
)

// ErrNoLogs is returned when a range has no transcripts.
var ErrNoLogs = errors.New("no log files found")

// Range is an inclusive range of local dates.
type Range struct {
	Start time.Time
	End   time.Time
}

// Day returns a single-day range.
func Day(t time.Time) Range { return Range{Start: t, End: t} }

// LastDays returns the n days ending on today.
func LastDays(today time.Time, n int) Range {
	if n < 1 {
		n = 1
	}
	return Range{Start: today.AddDate(0, 0, -(n - 1)), End: today}
}

// Single reports whether the range covers one day.
func (r Range) Single() bool {
	return r.Start.Format(time.DateOnly) == r.End.Format(time.DateOnly)
}

// Label renders the range as YYYY-MM-DD or "YYYY-MM-DD to YYYY-MM-DD".
func (r Range) Label() string {
	if r.Single() {
		return r.Start.Format(time.DateOnly)
	}
	return r.Start.Format(time.DateOnly) + " to " + r.End.Format(time.DateOnly)
}

// Files lists the transcripts in the date directories of r.
func Files(base string, r Range) ([]string, error) {
	var files []string
	end := r.End.Format(time.DateOnly)
	for d := r.Start; d.Format(time.DateOnly) <= end; d = d.AddDate(0, 0, 1) {
		matches, err := filepath.Glob(filepath.Join(session.DateDir(base, d), "*.jsonl"))
		if err != nil {
			return nil, err
		}
		slices.Sort(matches)
		files = append(files, matches...)
	}
	return files, nil
}

// Session is the aggregate of one session id.
type Session struct {
	ID         string
	Command    []string
	Model      string
	Subcommand string
	Start      time.Time
	End        time.Time
	ExitCode   int
	Ended      bool
	BytesIn    int64
	BytesOut   int64
	inputText  strings.Builder
	outputText strings.Builder
}

// Duration is zero unless both ends are known.
func (s *Session) Duration() time.Duration {
	if s.Start.IsZero() || s.End.IsZero() {
		return 0
	}
	return s.End.Sub(s.Start)
}

// Count is a named tally.
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Stats is the rollup result.
type Stats struct {
	TotalSessions         int            `json:"total_sessions"`
	SuccessfulSessions    int            `json:"successful_sessions"`
	FailedSessions        int            `json:"failed_sessions"`
	TotalDurationSeconds  float64        `json:"total_duration_seconds"`
	AvgSessionDuration    float64        `json:"avg_session_duration"`
	TotalInputBytes       int64          `json:"total_input_bytes"`
	TotalOutputBytes      int64          `json:"total_output_bytes"`
	EstimatedInputTokens  int            `json:"estimated_input_tokens"`
	EstimatedOutputTokens int            `json:"estimated_output_tokens"`
	EstimatedCostUSD      float64        `json:"estimated_cost_usd"`
	AvgCostPerSession     float64        `json:"avg_cost_per_session"`
	Commands              []Count        `json:"commands"`
	Models                []Count        `json:"models"`
	ExitCodes             map[string]int `json:"exit_codes"`
	HourlyDistribution    map[int]int    `json:"hourly_distribution"`
	SessionLengths        []float64      `json:"session_lengths"`
}

// Analyzer accumulates sessions from transcripts.
type Analyzer struct {
	sessions map[string]*Session
	order    []string
}

// NewAnalyzer returns an empty analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{sessions: make(map[string]*Session)}
}

// AddFile loads every record of path. Malformed lines are skipped.
func (a *Analyzer) AddFile(path string) error {
	entries, _, err := transcript.ReadEntries(path)
	if err != nil {
		return err
	}
	for _, e := range entries {
		a.add(e)
	}
	return nil
}

func (a *Analyzer) add(e transcript.Entry) {
	if e.SessionID == "" {
		return
	}
	s, ok := a.sessions[e.SessionID]
	if !ok {
		s = &Session{ID: e.SessionID, Model: "unknown", ExitCode: -1}
		a.sessions[e.SessionID] = s
		a.order = append(a.order, e.SessionID)
	}
	switch {
	case e.Event == transcript.EventSessionStarted:
		s.Start = parseTS(e.Timestamp)
		s.Command = e.Cmd
		s.Model = modelOf(e.Cmd)
		s.Subcommand = subcommandOf(e.Cmd)
	case e.Event == transcript.EventSessionEnded:
		s.End = parseTS(e.Timestamp)
		s.Ended = true
		if e.ExitCode != nil {
			s.ExitCode = *e.ExitCode
		}
		if e.TotalBytesIn != nil {
			s.BytesIn = *e.TotalBytesIn
		}
		if e.TotalBytesOut != nil {
			s.BytesOut = *e.TotalBytesOut
		}
	case e.Direction == string(transcript.DirectionIn):
		s.inputText.WriteString(e.Text)
	case e.Direction == string(transcript.DirectionOut):
		s.outputText.WriteString(e.Text)
	}
}

// Sessions returns the sessions in first-seen order.
func (a *Analyzer) Sessions() []*Session {
	out := make([]*Session, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.sessions[id])
	}
	return out
}

// Analyze computes the statistics of all loaded sessions.
func (a *Analyzer) Analyze() *Stats {
	st := &Stats{
		ExitCodes:          map[string]int{},
		HourlyDistribution: map[int]int{},
		SessionLengths:     []float64{},
	}
	commands := map[string]int{}
	models := map[string]int{}

	for _, s := range a.Sessions() {
		st.TotalSessions++
		if s.ExitCode == 0 {
			st.SuccessfulSessions++
		} else {
			st.FailedSessions++
		}
		st.ExitCodes[fmt.Sprint(s.ExitCode)]++

		d := s.Duration().Seconds()
		if !s.Start.IsZero() && !s.End.IsZero() {
			st.HourlyDistribution[s.Start.Local().Hour()]++
		}
		st.TotalDurationSeconds += d
		st.SessionLengths = append(st.SessionLengths, d)

		st.TotalInputBytes += s.BytesIn
		st.TotalOutputBytes += s.BytesOut

		models[s.Model]++
		in := EstimateTokens(s.inputText.String(), s.Model)
		out := EstimateTokens(s.outputText.String(), s.Model)
		st.EstimatedInputTokens += in
		st.EstimatedOutputTokens += out
		st.EstimatedCostUSD += EstimateCost(in, out, s.Model)

		if len(s.Command) > 0 {
			commands[s.Subcommand]++
		}
	}
	if st.TotalSessions > 0 {
		st.AvgSessionDuration = st.TotalDurationSeconds / float64(st.TotalSessions)
		st.AvgCostPerSession = st.EstimatedCostUSD / float64(st.TotalSessions)
	}
	st.Commands = ranked(commands)
	st.Models = ranked(models)
	return st
}

// Build analyzes every transcript of r under base.
func Build(base string, r Range) (*Stats, []string, error) {
	files, err := Files(base, r)
	if err != nil {
		return nil, nil, err
	}
	if len(files) == 0 {
		return nil, nil, fmt.Errorf("%w for %s", ErrNoLogs, r.Label())
	}
	a := NewAnalyzer()
	for _, f := range files {
		if err := a.AddFile(f); err != nil {
			return nil, files, err
		}
	}
	return a.Analyze(), files, nil
}

func ranked(m map[string]int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Name: k, Count: v})
	}
	slices.SortFunc(out, func(a, b Count) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return out
}

// modelOf returns the value of -m or --model, or "unknown".
func modelOf(cmd []string) string {
	for i, arg := range cmd {
		if (arg == "-m" || arg == "--model") && i+1 < len(cmd) {
			return cmd[i+1]
		}
		if v, ok := strings.CutPrefix(arg, "--model="); ok {
			return v
		}
	}
	return "unknown"
}

// subcommandOf returns the first non-flag argument after the program,
// skipping the value of a model flag.
func subcommandOf(cmd []string) string {
	for i := 1; i < len(cmd); i++ {
		arg := cmd[i]
		if arg == "-m" || arg == "--model" {
			i++
			continue
		}
		if !strings.HasPrefix(arg, "-") {
			return arg
		}
	}
	return "interactive"
}

func parseTS(ts string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000", "2006-01-02T15:04:05.000000"} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t
		}
	}
	return time.Time{}
}
