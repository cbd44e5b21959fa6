package rollup

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
)

// Markdown renders stats as a report titled with the range label.
func Markdown(st *Stats, r Range) string {
	var b strings.Builder
	pct := 100 * float64(st.SuccessfulSessions) / float64(max(1, st.TotalSessions))

	fmt.Fprintf(&b, "# Session Report - %s\n\n", r.Label())
	b.WriteString("## Summary\n")
	fmt.Fprintf(&b, "- **Total Sessions**: %d\n", st.TotalSessions)
	fmt.Fprintf(&b, "- **Successful**: %d (%.1f%%)\n", st.SuccessfulSessions, pct)
	fmt.Fprintf(&b, "- **Failed**: %d\n", st.FailedSessions)
	fmt.Fprintf(&b, "- **Total Duration**: %.2f hours\n", st.TotalDurationSeconds/3600)
	fmt.Fprintf(&b, "- **Avg Session**: %.1f seconds\n\n", st.AvgSessionDuration)

	b.WriteString("## Usage & Costs\n")
	fmt.Fprintf(&b, "- **Input**: %s bytes (~%s tokens)\n", humanize.Comma(st.TotalInputBytes), humanize.Comma(int64(st.EstimatedInputTokens)))
	fmt.Fprintf(&b, "- **Output**: %s bytes (~%s tokens)\n", humanize.Comma(st.TotalOutputBytes), humanize.Comma(int64(st.EstimatedOutputTokens)))
	fmt.Fprintf(&b, "- **Estimated Cost**: $%.4f\n", st.EstimatedCostUSD)
	fmt.Fprintf(&b, "- **Cost/Session**: $%.4f\n\n", st.AvgCostPerSession)

	b.WriteString("## Commands Used\n")
	for _, c := range st.Commands {
		fmt.Fprintf(&b, "- **%s**: %d sessions\n", c.Name, c.Count)
	}
	b.WriteString("\n## Models Used\n")
	for _, c := range st.Models {
		fmt.Fprintf(&b, "- **%s**: %d sessions\n", c.Name, c.Count)
	}

	if len(st.HourlyDistribution) > 0 {
		b.WriteString("\n## Hourly Distribution\n")
		hours := make([]int, 0, len(st.HourlyDistribution))
		for h := range st.HourlyDistribution {
			hours = append(hours, h)
		}
		slices.Sort(hours)
		for _, h := range hours {
			n := st.HourlyDistribution[h]
			fmt.Fprintf(&b, "- **%02d:00**: %2d %s\n", h, n, strings.Repeat("█", min(20, n)))
		}
	}
	return b.String()
}

type rangeJSON struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// JSON renders stats. Multi-day ranges are wrapped with their bounds.
func JSON(st *Stats, r Range) (string, error) {
	var v any = st
	if !r.Single() {
		v = struct {
			Range rangeJSON `json:"range"`
			Stats *Stats    `json:"stats"`
		}{
			Range: rangeJSON{Start: r.Start.Format("2006-01-02"), End: r.End.Format("2006-01-02")},
			Stats: st,
		}
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
