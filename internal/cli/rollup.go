package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ptytee/internal/rollup"
)

var (
	rollupDays   int
	rollupFormat string
	rollupOutput string
	rollupBase   string
)

func init() {
	rootCmd.AddCommand(rollupCmd)
	rollupCmd.Flags().IntVar(&rollupDays, "days", 0, "Report the last N days ending today")
	rollupCmd.Flags().StringVarP(&rollupFormat, "format", "f", "markdown", "Output format (markdown|json)")
	rollupCmd.Flags().StringVarP(&rollupOutput, "output", "o", "", "Write the report to a file")
	rollupCmd.Flags().StringVar(&rollupBase, "base", "", "Log base directory (default from config)")
}

var rollupCmd = &cobra.Command{
	Use:   "rollup [YYYY-MM-DD]",
	Short: "Summarize sessions of a day or date range",
	Long: "Aggregates the transcripts of one day (default yesterday) or of the last\n" +
		"--days N days: sessions, durations, commands, models, exit codes, byte\n" +
		"totals, hourly activity and estimated token usage and cost.",
	Args: cobra.MaximumNArgs(1),
	RunE: runRollup,
}

func runRollup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base := cfg.Logging.BaseDir
	if rollupBase != "" {
		base = rollupBase
	}

	today := time.Now()
	var r rollup.Range
	switch {
	case len(args) == 1:
		day, err := time.ParseInLocation(time.DateOnly, args[0], time.Local)
		if err != nil {
			return &exitCodeError{code: 2, err: fmt.Errorf("invalid date %q, want YYYY-MM-DD", args[0])}
		}
		r = rollup.Day(day)
	case rollupDays > 0:
		r = rollup.LastDays(today, rollupDays)
	default:
		r = rollup.Day(today.AddDate(0, 0, -1))
	}

	st, _, err := rollup.Build(base, r)
	if err != nil {
		return err
	}

	var report string
	switch rollupFormat {
	case "markdown", "md":
		report = rollup.Markdown(st, r)
	case "json":
		if report, err = rollup.JSON(st, r); err != nil {
			return err
		}
		report += "\n"
	default:
		return &exitCodeError{code: 2, err: fmt.Errorf("unknown format %q", rollupFormat)}
	}

	if rollupOutput == "" {
		fmt.Fprint(cmd.OutOrStdout(), report)
		return nil
	}
	if err := os.WriteFile(rollupOutput, []byte(report), 0o600); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "report written to %s\n", rollupOutput)
	return nil
}
