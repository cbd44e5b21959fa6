package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ptytee/internal/cleanup"
)

var (
	cleanupDays     string
	cleanupDryRun   bool
	cleanupBase     string
	cleanupSchedule string
	cleanupSched    bool
)

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().StringVar(&cleanupDays, "days", "", "Retention in days, or -1/false/infinite/none/forever (default from config)")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "List files that would be removed")
	cleanupCmd.Flags().StringVar(&cleanupBase, "base", "", "Log base directory (default from config)")
	cleanupCmd.Flags().StringVar(&cleanupSchedule, "schedule", "", "Run repeatedly on a cron schedule, e.g. \"@daily\" ")
	cleanupCmd.Flags().BoolVar(&cleanupSched, "scheduled", false, "Run repeatedly on the config cleanup.schedule")
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete session logs older than the retention period",
	Args:  cobra.NoArgs,
	RunE:  runCleanup,
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	days := cfg.Logging.RetentionDays
	if cleanupDays != "" {
		if days, err = cleanup.ParseDays(cleanupDays); err != nil {
			return &exitCodeError{code: 2, err: err}
		}
	}
	opts := cleanup.Options{
		BaseDir: cfg.Logging.BaseDir,
		Days:    days,
		DryRun:  cleanupDryRun,
	}
	if cleanupBase != "" {
		opts.BaseDir = cleanupBase
	}

	schedule := cleanupSchedule
	if schedule == "" && cleanupSched {
		if schedule = cfg.Cleanup.Schedule; schedule == "" {
			return &exitCodeError{code: 2, err: fmt.Errorf("--scheduled requires cleanup.schedule in %s", resolvedConfigPath())}
		}
	}
	if schedule != "" {
		log, err := newLogger()
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		return cleanup.Schedule(ctx, schedule, opts, log)
	}

	opts.Now = time.Now()
	r, err := cleanup.Run(opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if r.Disabled {
		fmt.Fprintln(out, "retention is disabled; nothing removed")
		return nil
	}
	if opts.DryRun {
		listed, more := r.Listed()
		for _, p := range listed {
			fmt.Fprintf(out, "would remove %s\n", p)
		}
		if more > 0 {
			fmt.Fprintf(out, "... and %d more\n", more)
		}
		fmt.Fprintf(out, "dry run: %d of %d file(s) older than %d day(s)\n", len(r.Eligible), r.Scanned, days)
		return nil
	}
	fmt.Fprintf(out, "removed %d file(s) and %d empty dir(s)\n", r.Removed, r.DirsRemoved)
	for _, f := range r.Failures {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", f)
	}
	if len(r.Failures) > 0 {
		return &exitCodeError{code: 1}
	}
	return nil
}
