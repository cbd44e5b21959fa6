// Package cleanup prunes transcripts older than the retention period and
// removes the directories they leave empty.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Forever is the retention value that disables pruning.
const Forever = -1

// dryRunListLimit caps the paths reported by a dry run.
const dryRunListLimit = 50

var logSuffixes = []string{".jsonl", ".raw.txt", ".meta.json", ".ttylog"}

// ErrInvalidDays is returned by ParseDays for unrecognized input.
var ErrInvalidDays = errors.New("invalid retention days")

// ParseDays parses a retention value: a non-negative integer, or one of
// -1, false, infinite, none, forever meaning keep forever.
func ParseDays(s string) (int, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "-1", "false", "infinite", "none", "forever":
		return Forever, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDays, s)
	}
	if n < 0 {
		return Forever, nil
	}
	return n, nil
}

// Options configure one pruning pass.
type Options struct {
	BaseDir string
	Days    int
	DryRun  bool
	Now     time.Time
}

// Report describes a pruning pass.
type Report struct {
	Disabled    bool
	Scanned     int
	Eligible    []string
	Removed     int
	DirsRemoved int
	Failures    []error
}

// Listed returns at most the first 50 eligible paths and the number left
// out.
func (r *Report) Listed() ([]string, int) {
	if len(r.Eligible) <= dryRunListLimit {
		return r.Eligible, 0
	}
	return r.Eligible[:dryRunListLimit], len(r.Eligible) - dryRunListLimit
}

// Run prunes files under opts.BaseDir whose mtime is older than the
// cutoff.
func Run(opts Options) (*Report, error) {
	r := &Report{}
	if opts.Days < 0 {
		r.Disabled = true
		return r, nil
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.Add(-time.Duration(opts.Days) * 24 * time.Hour)

	err := filepath.WalkDir(opts.BaseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !isLogFile(path) {
			return nil
		}
		r.Scanned++
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			r.Eligible = append(r.Eligible, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup: walk %s: %w", opts.BaseDir, err)
	}
	if opts.DryRun {
		return r, nil
	}

	for _, p := range r.Eligible {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.Failures = append(r.Failures, err)
			continue
		}
		r.Removed++
	}
	r.DirsRemoved = removeEmptyDirs(opts.BaseDir)
	return r, nil
}

func isLogFile(path string) bool {
	for _, s := range logSuffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

// removeEmptyDirs removes empty directories below base, deepest first.
// base itself is kept.
func removeEmptyDirs(base string) int {
	var dirs []string
	_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() && path != base {
			dirs = append(dirs, path)
		}
		return nil
	})
	slices.SortFunc(dirs, func(a, b string) int {
		return strings.Count(b, string(filepath.Separator)) - strings.Count(a, string(filepath.Separator))
	})
	removed := 0
	for _, d := range dirs {
		entries, err := os.ReadDir(d)
		if err != nil || len(entries) > 0 {
			continue
		}
		if os.Remove(d) == nil {
			removed++
		}
	}
	return removed
}

// Schedule runs a pruning pass on every tick of spec (standard five-field
// cron syntax or descriptors such as "@daily") until ctx is cancelled.
func Schedule(ctx context.Context, spec string, opts Options, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		o := opts
		o.Now = time.Now()
		r, err := Run(o)
		if err != nil {
			log.Error("cleanup pass failed", "error", err)
			return
		}
		log.Info("cleanup pass", "scanned", r.Scanned, "eligible", len(r.Eligible),
			"removed", r.Removed, "dirs_removed", r.DirsRemoved, "failures", len(r.Failures))
	})
	if err != nil {
		return fmt.Errorf("cleanup: invalid schedule %q: %w", spec, err)
	}
	log.Info("cleanup scheduled", "schedule", spec, "days", opts.Days, "base", opts.BaseDir)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
