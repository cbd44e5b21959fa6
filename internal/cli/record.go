package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ptytee/internal/config"
	"github.com/ppiankov/ptytee/internal/notify"
	"github.com/ppiankov/ptytee/internal/recorder"
)

var (
	recConfigPath string
	recLogDir     string
	recHash       string
	recNoNotify   bool
	recAutoShip   bool
	recQuiet      bool
)

// recordCmd is the root command of the ptytee binary.
var recordCmd = &cobra.Command{
	Use:   "ptytee [flags] [--] <program> [args...]",
	Short: "Run a program under a pseudo-terminal and record the session",
	Long: "Runs the program in a PTY, relays the terminal transparently and writes a\n" +
		"raw transcript, a hash-chained JSONL event log and a metadata file under\n" +
		"<base>/YYYY/MM/DD. Exits with the program's exit status.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.ArbitraryArgs,
	RunE:          runRecord,
}

func init() {
	f := recordCmd.Flags()
	f.SetInterspersed(false)
	f.StringVar(&recConfigPath, "config", "", "Path to config file (default: $PTYTEE_CONFIG or ~/.config/ptytee/config.yaml)")
	f.StringVar(&recLogDir, "log-dir", "", "Log base directory (overrides logging.base_dir)")
	f.StringVar(&recHash, "hash", "", "Hash chain algorithm (sha256|blake3)")
	f.BoolVar(&recNoNotify, "no-notify", false, "Disable session notifications")
	f.BoolVar(&recAutoShip, "auto-ship", false, "Ship the transcript to Loki after the session")
	f.BoolVarP(&recQuiet, "quiet", "q", false, "Suppress the start and end banners")
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(recConfigPath)
	if err != nil {
		return &recorder.ExitError{Code: 1, Err: err}
	}
	if err := applyRecordFlags(cfg); err != nil {
		return &recorder.ExitError{Code: 2, Err: err}
	}

	if len(args) == 0 {
		if cfg.Recorder.Program == "" {
			_ = cmd.Usage()
			return &recorder.ExitError{Code: 2, Err: errors.New("no program given and recorder.program is not set")}
		}
		args = []string{cfg.Recorder.Program}
	}

	var notifier *notify.Dispatcher
	if cfg.Notify.Enabled {
		notifier = notify.FromConfig(cfg.Notify)
		defer notifier.Close()
	}

	res, err := recorder.Run(context.Background(), recorder.Options{
		Config:     cfg,
		ConfigPath: recConfigPath,
		Args:       args,
		Stdin:      os.Stdin,
		Stdout:     os.Stdout,
		Stderr:     cmd.ErrOrStderr(),
		Notifier:   notifier,
		Quiet:      recQuiet,
	})
	var ee *recorder.ExitError
	if res != nil && errors.As(err, &ee) {
		// The session ran; failures were already reported on stderr.
		return &recorder.ExitError{Code: ee.Code}
	}
	return err
}

// applyRecordFlags overlays command-line flags on cfg.
func applyRecordFlags(cfg *config.Config) error {
	if recLogDir != "" {
		cfg.Logging.BaseDir = recLogDir
	}
	if recHash != "" {
		cfg.Logging.HashAlgorithm = recHash
	}
	if recNoNotify {
		cfg.Notify.Enabled = false
	}
	if recAutoShip {
		cfg.Recorder.AutoShip = true
	}
	return cfg.Validate()
}

// ExecuteRecorder runs ptytee and exits with the recorded program's status.
func ExecuteRecorder() {
	err := recordCmd.Execute()
	if err == nil {
		return
	}
	var ee *recorder.ExitError
	if errors.As(err, &ee) {
		if ee.Err != nil && !errors.Is(ee.Err, recorder.ErrNotFound) {
			fmt.Fprintf(os.Stderr, "ptytee: %v\n", ee.Err)
		}
		os.Exit(ee.Code)
	}
	fmt.Fprintf(os.Stderr, "ptytee: %v\n", err)
	os.Exit(2)
}
