package cli

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ptytee/internal/systemd"
)

var (
	systemdInstall bool
	systemdUser    string
)

func init() {
	rootCmd.AddCommand(systemdCmd)
	systemdCmd.Flags().BoolVar(&systemdInstall, "install", false, "Write the unit to /etc/systemd/system and reload systemd")
	systemdCmd.Flags().StringVar(&systemdUser, "user", "", "Run the service as this user")
}

var systemdCmd = &cobra.Command{
	Use:       "systemd <follow|gateway|cleanup>",
	Short:     "Print or install a systemd unit for a long-running command",
	Args:      cobra.ExactArgs(1),
	ValidArgs: systemd.Names(),
	RunE:      runSystemd,
}

func runSystemd(cmd *cobra.Command, args []string) error {
	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("cannot determine executable path: %w", err)
	}
	if abs, err := filepath.Abs(bin); err == nil {
		bin = abs
	}
	unit, err := systemd.Unit(args[0], systemd.Options{Binary: bin, ConfigPath: configPath, User: systemdUser})
	if err != nil {
		return &exitCodeError{code: 2, err: err}
	}
	if !systemdInstall {
		fmt.Fprint(cmd.OutOrStdout(), unit)
		return nil
	}

	if runtime.GOOS != "linux" {
		return fmt.Errorf("--install is only supported on Linux")
	}
	if os.Geteuid() != 0 {
		return fmt.Errorf("--install requires root; run with sudo")
	}
	unitPath := filepath.Join("/etc/systemd/system", systemd.UnitName(args[0]))
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("write systemd unit: %w", err)
	}
	if err := exec.Command("systemctl", "daemon-reload").Run(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: systemctl daemon-reload failed: %v\n", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "installed %s\nenable with: systemctl enable --now %s\n", unitPath, systemd.UnitName(args[0]))
	return nil
}
