// Package detach launches work that must never delay or fail the caller:
// goroutines whose outcome is swallowed and subprocesses that outlive the
// calling process.
package detach

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// Go runs fn on its own goroutine. Errors and panics are discarded; the
// caller never waits for it.
func Go(fn func() error) {
	go func() {
		defer func() {
			_ = recover()
		}()
		_ = fn()
	}()
}

// Spawn starts name with args in a new session with stdio on /dev/null and
// releases it. The child survives the caller's exit and terminal hangup.
func Spawn(name string, args ...string) error {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("detach: start %s: %w", filepath.Base(name), err)
	}
	return cmd.Process.Release()
}

// LookupTool finds a companion binary on PATH, falling back to the
// directory of the running executable.
func LookupTool(name string) (string, error) {
	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}
	self, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("detach: %s not found on PATH", name)
	}
	candidate := filepath.Join(filepath.Dir(self), name)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() && info.Mode()&0o111 != 0 {
		return candidate, nil
	}
	return "", fmt.Errorf("detach: %s not found on PATH or next to %s", name, self)
}
