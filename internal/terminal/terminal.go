// Package terminal manages the user's terminal while a session is recorded:
// raw mode with guaranteed restore, and window size propagation to the PTY.
package terminal

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/term"
)

// Manager owns the raw-mode state of one terminal file descriptor.
type Manager struct {
	fd    int
	tty   bool
	mu    sync.Mutex
	saved *term.State
}

// NewManager wraps f, typically os.Stdin.
func NewManager(f *os.File) *Manager {
	fd := int(f.Fd())
	return &Manager{fd: fd, tty: term.IsTerminal(fd)}
}

// IsTerminal reports whether the managed descriptor is a TTY.
func (m *Manager) IsTerminal() bool { return m.tty }

// MakeRaw saves the current attributes and switches the terminal to raw
// mode. It is a no-op for non-TTY input.
func (m *Manager) MakeRaw() error {
	if !m.tty {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved != nil {
		return nil
	}
	state, err := term.MakeRaw(m.fd)
	if err != nil {
		return fmt.Errorf("terminal: set raw mode: %w", err)
	}
	m.saved = state
	return nil
}

// Restore puts back the attributes saved by MakeRaw. It may be called any
// number of times from any goroutine; only the first call after MakeRaw
// has an effect.
func (m *Manager) Restore() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		return nil
	}
	state := m.saved
	m.saved = nil
	if err := term.Restore(m.fd, state); err != nil {
		return fmt.Errorf("terminal: restore: %w", err)
	}
	return nil
}

// Raw reports whether the terminal is currently in raw mode.
func (m *Manager) Raw() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved != nil
}
