package terminal

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// PTYHandle is the shared reference to the PTY master used for resizing.
// The descriptor is captured once so resizing never touches the *os.File
// blocking mode the relay depends on.
type PTYHandle struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// NewPTYHandle wraps the master descriptor fd.
func NewPTYHandle(fd int) *PTYHandle {
	return &PTYHandle{fd: fd}
}

// Fd returns the master descriptor.
func (h *PTYHandle) Fd() int { return h.fd }

// Close marks the handle unusable; later resizes are no-ops. It does not
// close the descriptor.
func (h *PTYHandle) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// SetSize applies ws to the PTY, which delivers SIGWINCH to the child's
// foreground process group.
func (h *PTYHandle) SetSize(ws *pty.Winsize) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	return unix.IoctlSetWinsize(h.fd, unix.TIOCSWINSZ, &unix.Winsize{
		Row:    ws.Rows,
		Col:    ws.Cols,
		Xpixel: ws.X,
		Ypixel: ws.Y,
	})
}

// CopySize copies the window size of tty onto the PTY.
func (h *PTYHandle) CopySize(tty *os.File) error {
	ws, err := pty.GetsizeFull(tty)
	if err != nil {
		return err
	}
	return h.SetSize(ws)
}

// WatchResize copies the size of tty onto h on every SIGWINCH until ctx is
// done. Errors are ignored.
func WatchResize(ctx context.Context, tty *os.File, h *PTYHandle) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGWINCH)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				_ = h.CopySize(tty)
			}
		}
	}()
}
