package relay

import (
	"fmt"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ControlKind identifies an out-of-band event delivered to the loop.
type ControlKind int

const (
	// Interrupt is a SIGINT received by the recorder.
	Interrupt ControlKind = iota
	// Terminate is SIGTERM, SIGHUP or SIGQUIT; the supervisor has already
	// forwarded it to the child.
	Terminate
	// ChildExited means the wait on the child returned.
	ChildExited
)

func (k ControlKind) String() string {
	switch k {
	case Interrupt:
		return "interrupt"
	case Terminate:
		return "terminate"
	case ChildExited:
		return "child_exited"
	default:
		return fmt.Sprintf("control(%d)", int(k))
	}
}

// Control is one event for the loop.
type Control struct {
	Kind   ControlKind
	Signal syscall.Signal
}

// Waker wakes a loop blocked in poll. Signal handlers run on goroutines in
// Go, so instead of relying on EINTR the notifier writes one byte to a pipe
// that the loop watches and queues the event on a channel.
type Waker struct {
	r, w int
	ch   chan Control

	mu     sync.Mutex
	closed bool
}

// NewWaker creates the self-pipe.
func NewWaker() (*Waker, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("relay: create wake pipe: %w", err)
	}
	return &Waker{r: p[0], w: p[1], ch: make(chan Control, 64)}, nil
}

// Notify queues c and wakes the loop. It never blocks; when the queue is
// full the event is dropped. Notify after Close is a no-op.
func (w *Waker) Notify(c Control) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- c:
	default:
	}
	_, _ = unix.Write(w.w, []byte{1})
}

// fd is the descriptor the loop polls.
func (w *Waker) fd() int { return w.r }

// drain empties the pipe and returns the queued events.
func (w *Waker) drain() []Control {
	var buf [64]byte
	for {
		n, err := unix.Read(w.r, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	var out []Control
	for {
		select {
		case c := <-w.ch:
			out = append(out, c)
		default:
			return out
		}
	}
}

// Close releases both pipe ends.
func (w *Waker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err1 := unix.Close(w.r)
	err2 := unix.Close(w.w)
	if err1 != nil {
		return err1
	}
	return err2
}
