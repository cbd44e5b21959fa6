// Package relay implements the byte relay between the user's terminal and
// a PTY master. A single goroutine runs the loop; it blocks in poll(2) with
// no timeout and hands every chunk to an Observer before reading the next.
package relay

import (
	"errors"
	"fmt"
	"time"

	"github.com/ppiankov/ptytee/internal/transcript"
	"golang.org/x/sys/unix"
)

// ErrPTYGone reports that the slave side of the PTY was closed.
var ErrPTYGone = errors.New("relay: pty gone")

// Terminal control bytes written to the PTY on behalf of the user.
const (
	ctrlC = 0x03
	ctrlD = 0x04
)

// childDrainIdle is how long the loop waits for more output after the child
// exited before it stops.
const childDrainIdle = 100 * time.Millisecond

// Observer receives every chunk that crossed the relay. Chunk is called
// synchronously after the chunk was forwarded; the slice is reused after
// Chunk returns. A Chunk error ends the loop.
type Observer interface {
	Chunk(dir transcript.Direction, data []byte) error
	Fault(kind string, err error)
}

// Config describes the descriptors and limits of one relay.
type Config struct {
	// Input is the user's input descriptor, or -1 for none.
	Input int
	// Output is the user's output descriptor.
	Output int
	// PTY is the master descriptor. It must be non-blocking.
	PTY int

	InputChunk      int
	OutputChunk     int
	InterruptWindow time.Duration
	ShutdownGrace   time.Duration
	// EOFOnInputClose sends ^D to the PTY when input reaches end of file.
	EOFOnInputClose bool

	Observer Observer
}

// Outcome is how the loop ended.
type Outcome int

const (
	// Closed: the PTY slave went away.
	Closed Outcome = iota
	// Drained: the child exited and its remaining output was relayed.
	Drained
	// Forced: a second interrupt arrived within the interrupt window.
	Forced
	// Terminated: the shutdown grace elapsed after a termination signal.
	Terminated
	// Failed: the observer or the poll itself failed.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Closed:
		return "closed"
	case Drained:
		return "drained"
	case Forced:
		return "forced"
	case Terminated:
		return "terminated"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type loop struct {
	cfg   Config
	waker *Waker

	inBuf  []byte
	outBuf []byte

	inputOpen    bool
	outputBroken bool
	pending      []byte

	lastInterrupt time.Time
	deadline      time.Time
	deadlineFor   Outcome
	childExited   bool
}

// Run relays until the PTY is gone, the child has exited and drained, or a
// control event ends the session. The returned error is non-nil only with
// Failed.
func Run(cfg Config, waker *Waker) (Outcome, error) {
	if cfg.InputChunk <= 0 {
		cfg.InputChunk = 1024
	}
	if cfg.OutputChunk <= 0 {
		cfg.OutputChunk = 65536
	}
	l := &loop{
		cfg:       cfg,
		waker:     waker,
		inBuf:     make([]byte, cfg.InputChunk),
		outBuf:    make([]byte, cfg.OutputChunk),
		inputOpen: cfg.Input >= 0,
	}
	return l.run()
}

func (l *loop) run() (Outcome, error) {
	fds := make([]unix.PollFd, 0, 3)
	for {
		fds = fds[:0]
		ptyIdx := len(fds)
		ptyEvents := int16(unix.POLLIN)
		if len(l.pending) > 0 {
			ptyEvents |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(l.cfg.PTY), Events: ptyEvents})
		wakeIdx := len(fds)
		fds = append(fds, unix.PollFd{Fd: int32(l.waker.fd()), Events: unix.POLLIN})
		inIdx := -1
		if l.inputOpen && len(l.pending) == 0 {
			inIdx = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(l.cfg.Input), Events: unix.POLLIN})
		}

		timeout := l.timeout()
		if timeout == 0 {
			return l.expired(), nil
		}
		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return Failed, fmt.Errorf("relay: poll: %w", err)
		}
		if n == 0 {
			return l.expired(), nil
		}

		if fds[wakeIdx].Revents != 0 {
			if out, done := l.handleControls(); done {
				return out, nil
			}
		}

		if rev := fds[ptyIdx].Revents; rev != 0 {
			if rev&unix.POLLOUT != 0 {
				if err := l.flushPending(); errors.Is(err, ErrPTYGone) {
					return l.gone(), nil
				}
			}
			if rev&(unix.POLLIN|unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
				gone, err := l.readPTY(rev&unix.POLLHUP != 0 || rev&unix.POLLNVAL != 0)
				if err != nil {
					return Failed, err
				}
				if gone {
					return l.gone(), nil
				}
			}
		}

		if inIdx >= 0 && fds[inIdx].Revents != 0 {
			if err := l.readInput(); err != nil {
				if errors.Is(err, ErrPTYGone) {
					return l.gone(), nil
				}
				return Failed, err
			}
		}
	}
}

// timeout returns the poll timeout in milliseconds: -1 when no deadline is
// armed, 0 when the deadline has passed.
func (l *loop) timeout() int {
	t := -1
	if !l.deadline.IsZero() {
		remaining := time.Until(l.deadline)
		if remaining <= 0 {
			return 0
		}
		t = int((remaining + time.Millisecond - 1) / time.Millisecond)
	}
	if l.childExited {
		idle := int(childDrainIdle / time.Millisecond)
		if t < 0 || idle < t {
			t = idle
		}
	}
	return t
}

func (l *loop) expired() Outcome {
	if l.childExited {
		return Drained
	}
	return l.deadlineFor
}

func (l *loop) gone() Outcome {
	if l.childExited {
		return Drained
	}
	return Closed
}

func (l *loop) handleControls() (Outcome, bool) {
	for _, c := range l.waker.drain() {
		switch c.Kind {
		case Interrupt:
			now := time.Now()
			if !l.lastInterrupt.IsZero() && now.Sub(l.lastInterrupt) <= l.cfg.InterruptWindow {
				return Forced, true
			}
			l.lastInterrupt = now
			l.pending = append(l.pending, ctrlC)
			if err := l.flushPending(); errors.Is(err, ErrPTYGone) {
				return l.gone(), true
			}
		case Terminate:
			l.arm(Terminated)
		case ChildExited:
			l.childExited = true
			l.arm(Drained)
		}
	}
	return 0, false
}

func (l *loop) arm(out Outcome) {
	if !l.deadline.IsZero() {
		return
	}
	l.deadline = time.Now().Add(l.cfg.ShutdownGrace)
	l.deadlineFor = out
	if l.cfg.ShutdownGrace <= 0 {
		l.deadline = time.Now()
	}
}

// readPTY reads one chunk from the master and relays it. hup reports that
// poll saw the slave side hang up.
func (l *loop) readPTY(hup bool) (bool, error) {
	n, err := unix.Read(l.cfg.PTY, l.outBuf)
	switch {
	case n > 0:
		chunk := l.outBuf[:n]
		if !l.outputBroken {
			if werr := writeAll(l.cfg.Output, chunk); werr != nil {
				l.outputBroken = true
				l.cfg.Observer.Fault(transcript.ErrWriteOutput, werr)
			}
		}
		if err := l.cfg.Observer.Chunk(transcript.DirectionOut, chunk); err != nil {
			return false, err
		}
		return false, nil
	case err == nil:
		// zero-length read: end of file on the master
		return true, nil
	case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
		return hup, nil
	case errors.Is(err, unix.EIO):
		return true, nil
	default:
		l.cfg.Observer.Fault(transcript.ErrReadPTY, err)
		return hup, nil
	}
}

// readInput reads one chunk of user input and forwards it to the PTY.
func (l *loop) readInput() error {
	n, err := unix.Read(l.cfg.Input, l.inBuf)
	switch {
	case n > 0:
		chunk := l.inBuf[:n]
		l.pending = append(l.pending, chunk...)
		flushErr := l.flushPending()
		if err := l.cfg.Observer.Chunk(transcript.DirectionIn, chunk); err != nil {
			return err
		}
		return flushErr
	case err == nil:
		l.inputOpen = false
		if l.cfg.EOFOnInputClose {
			l.pending = append(l.pending, ctrlD)
			return l.flushPending()
		}
		return nil
	case errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR):
		return nil
	default:
		l.inputOpen = false
		l.cfg.Observer.Fault(transcript.ErrReadInput, err)
		return nil
	}
}

// flushPending writes as much held input as the PTY accepts. The remainder
// stays held until poll reports the master writable. It returns ErrPTYGone
// when the slave has gone away.
func (l *loop) flushPending() error {
	for len(l.pending) > 0 {
		n, err := unix.Write(l.cfg.PTY, l.pending)
		if n > 0 {
			l.pending = l.pending[n:]
		}
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil
		case errors.Is(err, unix.EIO):
			l.pending = nil
			return ErrPTYGone
		default:
			l.pending = nil
			l.cfg.Observer.Fault(transcript.ErrWritePTY, err)
			return nil
		}
	}
	l.pending = l.pending[:0:0]
	return nil
}

// writeAll writes data to fd in full, waiting for writability when fd is
// non-blocking.
func writeAll(fd int, data []byte) error {
	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if n > 0 {
			data = data[n:]
		}
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			if _, perr := unix.Poll(pfd, -1); perr != nil && !errors.Is(perr, unix.EINTR) {
				return perr
			}
		default:
			return err
		}
	}
	return nil
}
