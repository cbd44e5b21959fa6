package relay

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/ptytee/internal/transcript"
	"golang.org/x/sys/unix"
)

type recordingObserver struct {
	mu     sync.Mutex
	in     bytes.Buffer
	out    bytes.Buffer
	faults []string
	failOn transcript.Direction
}

var errObserver = errors.New("append failed")

func (o *recordingObserver) Chunk(dir transcript.Direction, data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failOn == dir {
		return errObserver
	}
	if dir == transcript.DirectionIn {
		o.in.Write(data)
	} else {
		o.out.Write(data)
	}
	return nil
}

func (o *recordingObserver) Fault(kind string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faults = append(o.faults, kind)
}

// harness wires a relay to pipes standing in for the user's terminal and a
// socketpair standing in for the PTY. child is the slave side.
type harness struct {
	t      *testing.T
	input  *os.File // test writes user input here
	output *os.File // test reads relayed output here
	child  *os.File
	obs    *recordingObserver
	waker  *Waker
	cfg    Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	sp, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := unix.SetNonblock(sp[0], true); err != nil {
		t.Fatal(err)
	}
	waker, err := NewWaker()
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		t:      t,
		input:  inW,
		output: outR,
		child:  os.NewFile(uintptr(sp[1]), "child"),
		obs:    &recordingObserver{},
		waker:  waker,
	}
	h.cfg = Config{
		Input:           int(inR.Fd()),
		Output:          int(outW.Fd()),
		PTY:             sp[0],
		InputChunk:      1024,
		OutputChunk:     65536,
		InterruptWindow: 2 * time.Second,
		ShutdownGrace:   3 * time.Second,
		Observer:        h.obs,
	}
	t.Cleanup(func() {
		inR.Close()
		inW.Close()
		outR.Close()
		outW.Close()
		unix.Close(sp[0])
		h.child.Close()
		waker.Close()
	})
	return h
}

type result struct {
	outcome Outcome
	err     error
}

func (h *harness) start() <-chan result {
	done := make(chan result, 1)
	go func() {
		out, err := Run(h.cfg, h.waker)
		done <- result{out, err}
	}()
	return done
}

func (h *harness) wait(done <-chan result) result {
	h.t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		h.t.Fatal("relay did not finish")
		return result{}
	}
}

func readN(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return buf
}

func TestRelayForwardsAndRecordsBothDirections(t *testing.T) {
	h := newHarness(t)
	done := h.start()

	h.input.Write([]byte("echo hi\r"))
	if got := readN(t, h.child, 8); string(got) != "echo hi\r" {
		t.Fatalf("child got %q", got)
	}
	h.child.Write([]byte("hi\r\n"))
	if got := readN(t, h.output, 4); string(got) != "hi\r\n" {
		t.Fatalf("user got %q", got)
	}
	h.child.Close()

	r := h.wait(done)
	if r.outcome != Closed || r.err != nil {
		t.Fatalf("expected closed, got %v %v", r.outcome, r.err)
	}
	if h.obs.in.String() != "echo hi\r" || h.obs.out.String() != "hi\r\n" {
		t.Fatalf("observer saw in=%q out=%q", h.obs.in.String(), h.obs.out.String())
	}
}

func TestInputEOFSendsEOFAndKeepsRelayingOutput(t *testing.T) {
	h := newHarness(t)
	h.cfg.EOFOnInputClose = true
	done := h.start()

	h.input.Write([]byte("data"))
	h.input.Close()
	if got := readN(t, h.child, 5); string(got) != "data\x04" {
		t.Fatalf("child got %q", got)
	}

	h.child.Write([]byte("after eof"))
	if got := readN(t, h.output, 9); string(got) != "after eof" {
		t.Fatalf("user got %q", got)
	}
	h.child.Close()

	if r := h.wait(done); r.outcome != Closed {
		t.Fatalf("expected closed, got %v", r.outcome)
	}
	if h.obs.in.String() != "data" {
		t.Fatalf("EOF byte must not be recorded, got %q", h.obs.in.String())
	}
}

func TestInputEOFWithoutEOFByte(t *testing.T) {
	h := newHarness(t)
	done := h.start()

	h.input.Close()
	time.Sleep(50 * time.Millisecond)
	h.child.Write([]byte("x"))
	readN(t, h.output, 1)
	h.child.Close()
	h.wait(done)

	if h.obs.in.Len() != 0 {
		t.Fatalf("unexpected input %q", h.obs.in.String())
	}
}

func TestInterruptForwardsCtrlCThenForces(t *testing.T) {
	h := newHarness(t)
	done := h.start()

	h.waker.Notify(Control{Kind: Interrupt})
	if got := readN(t, h.child, 1); got[0] != 0x03 {
		t.Fatalf("expected ^C, got %q", got)
	}
	h.waker.Notify(Control{Kind: Interrupt})

	r := h.wait(done)
	if r.outcome != Forced {
		t.Fatalf("expected forced, got %v", r.outcome)
	}
	if h.obs.in.Len() != 0 {
		t.Fatal("interrupt byte must not be recorded")
	}
}

func TestInterruptOutsideWindowIsForwardedAgain(t *testing.T) {
	h := newHarness(t)
	h.cfg.InterruptWindow = 20 * time.Millisecond
	done := h.start()

	h.waker.Notify(Control{Kind: Interrupt})
	readN(t, h.child, 1)
	time.Sleep(60 * time.Millisecond)
	h.waker.Notify(Control{Kind: Interrupt})
	if got := readN(t, h.child, 1); got[0] != 0x03 {
		t.Fatalf("expected second ^C, got %q", got)
	}
	h.child.Close()
	if r := h.wait(done); r.outcome != Closed {
		t.Fatalf("expected closed, got %v", r.outcome)
	}
}

func TestTerminateEndsAfterGrace(t *testing.T) {
	h := newHarness(t)
	h.cfg.ShutdownGrace = 100 * time.Millisecond
	done := h.start()

	start := time.Now()
	h.waker.Notify(Control{Kind: Terminate})
	r := h.wait(done)
	if r.outcome != Terminated {
		t.Fatalf("expected terminated, got %v", r.outcome)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("ended before grace elapsed: %v", elapsed)
	}
}

func TestTerminateStopsEarlyWhenPTYCloses(t *testing.T) {
	h := newHarness(t)
	h.cfg.ShutdownGrace = 5 * time.Second
	done := h.start()

	h.waker.Notify(Control{Kind: Terminate})
	h.child.Write([]byte("bye"))
	h.child.Close()
	r := h.wait(done)
	if r.outcome != Closed {
		t.Fatalf("expected closed, got %v", r.outcome)
	}
	if h.obs.out.String() != "bye" {
		t.Fatalf("expected final output recorded, got %q", h.obs.out.String())
	}
}

func TestChildExitDrainsWhenSlaveStaysOpen(t *testing.T) {
	h := newHarness(t)
	done := h.start()

	h.child.Write([]byte("last words"))
	readN(t, h.output, 10)
	h.waker.Notify(Control{Kind: ChildExited})

	r := h.wait(done)
	if r.outcome != Drained {
		t.Fatalf("expected drained, got %v", r.outcome)
	}
	if h.obs.out.String() != "last words" {
		t.Fatalf("unexpected output %q", h.obs.out.String())
	}
}

func TestObserverFailureEndsLoop(t *testing.T) {
	h := newHarness(t)
	h.obs.failOn = transcript.DirectionOut
	done := h.start()

	h.child.Write([]byte("x"))
	r := h.wait(done)
	if r.outcome != Failed || !errors.Is(r.err, errObserver) {
		t.Fatalf("expected failed with observer error, got %v %v", r.outcome, r.err)
	}
}

func TestHeldInputDoesNotBlockOutput(t *testing.T) {
	h := newHarness(t)
	done := h.start()

	const total = 1 << 20
	payload := bytes.Repeat([]byte("a"), total)
	go func() {
		h.input.Write(payload)
	}()

	// The child does not read yet; output must still flow.
	time.Sleep(100 * time.Millisecond)
	for i := 0; i < 10; i++ {
		h.child.Write([]byte("tick"))
		if got := readN(t, h.output, 4); string(got) != "tick" {
			t.Fatalf("unexpected output %q", got)
		}
	}

	got := readN(t, h.child, total)
	if !bytes.Equal(got, payload) {
		t.Fatal("input corrupted in transit")
	}
	h.child.Close()
	h.wait(done)

	if h.obs.in.Len() != total {
		t.Fatalf("expected %d input bytes recorded, got %d", total, h.obs.in.Len())
	}
	if h.obs.out.String() != string(bytes.Repeat([]byte("tick"), 10)) {
		t.Fatal("output not recorded in order")
	}
}

func TestOutputWriteFailureIsRecordedOnce(t *testing.T) {
	h := newHarness(t)
	h.output.Close()
	done := h.start()

	h.child.Write([]byte("one"))
	time.Sleep(50 * time.Millisecond)
	h.child.Write([]byte("two"))
	time.Sleep(50 * time.Millisecond)
	h.child.Close()
	h.wait(done)

	if len(h.obs.faults) != 1 || h.obs.faults[0] != transcript.ErrWriteOutput {
		t.Fatalf("expected one write_output fault, got %v", h.obs.faults)
	}
	if h.obs.out.String() != "onetwo" {
		t.Fatalf("output must still be recorded, got %q", h.obs.out.String())
	}
}
