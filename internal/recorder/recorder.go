// Package recorder supervises one recorded session: it resolves and starts
// the wrapped program on a PTY, runs the relay, and finalizes the
// transcript, metadata and terminal on every exit path.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/ppiankov/ptytee/internal/config"
	"github.com/ppiankov/ptytee/internal/notify"
	"github.com/ppiankov/ptytee/internal/relay"
	"github.com/ppiankov/ptytee/internal/session"
	"github.com/ppiankov/ptytee/internal/terminal"
	"github.com/ppiankov/ptytee/internal/transcript"
)

// Options configure one recording.
type Options struct {
	Config *config.Config
	// ConfigPath is passed to detached companion commands.
	ConfigPath string
	// Args is the wrapped program followed by its arguments.
	Args []string

	Stdin  *os.File
	Stdout *os.File
	Stderr io.Writer

	Notifier *notify.Dispatcher
	Quiet    bool

	// signals replaces the process signal subscription in tests.
	signals chan os.Signal
}

// Result describes a finished recording.
type Result struct {
	Paths     session.Paths
	Outcome   relay.Outcome
	ExitCode  int // recorded exit code, -1 if signaled or unknown
	Status    int // status the recorder should exit with
	BytesIn   int64
	BytesOut  int64
	FinalHash string
	Notified  bool
}

// writeMeta is replaced in tests to simulate metadata write failures.
var writeMeta = session.WriteMeta

// openRaw opens the raw transcript for appending. Replaced in tests to
// simulate write failures mid-session.
var openRaw = func(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
}

type waitResult struct {
	state *os.ProcessState
	err   error
}

// Run records one session. It returns an *ExitError whenever the recorder
// should exit non-zero; the error wraps ErrNotFound when the program does
// not resolve.
func Run(ctx context.Context, opts Options) (*Result, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if len(opts.Args) == 0 {
		return nil, &ExitError{Code: 2, Err: errors.New("recorder: no program given")}
	}

	prog := opts.Args[0]
	path, err := exec.LookPath(prog)
	if err != nil {
		fmt.Fprintf(opts.Stderr, "error: '%s' not found on PATH\n", prog)
		return nil, &ExitError{Code: 127, Err: fmt.Errorf("%w: %s", ErrNotFound, prog)}
	}

	algo, err := transcript.ParseAlgorithm(cfg.Logging.HashAlgorithm)
	if err != nil {
		return nil, &ExitError{Code: 1, Err: err}
	}

	version := "unknown"
	if cfg.Recorder.VersionProbe {
		version = programVersion(ctx, path)
	}

	started := time.Now()
	paths, err := session.New(cfg.Logging.BaseDir, started)
	if err != nil {
		return nil, &ExitError{Code: 1, Err: err}
	}
	s := &supervisor{
		opts:    opts,
		cfg:     cfg,
		path:    path,
		paths:   paths,
		resume:  session.DetectResume(opts.Args[1:]),
		started: started,
	}
	return s.run(ctx, algo, version)
}

type supervisor struct {
	opts    Options
	cfg     *config.Config
	path    string
	paths   session.Paths
	resume  *session.Resume
	started time.Time

	meta   *session.Metadata
	tap    *tap
	term   *terminal.Manager
	ptmx   *os.File
	cmd    *exec.Cmd
	waitC  chan waitResult
	exited chan struct{}
	sigC   chan os.Signal

	mu         sync.Mutex
	signalErrs []error
}

func (s *supervisor) warnf(format string, args ...any) {
	fmt.Fprintf(s.opts.Stderr, "ptytee: "+format+"\n", args...)
}

func (s *supervisor) run(ctx context.Context, algo transcript.Algorithm, version string) (*Result, error) {
	cwd, _ := os.Getwd()
	s.meta = &session.Metadata{
		SessionID:      s.paths.ID,
		StartedAt:      s.started.UTC().Format(transcript.TimestampFormat),
		Cmd:            s.opts.Args,
		Cwd:            cwd,
		Hostname:       hostname(),
		User:           username(),
		PID:            os.Getpid(),
		ProgramVersion: version,
		Env:            session.SnapshotEnv(s.cfg.Recorder.EnvAllowlist),
		Version:        session.MetaVersion,
		Logger:         session.Logger,
		HashAlgorithm:  string(algo),
	}
	if s.resume != nil {
		s.meta.ResumeSessionID = s.resume.SessionID
		s.meta.IsResume = true
	}

	chain, err := transcript.OpenChain(s.paths.JSONL, transcript.Options{Algorithm: algo, Fsync: s.cfg.Logging.Fsync})
	if err != nil {
		return nil, &ExitError{Code: 1, Err: err}
	}
	raw, err := openRaw(s.paths.Raw)
	if err != nil {
		chain.Close()
		return nil, &ExitError{Code: 1, Err: fmt.Errorf("recorder: open raw transcript: %w", err)}
	}
	s.tap = &tap{sessionID: s.paths.ID, raw: raw, chain: chain}

	if err := writeMeta(s.paths.Meta, s.meta); err != nil {
		s.warnf("warning: failed to write metadata: %v", err)
	}

	start := transcript.SessionStarted{SessionID: s.paths.ID, Cmd: s.opts.Args, Cwd: cwd}
	if s.resume != nil {
		start.ResumeSessionID = s.resume.SessionID
		start.IsResume = true
	}
	if err := chain.Append(start); err != nil {
		s.warnf("error: %v", err)
		raw.Close()
		chain.Close()
		return nil, &ExitError{Code: 1, Err: err}
	}

	s.banner()

	s.sigC = s.opts.signals
	if s.sigC == nil {
		s.sigC = make(chan os.Signal, 8)
		signal.Notify(s.sigC, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
		defer signal.Stop(s.sigC)
	}

	s.term = terminal.NewManager(s.opts.Stdin)
	defer s.term.Restore()
	if err := s.startChild(); err != nil {
		s.tap.recordError(transcript.ErrSpawn, err)
		s.warnf("error: failed to start %s: %v", s.opts.Args[0], err)
		res := s.finalize(relay.Failed, nil)
		res.Status = 1
		return res, &ExitError{Code: 1, Err: err}
	}

	outcome, loopErr := s.runLoop(ctx)
	if loopErr != nil {
		s.tap.failed = nil
		s.tap.recordError(transcript.ErrAppend, loopErr)
		s.warnf("error: %v", loopErr)
	}

	ws := s.reap(outcome)
	res := s.finalize(outcome, ws)
	if res.Status != 0 {
		return res, &ExitError{Code: res.Status, Err: loopErr}
	}
	return res, nil
}

func (s *supervisor) startChild() error {
	cmd := exec.Command(s.path, s.opts.Args[1:]...)
	cmd.Args = s.opts.Args

	var ptmx *os.File
	var err error
	if s.term.IsTerminal() {
		ws, serr := pty.GetsizeFull(s.opts.Stdin)
		if serr == nil {
			ptmx, err = pty.StartWithSize(cmd, ws)
		} else {
			ptmx, err = pty.Start(cmd)
		}
	} else {
		ptmx, err = pty.Start(cmd)
	}
	if err != nil {
		return err
	}
	s.ptmx = ptmx
	s.cmd = cmd

	s.waitC = make(chan waitResult, 1)
	s.exited = make(chan struct{})
	go func() {
		state, err := cmd.Process.Wait()
		s.waitC <- waitResult{state: state, err: err}
		close(s.exited)
	}()
	return nil
}

// runLoop runs the I/O relay with signal translation and resize
// propagation.
func (s *supervisor) runLoop(ctx context.Context) (relay.Outcome, error) {
	ptyFd := int(s.ptmx.Fd())
	if err := unix.SetNonblock(ptyFd, true); err != nil {
		s.tap.recordError(transcript.ErrReadPTY, err)
	}

	waker, err := relay.NewWaker()
	if err != nil {
		s.tap.recordError(transcript.ErrSignal, err)
		s.killChild()
		return relay.Failed, nil
	}
	defer waker.Close()

	if err := s.term.MakeRaw(); err != nil {
		s.warnf("warning: %v", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-s.exited:
			waker.Notify(relay.Control{Kind: relay.ChildExited})
		case <-loopCtx.Done():
		}
	}()

	handle := terminal.NewPTYHandle(ptyFd)
	defer handle.Close()
	if s.term.IsTerminal() {
		if err := handle.CopySize(s.opts.Stdin); err != nil {
			s.tap.recordError(transcript.ErrResize, err)
		}
		terminal.WatchResize(loopCtx, s.opts.Stdin, handle)
	}

	go s.translateSignals(ctx, loopCtx.Done(), waker)

	s.opts.Notifier.Dispatch(ctx, notify.StartedEvent(s.meta, s.cfg.Notify.NodeID, s.paths.JSONL))

	return relay.Run(relay.Config{
		Input:           int(s.opts.Stdin.Fd()),
		Output:          int(s.opts.Stdout.Fd()),
		PTY:             ptyFd,
		InputChunk:      s.cfg.Recorder.InputChunk,
		OutputChunk:     s.cfg.Recorder.OutputChunk,
		InterruptWindow: s.cfg.Recorder.InterruptWindow,
		ShutdownGrace:   s.cfg.Recorder.ShutdownGrace,
		EOFOnInputClose: !s.term.IsTerminal(),
		Observer:        s.tap,
	}, waker)
}

// translateSignals turns process signals into relay controls until stop is
// closed. Termination signals are forwarded to the child's process group
// first. Cancellation of ctx counts as SIGTERM.
func (s *supervisor) translateSignals(ctx context.Context, stop <-chan struct{}, waker *relay.Waker) {
	cancelled := ctx.Done()
	for {
		select {
		case <-stop:
			return
		case <-cancelled:
			cancelled = nil
			s.forward(syscall.SIGTERM)
			waker.Notify(relay.Control{Kind: relay.Terminate, Signal: syscall.SIGTERM})
		case sig := <-s.sigC:
			ssig, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			if ssig == syscall.SIGINT {
				waker.Notify(relay.Control{Kind: relay.Interrupt, Signal: ssig})
				continue
			}
			s.forward(ssig)
			waker.Notify(relay.Control{Kind: relay.Terminate, Signal: ssig})
		}
	}
}

func (s *supervisor) forward(sig syscall.Signal) {
	pid := s.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		s.mu.Lock()
		s.signalErrs = append(s.signalErrs, fmt.Errorf("forward %s to process group %d: %w", sig, pid, err))
		s.mu.Unlock()
	}
}

func (s *supervisor) killChild() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
	}
}

// reap waits for the child. After a forced end, or when a signal arrives
// while waiting, the master is closed first so the child sees a hangup, and
// SIGKILL follows if it does not exit within the shutdown grace.
func (s *supervisor) reap(outcome relay.Outcome) *os.ProcessState {
	if s.cmd == nil {
		return nil
	}
	switch outcome {
	case relay.Forced, relay.Terminated, relay.Failed:
	default:
		select {
		case w := <-s.waitC:
			return w.state
		case <-s.sigC:
		}
	}

	s.closeMaster()
	grace := s.cfg.Recorder.ShutdownGrace
	if grace <= 0 {
		grace = time.Second
	}
	select {
	case w := <-s.waitC:
		return w.state
	case <-time.After(grace):
	}
	s.killChild()
	w := <-s.waitC
	return w.state
}

func (s *supervisor) closeMaster() {
	if s.ptmx != nil {
		_ = s.ptmx.Close()
		s.ptmx = nil
	}
}
