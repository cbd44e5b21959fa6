package recorder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/ppiankov/ptytee/internal/config"
	"github.com/ppiankov/ptytee/internal/relay"
	"github.com/ppiankov/ptytee/internal/session"
	"github.com/ppiankov/ptytee/internal/transcript"
)

func requirePTY(t *testing.T) {
	t.Helper()
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	ptmx.Close()
	tty.Close()
}

type fixture struct {
	t       *testing.T
	cfg     *config.Config
	stdinW  *os.File
	opts    Options
	output  chan []byte
	stderr  *bytes.Buffer
	signals chan os.Signal
}

func newFixture(t *testing.T, args ...string) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Logging.BaseDir = t.TempDir()
	cfg.Notify.Enabled = false
	cfg.Recorder.VersionProbe = false
	cfg.Recorder.ShutdownGrace = 500 * time.Millisecond

	inR, inW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{
		t:       t,
		cfg:     cfg,
		stdinW:  inW,
		output:  make(chan []byte, 1),
		stderr:  &bytes.Buffer{},
		signals: make(chan os.Signal, 4),
	}
	f.opts = Options{
		Config:  cfg,
		Args:    args,
		Stdin:   inR,
		Stdout:  outW,
		Stderr:  f.stderr,
		signals: f.signals,
	}
	go func() {
		data, _ := io.ReadAll(outR)
		f.output <- data
	}()
	t.Cleanup(func() {
		inR.Close()
		inW.Close()
		outR.Close()
	})
	return f
}

func (f *fixture) run() (*Result, error, []byte) {
	f.t.Helper()
	done := make(chan struct{})
	var res *Result
	var err error
	go func() {
		defer close(done)
		res, err = Run(context.Background(), f.opts)
	}()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		f.t.Fatal("recorder did not finish")
	}
	f.opts.Stdout.Close()
	return res, err, <-f.output
}

func TestEchoScenario(t *testing.T) {
	requirePTY(t)
	f := newFixture(t, "echo", "hi")
	res, err, out := f.run()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out), "hi\r\n") {
		t.Fatalf("expected relayed output, got %q", out)
	}

	raw, _ := os.ReadFile(res.Paths.Raw)
	if string(raw) != string(out) {
		t.Fatalf("raw transcript %q differs from relayed output %q", raw, out)
	}
	if res.BytesOut != int64(len(raw)) {
		t.Fatalf("bytes_out %d != raw size %d", res.BytesOut, len(raw))
	}

	verify := transcript.Verify(res.Paths.JSONL)
	if !verify.Valid {
		t.Fatalf("chain invalid: %s at %d", verify.Error, verify.ErrorLine)
	}

	entries, _, err := transcript.ReadEntries(res.Paths.JSONL)
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Kind() != transcript.EventSessionStarted || strings.Join(entries[0].Cmd, " ") != "echo hi" {
		t.Fatalf("unexpected first record: %+v", entries[0])
	}
	last := entries[len(entries)-1]
	if last.Kind() != transcript.EventSessionEnded || *last.ExitCode != 0 || *last.TotalBytesOut != res.BytesOut {
		t.Fatalf("unexpected last record: %+v", last)
	}
	var sum int64
	for _, e := range entries {
		if e.Kind() == transcript.KindIO && e.Direction == "out" {
			sum += int64(e.Bytes)
		}
	}
	if sum != res.BytesOut {
		t.Fatalf("io records sum %d != bytes_out %d", sum, res.BytesOut)
	}

	meta, err := session.ReadMeta(res.Paths.Meta)
	if err != nil {
		t.Fatal(err)
	}
	if meta.SessionID != res.Paths.ID || meta.FinalHash != verify.Head || meta.FinalHash != res.FinalHash {
		t.Fatalf("metadata inconsistent: %+v vs head %s", meta, verify.Head)
	}
	if meta.ExitCode == nil || *meta.ExitCode != 0 || meta.TotalBytesOut != res.BytesOut {
		t.Fatalf("metadata totals wrong: %+v", meta)
	}
	if meta.RawLogSize != int64(len(raw)) || meta.EndedAt == "" {
		t.Fatalf("metadata sizes wrong: %+v", meta)
	}
	if !strings.Contains(f.stderr.String(), "ptytee: recording session "+res.Paths.ID) {
		t.Fatalf("missing banner: %s", f.stderr.String())
	}
}

func TestExitCodeIsMirrored(t *testing.T) {
	requirePTY(t)
	f := newFixture(t, "sh", "-c", "exit 3")
	res, err, _ := f.run()

	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 3 {
		t.Fatalf("expected exit 3, got %v", err)
	}
	if res.ExitCode != 3 {
		t.Fatalf("expected recorded exit 3, got %d", res.ExitCode)
	}
	s, err := transcript.Summarize(res.Paths.JSONL)
	if err != nil {
		t.Fatal(err)
	}
	if s.ExitCode == nil || *s.ExitCode != 3 {
		t.Fatalf("session_ended exit code wrong: %+v", s)
	}
}

func TestNotFoundExits127WithoutFiles(t *testing.T) {
	f := newFixture(t, "ptytee-definitely-not-a-program")
	res, err, _ := f.run()

	if res != nil {
		t.Fatal("expected no result")
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 127 || !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected 127 not found, got %v", err)
	}
	if !strings.Contains(f.stderr.String(), "error: 'ptytee-definitely-not-a-program' not found on PATH") {
		t.Fatalf("unexpected stderr: %s", f.stderr.String())
	}
	entries, _ := os.ReadDir(f.cfg.Logging.BaseDir)
	if len(entries) != 0 {
		t.Fatalf("expected no files, found %d entries", len(entries))
	}
}

func TestInputEOFWhileOutputContinues(t *testing.T) {
	requirePTY(t)
	f := newFixture(t, "sh", "-c", "cat; echo done")
	f.stdinW.Write([]byte("hello\n"))
	f.stdinW.Close()

	res, err, out := f.run()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(string(out), "done") {
		t.Fatalf("expected output after input EOF, got %q", out)
	}
	if res.BytesIn != 6 {
		t.Fatalf("expected 6 bytes in, got %d", res.BytesIn)
	}
	if !transcript.Verify(res.Paths.JSONL).Valid {
		t.Fatal("chain invalid")
	}
}

func TestInterruptIsForwardedToChild(t *testing.T) {
	requirePTY(t)
	f := newFixture(t, "sleep", "30")
	go func() {
		time.Sleep(300 * time.Millisecond)
		f.signals <- syscall.SIGINT
	}()

	start := time.Now()
	res, err, _ := f.run()
	if time.Since(start) > 10*time.Second {
		t.Fatal("interrupt was not delivered")
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 128+int(syscall.SIGINT) {
		t.Fatalf("expected exit 130, got %v", err)
	}
	if res.ExitCode != -1 {
		t.Fatalf("signaled child must be recorded as -1, got %d", res.ExitCode)
	}
	if res.BytesIn != 0 {
		t.Fatal("interrupt byte must not be recorded as input")
	}
}

func TestDoubleInterruptForcesFinalization(t *testing.T) {
	requirePTY(t)
	f := newFixture(t, "sh", "-c", "trap '' INT; sleep 30")
	go func() {
		time.Sleep(300 * time.Millisecond)
		f.signals <- syscall.SIGINT
		f.signals <- syscall.SIGINT
	}()

	res, err, _ := f.run()
	if res == nil || res.Outcome != relay.Forced {
		t.Fatalf("expected forced outcome, got %+v (%v)", res, err)
	}
	if err == nil {
		t.Fatal("expected non-zero exit after forced finalization")
	}
	s, serr := transcript.Summarize(res.Paths.JSONL)
	if serr != nil || !s.Ended {
		t.Fatalf("expected finalized transcript: %+v %v", s, serr)
	}
}

func TestTerminationSignalIsForwarded(t *testing.T) {
	requirePTY(t)
	f := newFixture(t, "sleep", "30")
	go func() {
		time.Sleep(300 * time.Millisecond)
		f.signals <- syscall.SIGTERM
	}()

	res, err, _ := f.run()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 128+int(syscall.SIGTERM) {
		t.Fatalf("expected exit 143, got %v", err)
	}
	if res.ExitCode != -1 {
		t.Fatalf("expected -1, got %d", res.ExitCode)
	}
}

func TestMetadataWriteFailureIsNotFatal(t *testing.T) {
	requirePTY(t)
	orig := writeMeta
	writeMeta = func(string, *session.Metadata) error { return errors.New("disk full") }
	t.Cleanup(func() { writeMeta = orig })

	f := newFixture(t, "true")
	res, err, _ := f.run()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(f.stderr.String(), "failed to update metadata: disk full") {
		t.Fatalf("expected warning, got %s", f.stderr.String())
	}
	if !transcript.Verify(res.Paths.JSONL).Valid {
		t.Fatal("transcript must still be valid")
	}
}

// failingRaw fails every write once the child printed the trigger.
type failingRaw struct {
	io.WriteCloser
	trigger string
}

func (w *failingRaw) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte(w.trigger)) {
		return 0, errors.New("disk full")
	}
	return w.WriteCloser.Write(p)
}

func TestAppendFailureEndsSession(t *testing.T) {
	requirePTY(t)
	orig := openRaw
	openRaw = func(path string) (io.WriteCloser, error) {
		w, err := orig(path)
		if err != nil {
			return nil, err
		}
		return &failingRaw{WriteCloser: w, trigger: "second"}, nil
	}
	t.Cleanup(func() { openRaw = orig })

	f := newFixture(t, "sh", "-c", "echo first; sleep 0.3; echo second; sleep 30")

	// Use a real terminal as stdin so raw mode is acquired and must be
	// given back.
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer ptmx.Close()
	defer tty.Close()
	before, err := unix.IoctlGetTermios(int(tty.Fd()), unix.TCGETS)
	if err != nil {
		t.Fatal(err)
	}
	f.opts.Stdin = tty

	start := time.Now()
	res, err, out := f.run()
	if time.Since(start) > 10*time.Second {
		t.Fatalf("session was not cut short: took %v", time.Since(start))
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code < 128 {
		t.Fatalf("expected a signal exit status, got %v", err)
	}
	if res.Outcome != relay.Failed {
		t.Fatalf("expected outcome Failed, got %v", res.Outcome)
	}
	if res.ExitCode != -1 {
		t.Fatalf("expected recorded exit -1, got %d", res.ExitCode)
	}
	if !strings.Contains(string(out), "first") {
		t.Fatalf("expected output before the failure, got %q", out)
	}
	if !strings.Contains(f.stderr.String(), "error: recorder: append raw transcript: disk full") {
		t.Fatalf("expected append error on stderr, got %s", f.stderr.String())
	}

	if v := transcript.Verify(res.Paths.JSONL); !v.Valid {
		t.Fatalf("chain invalid: %s at %d", v.Error, v.ErrorLine)
	}
	entries, _, err := transcript.ReadEntries(res.Paths.JSONL)
	if err != nil {
		t.Fatal(err)
	}
	var appendErr bool
	for _, e := range entries {
		if e.Kind() == transcript.EventError && e.ErrorType == transcript.ErrAppend && strings.Contains(e.Error, "disk full") {
			appendErr = true
		}
	}
	if !appendErr {
		t.Fatal("missing append error record")
	}
	last := entries[len(entries)-1]
	if last.Kind() != transcript.EventSessionEnded || last.ExitCode == nil || *last.ExitCode != -1 {
		t.Fatalf("unexpected last record: %+v", last)
	}

	meta, err := session.ReadMeta(res.Paths.Meta)
	if err != nil {
		t.Fatal(err)
	}
	if !meta.Finalized() || meta.ExitCode == nil || *meta.ExitCode != -1 || meta.FinalHash != res.FinalHash {
		t.Fatalf("metadata not rewritten: %+v", meta)
	}

	after, err := unix.IoctlGetTermios(int(tty.Fd()), unix.TCGETS)
	if err != nil {
		t.Fatal(err)
	}
	if after.Lflag != before.Lflag || after.Iflag != before.Iflag || after.Oflag != before.Oflag {
		t.Fatalf("terminal mode not restored: before %+v after %+v", before, after)
	}
}

func TestResumeIsRecorded(t *testing.T) {
	requirePTY(t)
	id := "019adb8e-f58d-7c02-ac81-091803b2fe90"
	f := newFixture(t, "sh", "-c", "true", "resume", id)
	res, err, _ := f.run()
	if err != nil {
		t.Fatal(err)
	}
	s, _ := transcript.Summarize(res.Paths.JSONL)
	if s.ResumeSessionID != id {
		t.Fatalf("expected resume id in transcript, got %q", s.ResumeSessionID)
	}
	meta, _ := session.ReadMeta(res.Paths.Meta)
	if meta.ResumeSessionID != id || !meta.IsResume {
		t.Fatalf("expected resume id in metadata: %+v", meta)
	}
}

func TestFilesLiveInDateDirectory(t *testing.T) {
	requirePTY(t)
	f := newFixture(t, "true")
	f.opts.Quiet = true
	res, _, _ := f.run()

	rel, err := filepath.Rel(f.cfg.Logging.BaseDir, res.Paths.Dir)
	if err != nil || len(strings.Split(rel, string(filepath.Separator))) != 3 {
		t.Fatalf("expected YYYY/MM/DD directory, got %s", rel)
	}
	if f.stderr.Len() != 0 {
		t.Fatalf("quiet mode printed: %s", f.stderr.String())
	}
}

func TestExitStatusMapping(t *testing.T) {
	if rec, st := exitStatus(nil); rec != -1 || st != 1 {
		t.Fatalf("nil state: %d %d", rec, st)
	}
}
