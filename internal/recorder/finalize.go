package recorder

import (
	"os"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ppiankov/ptytee/internal/detach"
	"github.com/ppiankov/ptytee/internal/relay"
	"github.com/ppiankov/ptytee/internal/transcript"
)

// ctlTool is the companion binary used for detached end-of-session work.
const ctlTool = "ptyteectl"

// exitStatus maps a wait status to the recorded exit code and the status
// the recorder mirrors: N for a normal exit, 128+signal for a signaled
// child, 1 when unknown. Signaled and unknown exits are recorded as -1.
func exitStatus(state *os.ProcessState) (recorded, status int) {
	if state == nil {
		return -1, 1
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok {
		if code := state.ExitCode(); code >= 0 {
			return code, code
		}
		return -1, 1
	}
	switch {
	case ws.Exited():
		return ws.ExitStatus(), ws.ExitStatus()
	case ws.Signaled():
		return -1, 128 + int(ws.Signal())
	default:
		return -1, 1
	}
}

// finalize writes session_ended, rewrites the metadata, restores the
// terminal, launches detached notification and shipping, and prints the
// summary. It runs exactly once per recorded session.
func (s *supervisor) finalize(outcome relay.Outcome, state *os.ProcessState) *Result {
	recorded, status := exitStatus(state)
	if outcome == relay.Failed && state == nil {
		recorded, status = -1, 1
	}

	s.mu.Lock()
	signalErrs := s.signalErrs
	s.mu.Unlock()
	for _, err := range signalErrs {
		s.tap.recordError(transcript.ErrSignal, err)
	}

	t := s.tap
	end := transcript.SessionEnded{
		SessionID:     s.paths.ID,
		ExitCode:      recorded,
		TotalBytesIn:  t.bytesIn,
		TotalBytesOut: t.bytesOut,
	}
	if s.resume != nil {
		end.ResumeSessionID = s.resume.SessionID
		end.IsResume = true
	}
	t.failed = nil
	if err := t.chain.Append(end); err != nil {
		s.warnf("error: %v", err)
		if status == 0 {
			status = 1
		}
	}
	endedAt := time.Now().UTC().Format(transcript.TimestampFormat)

	if err := t.raw.Close(); err != nil {
		s.warnf("warning: close raw transcript: %v", err)
	}
	if err := t.chain.Close(); err != nil {
		s.warnf("warning: close transcript: %v", err)
	}
	s.closeMaster()
	_ = s.term.Restore()

	m := s.meta
	m.EndedAt = endedAt
	m.ExitCode = &recorded
	m.TotalBytesIn = t.bytesIn
	m.TotalBytesOut = t.bytesOut
	m.RawLogSize = fileSize(s.paths.Raw)
	m.JSONLLogSize = fileSize(s.paths.JSONL)
	m.FinalHash = t.chain.Head()
	if err := writeMeta(s.paths.Meta, m); err != nil {
		s.warnf("warning: failed to update metadata: %v", err)
	}

	res := &Result{
		Paths:     s.paths,
		Outcome:   outcome,
		ExitCode:  recorded,
		Status:    status,
		BytesIn:   t.bytesIn,
		BytesOut:  t.bytesOut,
		FinalHash: m.FinalHash,
	}
	res.Notified = s.launchDetached()
	s.summary(res)
	return res
}

// launchDetached starts the end notification and optional auto-ship as
// independent processes so they survive the recorder's exit.
func (s *supervisor) launchDetached() bool {
	wantNotify := s.cfg.Notify.Enabled && s.opts.Notifier.Len() > 0
	if !wantNotify && !s.cfg.Recorder.AutoShip {
		return false
	}
	tool, err := detach.LookupTool(ctlTool)
	if err != nil {
		s.warnf("warning: %v", err)
		return false
	}
	var common []string
	if s.opts.ConfigPath != "" {
		common = append(common, "--config", s.opts.ConfigPath)
	}

	notified := false
	if wantNotify {
		args := append([]string{"publish", "--event", "session_ended", s.paths.Meta}, common...)
		if err := detach.Spawn(tool, args...); err != nil {
			s.warnf("warning: %v", err)
		} else {
			notified = true
		}
	}
	if s.cfg.Recorder.AutoShip {
		args := append([]string{"ship", "loki", s.paths.JSONL}, common...)
		if err := detach.Spawn(tool, args...); err != nil {
			s.warnf("warning: %v", err)
		}
	}
	return notified
}

func (s *supervisor) banner() {
	if s.opts.Quiet {
		return
	}
	s.warnf("recording session %s", s.paths.ID)
	if s.resume != nil {
		s.warnf("resumes %s", s.resume.SessionID)
	}
	s.warnf("transcript %s", s.paths.JSONL)
	s.warnf("raw log    %s", s.paths.Raw)
	s.warnf("metadata   %s", s.paths.Meta)
}

func (s *supervisor) summary(res *Result) {
	if s.opts.Quiet {
		return
	}
	s.warnf("session %s completed", res.Paths.ID)
	s.warnf("  exit code  %d", res.ExitCode)
	s.warnf("  data in    %s (%d bytes)", humanize.IBytes(uint64(res.BytesIn)), res.BytesIn)
	s.warnf("  data out   %s (%d bytes)", humanize.IBytes(uint64(res.BytesOut)), res.BytesOut)
	s.warnf("  raw log    %s (%s)", res.Paths.Raw, humanize.IBytes(uint64(fileSize(res.Paths.Raw))))
	s.warnf("  transcript %s (%s)", res.Paths.JSONL, humanize.IBytes(uint64(fileSize(res.Paths.JSONL))))
	s.warnf("  metadata   %s", res.Paths.Meta)
	if res.FinalHash != "" {
		s.warnf("  chain hash %s...", transcript.ShortHash(res.FinalHash, 16))
	}
	if res.Notified {
		s.warnf("  notification dispatched")
	}
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
