package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/ptytee/internal/session"
	"github.com/ppiankov/ptytee/internal/shipper"
	"github.com/ppiankov/ptytee/internal/transcript"
)

const testID = "20260102-030405-0a1b2c3d"

// resetFlags restores every package-level flag to its default and points
// the config at a missing file so defaults apply.
func resetFlags(t *testing.T) {
	t.Helper()
	configPath = filepath.Join(t.TempDir(), "missing.yaml")
	logLevel = "error"
	tailLines, tailFormat = 20, "text"
	replayRaw, replayFormat, verifyFormat = false, "text", "text"
	shipEndpoint, shipBatchSize, shipIncludeText, shipRedact, shipDryRun, shipGzip = "", 0, false, false, false, false
	shipLokiURL, shipJob = "", ""
	cleanupDays, cleanupDryRun, cleanupBase, cleanupSchedule, cleanupSched = "", false, "", "", false
	rollupDays, rollupFormat, rollupOutput, rollupBase = 0, "markdown", "", ""
	publishEvent = "session_ended"
	recLogDir, recHash, recNoNotify, recAutoShip = "", "", false, false
	systemdInstall, systemdUser = false, ""

	for _, k := range []string{"PTYTEE_LOGS_DIR", "PTYTEE_NOTIFY", "PTYTEE_SHIP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		t.Setenv(k, "")
	}
	t.Setenv("OTEL_TRACES_EXPORTER", "none")
	t.Setenv("HOME", t.TempDir())
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	return cmd, &out
}

// writeSession writes a four-record transcript and its raw file into dir.
func writeSession(t *testing.T, dir string) session.Paths {
	t.Helper()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	paths := session.PathsFor(dir, testID)
	chain, err := transcript.OpenChain(paths.JSONL, transcript.Options{})
	if err != nil {
		t.Fatal(err)
	}
	recs := []transcript.Record{
		transcript.SessionStarted{SessionID: testID, Cmd: []string{"claude", "--model", "sonnet", "chat"}, Cwd: "/tmp"},
		transcript.NewIO(testID, transcript.DirectionIn, []byte("ls\r"), 3),
		transcript.NewIO(testID, transcript.DirectionOut, []byte("a.txt\r\n"), 7),
		transcript.SessionEnded{SessionID: testID, ExitCode: 0, TotalBytesIn: 3, TotalBytesOut: 7},
	}
	for _, r := range recs {
		if err := chain.Append(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := chain.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(paths.Raw, []byte("a.txt\r\n\x1b[0m"), 0o600); err != nil {
		t.Fatal(err)
	}
	return paths
}

func exitCode(err error) int {
	var ec *exitCodeError
	if errors.As(err, &ec) {
		return ec.code
	}
	return -1
}

func TestVerifyValidChain(t *testing.T) {
	resetFlags(t)
	paths := writeSession(t, t.TempDir())

	cmd, out := newTestCmd()
	if err := runVerify(cmd, []string{paths.JSONL}); err != nil {
		t.Fatalf("runVerify: %v", err)
	}
	if !strings.HasPrefix(out.String(), "chain OK: 4 records") {
		t.Errorf("output = %q", out.String())
	}
}

func TestVerifyTamperedChainExitsOne(t *testing.T) {
	resetFlags(t)
	paths := writeSession(t, t.TempDir())

	data, err := os.ReadFile(paths.JSONL)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), "a.txt", "b.txt", 1)
	if err := os.WriteFile(paths.JSONL, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}

	cmd, out := newTestCmd()
	err = runVerify(cmd, []string{paths.JSONL})
	if exitCode(err) != 1 {
		t.Fatalf("err = %v, want exit code 1", err)
	}
	if !strings.Contains(out.String(), "chain BROKEN at line") {
		t.Errorf("output = %q", out.String())
	}
}

func TestTailLimitsRecords(t *testing.T) {
	resetFlags(t)
	paths := writeSession(t, t.TempDir())
	tailLines = 2

	cmd, out := newTestCmd()
	if err := runTail(cmd, []string{paths.JSONL}); err != nil {
		t.Fatalf("runTail: %v", err)
	}
	lines := strings.Split(strings.TrimRight(out.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), out.String())
	}
}

func TestReplayRawIsByteForByte(t *testing.T) {
	resetFlags(t)
	paths := writeSession(t, t.TempDir())
	replayRaw = true

	cmd, out := newTestCmd()
	if err := runReplay(cmd, []string{paths.JSONL}); err != nil {
		t.Fatalf("runReplay: %v", err)
	}
	if out.String() != "a.txt\r\n\x1b[0m" {
		t.Errorf("raw replay = %q", out.String())
	}
}

func TestReplaySummaryJSON(t *testing.T) {
	resetFlags(t)
	paths := writeSession(t, t.TempDir())
	replayFormat = "json"

	cmd, out := newTestCmd()
	if err := runReplay(cmd, []string{paths.JSONL}); err != nil {
		t.Fatalf("runReplay: %v", err)
	}
	var s transcript.Summary
	if err := json.Unmarshal(out.Bytes(), &s); err != nil {
		t.Fatalf("decode summary: %v\n%s", err, out.String())
	}
	if s.Records != 4 || s.BytesIn != 3 || s.BytesOut != 7 || !s.Ended {
		t.Errorf("summary = %+v", s)
	}
	if s.ExitCode == nil || *s.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", s.ExitCode)
	}
}

func TestShipGenericPostsAllRecords(t *testing.T) {
	resetFlags(t)
	paths := writeSession(t, t.TempDir())

	var mu sync.Mutex
	var got []shipper.Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b shipper.Batch
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, b.Events...)
		mu.Unlock()
	}))
	defer srv.Close()

	shipEndpoint = srv.URL
	shipBatchSize = 3
	cmd, out := newTestCmd()
	if err := runShipGeneric(cmd, []string{paths.JSONL}); err != nil {
		t.Fatalf("runShipGeneric: %v", err)
	}
	if !strings.Contains(out.String(), "shipped 4/4 record(s) to generic") {
		t.Errorf("output = %q", out.String())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 4 {
		t.Fatalf("server received %d events, want 4", len(got))
	}
	if _, ok := got[1].Metadata["text"]; ok {
		t.Error("text shipped without --include-text")
	}
}

func TestShipGenericFailureExitsOne(t *testing.T) {
	resetFlags(t)
	paths := writeSession(t, t.TempDir())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	shipEndpoint = srv.URL
	cmd, out := newTestCmd()
	err := runShipGeneric(cmd, []string{paths.JSONL})
	if exitCode(err) != 1 {
		t.Fatalf("err = %v, want exit code 1", err)
	}
	if !strings.Contains(out.String(), "4 failed") {
		t.Errorf("output = %q", out.String())
	}
}

func TestShipLokiDryRunSendsNothing(t *testing.T) {
	resetFlags(t)
	paths := writeSession(t, t.TempDir())

	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
	}))
	defer srv.Close()

	shipLokiURL = srv.URL
	shipDryRun = true
	cmd, out := newTestCmd()
	if err := runShipLoki(cmd, []string{paths.JSONL}); err != nil {
		t.Fatalf("runShipLoki: %v", err)
	}
	if hits != 0 {
		t.Errorf("dry run made %d requests", hits)
	}
	if !strings.Contains(out.String(), "dry run: 4 record(s)") {
		t.Errorf("output = %q", out.String())
	}
}

func TestCleanupDryRunKeepsFiles(t *testing.T) {
	resetFlags(t)
	base := t.TempDir()
	paths := writeSession(t, filepath.Join(base, "2020", "01", "02"))
	old := time.Now().AddDate(0, 0, -30)
	for _, p := range []string{paths.JSONL, paths.Raw} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatal(err)
		}
	}

	cleanupBase = base
	cleanupDays = "7"
	cleanupDryRun = true
	cmd, out := newTestCmd()
	if err := runCleanup(cmd, nil); err != nil {
		t.Fatalf("runCleanup: %v", err)
	}
	if !strings.Contains(out.String(), "would remove "+paths.JSONL) {
		t.Errorf("output = %q", out.String())
	}
	if _, err := os.Stat(paths.JSONL); err != nil {
		t.Errorf("dry run removed %s", paths.JSONL)
	}

	cleanupDryRun = false
	out.Reset()
	if err := runCleanup(cmd, nil); err != nil {
		t.Fatalf("runCleanup: %v", err)
	}
	if _, err := os.Stat(paths.JSONL); !os.IsNotExist(err) {
		t.Errorf("%s still exists", paths.JSONL)
	}
}

func TestCleanupRejectsInvalidDays(t *testing.T) {
	resetFlags(t)
	cleanupBase = t.TempDir()
	cleanupDays = "soon"
	cmd, _ := newTestCmd()
	if err := runCleanup(cmd, nil); exitCode(err) != 2 {
		t.Fatalf("err = %v, want exit code 2", err)
	}
}

func TestCleanupScheduledNeedsConfig(t *testing.T) {
	resetFlags(t)
	cleanupBase = t.TempDir()
	cleanupSched = true
	cmd, _ := newTestCmd()
	if err := runCleanup(cmd, nil); exitCode(err) != 2 {
		t.Fatalf("err = %v, want exit code 2", err)
	}
}

func TestRollupWritesReport(t *testing.T) {
	resetFlags(t)
	base := t.TempDir()
	writeSession(t, session.DateDir(base, time.Now()))

	rollupBase = base
	rollupDays = 1
	rollupOutput = filepath.Join(t.TempDir(), "report.md")
	cmd, _ := newTestCmd()
	if err := runRollup(cmd, nil); err != nil {
		t.Fatalf("runRollup: %v", err)
	}
	data, err := os.ReadFile(rollupOutput)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), "# Session Report - "+time.Now().Format(time.DateOnly)) {
		t.Errorf("report starts with %q", strings.SplitN(string(data), "\n", 2)[0])
	}
}

func TestRollupEmptyRangeFails(t *testing.T) {
	resetFlags(t)
	rollupBase = t.TempDir()
	cmd, _ := newTestCmd()
	if err := runRollup(cmd, []string{"2020-01-02"}); err == nil {
		t.Fatal("expected an error for a day without logs")
	}
	if err := runRollup(cmd, []string{"yesterday"}); exitCode(err) != 2 {
		t.Fatalf("err = %v, want exit code 2", err)
	}
}

func TestConfigShowPrintsResolvedYAML(t *testing.T) {
	resetFlags(t)
	t.Setenv("PTYTEE_LOGS_DIR", "/srv/ptytee")
	cmd, out := newTestCmd()
	if err := configShowCmd.RunE(cmd, nil); err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out.String(), "base_dir: /srv/ptytee") {
		t.Errorf("output missing env override:\n%s", out.String())
	}
}

func TestPublishDisabledIsNoop(t *testing.T) {
	resetFlags(t)
	t.Setenv("PTYTEE_NOTIFY", "0")
	cmd, _ := newTestCmd()
	if err := runPublish(cmd, []string{"/nonexistent/session-x.meta.json"}); err != nil {
		t.Fatalf("runPublish: %v", err)
	}
}

func TestPublishPostsEndedEvent(t *testing.T) {
	resetFlags(t)

	bodies := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies <- string(b)
	}))
	defer srv.Close()

	dir := t.TempDir()
	configPath = filepath.Join(dir, "config.yaml")
	cfgYAML := "notify:\n  enabled: true\n  node_id: test-node\n  webhooks:\n    - url: " + srv.URL + "\n"
	if err := os.WriteFile(configPath, []byte(cfgYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	code := 0
	paths := session.PathsFor(dir, testID)
	meta := &session.Metadata{SessionID: testID, Cmd: []string{"claude"}, EndedAt: "2026-01-02T03:05:00.000Z", ExitCode: &code}
	if err := session.WriteMeta(paths.Meta, meta); err != nil {
		t.Fatal(err)
	}

	cmd, _ := newTestCmd()
	if err := runPublish(cmd, []string{paths.Meta}); err != nil {
		t.Fatalf("runPublish: %v", err)
	}
	select {
	case body := <-bodies:
		if !strings.Contains(body, "session_ended") || !strings.Contains(body, "test-node") {
			t.Errorf("webhook body = %s", body)
		}
	default:
		t.Fatal("webhook not called")
	}
}

func TestApplyRecordFlags(t *testing.T) {
	resetFlags(t)
	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	recLogDir = "/var/log/ptytee"
	recHash = "blake3"
	recNoNotify = true
	recAutoShip = true
	if err := applyRecordFlags(cfg); err != nil {
		t.Fatalf("applyRecordFlags: %v", err)
	}
	if cfg.Logging.BaseDir != "/var/log/ptytee" || cfg.Logging.HashAlgorithm != "blake3" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Notify.Enabled || !cfg.Recorder.AutoShip {
		t.Errorf("notify.enabled = %v, auto_ship = %v", cfg.Notify.Enabled, cfg.Recorder.AutoShip)
	}

	recHash = "md5"
	if err := applyRecordFlags(cfg); err == nil {
		t.Error("expected md5 to be rejected")
	}
}

func TestRecordFlagsStopAtProgram(t *testing.T) {
	f := recordCmd.Flags()
	if err := f.Parse([]string{"--quiet", "ls", "--quiet", "-la"}); err != nil {
		t.Fatal(err)
	}
	if got := f.Args(); len(got) != 3 || got[0] != "ls" || got[1] != "--quiet" {
		t.Errorf("args = %v, want [ls --quiet -la]", got)
	}
	recQuiet = false
}

func TestDoctorReportsChecks(t *testing.T) {
	resetFlags(t)
	cmd, out := newTestCmd()
	_ = runDoctor(cmd, nil)
	for _, label := range []string{"config:", "log directory:", "pty:", "program:", "state db:"} {
		if !strings.Contains(out.String(), label) {
			t.Errorf("doctor output missing %q:\n%s", label, out.String())
		}
	}
}

func TestSystemdPrintsUnit(t *testing.T) {
	resetFlags(t)
	configPath = "/etc/ptytee/config.yaml"
	cmd, out := newTestCmd()
	if err := runSystemd(cmd, []string{"follow"}); err != nil {
		t.Fatalf("runSystemd: %v", err)
	}
	if !strings.Contains(out.String(), " follow --config /etc/ptytee/config.yaml\n") {
		t.Errorf("unit = %s", out.String())
	}
	if err := runSystemd(cmd, []string{"record"}); exitCode(err) != 2 {
		t.Errorf("err = %v, want exit code 2", err)
	}
}
