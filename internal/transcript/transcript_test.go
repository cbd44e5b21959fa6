package transcript

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestChain(t *testing.T, algo Algorithm) (*Chain, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session-test.jsonl")
	c, err := OpenChain(path, Options{Algorithm: algo})
	if err != nil {
		t.Fatalf("failed to open transcript: %v", err)
	}
	return c, path
}

func writeSession(t *testing.T, c *Chain, chunks int) {
	t.Helper()
	if err := c.Append(SessionStarted{SessionID: "s1", Cmd: []string{"echo", "hi"}, Cwd: "/tmp"}); err != nil {
		t.Fatalf("append start: %v", err)
	}
	var in, out int64
	for i := 0; i < chunks; i++ {
		out += 3
		if err := c.Append(NewIO("s1", DirectionOut, []byte("hi\n"), out)); err != nil {
			t.Fatalf("append io %d: %v", i, err)
		}
	}
	if err := c.Append(SessionEnded{SessionID: "s1", ExitCode: 0, TotalBytesIn: in, TotalBytesOut: out}); err != nil {
		t.Fatalf("append end: %v", err)
	}
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func writeLines(t *testing.T, path string, lines []string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	for _, algo := range []Algorithm{SHA256, BLAKE3} {
		t.Run(string(algo), func(t *testing.T) {
			c, path := newTestChain(t, algo)
			writeSession(t, c, 5)
			head := c.Head()
			c.Close()

			result := Verify(path)
			if !result.Valid {
				t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
			}
			if result.Lines != 7 {
				t.Fatalf("expected 7 lines, got %d", result.Lines)
			}
			if result.Head != head {
				t.Fatalf("expected head %s, got %s", head, result.Head)
			}
			if result.Algorithm != algo {
				t.Fatalf("expected algorithm %s, got %s", algo, result.Algorithm)
			}
		})
	}
}

func TestFirstRecordHasNoPrevHash(t *testing.T) {
	c, path := newTestChain(t, SHA256)
	writeSession(t, c, 1)
	c.Close()

	lines := readLines(t, path)
	if strings.Contains(lines[0], "prev_hash") {
		t.Fatalf("first record must not carry prev_hash: %s", lines[0])
	}
	var e Entry
	if err := json.Unmarshal([]byte(lines[1]), &e); err != nil {
		t.Fatal(err)
	}
	if e.PrevHash != HashLine([]byte(lines[0]+"\n")) {
		t.Fatalf("second record prev_hash %s does not hash the first line", e.PrevHash)
	}
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	c, path := newTestChain(t, SHA256)
	writeSession(t, c, 2)
	c.Close()

	lines := readLines(t, path)
	lines[1] = strings.Replace(lines[1], `"hi\n"`, `"ho\n"`, 1)
	writeLines(t, path, lines)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected tampered chain to be invalid")
	}
	if result.ErrorLine != 3 {
		t.Fatalf("expected error at line 3, got line %d", result.ErrorLine)
	}
	if !errors.Is(result.Err(), ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", result.Err())
	}
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	c, path := newTestChain(t, SHA256)
	writeSession(t, c, 1)
	c.Close()

	lines := readLines(t, path)
	writeLines(t, path, []string{lines[0], lines[2]})

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected chain with deleted entry to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected error at line 2, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsInsertedEntry(t *testing.T) {
	c, path := newTestChain(t, SHA256)
	writeSession(t, c, 2)
	c.Close()

	lines := readLines(t, path)
	fake := `{"ts":"2026-01-01T00:00:00.000Z","session_id":"s1","direction":"in","bytes":2,"text":"rm","prev_hash":"sha256:fake"}`
	writeLines(t, path, []string{lines[0], fake, lines[1], lines[2], lines[3]})

	if Verify(path).Valid {
		t.Fatal("expected chain with inserted entry to be invalid")
	}
}

func TestVerifyRejectsPrevHashOnFirstRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "first.jsonl")
	writeLines(t, path, []string{`{"ts":"x","session_id":"s1","event":"session_started","prev_hash":"sha256:00"}`})

	result := Verify(path)
	if result.Valid || result.ErrorLine != 1 {
		t.Fatalf("expected failure at line 1, got %+v", result)
	}
}

func TestVerifyAcceptsBareHexDigests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bare.jsonl")
	first := `{"ts":"2026-01-01T00:00:00.000Z","session_id":"s1","event":"session_started","cmd":["sh"],"cwd":"/"}`
	_, digest := algorithmOf(HashLine([]byte(first + "\n")))
	second := `{"ts":"2026-01-01T00:00:01.000Z","session_id":"s1","event":"session_ended","exit_code":0,"total_bytes_in":0,"total_bytes_out":0,"prev_hash":"` + digest + `"}`
	writeLines(t, path, []string{first, second})

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected bare hex chain to verify, got %s at line %d", result.Error, result.ErrorLine)
	}
}

func TestEmptyLogPassesVerification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	os.WriteFile(path, []byte{}, 0o644)

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected empty log to be valid, got: %s", result.Error)
	}
	if result.Lines != 0 || result.Head != "" {
		t.Fatalf("expected 0 lines and no head, got %+v", result)
	}
}

func TestVerifyMissingFile(t *testing.T) {
	result := Verify(filepath.Join(t.TempDir(), "missing.jsonl"))
	if result.Valid {
		t.Fatal("expected missing file to be invalid")
	}
}

func TestOpenExistingLogContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.jsonl")

	c1, err := OpenChain(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	writeSession(t, c1, 2)
	head := c1.Head()
	c1.Close()

	c2, err := OpenChain(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if c2.Head() != head {
		t.Fatalf("expected recovered head %s, got %s", head, c2.Head())
	}
	c2.Append(Error{SessionID: "s1", Message: "late", ErrorType: ErrSignal})
	c2.Close()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after reopen, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestLongLinesAreHandled(t *testing.T) {
	c, path := newTestChain(t, SHA256)
	big := []byte(strings.Repeat("\x1b[0m\"x\"", 65536/9))
	c.Append(SessionStarted{SessionID: "s1", Cmd: []string{"cat"}})
	c.Append(NewIO("s1", DirectionOut, big, int64(len(big))))
	c.Append(NewIO("s1", DirectionOut, big, int64(2*len(big))))
	c.Close()

	result := Verify(path)
	if !result.Valid || result.Lines != 3 {
		t.Fatalf("expected 3 valid lines, got %+v", result)
	}
}

func TestHTMLCharactersAreNotEscaped(t *testing.T) {
	c, path := newTestChain(t, SHA256)
	c.Append(NewIO("s1", DirectionOut, []byte("<a&b>"), 5))
	c.Close()

	lines := readLines(t, path)
	if !strings.Contains(lines[0], `"text":"<a&b>"`) {
		t.Fatalf("expected literal text, got %s", lines[0])
	}
}

func TestTimestampIsStampedInUTC(t *testing.T) {
	c, path := newTestChain(t, SHA256)
	c.Writer().now = func() time.Time {
		return time.Date(2026, 3, 4, 5, 6, 7, 891000000, time.FixedZone("X", 3600))
	}
	c.Append(SessionStarted{SessionID: "s1"})
	c.Close()

	e, err := ParseEntry([]byte(readLines(t, path)[0]))
	if err != nil {
		t.Fatal(err)
	}
	if e.Timestamp != "2026-03-04T04:06:07.891Z" {
		t.Fatalf("unexpected ts %s", e.Timestamp)
	}
}

func TestIORecordCarriesOneTotal(t *testing.T) {
	in := NewIO("s1", DirectionIn, []byte("ls\r"), 3)
	if in.TotalBytesIn == nil || *in.TotalBytesIn != 3 || in.TotalBytesOut != nil {
		t.Fatalf("unexpected totals on input record: %+v", in)
	}
	out := NewIO("s1", DirectionOut, []byte("x"), 9)
	if out.TotalBytesOut == nil || *out.TotalBytesOut != 9 || out.TotalBytesIn != nil {
		t.Fatalf("unexpected totals on output record: %+v", out)
	}
}

func TestDecodeTextReplacesInvalidBytes(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("plain"), "plain"},
		{[]byte("é"), "é"},
		{[]byte{'a', 0xff, 'b'}, "a�b"},
		{[]byte{0xe2, 0x82}, "��"},
	}
	for _, tt := range tests {
		if got := DecodeText(tt.in); got != tt.want {
			t.Errorf("DecodeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseAlgorithm(t *testing.T) {
	for in, want := range map[string]Algorithm{"": SHA256, "SHA256": SHA256, "blake3": BLAKE3} {
		got, err := ParseAlgorithm(in)
		if err != nil || got != want {
			t.Errorf("ParseAlgorithm(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseAlgorithm("md5"); err == nil {
		t.Error("expected error for md5")
	}
}

func TestShortHashDropsAlgorithmPrefix(t *testing.T) {
	tests := []struct {
		hash string
		want string
	}{
		{"sha256:0123456789abcdef0123", "0123456789abcdef"},
		{"blake3:fedcba9876543210ff", "fedcba9876543210"},
		{"0123456789abcdef0123", "0123456789abcdef"},
		{"sha256:abc", "abc"},
	}
	for _, tt := range tests {
		if got := ShortHash(tt.hash, 16); got != tt.want {
			t.Errorf("ShortHash(%q) = %q, want %q", tt.hash, got, tt.want)
		}
	}
}

func TestHashLineIsDeterministic(t *testing.T) {
	line := []byte(`{"ts":"2025-01-15T10:30:00.000Z","session_id":"s1","event":"session_started"}` + "\n")
	h1 := HashLine(line)
	h2 := HashLine(line)
	if h1 != h2 {
		t.Fatalf("expected same hash, got %s and %s", h1, h2)
	}
	if len(h1) != 7+64 {
		t.Fatalf("expected 71 char hash string, got %d", len(h1))
	}
	if b := BLAKE3.Sum(line); !strings.HasPrefix(b, "blake3:") || len(b) != 7+64 || b == h1 {
		t.Fatalf("unexpected blake3 hash %s", b)
	}
}
