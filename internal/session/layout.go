package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File name suffixes of the three per-session files.
const (
	RawSuffix   = ".raw.txt"
	JSONLSuffix = ".jsonl"
	MetaSuffix  = ".meta.json"

	filePrefix = "session-"
)

// Paths locates the files of one session.
type Paths struct {
	ID    string
	Dir   string
	Raw   string
	JSONL string
	Meta  string
}

// DateDir returns <base>/YYYY/MM/DD for the local date of t.
func DateDir(base string, t time.Time) string {
	return filepath.Join(base, t.Format("2006"), t.Format("01"), t.Format("02"))
}

// PathsFor returns the file paths for session id under dir.
func PathsFor(dir, id string) Paths {
	stem := filepath.Join(dir, filePrefix+id)
	return Paths{
		ID:    id,
		Dir:   dir,
		Raw:   stem + RawSuffix,
		JSONL: stem + JSONLSuffix,
		Meta:  stem + MetaSuffix,
	}
}

// New allocates a fresh session id for t and creates its date directory.
// No session file is created.
func New(base string, t time.Time) (Paths, error) {
	dir := DateDir(base, t)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Paths{}, fmt.Errorf("session: create log directory: %w", err)
	}
	return PathsFor(dir, NewID(t)), nil
}

// IDFromPath extracts the session id from any of the session file names.
func IDFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	if !strings.HasPrefix(name, filePrefix) {
		return "", false
	}
	for _, suffix := range []string{MetaSuffix, RawSuffix, JSONLSuffix} {
		if strings.HasSuffix(name, suffix) {
			return strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), suffix), true
		}
	}
	return "", false
}

// PathsFromFile returns the session paths for any one of its files.
func PathsFromFile(path string) (Paths, error) {
	id, ok := IDFromPath(path)
	if !ok {
		return Paths{}, fmt.Errorf("session: %s is not a session file", path)
	}
	return PathsFor(filepath.Dir(path), id), nil
}

// IsTranscript reports whether path names a session JSONL transcript.
func IsTranscript(path string) bool {
	name := filepath.Base(path)
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, JSONLSuffix)
}
