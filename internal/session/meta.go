package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// MetaVersion is the metadata schema version.
const MetaVersion = 2

// Logger identifies the writer of a metadata file.
const Logger = "ptytee"

// Metadata is the per-session summary file. It is written before the child
// starts and rewritten once at finalization.
type Metadata struct {
	SessionID       string            `json:"session_id"`
	StartedAt       string            `json:"started_at"`
	Cmd             []string          `json:"cmd"`
	Cwd             string            `json:"cwd"`
	Hostname        string            `json:"hostname"`
	User            string            `json:"user"`
	PID             int               `json:"pid"`
	ProgramVersion  string            `json:"program_version"`
	Env             map[string]string `json:"env_whitelist"`
	Version         int               `json:"version"`
	Logger          string            `json:"logger"`
	HashAlgorithm   string            `json:"hash_algorithm"`
	ResumeSessionID string            `json:"resume_session_id,omitempty"`
	IsResume        bool              `json:"is_resume,omitempty"`

	EndedAt       string `json:"ended_at,omitempty"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	TotalBytesIn  int64  `json:"total_bytes_in"`
	TotalBytesOut int64  `json:"total_bytes_out"`
	RawLogSize    int64  `json:"raw_log_size"`
	JSONLLogSize  int64  `json:"jsonl_log_size"`
	FinalHash     string `json:"final_hash,omitempty"`
}

// Finalized reports whether the end of the session has been recorded.
func (m *Metadata) Finalized() bool {
	return m.EndedAt != ""
}

// WriteMeta atomically writes m to path. The session id in the body must
// match the one in the file name.
func WriteMeta(path string, m *Metadata) error {
	if id, ok := IDFromPath(path); !ok || id != m.SessionID {
		return fmt.Errorf("session: metadata id %q does not match file %s", m.SessionID, filepath.Base(path))
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal metadata: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("session: write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("session: rename to final: %w", err)
	}
	return nil
}

// ReadMeta loads a metadata file.
func ReadMeta(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("session: parse metadata: %w", err)
	}
	return &m, nil
}
