package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrChainBroken is returned by VerifyResult.Err when the chain is invalid.
var ErrChainBroken = errors.New("transcript: hash chain broken")

// VerifyResult holds the outcome of a hash chain verification.
type VerifyResult struct {
	Valid     bool      `json:"valid"`
	Lines     int       `json:"lines"`
	Head      string    `json:"head,omitempty"`
	Algorithm Algorithm `json:"algorithm,omitempty"`
	Error     string    `json:"error,omitempty"`
	ErrorLine int       `json:"error_line,omitempty"`
}

// Err returns nil for a valid chain, otherwise an error wrapping
// ErrChainBroken.
func (r VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	if r.ErrorLine > 0 {
		return fmt.Errorf("%w: line %d: %s", ErrChainBroken, r.ErrorLine, r.Error)
	}
	return fmt.Errorf("%w: %s", ErrChainBroken, r.Error)
}

type chainLink struct {
	PrevHash *string `json:"prev_hash"`
}

// Verify reads a JSONL transcript and validates the hash chain: the first
// record must carry no prev_hash and every later record must carry the hash
// of the line before it. The algorithm is taken from each prev_hash prefix;
// a bare hex digest is treated as sha256.
func Verify(path string) VerifyResult {
	f, err := os.Open(path)
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("open: %v", err)}
	}
	defer f.Close()

	lineNum := 0
	var prev []byte
	var algo Algorithm
	var failed *VerifyResult

	err = eachLine(f, func(line []byte) error {
		lineNum++
		var link chainLink
		if err := json.Unmarshal(line, &link); err != nil {
			failed = &VerifyResult{Error: fmt.Sprintf("parse error: %v", err), ErrorLine: lineNum}
			return errStop
		}

		if lineNum == 1 {
			if link.PrevHash != nil {
				failed = &VerifyResult{
					Error:     fmt.Sprintf("first record has prev_hash %q", *link.PrevHash),
					ErrorLine: 1,
				}
				return errStop
			}
		} else {
			if link.PrevHash == nil {
				failed = &VerifyResult{Error: "missing prev_hash", ErrorLine: lineNum}
				return errStop
			}
			a, digest := algorithmOf(*link.PrevHash)
			if a != SHA256 && a != BLAKE3 {
				failed = &VerifyResult{Error: fmt.Sprintf("unknown hash algorithm %q", a), ErrorLine: lineNum}
				return errStop
			}
			expected := a.Sum(append(prev, '\n'))
			if _, want := algorithmOf(expected); want != digest {
				failed = &VerifyResult{
					Error:     fmt.Sprintf("hash mismatch: expected %s, got %s", expected, *link.PrevHash),
					ErrorLine: lineNum,
				}
				return errStop
			}
			algo = a
		}

		prev = append(prev[:0], line...)
		return nil
	})
	if failed != nil {
		return *failed
	}
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("scan: %v", err)}
	}

	result := VerifyResult{Valid: true, Lines: lineNum}
	if lineNum > 0 {
		if algo == "" {
			algo = DefaultAlgorithm
		}
		result.Algorithm = algo
		result.Head = algo.Sum(append(prev, '\n'))
	}
	return result
}

var errStop = errors.New("stop")
