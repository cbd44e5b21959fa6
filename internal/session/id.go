// Package session holds the identity, on-disk layout and metadata of one
// recorded terminal session.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDTimeLayout is the time prefix of a session id.
const IDTimeLayout = "20060102-150405"

// NewID returns a sortable session id "YYYYMMDD-HHMMSS-<8 hex>" using the
// local time t.
func NewID(t time.Time) string {
	return t.Format(IDTimeLayout) + "-" + randomSuffix()
}

func randomSuffix() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return strings.ReplaceAll(id.String(), "-", "")[:8]
	}
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%08x", uint32(time.Now().UnixNano()))
	}
	return hex.EncodeToString(b)
}

// ValidID reports whether id has the session id shape.
func ValidID(id string) bool {
	if len(id) != len(IDTimeLayout)+1+8 || id[len(IDTimeLayout)] != '-' {
		return false
	}
	if _, err := time.Parse(IDTimeLayout, id[:len(IDTimeLayout)]); err != nil {
		return false
	}
	_, err := hex.DecodeString(id[len(IDTimeLayout)+1:])
	return err == nil
}

// IDTime returns the local time encoded in a session id.
func IDTime(id string) (time.Time, error) {
	if len(id) < len(IDTimeLayout) {
		return time.Time{}, fmt.Errorf("session: malformed id %q", id)
	}
	t, err := time.ParseInLocation(IDTimeLayout, id[:len(IDTimeLayout)], time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("session: malformed id %q: %w", id, err)
	}
	return t, nil
}
