package session

import "github.com/google/uuid"

// Resume describes a wrapped invocation that continues an earlier session of
// the wrapped program, identified by that program's own UUID.
type Resume struct {
	SessionID string
}

// DetectResume looks for a "resume" argument together with a canonical
// UUID argument. It returns nil unless both are present.
func DetectResume(args []string) *Resume {
	resume := false
	for _, a := range args {
		if a == "resume" {
			resume = true
			break
		}
	}
	if !resume {
		return nil
	}
	for _, a := range args {
		if len(a) != 36 {
			continue
		}
		if _, err := uuid.Parse(a); err == nil {
			return &Resume{SessionID: a}
		}
	}
	return nil
}
