package session

import "os"

// DefaultEnvAllowlist names the environment variables captured in metadata
// when none are configured.
var DefaultEnvAllowlist = []string{"SHELL", "TERM", "LANG", "LC_ALL", "PATH", "HOME"}

// SnapshotEnv returns the values of the allow-listed variables that are set.
// Nothing outside the list is ever captured.
func SnapshotEnv(allow []string) map[string]string {
	if allow == nil {
		allow = DefaultEnvAllowlist
	}
	env := make(map[string]string, len(allow))
	for _, name := range allow {
		if v, ok := os.LookupEnv(name); ok {
			env[name] = v
		}
	}
	return env
}
