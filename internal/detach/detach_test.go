package detach

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGoSwallowsPanicsAndErrors(t *testing.T) {
	done := make(chan struct{})
	Go(func() error {
		defer close(done)
		panic("boom")
	})
	Go(func() error { return errors.New("ignored") })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("detached goroutine did not run")
	}
}

func TestSpawnRunsIndependently(t *testing.T) {
	sh, err := LookupTool("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	marker := filepath.Join(t.TempDir(), "spawned")
	if err := Spawn(sh, "-c", "echo ok > "+marker); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if data, err := os.ReadFile(marker); err == nil && string(data) == "ok\n" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("spawned process did not run")
}

func TestSpawnMissingBinary(t *testing.T) {
	if err := Spawn(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing binary")
	}
}

func TestLookupToolMissing(t *testing.T) {
	if _, err := LookupTool("ptytee-no-such-tool"); err == nil {
		t.Fatal("expected lookup failure")
	}
}
