package lock

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAcquirePIDLockWritesPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "drover.lock")
	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	b, err := os.ReadFile(lockPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		t.Fatalf("expected PID in lock file, got empty")
	}
}

func TestReadPID(t *testing.T) {
	t.Parallel()

	lockPath := filepath.Join(t.TempDir(), "drover.lock")
	if pid, err := ReadPID(lockPath); err != nil || pid != 0 {
		t.Fatalf("expected 0 for missing lock file, got %d (%v)", pid, err)
	}

	l, err := AcquirePIDLock(lockPath)
	if err != nil {
		t.Fatalf("AcquirePIDLock: %v", err)
	}
	t.Cleanup(func() { _ = l.Release() })

	pid, err := ReadPID(lockPath)
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if pid != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), pid)
	}
}
