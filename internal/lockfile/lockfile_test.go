package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLockAcquisitionWritesPID(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	defer lock.Release()

	content, err := os.ReadFile(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatalf("Failed to read lock file: %v", err)
	}
	expected := fmt.Sprintf("pid=%d\n", os.Getpid())
	if string(content) != expected {
		t.Errorf("Lock file content = %q, want %q", content, expected)
	}
}

func TestLockConflictReportsHolder(t *testing.T) {
	dir := t.TempDir()

	lock1, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire first lock: %v", err)
	}
	defer lock1.Release()

	lock2, err := AcquireLock(dir)
	if err == nil {
		lock2.Release()
		t.Fatal("Second lock acquisition should have failed")
	}

	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("Expected LockError, got %T", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "another LeadPipe instance") {
		t.Errorf("Error should mention the running instance: %s", msg)
	}
	if !strings.Contains(msg, dir) {
		t.Errorf("Error should contain the lock path: %s", msg)
	}
	if !strings.Contains(msg, fmt.Sprintf("PID %d (running)", os.Getpid())) {
		t.Errorf("Error should identify the holding process: %s", msg)
	}
}

func TestLockReleaseAllowsReacquisition(t *testing.T) {
	dir := t.TempDir()

	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	// Release is idempotent.
	if err := lock.Release(); err != nil {
		t.Fatalf("Second release failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Error("Lock file should be removed after release")
	}

	lock2, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("Reacquisition after release failed: %v", err)
	}
	lock2.Release()
}

func TestExtractPID(t *testing.T) {
	cases := []struct {
		content string
		want    int
	}{
		{"pid=1234\n", 1234},
		{"pid=1234", 1234},
		{"garbage", 0},
		{"pid=", 0},
		{"", 0},
	}
	for _, tc := range cases {
		if got := extractPID(tc.content); got != tc.want {
			t.Errorf("extractPID(%q) = %d, want %d", tc.content, got, tc.want)
		}
	}
}
