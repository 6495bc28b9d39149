//go:build unix

package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileStore_ExclusiveBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.json")
	fs := NewFileStore(path)

	release, err := fs.Exclusive()
	if err != nil {
		t.Fatalf("Exclusive failed: %v", err)
	}

	got := make(chan struct{})
	go func() {
		second, err := fs.Exclusive()
		if err == nil {
			second()
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("second Exclusive must wait for the first release")
	case <-time.After(50 * time.Millisecond):
	}
	if err := release(); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("second Exclusive not granted after release")
	}
}

func TestFileStore_ExclusiveCreatesSidecar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "b.json")
	release, err := NewFileStore(path).Exclusive()
	if err != nil {
		t.Fatalf("Exclusive failed: %v", err)
	}
	defer release()
	if _, err := os.Stat(path + ".lock"); err != nil {
		t.Fatalf("expected lock file: %v", err)
	}
}
