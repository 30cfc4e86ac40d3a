package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestWriteFileAtomicReplacesContent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "thumb.png")
	if err := os.WriteFile(target, []byte("old"), 0o644); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	err := WriteFileAtomic(context.Background(), target, func(w io.Writer) error {
		_, err := io.WriteString(w, "new content")
		return err
	})
	if err != nil {
		t.Fatalf("write error: %v", err)
	}
	data, _ := os.ReadFile(target)
	if string(data) != "new content" {
		t.Fatalf("unexpected content %q", string(data))
	}
	assertNoTempFiles(t, dir)
}

func TestWriteFileAtomicFailureLeavesDestination(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "thumb.png")
	boom := errors.New("encoder exploded")

	err := WriteFileAtomic(context.Background(), target, func(w io.Writer) error {
		_, _ = io.WriteString(w, "half")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fill error, got %v", err)
	}
	if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
		t.Fatalf("destination must stay absent, stat err=%v", statErr)
	}
	assertNoTempFiles(t, dir)
}

func TestWriteFileAtomicConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "shared.png")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payload := fmt.Sprintf("writer-%d-%0512d", n, n)
			_ = WriteFileAtomic(context.Background(), target, func(w io.Writer) error {
				_, err := io.WriteString(w, payload)
				return err
			})
		}(i)
	}
	wg.Wait()

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var n int
	if _, err := fmt.Sscanf(string(data), "writer-%d-", &n); err != nil {
		t.Fatalf("unexpected content %q", string(data)[:20])
	}
	if string(data) != fmt.Sprintf("writer-%d-%0512d", n, n) {
		t.Fatalf("file content is a mix of writers")
	}
	assertNoTempFiles(t, dir)
}
