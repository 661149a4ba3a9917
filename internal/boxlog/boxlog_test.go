package boxlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/a3s-run/a3s/internal/boxtypes"
)

func TestProcessorTailsConsoleAndWritesEntries(t *testing.T) {
	dir := t.TempDir()
	consolePath := filepath.Join(dir, "console.log")
	sinkDir := filepath.Join(dir, "sink")

	if err := os.WriteFile(consolePath, []byte("boot ok\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	p := New(consolePath, sinkDir, "stdout", boxtypes.LogConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(150 * time.Millisecond)
	f, err := os.OpenFile(consolePath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("second line\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	<-done

	data, err := os.ReadFile(filepath.Join(sinkDir, "container.json"))
	if err != nil {
		t.Fatalf("reading sink: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected sink to contain entries")
	}
}

func TestNoneDriverDisablesProcessor(t *testing.T) {
	dir := t.TempDir()
	p := New(filepath.Join(dir, "console.log"), filepath.Join(dir, "sink"), "stdout", boxtypes.LogConfig{Driver: "none"})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run with none driver: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sink")); !os.IsNotExist(err) {
		t.Fatalf("expected sink dir not created, stat err = %v", err)
	}
}

func TestRotationRenumbersFiles(t *testing.T) {
	dir := t.TempDir()
	sink, err := newRotatingSink(dir, 50, 2)
	if err != nil {
		t.Fatalf("newRotatingSink: %v", err)
	}
	defer sink.Close()

	for i := 0; i < 20; i++ {
		if err := sink.Write(Entry{Log: "0123456789\n", Stream: "stdout", Time: time.Now()}); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "container.json")); err != nil {
		t.Errorf("expected active log present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "container.json.1")); err != nil {
		t.Errorf("expected rotated .1 present: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "container.json.3")); !os.IsNotExist(err) {
		t.Errorf("expected no .3 file beyond max_file=2, stat err = %v", err)
	}
}
