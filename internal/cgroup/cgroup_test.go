package cgroup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/portod/portod-go/internal/portoerr"
)

func newTestRoot(t *testing.T) *Root {
	t.Helper()
	return &Root{Path: t.TempDir(), Controllers: []string{"test"}}
}

func TestNodeCreateIsIdempotent(t *testing.T) {
	root := newTestRoot(t)
	node := NewNode(root, "test", "/portod/a")

	if err := node.Create(); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if err := node.Create(); err != nil {
		t.Fatalf("second Create should be a no-op, got: %v", err)
	}
	if info, statErr := os.Stat(node.Path()); statErr != nil || !info.IsDir() {
		t.Fatalf("expected %s to be a directory", node.Path())
	}
}

func TestNodeCreateRejectsFileInPlace(t *testing.T) {
	root := newTestRoot(t)
	if err := os.WriteFile(filepath.Join(root.Path, "blocked"), []byte("x"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}
	node := NewNode(root, "test", "/blocked")

	err := node.Create()
	if err == nil || err.Kind != portoerr.Exists {
		t.Fatalf("got %v, want Exists", err)
	}
}

func TestNodeRemoveFailsWithLiveTasks(t *testing.T) {
	root := newTestRoot(t)
	node := NewNode(root, "test", "/portod/b")
	if err := node.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(node.Path(), "tasks"), []byte("1234\n"), 0o644); err != nil {
		t.Fatalf("seed tasks: %v", err)
	}

	err := node.Remove()
	if err == nil || err.Kind != portoerr.Busy {
		t.Fatalf("got %v, want Busy", err)
	}
}

func TestNodeRemoveFailsWithChildren(t *testing.T) {
	root := newTestRoot(t)
	node := NewNode(root, "test", "/portod/c")
	if err := node.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.Mkdir(filepath.Join(node.Path(), "child"), 0o755); err != nil {
		t.Fatalf("seed child dir: %v", err)
	}

	err := node.Remove()
	if err == nil || err.Kind != portoerr.Busy {
		t.Fatalf("got %v, want Busy", err)
	}
}

func TestNodeRemoveSucceedsWhenEmpty(t *testing.T) {
	root := newTestRoot(t)
	node := NewNode(root, "test", "/portod/d")
	if err := node.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := node.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, statErr := os.Stat(node.Path()); !os.IsNotExist(statErr) {
		t.Fatalf("expected %s to be gone", node.Path())
	}
}

func TestNodeRemoveOfMissingNodeIsNotAnError(t *testing.T) {
	root := newTestRoot(t)
	node := NewNode(root, "test", "/portod/never-created")

	if err := node.Remove(); err != nil {
		t.Fatalf("Remove of a never-created node should be a no-op, got: %v", err)
	}
}

func TestWriteKnobThenReadKnobRoundTrips(t *testing.T) {
	root := newTestRoot(t)
	node := NewNode(root, "test", "/portod/e")
	if err := node.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := node.WriteKnob("memory.limit_in_bytes", "1048576"); err != nil {
		t.Fatalf("WriteKnob: %v", err)
	}
	got, err := node.ReadKnob("memory.limit_in_bytes")
	if err != nil {
		t.Fatalf("ReadKnob: %v", err)
	}
	if got != "1048576" {
		t.Fatalf("got %q, want 1048576", got)
	}
}

func TestReadKnobMissingIsNotSupported(t *testing.T) {
	root := newTestRoot(t)
	node := NewNode(root, "test", "/portod/f")
	if err := node.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, err := node.ReadKnob("nonexistent.knob")
	if err == nil || err.Kind != portoerr.NotSupported {
		t.Fatalf("got %v, want NotSupported", err)
	}
}

func TestAttachWritesPidToTasks(t *testing.T) {
	root := newTestRoot(t)
	node := NewNode(root, "test", "/portod/g")
	if err := node.Create(); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := node.Attach(4242); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	got, err := node.ReadKnob("tasks")
	if err != nil {
		t.Fatalf("ReadKnob: %v", err)
	}
	if got != "4242" {
		t.Fatalf("got %q, want 4242", got)
	}
}
