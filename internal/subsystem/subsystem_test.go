package subsystem

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/portod/portod-go/internal/cgroup"
	"github.com/portod/portod-go/internal/portoerr"
)

func testRoot(t *testing.T) *cgroup.Root {
	t.Helper()
	return &cgroup.Root{Path: t.TempDir(), Controllers: []string{"test"}}
}

func writeKnob(t *testing.T, root *cgroup.Root, relPath, knob, contents string) {
	t.Helper()
	dir := filepath.Join(root.Path, relPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("setup mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, knob), []byte(contents), 0o644); err != nil {
		t.Fatalf("setup writefile: %v", err)
	}
}

func TestMemoryUsage(t *testing.T) {
	root := testRoot(t)
	writeKnob(t, root, "/a", "memory.usage_in_bytes", "1048576\n")
	m := &Memory{root: root}

	got, err := m.Usage("/a")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if got != 1048576 {
		t.Fatalf("got %d, want 1048576", got)
	}
}

func TestMemoryStatistics(t *testing.T) {
	root := testRoot(t)
	writeKnob(t, root, "/a", "memory.stat", "total_pgfault 100\ntotal_pgmajfault 20\ntotal_max_rss 4096\n")
	m := &Memory{root: root}

	stat, err := m.Statistics("/a")
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stat["total_pgfault"] != 100 || stat["total_pgmajfault"] != 20 {
		t.Fatalf("got %+v", stat)
	}

	minor, ok := MinorFaults(stat)
	if !ok || minor != 80 {
		t.Fatalf("MinorFaults got (%d, %v), want (80, true)", minor, ok)
	}
	major, ok := MajorFaults(stat)
	if !ok || major != 20 {
		t.Fatalf("MajorFaults got (%d, %v), want (20, true)", major, ok)
	}
	maxRSS, ok := MaxRSS(stat)
	if !ok || maxRSS != 4096 {
		t.Fatalf("MaxRSS got (%d, %v), want (4096, true)", maxRSS, ok)
	}
}

func TestMinorFaultsMissingFieldsAreNotOk(t *testing.T) {
	if _, ok := MinorFaults(map[string]uint64{}); ok {
		t.Fatal("expected !ok with no fields present")
	}
	if _, ok := MinorFaults(map[string]uint64{"total_pgfault": 5, "total_pgmajfault": 10}); ok {
		t.Fatal("expected !ok when major exceeds total")
	}
}

func TestMemorySetLimitAndUseHierarchy(t *testing.T) {
	root := testRoot(t)
	writeKnob(t, root, "/a", "memory.limit_in_bytes", "0\n")
	writeKnob(t, root, "/a", "memory.use_hierarchy", "0\n")
	m := &Memory{root: root}

	if err := m.SetLimit("/a", 2097152); err != nil {
		t.Fatalf("SetLimit: %v", err)
	}
	if err := m.UseHierarchy("/a"); err != nil {
		t.Fatalf("UseHierarchy: %v", err)
	}

	limit, rerr := os.ReadFile(filepath.Join(root.Path, "a", "memory.limit_in_bytes"))
	if rerr != nil || string(limit) != "2097152" {
		t.Fatalf("got %q, err %v, want 2097152", limit, rerr)
	}
}

func TestMemoryOOMEventCountMissingKnobIsZeroNotError(t *testing.T) {
	root := testRoot(t)
	if err := os.MkdirAll(filepath.Join(root.Path, "a"), 0o755); err != nil {
		t.Fatalf("setup: %v", err)
	}
	m := &Memory{root: root}

	count, err := m.OOMEventCount("/a")
	if err != nil {
		t.Fatalf("OOMEventCount: %v", err)
	}
	if count != 0 {
		t.Fatalf("got %d, want 0", count)
	}
}

func TestMemoryOOMEventCountParsesKnob(t *testing.T) {
	root := testRoot(t)
	writeKnob(t, root, "/a", "memory.oom_control", "oom_kill_disable 0\nunder_oom 0\noom_kill 3\n")
	m := &Memory{root: root}

	count, err := m.OOMEventCount("/a")
	if err != nil {
		t.Fatalf("OOMEventCount: %v", err)
	}
	if count != 3 {
		t.Fatalf("got %d, want 3", count)
	}
}

func TestCpuacctUsage(t *testing.T) {
	root := testRoot(t)
	writeKnob(t, root, "/a", "cpuacct.usage", "500000000\n")
	c := &Cpuacct{root: root}

	got, err := c.Usage("/a")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if got != 500000000 {
		t.Fatalf("got %d, want 500000000", got)
	}
}

func TestBlkioStatistics(t *testing.T) {
	root := testRoot(t)
	writeKnob(t, root, "/a", "blkio.throttle.io_service_bytes",
		"8:0 Read 100\n8:0 Write 200\n8:0 Sync 150\n8:0 Async 150\n")
	b := &Blkio{root: root}

	stats, err := b.Statistics("/a", "blkio.throttle.io_service_bytes")
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("got %d devices, want 1", len(stats))
	}
	s := stats[0]
	if s.Device != "8:0" || s.Read != 100 || s.Write != 200 || s.Sync != 150 || s.Async != 150 {
		t.Fatalf("got %+v", s)
	}
}

func TestFreezerStateParsing(t *testing.T) {
	root := testRoot(t)
	writeKnob(t, root, "/a", "freezer.state", "FROZEN\n")
	f := &Freezer{root: root}

	state, err := f.State("/a")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state != Frozen {
		t.Fatalf("got %s, want FROZEN", state)
	}
	if state.String() != "FROZEN" {
		t.Fatalf("got %q, want FROZEN", state.String())
	}
}

func TestFreezerWaitStateWaitsForStateTransition(t *testing.T) {
	root := testRoot(t)
	writeKnob(t, root, "/a", "freezer.state", "THAWED\n")
	f := &Freezer{root: root}

	done := make(chan *portoerr.Error, 1)
	go func() {
		done <- f.waitState("/a", Frozen, 500*time.Millisecond)
	}()

	// The kernel transitions freezer.state asynchronously; emulate that
	// by flipping it shortly after the wait starts. (In this plain-file
	// fake, Freeze's own write would already read back as FROZEN, so the
	// wait is exercised through waitState directly.)
	time.Sleep(30 * time.Millisecond)
	writeKnob(t, root, "/a", "freezer.state", "FROZEN\n")

	if err := <-done; err != nil {
		t.Fatalf("waitState: %v", err)
	}
}

func TestFreezerWaitStateTimesOutIfStateNeverTransitions(t *testing.T) {
	root := testRoot(t)
	writeKnob(t, root, "/a", "freezer.state", "THAWED\n")
	f := &Freezer{root: root}

	err := f.waitState("/a", Frozen, 80*time.Millisecond)
	if err == nil || err.Kind != portoerr.Timeout {
		t.Fatalf("got %v, want Timeout", err)
	}
}

func TestCountProcBaseDirs(t *testing.T) {
	got := CountProcBaseDirs()
	if got == 0 {
		t.Fatal("expected at least one non-numeric entry under /proc")
	}
	if ProcBaseDirCount != got {
		t.Fatalf("ProcBaseDirCount not updated: got %d, want %d", ProcBaseDirCount, got)
	}
}
