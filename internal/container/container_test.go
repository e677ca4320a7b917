package container

import (
	"context"
	"testing"
	"time"

	"github.com/portod/portod-go/internal/cgroup"
	"github.com/portod/portod-go/internal/network"
	"github.com/portod/portod-go/internal/portoerr"
	"github.com/portod/portod-go/internal/property"
	"github.com/portod/portod-go/internal/subsystem"
)

func newTestContainer(t *testing.T) *Container {
	t.Helper()
	propReg := property.NewRegistry()
	dataReg := property.NewRegistry()
	RegisterPropFields(propReg)

	roots := map[string]*cgroup.Root{}
	for _, name := range []string{"memory", "cpuacct", "freezer", "blkio"} {
		roots[name] = &cgroup.Root{Path: t.TempDir(), Controllers: []string{name}}
	}
	subs := subsystem.NewSet(roots, map[string]bool{})
	RegisterDataFields(dataReg, subs)
	propReg.Seal()
	dataReg.Seal()
	return New(1, "/a", nil, propReg, dataReg, subs, network.New(), nil)
}

func TestStartRejectsFromRunningState(t *testing.T) {
	c := newTestContainer(t)
	c.state = Running

	err := c.Start(context.Background())
	if err == nil || err.Kind != portoerr.InvalidValue {
		t.Fatalf("got %v, want InvalidValue", err)
	}
	if c.State() != Running {
		t.Fatalf("state changed to %s, want unchanged Running", c.State())
	}
}

func TestStopOnStoppedIsANoOp(t *testing.T) {
	c := newTestContainer(t)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if c.State() != Stopped {
		t.Fatalf("got %s, want stopped", c.State())
	}
}

func TestStopOnStartingSetsCancelRequested(t *testing.T) {
	c := newTestContainer(t)
	c.mu.Lock()
	c.state = Starting
	called := false
	c.startCancel = func() { called = true }
	c.mu.Unlock()

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.cancelRequested {
		t.Fatal("expected cancelRequested to be set")
	}
	if !called {
		t.Fatal("expected startCancel to be invoked")
	}
}

func TestPauseRejectsWhenNotRunning(t *testing.T) {
	c := newTestContainer(t)
	err := c.Pause(time.Second)
	if err == nil || err.Kind != portoerr.InvalidValue {
		t.Fatalf("got %v, want InvalidValue", err)
	}
}

func TestResumeRejectsWhenNotPaused(t *testing.T) {
	c := newTestContainer(t)
	err := c.Resume(time.Second)
	if err == nil || err.Kind != portoerr.InvalidValue {
		t.Fatalf("got %v, want InvalidValue", err)
	}
}

func TestExitNotificationIgnoresMismatchedPid(t *testing.T) {
	c := newTestContainer(t)
	c.mu.Lock()
	c.state = Running
	c.taskPid = 100
	c.mu.Unlock()

	shouldRespawn := c.ExitNotification(999, 0)
	if shouldRespawn {
		t.Fatal("expected no respawn for a pid that doesn't match taskPid")
	}
	if c.State() != Running {
		t.Fatalf("got %s, want unchanged running", c.State())
	}
}

func TestExitNotificationMarksDeadAndHonorsRespawn(t *testing.T) {
	c := newTestContainer(t)
	if err := c.Props.Set("respawn", property.Value{Num: 1}); err != nil {
		t.Fatalf("Set respawn: %v", err)
	}
	if err := c.Props.Set("max_respawns", property.Value{Num: 3}); err != nil {
		t.Fatalf("Set max_respawns: %v", err)
	}
	c.mu.Lock()
	c.state = Running
	c.taskPid = 100
	c.mu.Unlock()

	shouldRespawn := c.ExitNotification(100, 137)
	if !shouldRespawn {
		t.Fatal("expected respawn to be requested")
	}
	if c.State() != Dead {
		t.Fatalf("got %s, want dead", c.State())
	}
	c.mu.Lock()
	if c.exitStatus != 137 {
		t.Fatalf("got exit status %d, want 137", c.exitStatus)
	}
	if c.respawnCount != 1 {
		t.Fatalf("got respawn count %d, want 1", c.respawnCount)
	}
	if c.taskPid != 0 {
		t.Fatalf("expected taskPid reset to 0, got %d", c.taskPid)
	}
	c.mu.Unlock()
}

func TestExitNotificationStopsRespawningAtCeiling(t *testing.T) {
	c := newTestContainer(t)
	if err := c.Props.Set("respawn", property.Value{Num: 1}); err != nil {
		t.Fatalf("Set respawn: %v", err)
	}
	if err := c.Props.Set("max_respawns", property.Value{Num: 1}); err != nil {
		t.Fatalf("Set max_respawns: %v", err)
	}
	c.mu.Lock()
	c.respawnCount = 1
	c.state = Running
	c.taskPid = 100
	c.mu.Unlock()

	if c.ExitNotification(100, 0) {
		t.Fatal("expected no further respawn once the ceiling is reached")
	}
}

func TestCgroupRelPath(t *testing.T) {
	c := newTestContainer(t)
	c.Name = "/a/b"
	if got := c.cgroupRelPath(); got != "portod/a/b" {
		t.Fatalf("got %q, want portod/a/b", got)
	}
}

func TestMinorMatchesID(t *testing.T) {
	c := newTestContainer(t)
	c.ID = 42
	if c.minor() != 42 {
		t.Fatalf("got %d, want 42", c.minor())
	}
}

func TestNetCountersRejectsUnknownKind(t *testing.T) {
	c := newTestContainer(t)
	_, err := c.netCounters("not_a_real_kind")
	if err == nil || err.Kind != portoerr.InvalidValue {
		t.Fatalf("got %v, want InvalidValue", err)
	}
}

func TestSplitEnv(t *testing.T) {
	got := splitEnv("A=1\nB=2\n\n  \nC=3")
	want := []string{"A=1", "B=2", "C=3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if splitEnv("") != nil {
		t.Fatal("expected nil for empty env string")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	c := newTestContainer(t)
	if err := c.Props.Set("command", property.Value{Str: "sleep 1"}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	c.mu.Lock()
	c.state = Dead
	c.exitStatus = 9
	c.oomKilled = true
	c.respawnCount = 2
	c.mu.Unlock()

	rec := c.Snapshot()
	if rec.Name != "/a" || rec.State != "dead" || rec.ExitStatus != 9 || !rec.OomKilled || rec.RespawnCount != 2 {
		t.Fatalf("got %+v", rec)
	}

	c2 := newTestContainer(t)
	c2.Restore(rec)
	c2.mu.Lock()
	defer c2.mu.Unlock()
	if c2.exitStatus != 9 || !c2.oomKilled || c2.respawnCount != 2 || c2.state != Dead {
		t.Fatalf("restored container mismatch: exitStatus=%d oomKilled=%v respawnCount=%d state=%s",
			c2.exitStatus, c2.oomKilled, c2.respawnCount, c2.state)
	}
	v, err := c2.Props.Get("command")
	if err != nil || v.Str != "sleep 1" {
		t.Fatalf("got %v, %v, want sleep 1", v, err)
	}
}
