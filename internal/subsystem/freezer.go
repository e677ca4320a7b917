package subsystem

import (
	"strings"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/portod/portod-go/internal/cgroup"
	"github.com/portod/portod-go/internal/portoerr"
)

// FreezerState is the freezer cgroup's state machine, per spec §4.2.
type FreezerState int

const (
	Thawed FreezerState = iota
	Freezing
	Frozen
	Thawing
)

func (s FreezerState) String() string {
	switch s {
	case Thawed:
		return "THAWED"
	case Freezing:
		return "FREEZING"
	case Frozen:
		return "FROZEN"
	case Thawing:
		return "THAWING"
	default:
		return "UNKNOWN"
	}
}

func parseFreezerState(raw string) FreezerState {
	switch strings.TrimSpace(raw) {
	case "FROZEN":
		return Frozen
	case "FREEZING":
		return Freezing
	case "THAWING":
		return Thawing
	default:
		return Thawed
	}
}

// Freezer wraps the freezer controller, grounded on
// TFreezerSubsystem::Freeze/Unfreeze/WaitState.
type Freezer struct {
	root *cgroup.Root
}

func (f *Freezer) node(relPath string) *cgroup.Node {
	return cgroup.NewNode(f.root, "freezer", relPath)
}

// Root returns the controller's owning cgroup root.
func (f *Freezer) Root() *cgroup.Root { return f.root }

// State reads the freezer.state knob.
func (f *Freezer) State(relPath string) (FreezerState, *portoerr.Error) {
	raw, err := f.node(relPath).ReadKnob("freezer.state")
	if err != nil {
		return Thawed, err
	}
	return parseFreezerState(raw), nil
}

// Freeze writes FROZEN and waits until the state knob reports Frozen
// or timeout elapses, per spec §4.2.
func (f *Freezer) Freeze(relPath string, timeout time.Duration) *portoerr.Error {
	if err := f.node(relPath).WriteKnob("freezer.state", "FROZEN"); err != nil {
		return err
	}
	return f.waitState(relPath, Frozen, timeout)
}

// Unfreeze writes THAWED and waits symmetrically.
func (f *Freezer) Unfreeze(relPath string, timeout time.Duration) *portoerr.Error {
	if err := f.node(relPath).WriteKnob("freezer.state", "THAWED"); err != nil {
		return err
	}
	return f.waitState(relPath, Thawed, timeout)
}

func (f *Freezer) waitState(relPath string, want FreezerState, timeout time.Duration) *portoerr.Error {
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(20*time.Millisecond), uint64(timeout/(20*time.Millisecond))+1)

	var lastErr *portoerr.Error
	op := func() error {
		state, err := f.State(relPath)
		if err != nil {
			lastErr = err
			return err
		}
		if state != want {
			lastErr = portoerr.New(portoerr.Timeout, "freezer at %s, want %s", state, want)
			return lastErr
		}
		return nil
	}

	if err := backoff.Retry(op, b); err != nil {
		if lastErr != nil && lastErr.Kind != portoerr.Timeout {
			return portoerr.Errno(portoerr.IO, 0, "waiting for freezer state %s: %v", want, err)
		}
		return portoerr.New(portoerr.Timeout, "freezer did not reach %s within %s", want, timeout)
	}
	return nil
}
