// Package container implements the Container Tree & State Machine
// (spec §4.5): a rooted tree of containers, each with a guarded state
// machine and a Property/Data store.
//
// Grounded on original_source/src/data.cpp's TContainerValue
// subclasses for the data-field set, and on spec §4.5's transition
// rules for start/stop/pause/resume/exit_notification (original_source
// has no container.cpp in the retrieved pack; the state machine itself
// is built directly from the spec, in the idiom of the teacher's
// runsc/boot state handling — a small explicit enum with guarded
// transitions under a per-instance mutex).
package container

// State is a container's position in the state machine, per spec §3.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Paused
	Dead
	Meta
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Dead:
		return "dead"
	case Meta:
		return "meta"
	default:
		return "unknown"
	}
}
