package launcher

import (
	"time"

	"github.com/portod/portod-go/internal/portoerr"
)

// Phase names a step of the Start() handshake, per spec §4.6/§9: the
// strict ordering {WPid, ack, VPid, wakeup, error} must hold across
// every code path, including aborted ones, or the two ends of the
// socket pair desynchronize.
type Phase int

const (
	PhaseAwaitWPid Phase = iota
	PhaseAwaitAck
	PhaseAwaitVPid
	PhaseAwaitWakeup
	PhaseAwaitError
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseAwaitWPid:
		return "await_wpid"
	case PhaseAwaitAck:
		return "await_ack"
	case PhaseAwaitVPid:
		return "await_vpid"
	case PhaseAwaitWakeup:
		return "await_wakeup"
	case PhaseAwaitError:
		return "await_error"
	case PhaseDone:
		return "done"
	default:
		return "unknown"
	}
}

// Handshake drives the daemon side of the fork/clone/exec protocol
// over a Socket, advancing through Phase in lockstep with the
// intermediate/child. Isolating every blocking recv behind this one
// type, keyed on a small state enum, is what lets tests drive the
// exact sequence with a mock Socket instead of a real process tree.
type Handshake struct {
	sock  Socket
	phase Phase
}

func NewHandshake(sock Socket) *Handshake {
	return &Handshake{sock: sock, phase: PhaseAwaitWPid}
}

func (h *Handshake) Phase() Phase { return h.phase }

// AwaitWPid blocks for the intermediate's host pid (reported
// immediately after the first fork, before namespace setup begins).
func (h *Handshake) AwaitWPid(timeout time.Duration) (int, *portoerr.Error) {
	if h.phase != PhaseAwaitWPid {
		return 0, portoerr.New(portoerr.Unknown, "handshake: AwaitWPid called in phase %s", h.phase)
	}
	if timeout > 0 {
		if err := h.sock.SetRecvTimeout(timeout); err != nil {
			return 0, err
		}
	}
	wpid, _, err := h.sock.RecvPid()
	if err != nil {
		return 0, err
	}
	h.phase = PhaseAwaitAck
	return wpid, nil
}

// SendAck releases the intermediate to proceed past cgroup/namespace
// setup into the triple-fork (or direct exec) branch.
func (h *Handshake) SendAck() *portoerr.Error {
	if h.phase != PhaseAwaitAck {
		return portoerr.New(portoerr.Unknown, "handshake: SendAck called in phase %s", h.phase)
	}
	if err := h.sock.SendZero(); err != nil {
		return err
	}
	h.phase = PhaseAwaitVPid
	return nil
}

// AwaitVPidPair blocks for the task's host-visible pid paired with its
// namespace-visible pid (the two are equal when the task was not
// isolated into a fresh pid namespace).
func (h *Handshake) AwaitVPidPair(timeout time.Duration) (taskPid, taskVPid int, err *portoerr.Error) {
	if h.phase != PhaseAwaitVPid {
		return 0, 0, portoerr.New(portoerr.Unknown, "handshake: AwaitVPidPair called in phase %s", h.phase)
	}
	if timeout > 0 {
		if err := h.sock.SetRecvTimeout(timeout); err != nil {
			return 0, 0, err
		}
	}
	taskPid, taskVPid, err = h.sock.RecvPid()
	if err != nil {
		return 0, 0, err
	}
	h.phase = PhaseAwaitWakeup
	return taskPid, taskVPid, nil
}

// SendWakeup releases the child to perform the final exec, after the
// daemon has finished anything it needed the vpid for (e.g. recording
// it before the task can exit and be reaped).
func (h *Handshake) SendWakeup() *portoerr.Error {
	if h.phase != PhaseAwaitWakeup {
		return portoerr.New(portoerr.Unknown, "handshake: SendWakeup called in phase %s", h.phase)
	}
	if err := h.sock.SendZero(); err != nil {
		return err
	}
	h.phase = PhaseAwaitError
	return nil
}

// AwaitError blocks for the final classified error (Success meaning
// the child reached exec cleanly). This is always the last message
// read regardless of which earlier phase failed: Abort pads any
// un-sent pid messages so this read never desynchronizes.
func (h *Handshake) AwaitError(timeout time.Duration) *portoerr.Error {
	if h.phase == PhaseDone {
		return portoerr.New(portoerr.Unknown, "handshake: AwaitError called after Done")
	}
	if timeout > 0 {
		if err := h.sock.SetRecvTimeout(timeout); err != nil {
			return err
		}
	}
	err := h.sock.RecvError()
	h.phase = PhaseDone
	return err
}
