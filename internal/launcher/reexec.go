package launcher

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/portod/portod-go/internal/portoerr"
)

// handshakeFd is the fd number the daemon donates the handshake
// socket on via ExtraFiles: ExtraFiles[0] always lands at fd 3 (0, 1,
// 2 being the standard streams), per os/exec's documented contract.
const handshakeFd = 3

// stage2InnerFd is the fd number Stage1 donates its private inner
// socketpair's far end on when spawning Stage2 (ExtraFiles[1], since
// ExtraFiles[0] is the outer daemon-facing socket forwarded along).
// This pair exists solely to hand Stage2 its own host-visible pid; the
// daemon-facing handshake continues over handshakeFd.
const stage2InnerFd = 4

func socketFromFd(fd int) Socket {
	return &unixSocket{f: os.NewFile(uintptr(fd), "handshake")}
}

// RunStage1 is cmd/portod's entry point when re-exec'd with Stage1Arg.
// It is the "Fork A" intermediate of spec §4.6: it reports its own
// pid, waits for the daemon's ack, enters every pre-existing namespace
// listed in the task's environment, and then either (not isolated)
// finishes configuration and execs in place, or (isolated) spawns
// Stage2 into a fresh pid namespace and exits immediately so the
// grandchild reparents to the daemon's subreaper, substituting for
// the original vfork-based triple fork with a process model Go's
// runtime can safely drive (Go forbids forking without exec from a
// multi-threaded process; re-exec via /proc/self/exe sidesteps that
// entirely, see SPEC_FULL.md's resolved Open Question).
func RunStage1() int {
	sock := socketFromFd(handshakeFd)
	defer sock.Close()

	spec, serr := readSpecFile()
	if serr != nil {
		Abort(sock, PhaseAwaitWPid, serr)
		return 1
	}

	if err := ReportPid(sock, os.Getpid()); err != nil {
		log.WithError(err).Error("stage1: report wpid failed")
		return 1
	}

	if err := enterNamespaces(spec.NamespaceFDs); err != nil {
		Abort(sock, PhaseAwaitVPid, err)
		return 1
	}

	// setns(CLONE_NEWPID) only takes effect for children forked after
	// the call, never for the calling process itself; a non-isolated
	// container that joined an ancestor's pid namespace here still
	// execs in place below, in the pid namespace it was born into at
	// fork time. Only the spawnStage2 branch, which forks again after
	// this setns, actually lands a process inside the joined namespace.
	if !spec.Isolate {
		return runInPlace(sock, spec, os.Getpid())
	}
	return spawnStage2(sock, spec)
}

// RunStage2 is cmd/portod's entry point when re-exec'd with Stage2Arg.
// It runs as the first process of a freshly created pid namespace
// (vpid 1), finishes task-local configuration, reports its pid pair,
// and execs the task's command.
func RunStage2() int {
	sock := socketFromFd(handshakeFd)
	defer sock.Close()
	inner := socketFromFd(stage2InnerFd)

	spec, serr := readSpecFile()
	if serr != nil {
		inner.Close()
		Abort(sock, PhaseAwaitVPid, serr)
		return 1
	}
	hostPid, herr := RecvHostPid(inner)
	inner.Close()
	if herr != nil {
		Abort(sock, PhaseAwaitVPid, herr)
		return 1
	}
	return runInPlace(sock, spec, hostPid)
}

func enterNamespaces(fds map[NamespaceKind]int) *portoerr.Error {
	for _, kind := range namespaceFDOrder {
		fd, ok := fds[kind]
		if !ok {
			continue
		}
		if err := unix.Setns(fd, nsCloneFlag(kind)); err != nil {
			return portoerr.Errno(portoerr.System, int(errnoOf(err)), "setns %s: %v", kind, err)
		}
	}
	return nil
}

func nsCloneFlag(kind NamespaceKind) int {
	switch kind {
	case NSIpc:
		return unix.CLONE_NEWIPC
	case NSUts:
		return unix.CLONE_NEWUTS
	case NSNet:
		return unix.CLONE_NEWNET
	case NSPid:
		return unix.CLONE_NEWPID
	case NSMnt:
		return unix.CLONE_NEWNS
	default:
		return 0
	}
}

// runInPlace finishes configuration and execs, reporting the pid pair
// and final status over the handshake socket at each required step.
// Used both by an un-isolated Stage1 (taskPid == taskVPid == this
// process's own getpid) and by Stage2 (taskVPid is 1 inside the new
// pid namespace, taskPid is hostPid, handed down from Stage1 via
// RecvHostPid since a process cannot observe its own host-side pid
// once inside a new pid namespace from getpid() alone).
func runInPlace(sock Socket, spec *TaskSpec, hostPid int) int {
	if err := sock.SendPidPair(hostPid, os.Getpid()); err != nil {
		return 1
	}
	if err := sock.RecvZero(); err != nil {
		return 1
	}

	if err := ConfigureChild(spec); err != nil {
		Abort(sock, PhaseAwaitError, err)
		return 1
	}

	if spec.Meta {
		// A meta container has no command: it execs the helper-init
		// binary passed in on HelperInitFD instead, and simply parks
		// there as the container's root process.
		if err := sock.SendError(nil); err != nil {
			return 1
		}
		helperPath := "/proc/self/fd/" + strconv.Itoa(spec.HelperInitFD)
		execErr := unix.Exec(helperPath, []string{"portod-init"}, os.Environ())
		log.WithError(execErr).Error("exec helper init failed")
		return 1
	}

	// Marking the handshake fd close-on-exec right before the final
	// execve means a normally-starting task never has to send an
	// explicit success message at all: the exec itself closes the fd,
	// and the daemon's RecvError treats the resulting clean EOF as
	// success. Harmless if ChildExec fails below instead, since
	// close-on-exec only takes effect on an actual exec.
	unix.CloseOnExec(sock.Fd())
	if err := ChildExec(spec); err != nil {
		_ = sock.SendError(err)
		return 1
	}
	return 0
}

func spawnStage2(sock Socket, spec *TaskSpec) int {
	unixSock, ok := sock.(*unixSocket)
	if !ok {
		return 1
	}
	innerParent, innerChild, serr := NewSocketPair()
	if serr != nil {
		Abort(sock, PhaseAwaitVPid, serr)
		return 1
	}
	defer innerParent.Close()
	innerChildFile, ok := innerChild.(*unixSocket)
	if !ok {
		return 1
	}

	cmd := exec.Command("/proc/self/exe", Stage2Arg)
	cmd.ExtraFiles = []*os.File{unixSock.f, innerChildFile.f}
	cmd.SysProcAttr = &syscall.SysProcAttr{Cloneflags: syscall.CLONE_NEWPID}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = os.Stdin, os.Stdout, os.Stderr

	if err := cmd.Start(); err != nil {
		Abort(sock, PhaseAwaitVPid, portoerr.Errno(portoerr.System, 0, "spawn stage2: %v", err))
		return 1
	}
	innerChildFile.Close()
	// cmd.Process.Pid is stage2's host-visible pid, as seen from
	// stage1's own (non-isolated) pid namespace; forward it over the
	// private inner pair since Stage2 cannot learn this from getpid()
	// once inside the new namespace, and the outer daemon-facing socket
	// can't carry it (see SendHostPid's doc comment).
	if err := SendHostPid(innerParent, cmd.Process.Pid); err != nil {
		log.WithError(err).Error("stage1: send host pid failed")
		return 1
	}
	// Stage1's job is done: exit immediately so the new process
	// reparents to the daemon (acting as subreaper via
	// PR_SET_CHILD_SUBREAPER) rather than to this short-lived
	// intermediate.
	return 0
}
