package launcher

import (
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/portod/portod-go/internal/portoerr"
)

// ChildEnv is everything the re-exec'd child process (running as
// either stage1 or stage2, see Launch's doc comment) needs to finish
// configuring itself and exec the task's command. It is the
// in-process counterpart of TaskSpec, stripped of anything only the
// daemon-side orchestrator needs (cgroup attachment already happened
// pre-fork; timeouts are the daemon's concern).
type ChildEnv struct {
	Spec *TaskSpec
	Sock Socket
}

// ConfigureChild performs every per-task setup step that must run
// inside the new namespaces before exec: mount namespace unshare,
// device sysfs rebinds, chroot, hostname, resolv.conf/hosts, sysctls,
// credentials, capabilities, umask, scheduling, oom_score_adj. It
// applies no mount plan: ApplyMounts is not called from here and
// TaskSpec carries no mount list. Grounded on
// original_source/src/task.cpp's ConfigureChild, translated from a
// single giant function into named steps that each return a
// classified error rather than throwing.
func ConfigureChild(spec *TaskSpec) *portoerr.Error {
	if spec.NewMountNs {
		if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
			return portoerr.Errno(portoerr.System, int(errnoOf(err)), "unshare mount ns: %v", err)
		}
	}

	if err := ApplyDeviceSysfs(spec.Devices); err != nil {
		return err
	}

	if spec.RootPath != "" {
		if err := unix.Chdir(spec.RootPath); err != nil {
			return portoerr.Errno(portoerr.System, int(errnoOf(err)), "chdir root %s: %v", spec.RootPath, err)
		}
		if err := unix.Chroot("."); err != nil {
			return portoerr.Errno(portoerr.System, int(errnoOf(err)), "chroot: %v", err)
		}
	}

	if err := ApplyHostname(spec.Hostname); err != nil {
		return err
	}
	if err := WriteResolvConf("/", spec.ResolvConf); err != nil {
		return err
	}
	if err := WriteEtcHosts("/", spec.EtcHosts); err != nil {
		return err
	}
	if err := ApplySysctls(spec.Sysctls); err != nil {
		return err
	}

	if spec.Cwd != "" {
		if err := os.Chdir(spec.Cwd); err != nil {
			return portoerr.Errno(portoerr.Filesystem, 0, "chdir %s: %v", spec.Cwd, err)
		}
	}

	if spec.Umask != 0 {
		unix.Umask(spec.Umask)
	}

	if err := applyCredentials(spec.Cred); err != nil {
		return err
	}
	if err := applyScheduling(spec); err != nil {
		return err
	}
	if err := ApplyCapabilities(spec.Caps); err != nil {
		return err
	}

	return nil
}

// applyCredentials sets supplementary gids, gid, then uid, in that
// order: dropping uid before gid would leave the process unable to
// call setgid.
func applyCredentials(c Credentials) *portoerr.Error {
	if len(c.SupplementGIDs) > 0 {
		gids := make([]int, len(c.SupplementGIDs))
		for i, g := range c.SupplementGIDs {
			gids[i] = int(g)
		}
		if err := unix.Setgroups(gids); err != nil {
			return portoerr.Errno(portoerr.System, int(errnoOf(err)), "setgroups: %v", err)
		}
	}
	if c.GID != 0 {
		if err := unix.Setresgid(int(c.GID), int(c.GID), int(c.GID)); err != nil {
			return portoerr.Errno(portoerr.System, int(errnoOf(err)), "setresgid: %v", err)
		}
	}
	if c.UID != 0 {
		if err := unix.Setresuid(int(c.UID), int(c.UID), int(c.UID)); err != nil {
			return portoerr.Errno(portoerr.System, int(errnoOf(err)), "setresuid: %v", err)
		}
	}
	return nil
}

func applyScheduling(spec *TaskSpec) *portoerr.Error {
	if spec.OomScoreAdj != 0 {
		if err := os.WriteFile("/proc/self/oom_score_adj", []byte(strconv.Itoa(spec.OomScoreAdj)), 0o644); err != nil {
			return portoerr.Errno(portoerr.IO, 0, "write oom_score_adj: %v", err)
		}
	}
	if spec.SchedNice != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, 0, spec.SchedNice); err != nil {
			return portoerr.Errno(portoerr.System, int(errnoOf(err)), "setpriority: %v", err)
		}
	}
	if spec.IoPrio != 0 {
		// IOPRIO_WHO_PROCESS=1, target 0 means self per ioprio_set(2).
		const ioprioWhoProcess = 1
		if _, _, errno := unix.Syscall(unix.SYS_IOPRIO_SET, uintptr(ioprioWhoProcess), 0, uintptr(spec.IoPrio)); errno != 0 {
			return portoerr.Errno(portoerr.System, int(errno), "ioprio_set: %v", errno)
		}
	}
	return nil
}

// ChildExec replaces the current process image with the task's
// command, after ConfigureChild has completed. On success this never
// returns; on failure it returns the classified error so the caller
// can report it over the handshake before exiting (exec failure is
// not itself fatal to the daemon, only to this one task).
func ChildExec(spec *TaskSpec) *portoerr.Error {
	argv := spec.CommandArgv
	if len(argv) == 0 {
		if spec.Command == "" {
			return portoerr.New(portoerr.InvalidValue, "empty command for non-meta task")
		}
		argv = []string{"/bin/sh", "-c", spec.Command}
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		path = argv[0]
	}
	env := spec.Env
	if env == nil {
		env = os.Environ()
	}
	execErr := unix.Exec(path, argv, env)
	return portoerr.Errno(portoerr.InvalidCommand, int(errnoOf(execErr)), "exec %s: %v", path, execErr)
}

// Abort reports a classified failure to the daemon over the
// handshake socket, padding any pid messages the protocol still
// expects so the daemon's recv sequence does not desynchronize.
// Grounded on original_source/src/task.cpp's TTaskEnv::Abort, which
// sends getpid() in place of any WPid/VPid message not yet sent
// before the failure was detected.
func Abort(sock Socket, phase Phase, taskErr *portoerr.Error) {
	self := os.Getpid()
	switch phase {
	case PhaseAwaitWPid:
		_ = sock.SendPid(self)
		_ = sock.RecvZero()
		_ = sock.SendPid(self)
		_ = sock.RecvZero()
	case PhaseAwaitAck:
		_ = sock.RecvZero()
		_ = sock.SendPid(self)
		_ = sock.RecvZero()
	case PhaseAwaitVPid:
		_ = sock.SendPid(self)
		_ = sock.RecvZero()
	case PhaseAwaitWakeup:
		_ = sock.RecvZero()
	}
	_ = sock.SendError(taskErr)
}

// ReportPid sends the wpid or vpid half of the handshake from the
// child/intermediate side, mirroring Handshake's daemon-side
// AwaitWPid/AwaitVPid but for the sending end (which has no need for
// the receive-timeout or phase bookkeeping Handshake provides, since
// the child side cannot time itself out waiting on its own parent).
func ReportPid(sock Socket, pid int) *portoerr.Error {
	if err := sock.SendPid(pid); err != nil {
		return err
	}
	return sock.RecvZero()
}
