package launcher

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"time"

	"github.com/portod/portod-go/internal/dlog"
	"github.com/portod/portod-go/internal/portoerr"
)

var log = dlog.ForSubsystem("launcher")

// Stage1Arg and Stage2Arg are the subcommand names cmd/portod dispatches
// to RunStage1/RunStage2 when the daemon re-execs itself (see
// reexec.go). They live here, not in cmd/portod, so the daemon side
// and the re-exec'd side agree on the exact string without an import
// of the cmd package (which would be backwards: cmd depends on
// launcher, not vice versa).
const (
	Stage1Arg = "__portod_stage1"
	Stage2Arg = "__portod_stage2"
)

// specEnvVar names the environment variable carrying the path to the
// JSON-encoded TaskSpec handed to a re-exec'd stage, mirroring the
// JSON-over-pipe config transfer idiom grounded on runc's libcontainer
// initProcess (other_examples' libcontainer process_linux.go), adapted
// to a tmpfile since this module's stage1/stage2 boundary additionally
// needs to survive a second re-exec (stage1 -> stage2).
const specEnvVar = "PORTOD_TASK_SPEC_FILE"

// Launch runs the full Start() protocol (spec §4.6): it re-execs the
// daemon binary into a fresh "Fork A" intermediate over
// /proc/self/exe, drives the WPid/ack/VPid/wakeup/error handshake, and
// returns the reported pids. The daemon must already have moved the
// calling goroutine's OS thread into every cgroup listed in
// spec.Cgroups before calling Launch, per spec §4.6 step 2 (handled by
// the caller, package container, not here, since cgroup attachment is
// a daemon-thread property while Launch only owns the forked
// subprocess's lifecycle).
func Launch(ctx context.Context, spec *TaskSpec) (*Result, *portoerr.Error) {
	parentSock, childSock, serr := NewSocketPair()
	if serr != nil {
		return nil, serr
	}
	defer parentSock.Close()

	childFile, ok := childSock.(*unixSocket)
	if !ok {
		return nil, portoerr.New(portoerr.Unknown, "launcher: unexpected Socket implementation")
	}

	// Donate the handshake socket plus any pre-existing namespaces this
	// task must join (spec.NamespaceFiles) over ExtraFiles, and rewrite
	// spec.NamespaceFDs to the fd numbers they'll actually land at
	// inside Stage1 (3 is always the handshake socket; namespace fds
	// follow in namespaceFDOrder) before the spec file is written, so
	// Stage1's enterNamespaces reads numbers valid in its own process
	// rather than the daemon's.
	extraFiles := []*os.File{childFile.f}
	var donatedNamespaceFiles []*os.File
	if len(spec.NamespaceFiles) > 0 {
		resolved := make(map[NamespaceKind]int, len(spec.NamespaceFiles))
		for _, kind := range namespaceFDOrder {
			f, ok := spec.NamespaceFiles[kind]
			if !ok {
				continue
			}
			resolved[kind] = 3 + len(extraFiles)
			extraFiles = append(extraFiles, f)
			donatedNamespaceFiles = append(donatedNamespaceFiles, f)
		}
		spec.NamespaceFDs = resolved
	}

	specFile, rerr := writeSpecFile(spec)
	if rerr != nil {
		return nil, rerr
	}
	defer os.Remove(specFile)

	cmd := exec.Command("/proc/self/exe", Stage1Arg)
	cmd.ExtraFiles = extraFiles
	cmd.Env = append(os.Environ(), specEnvVar+"="+specFile)
	cmd.Stdin = stdioOrNil(spec.Stdio.Outside[0])
	cmd.Stdout = stdioOrNil(spec.Stdio.Outside[1])
	cmd.Stderr = stdioOrNil(spec.Stdio.Outside[2])

	if err := cmd.Start(); err != nil {
		return nil, portoerr.Errno(portoerr.System, 0, "start intermediate: %v", err)
	}
	childFile.Close()
	for _, f := range donatedNamespaceFiles {
		f.Close()
	}

	hs := NewHandshake(parentSock)
	timeout := spec.StartTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	result, herr := driveHandshake(ctx, hs, timeout)
	if herr != nil {
		_ = cmd.Process.Kill()
		go func() { _, _ = cmd.Process.Wait() }()
		return nil, herr
	}
	result.WaitPid = cmd.Process.Pid

	go reap(cmd)
	return result, nil
}

func driveHandshake(ctx context.Context, hs *Handshake, timeout time.Duration) (*Result, *portoerr.Error) {
	type step struct {
		taskPid, taskVPid int
		err               *portoerr.Error
	}
	done := make(chan step, 1)

	go func() {
		// AwaitWPid confirms the intermediate reported in before the
		// daemon commits to waiting further; its value duplicates
		// cmd.Process.Pid and is discarded here (Launch already has it).
		if _, err := hs.AwaitWPid(timeout); err != nil {
			done <- step{err: err}
			return
		}
		if err := hs.SendAck(); err != nil {
			done <- step{err: err}
			return
		}
		taskPid, taskVPid, err := hs.AwaitVPidPair(timeout)
		if err != nil {
			done <- step{err: err}
			return
		}
		if err := hs.SendWakeup(); err != nil {
			done <- step{err: err}
			return
		}
		if err := hs.AwaitError(timeout); err != nil {
			done <- step{err: err}
			return
		}
		done <- step{taskPid: taskPid, taskVPid: taskVPid}
	}()

	select {
	case <-ctx.Done():
		return nil, portoerr.New(portoerr.Aborted, "launch cancelled: %v", ctx.Err())
	case s := <-done:
		if s.err != nil {
			return nil, s.err
		}
		return &Result{TaskPid: s.taskPid, TaskVPid: s.taskVPid}, nil
	}
}

func reap(cmd *exec.Cmd) {
	if err := cmd.Wait(); err != nil {
		log.WithError(err).Debug("intermediate exited")
	}
}

func stdioOrNil(f *os.File) *os.File {
	if f == nil {
		return nil
	}
	return f
}

func writeSpecFile(spec *TaskSpec) (string, *portoerr.Error) {
	f, err := os.CreateTemp("", "portod-taskspec-*.json")
	if err != nil {
		return "", portoerr.Errno(portoerr.Filesystem, 0, "create spec file: %v", err)
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	if err := enc.Encode(spec); err != nil {
		return "", portoerr.Errno(portoerr.IO, 0, "encode spec: %v", err)
	}
	return f.Name(), nil
}

func readSpecFile() (*TaskSpec, *portoerr.Error) {
	path := os.Getenv(specEnvVar)
	if path == "" {
		return nil, portoerr.New(portoerr.Unknown, "%s not set", specEnvVar)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, portoerr.Errno(portoerr.Filesystem, 0, "open spec file: %v", err)
	}
	defer f.Close()
	var spec TaskSpec
	if err := json.NewDecoder(f).Decode(&spec); err != nil {
		return nil, portoerr.Errno(portoerr.IO, 0, "decode spec: %v", err)
	}
	return &spec, nil
}
