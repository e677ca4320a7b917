package launcher

import (
	"encoding/binary"
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/portod/portod-go/internal/portoerr"
)

// Socket is the handshake transport, abstracted so tests can drive
// the protocol with a mock in place of a real socket pair, per spec
// §9 ("isolate the blocking recv calls behind a single Handshake
// object whose state is a small enum... so tests can drive it with a
// mock socket").
type Socket interface {
	SendPid(pid int) *portoerr.Error
	SendPidPair(wpid, vpid int) *portoerr.Error
	RecvPid() (wpid, vpid int, err *portoerr.Error)
	SendZero() *portoerr.Error
	RecvZero() *portoerr.Error
	SendError(e *portoerr.Error) *portoerr.Error
	RecvError() *portoerr.Error
	SetRecvTimeout(d time.Duration) *portoerr.Error
	Close() error
	Fd() int
}

// unixSocket is the real implementation, backed by one end of a
// socketpair(AF_UNIX, SOCK_STREAM) - grounded on TUnixSocket in
// original_source, translated to Go's os.File/syscall layer.
type unixSocket struct {
	f *os.File
}

// NewSocketPair allocates an AF_UNIX SOCK_STREAM pair, returning both
// ends. Grounded on TUnixSocket::SocketPair. The fds are created
// non-blocking so os.File registers them with the runtime poller,
// which is what makes SetRecvTimeout's read deadline work; passing an
// end through exec.Cmd.ExtraFiles hands the child a blocking fd.
func NewSocketPair() (a, b Socket, err *portoerr.Error) {
	fds, serr := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if serr != nil {
		return nil, nil, portoerr.Errno(portoerr.System, int(errnoOf(serr)), "socketpair: %v", serr)
	}
	fa := os.NewFile(uintptr(fds[0]), "handshake-a")
	fb := os.NewFile(uintptr(fds[1]), "handshake-b")
	return &unixSocket{f: fa}, &unixSocket{f: fb}, nil
}

func errnoOf(err error) unix.Errno {
	if e, ok := err.(unix.Errno); ok {
		return e
	}
	return 0
}

func (s *unixSocket) Fd() int { return int(s.f.Fd()) }

func (s *unixSocket) Close() error { return s.f.Close() }

func (s *unixSocket) SetRecvTimeout(d time.Duration) *portoerr.Error {
	if err := s.f.SetReadDeadline(time.Now().Add(d)); err != nil {
		return portoerr.Errno(portoerr.System, 0, "set recv timeout: %v", err)
	}
	return nil
}

// wire format: a message is a 1-byte tag followed by a fixed payload,
// matching TUnixSocket's use of SCM-free plain byte/int writes for
// pid/zero/error messages (no fd-passing needed on this side; fd
// passing, when used, goes over a parallel cmsg path not modeled
// here since no field in the registry's data model needs it).
const (
	tagPid     byte = 1
	tagZero    byte = 2
	tagError   byte = 3
	tagHostPid byte = 4
)

// SendHostPid and RecvHostPid are an internal handoff between Stage1
// and Stage2, not part of the daemon-facing handshake. Stage1 learns
// Stage2's host-visible pid from its own exec.Cmd.Process.Pid (a view
// Stage2 cannot reconstruct from inside the new pid namespace it was
// cloned into, since getpid() there only ever reports the
// namespace-relative value). The two sides never share the daemon
// handshake socket for this: a socketpair only delivers a write on one
// endpoint to whoever holds the *other* endpoint, and both Stage1 and
// Stage2 inherit the same daemon-facing endpoint. Stage1 instead opens
// a second, private socketpair before spawning Stage2 and donates its
// far end over ExtraFiles, mirroring TTaskEnv's dedicated
// MasterSock2/Sock2 pair.
func SendHostPid(s Socket, pid int) *portoerr.Error {
	us, ok := s.(*unixSocket)
	if !ok {
		return portoerr.New(portoerr.Unknown, "SendHostPid: not a unix socket")
	}
	buf := make([]byte, 9)
	buf[0] = tagHostPid
	binary.LittleEndian.PutUint64(buf[1:], uint64(int64(pid)))
	if _, err := us.f.Write(buf); err != nil {
		return classifyIOErr(err, "send host pid")
	}
	return nil
}

func RecvHostPid(s Socket) (int, *portoerr.Error) {
	us, ok := s.(*unixSocket)
	if !ok {
		return 0, portoerr.New(portoerr.Unknown, "RecvHostPid: not a unix socket")
	}
	buf := make([]byte, 9)
	if _, err := io.ReadFull(us.f, buf); err != nil {
		return 0, classifyIOErr(err, "recv host pid")
	}
	if buf[0] != tagHostPid {
		return 0, portoerr.New(portoerr.IO, "recv host pid: unexpected tag %d", buf[0])
	}
	return int(int64(binary.LittleEndian.Uint64(buf[1:]))), nil
}

// SendPid sends a single pid, used to report the intermediate's own
// host pid where only one value is meaningful.
func (s *unixSocket) SendPid(pid int) *portoerr.Error {
	return s.SendPidPair(pid, pid)
}

// SendPidPair sends the host-visible pid paired with the
// namespace-visible pid, used to report the task's VPid after the
// triple-fork branch where the two differ.
func (s *unixSocket) SendPidPair(wpid, vpid int) *portoerr.Error {
	buf := make([]byte, 17)
	buf[0] = tagPid
	binary.LittleEndian.PutUint64(buf[1:9], uint64(int64(wpid)))
	binary.LittleEndian.PutUint64(buf[9:17], uint64(int64(vpid)))
	if _, err := s.f.Write(buf); err != nil {
		return classifyIOErr(err, "send pid")
	}
	return nil
}

// RecvPid matches TUnixSocket::RecvPid's two-value form used by the
// daemon side (WPid, VPid forwarded together after the triple-fork
// branch); single-value senders (SendPid) populate both with the
// same value, which callers that only need one simply ignore.
func (s *unixSocket) RecvPid() (int, int, *portoerr.Error) {
	buf := make([]byte, 17)
	if _, err := io.ReadFull(s.f, buf); err != nil {
		return 0, 0, classifyIOErr(err, "recv pid")
	}
	if buf[0] != tagPid {
		return 0, 0, portoerr.New(portoerr.IO, "recv pid: unexpected tag %d", buf[0])
	}
	wpid := int(int64(binary.LittleEndian.Uint64(buf[1:9])))
	vpid := int(int64(binary.LittleEndian.Uint64(buf[9:17])))
	return wpid, vpid, nil
}

func (s *unixSocket) SendZero() *portoerr.Error {
	if _, err := s.f.Write([]byte{tagZero}); err != nil {
		return classifyIOErr(err, "send zero")
	}
	return nil
}

func (s *unixSocket) RecvZero() *portoerr.Error {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(s.f, buf); err != nil {
		return classifyIOErr(err, "recv zero")
	}
	if buf[0] != tagZero {
		return portoerr.New(portoerr.IO, "recv zero: unexpected tag %d", buf[0])
	}
	return nil
}

// errorHeaderLen is tag(1) + kind(1) + errno(4) + msgLen(4).
const errorHeaderLen = 10

func (s *unixSocket) SendError(e *portoerr.Error) *portoerr.Error {
	msg := ""
	kind := byte(portoerr.Success)
	errno := int32(0)
	if e != nil {
		msg = e.Msg
		kind = byte(e.Kind)
		errno = int32(e.Errno)
	}
	buf := make([]byte, errorHeaderLen, errorHeaderLen+len(msg))
	buf[0] = tagError
	buf[1] = kind
	binary.LittleEndian.PutUint32(buf[2:6], uint32(errno))
	binary.LittleEndian.PutUint32(buf[6:10], uint32(len(msg)))
	buf = append(buf, msg...)
	if _, err := s.f.Write(buf); err != nil {
		return classifyIOErr(err, "send error")
	}
	return nil
}

// RecvError reads a classified error off the wire. A Success kind with
// no message means "no error": the daemon side's final handshake step
// reads this as confirmation the child reached exec. A clean close
// with no bytes sent at all is also success: runInPlace marks the
// handshake fd close-on-exec right before the task's final execve, so
// a normally-starting task never gets to send anything here at all -
// the successful exec itself closes the fd, matching
// TTaskEnv::Start's reliance on MasterSock.RecvError() treating EOF as
// OK.
func (s *unixSocket) RecvError() *portoerr.Error {
	head := make([]byte, errorHeaderLen)
	if _, err := io.ReadFull(s.f, head); err != nil {
		if err == io.EOF {
			return nil
		}
		return classifyIOErr(err, "recv error")
	}
	if head[0] != tagError {
		return portoerr.New(portoerr.IO, "recv error: unexpected tag %d", head[0])
	}
	kind := portoerr.Kind(head[1])
	errno := int32(binary.LittleEndian.Uint32(head[2:6]))
	msgLen := binary.LittleEndian.Uint32(head[6:10])
	msg := make([]byte, msgLen)
	if msgLen > 0 {
		if _, err := io.ReadFull(s.f, msg); err != nil {
			return classifyIOErr(err, "recv error body")
		}
	}
	if kind == portoerr.Success {
		return nil
	}
	return portoerr.Errno(kind, int(errno), "%s", string(msg))
}

func classifyIOErr(err error, what string) *portoerr.Error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return portoerr.New(portoerr.Timeout, "%s: timed out", what)
	}
	return portoerr.Errno(portoerr.IO, 0, "%s: %v", what, err)
}
