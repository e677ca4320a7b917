// Package launcher implements the Task Launcher (spec §4.6): the
// fork/clone/exec protocol that births a containerized process inside
// fresh namespaces and reports WPid/VPid back to the caller over a
// synchronous handshake.
//
// Grounded directly on original_source/src/task.cpp's TTaskEnv (the
// Start/StartChild/ConfigureChild/ChildExec/Abort/ReportPid sequence)
// and on the teacher's runsc/sandbox/sandbox.go for the Go idiom of
// building an exec.Cmd with SysProcAttr, ExtraFiles-based FD passing,
// and gocapability-driven capability sets.
package launcher

import (
	"os"
	"time"

	"github.com/opencontainers/runtime-spec/specs-go"
)

// NamespaceKind names the pre-existing namespaces a task can be asked
// to enter by setns, per spec §3's Task Environment.
type NamespaceKind string

const (
	NSIpc NamespaceKind = "ipc"
	NSUts NamespaceKind = "uts"
	NSNet NamespaceKind = "net"
	NSPid NamespaceKind = "pid"
	NSMnt NamespaceKind = "mnt"
)

// namespaceFDOrder fixes the iteration order both Launch (assigning
// donated ExtraFiles slots) and enterNamespaces (consuming them) use,
// so the two agree on which kind lands at which fd without having to
// carry that mapping through the JSON-encoded TaskSpec file.
var namespaceFDOrder = []NamespaceKind{NSUts, NSIpc, NSNet, NSMnt, NSPid}

// MountEntry is one entry of the task's mount plan, applied inside
// the new mount namespace before chroot.
type MountEntry struct {
	Source string
	Target string
	FSType string
	Flags  uintptr
	Data   string
	Rebind bool // bind-remount an already-mounted path (e.g. a sysfs path) writable
}

// DeviceSysfsBinding mirrors config.DeviceSysfs: a device path paired
// with the sysfs paths that must be bind-remounted writable when that
// device is present.
type DeviceSysfsBinding struct {
	Device string
	Sysfs  []string
}

// Sysctl is a single {key,val} sysctl the child applies inside
// /proc/sys, post-classification by ApplySysctls' ipc-vs-net rule.
type Sysctl struct {
	Key string
	Val string
}

// Credentials is the uid/gid/supplementary-gids/login_uid applied
// inside the child, per spec §3.
type Credentials struct {
	UID            uint32
	GID            uint32
	SupplementGIDs []uint32
	LoginUID       uint32
}

// CapabilitySets is the three capability bitsets applied in the
// load-bearing order ambient -> bounding -> effective, per spec §4.6
// step 10 and §9's "order is load-bearing and must be enforced by
// types".
type CapabilitySets struct {
	Bound     []string // capability names, e.g. "CAP_SYS_ADMIN"
	Ambient   []string
	Effective []string
}

// StdioPlan describes where the container's stdin/stdout/stderr
// connect, both outside (host-visible files/pipes opened by the
// intermediate) and inside (paths/fds opened after chroot).
type StdioPlan struct {
	Outside [3]*os.File // may contain nils for /dev/null defaults
	// InsidePaths names paths inside the new root (e.g. a
	// container-local pty replica). The launcher does not read it: the
	// task always inherits the Outside fds across exec.
	InsidePaths [3]string
}

// CgroupAttachment is one (controller, path) pair the pre-fork daemon
// worker moves itself into before forking, so the clone inherits
// membership per spec §4.6 step 2.
type CgroupAttachment struct {
	Controller string
	Path       string
}

// TaskSpec is the Task Environment (spec §3): everything the
// launcher needs to run one Start(), assembled by package container
// from a Container's resolved properties.
type TaskSpec struct {
	ContainerName string
	ContainerID   int64

	Command     string   // shell-style command string
	CommandArgv []string // pre-split argv, takes priority over Command when non-empty
	Env         []string
	Cwd         string

	// NamespaceFiles holds daemon-side open handles for pre-existing
	// namespaces this task should join, keyed by kind; package
	// container opens these (e.g. a meta-container parent's
	// /proc/<pid>/ns/pid) before calling Launch. Excluded from the
	// JSON spec file since *os.File doesn't survive that round trip
	// and its fd number means nothing outside this process anyway.
	NamespaceFiles map[NamespaceKind]*os.File `json:"-"`

	// NamespaceFDs holds the fd numbers Stage1 actually sees after
	// Launch donates NamespaceFiles via ExtraFiles and rewrites this
	// map to match; Stage1's enterNamespaces reads only this field. A
	// kind absent from the map means "stay in the daemon's own
	// namespace of that kind" (spec §4.6 step 6 only enters namespaces
	// "listed in the environment").
	NamespaceFDs map[NamespaceKind]int
	RootPath     string // non-empty: chroot here before applying the rest of ConfigureChild

	Isolate    bool // enter/create a fresh CLONE_NEWPID (triple-fork branch)
	NewMountNs bool
	Hostname   string
	ResolvConf string
	EtcHosts   string
	Umask      int

	Ulimits map[string]uint64
	Sysctls []Sysctl
	Devices []DeviceSysfsBinding

	Cred Credentials
	Caps CapabilitySets

	Cgroups []CgroupAttachment

	OomScoreAdj int
	SchedNice   int
	SchedPolicy int
	SchedPrio   int
	IoPrio      int

	Stdio StdioPlan

	StartTimeout time.Duration
	Autoconf     []string // interface names to wait for address autoconfig on

	// Meta indicates a container with no command: it execs the
	// helper-init binary instead, per spec's Meta container concept.
	Meta         bool
	HelperInitFD int

	// QuadroFork requests the post-chroot re-home under the helper
	// init described in task.cpp's ConfigureChild QuadroFork branch.
	QuadroFork bool

	// Linux is carried for vocabulary only (capability/namespace
	// constant cross-reference against OCI's well-known names),
	// grounded on opencontainers/runtime-spec.
	Linux *specs.Linux
}

// Result is what the daemon side learns on a successful Start, per
// spec §4.6's "Output: reported wait_pid, task_pid, task_vpid".
type Result struct {
	WaitPid  int // host pid of the intermediate (reaped by the daemon)
	TaskPid  int // host-visible pid of the container's first process
	TaskVPid int // namespace-visible pid of the same process (1 when isolated)
}
