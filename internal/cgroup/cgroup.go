// Package cgroup implements the Cgroup Model (spec §4.1): a tree of
// cgroup nodes per controller, with create/remove/attach/knob I/O.
//
// Grounded on original_source/cgroup.hpp's TCgroup/TRootCgroup/TController
// split (a root owning the controller's tmpfs/cgroupfs mount, with
// child nodes addressed by a path relative to that root) and on the
// teacher's go.mod dependency on containerd/cgroups, which we use for
// controller discovery (cgroups.V1, enumerating what the running
// kernel actually publishes) while keeping the per-knob read/write
// passthrough as direct file I/O, since that's the primitive Porto
// itself exposes and containerd/cgroups' higher-level Stat()/Update()
// API does not.
package cgroup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	cgroupsv1 "github.com/containerd/cgroups"

	"github.com/portod/portod-go/internal/dlog"
	"github.com/portod/portod-go/internal/portoerr"
)

var log = dlog.ForSubsystem("cgroup")

// cgroupDirMode resolves spec §9's "0x666" open question: cgroupfs
// directories need the execute bit to be traversable, so the intended
// value is the octal literal 0755, not a literal 0666 (which the
// source's "0x666" typo is closest to) and certainly not hex 0x666.
const cgroupDirMode os.FileMode = 0o755

// Root is the mountpoint owner of one or more co-mounted controllers
// (e.g. net_cls and net_prio are frequently co-mounted onto the same
// directory). All Nodes for those controllers resolve through the
// same Root.
type Root struct {
	mu          sync.Mutex
	Path        string   // e.g. /sys/fs/cgroup/memory
	Controllers []string // controller names resolving to this root
}

// Node is one cgroup directory: Root.Path joined with RelativePath.
type Node struct {
	Controller   string
	RelativePath string // e.g. /portod/a/b
	Mode         os.FileMode
	root         *Root
}

func NewNode(root *Root, controller, relativePath string) *Node {
	return &Node{Controller: controller, RelativePath: relativePath, Mode: cgroupDirMode, root: root}
}

// Path returns the node's absolute directory path.
func (n *Node) Path() string {
	return filepath.Join(n.root.Path, n.RelativePath)
}

// Root returns the owning root, e.g. for tasks-file placement.
func (n *Node) Root() *Root { return n.root }

// Create creates all missing ancestors under the controller root.
// Idempotent: an existing directory with the same mode is a no-op
// (this is also how two controller names that resolve to the same
// root, such as net_cls+net_prio, end up with duplicate Create calls
// being harmless).
func (n *Node) Create() *portoerr.Error {
	n.root.mu.Lock()
	defer n.root.mu.Unlock()

	path := n.Path()
	info, err := os.Stat(path)
	if err == nil {
		if !info.IsDir() {
			return portoerr.New(portoerr.Exists, "exists_with_wrong_mode: cgroup path %s exists and is not a directory", path)
		}
		if info.Mode().Perm() != n.Mode {
			return portoerr.New(portoerr.Exists, "exists_with_wrong_mode: cgroup path %s exists with mode %o, want %o", path, info.Mode().Perm(), n.Mode)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return portoerr.Errno(portoerr.Filesystem, 0, "stat %s: %v", path, err)
	}
	if err := os.MkdirAll(path, n.Mode); err != nil {
		return portoerr.Errno(portoerr.Filesystem, 0, "create cgroup dir %s: %v", path, err)
	}
	log.WithField("path", path).Debug("cgroup created")
	return nil
}

// Remove requires the node have no live tasks and no child
// directories; otherwise it fails with Busy, per spec §4.1.
func (n *Node) Remove() *portoerr.Error {
	path := n.Path()

	tasks, terr := n.readKnobRaw("tasks")
	if terr == nil && strings.TrimSpace(tasks) != "" {
		return portoerr.New(portoerr.Busy, "cgroup %s still has live tasks", path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return portoerr.Errno(portoerr.Filesystem, 0, "readdir %s: %v", path, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			return portoerr.New(portoerr.Busy, "cgroup %s still has child cgroups", path)
		}
	}

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return portoerr.Errno(portoerr.Filesystem, 0, "remove %s: %v", path, err)
	}
	return nil
}

// Attach writes pid to the node's tasks file, failing with NotFound
// if the pid does not exist and Permission if the cgroup rejects the
// write, per spec §4.1.
func (n *Node) Attach(pid int) *portoerr.Error {
	return n.WriteKnob("tasks", fmt.Sprintf("%d", pid))
}

// ReadKnob reads a knob file's contents verbatim apart from trailing
// newlines, which are all trimmed, classifying common failure
// modes per spec §4.1.
func (n *Node) ReadKnob(key string) (string, *portoerr.Error) {
	return n.readKnobRaw(key)
}

func (n *Node) readKnobRaw(key string) (string, *portoerr.Error) {
	path := filepath.Join(n.Path(), key)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", portoerr.New(portoerr.NotSupported, "knob %s not supported by controller %s", key, n.Controller)
		}
		if os.IsPermission(err) {
			return "", portoerr.New(portoerr.Permission, "reading knob %s: %v", key, err)
		}
		return "", portoerr.Errno(portoerr.IO, 0, "reading knob %s: %v", key, err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// WriteKnob writes value to a knob file, classifying not_supported,
// permission, not_found (ESRCH, e.g. Attach of a dead pid), and
// invalid_value (EINVAL, a kernel-rejected knob value) per spec §4.1.
func (n *Node) WriteKnob(key, value string) *portoerr.Error {
	path := filepath.Join(n.Path(), key)
	err := os.WriteFile(path, []byte(value), 0o644)
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return portoerr.New(portoerr.NotSupported, "knob %s not supported by controller %s", key, n.Controller)
	}
	if os.IsPermission(err) {
		return portoerr.New(portoerr.Permission, "writing knob %s=%s: %v", key, value, err)
	}
	if errors.Is(err, syscall.ESRCH) {
		return portoerr.New(portoerr.NotFound, "writing knob %s: %v", key, err)
	}
	if errors.Is(err, syscall.EINVAL) {
		return portoerr.New(portoerr.InvalidValue, "writing knob %s=%s: %v", key, value, err)
	}
	return portoerr.Errno(portoerr.IO, 0, "writing knob %s=%s: %v", key, value, err)
}

// Discover enumerates the controllers published by the running
// kernel via containerd/cgroups' mountinfo-based hierarchy walk,
// returning a Root per distinct mountpoint (co-mounted controllers,
// e.g. net_cls+net_prio, collapse onto one Root) and the set of
// controller names the kernel does NOT support, so their dependent
// Property/Data fields can be marked unsupported at daemon start.
func Discover() (roots map[string]*Root, unsupported map[string]bool, err *portoerr.Error) {
	wanted := []string{"memory", "cpu", "cpuacct", "freezer", "blkio", "net_cls", "devices", "pids", "systemd"}
	unsupported = make(map[string]bool)
	roots = make(map[string]*Root)

	subsystems, serr := cgroupsv1.V1()
	if serr != nil {
		return nil, nil, portoerr.Errno(portoerr.Filesystem, 0, "enumerating cgroup v1 hierarchy: %v", serr)
	}

	byMount := make(map[string]*Root)
	found := make(map[string]bool)
	for _, s := range subsystems {
		found[string(s.Name())] = true
	}

	// containerd/cgroups doesn't expose each subsystem's raw mountpoint
	// through a public accessor; resolve it directly the way Porto's
	// own TRootCgroup does, by taking the controller's well-known
	// location under the root tmpfs. That location is resolved through
	// symlinks (e.g. cpu -> cpu,cpuacct), so co-mounted controllers key
	// the same mountpoint.
	const tmpfs = "/sys/fs/cgroup"
	for _, name := range wanted {
		if !found[name] {
			unsupported[name] = true
			continue
		}
		path := filepath.Join(tmpfs, name)
		if resolved, rerr := filepath.EvalSymlinks(path); rerr == nil {
			path = resolved
		}
		if r, ok := byMount[path]; ok {
			r.Controllers = append(r.Controllers, name)
			roots[name] = r
			continue
		}
		r := &Root{Path: path, Controllers: []string{name}}
		byMount[path] = r
		roots[name] = r
	}
	return roots, unsupported, nil
}
