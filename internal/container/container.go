package container

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/portod/portod-go/internal/cgroup"
	"github.com/portod/portod-go/internal/config"
	"github.com/portod/portod-go/internal/dlog"
	"github.com/portod/portod-go/internal/launcher"
	"github.com/portod/portod-go/internal/network"
	"github.com/portod/portod-go/internal/persist"
	"github.com/portod/portod-go/internal/portoerr"
	"github.com/portod/portod-go/internal/property"
	"github.com/portod/portod-go/internal/subsystem"
)

var log = dlog.ForSubsystem("container")

// controllers lists the cgroup controllers every container is
// attached to on Start: the four the Subsystem Drivers layer has a
// typed adapter for (spec §4.2). Untyped controllers the kernel also
// publishes (cpu, devices, pids, net_cls, systemd) are outside this
// component's scope.
var controllers = []string{"memory", "cpuacct", "freezer", "blkio"}

// defaultTrafficParent is the root qdisc's handle (1:0), matching
// internal/network's own defaultRootHandle convention: every
// container's traffic class hangs off the same root queueing
// discipline, distinguished only by its minor.
const defaultTrafficParent = 0x10000

// Container is one node of the tree (spec §3). Exported fields are
// the identity/timing data named directly by the spec; configuration
// and observations both live behind the Property/Data registry so RPC
// introspection and persistence go through one path.
type Container struct {
	mu sync.Mutex

	ID     int64
	Name   string
	Parent *Container

	children []*Container

	state           State
	cancelRequested bool

	exitStatus   int
	oomKilled    bool
	respawnCount uint
	startErrno   int

	waitPid  int
	taskPid  int
	taskVPid int
	seizePid int

	startTimeMs int64
	deathTimeMs int64

	// systemdScoped is true once a systemd scope was created for this
	// run; Stop/ExitNotification only call RemoveScope when set, so a
	// daemon running with the cgroupfs driver never touches D-Bus.
	systemdScoped bool

	// startCancel cancels the context passed to the in-flight
	// launcher.Launch call, set while state is Starting and cleared
	// once Start returns. Stop calls it instead of merely flipping
	// cancelRequested, so the handshake's own ctx.Done() suspension
	// points observe the cancellation immediately rather than only at
	// the one checkCancel() poll point.
	startCancel context.CancelFunc

	Props *property.Store
	Data  *property.Store

	subs    *subsystem.Set
	net     *network.Provisioner
	cgroups map[string]*cgroup.Node // controller -> attached node

	// cfg is the daemon-wide configuration, consulted for the
	// host-level knobs buildTaskSpec can't derive from a single
	// container's own properties (ipc_sysctl seeding, device_sysfs
	// rebinds). Never mutated after construction.
	cfg *config.Config

	// persistStore is nil until Tree.SetPersistStore wires one in;
	// commit() is then a no-op-safe best-effort save, matching spec
	// §6's "persistent fields are serialized on every commit" without
	// making Start/Stop/Pause/Resume fail on a persistence I/O error.
	persistStore persist.Store

	// notify is closed and replaced on every state transition, giving
	// Wait callers (internal/rpc's wait(name, timeout)) a channel to
	// select on without polling State() in a loop.
	notify chan struct{}
}

// New constructs a container under parent (nil for the tree root).
// propReg/dataReg must already have RegisterPropFields/
// RegisterDataFields called on them.
func New(id int64, name string, parent *Container, propReg, dataReg *property.Registry, subs *subsystem.Set, net *network.Provisioner, cfg *config.Config) *Container {
	c := &Container{
		ID:      id,
		Name:    name,
		Parent:  parent,
		state:   Stopped,
		subs:    subs,
		net:     net,
		cgroups: make(map[string]*cgroup.Node),
		notify:  make(chan struct{}),
		cfg:     cfg,
	}
	c.Props = property.NewStore(propReg, c)
	c.Data = property.NewStore(dataReg, c)
	return c
}

func (c *Container) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// TaskPid returns the host pid ExitNotification should match against,
// 0 if the container has no live task (matching no pid reaped by
// wait4 ever being 0).
func (c *Container) TaskPid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.taskPid
}

// WaitChange returns the channel that closes on this container's next
// state transition. Callers snapshot it, then select on it alongside
// their own timeout, the pattern internal/rpc's Wait uses instead of
// polling State() in a loop.
func (c *Container) WaitChange() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notify
}

// signalStateChange closes the current notify channel and installs a
// fresh one. Must be called with c.mu held.
func (c *Container) signalStateChange() {
	close(c.notify)
	c.notify = make(chan struct{})
}

// Snapshot assembles this container's persist.Record, per spec §6's
// "Persisted state layout": identity/timing fields plus every
// property flagged Persistent, deep-copied so a concurrent Set can't
// mutate the record mid-serialize.
func (c *Container) Snapshot() persist.Record {
	c.mu.Lock()
	parentName := ""
	if c.Parent != nil {
		parentName = c.Parent.Name
	}
	rec := persist.Record{
		Name:         c.Name,
		ParentName:   parentName,
		State:        c.state.String(),
		ExitStatus:   c.exitStatus,
		OomKilled:    c.oomKilled,
		RespawnCount: c.respawnCount,
		StartTimeMs:  c.startTimeMs,
		DeathTimeMs:  c.deathTimeMs,
	}
	c.mu.Unlock()
	rec.Properties = c.Props.Snapshot()
	return rec
}

// Restore loads a persisted record back into this container, e.g.
// after a daemon restart. Postmortem fields are retained by the
// registry's own flags; Restore just replays the stored cells.
func (c *Container) Restore(rec persist.Record) {
	c.mu.Lock()
	c.exitStatus = rec.ExitStatus
	c.oomKilled = rec.OomKilled
	c.respawnCount = rec.RespawnCount
	c.startTimeMs = rec.StartTimeMs
	c.deathTimeMs = rec.DeathTimeMs
	if rec.State == Dead.String() {
		c.state = Dead
	}
	c.mu.Unlock()
	c.Props.Restore(rec.Properties)
}

// setPersistStore wires a persistence Store into this container,
// called by Tree.SetPersistStore for the root and by Tree.Create for
// every container created afterward.
func (c *Container) setPersistStore(s persist.Store) {
	c.mu.Lock()
	c.persistStore = s
	c.mu.Unlock()
}

// commit saves this container's current record if a persistence
// Store has been wired in. A failure is logged, not returned: losing
// a single commit write must never fail the state-machine operation
// that triggered it, per spec §5's policy of not letting an ambient
// concern block the core suspension points.
func (c *Container) commit() {
	if c.persistStore == nil {
		return
	}
	if err := c.persistStore.Save(c.Snapshot()); err != nil {
		log.WithError(err).Warn("persisting container record failed")
	}
}

// cgroupRelPath is the path under each controller root this
// container's cgroup lives at, derived from its absolute name.
func (c *Container) cgroupRelPath() string {
	return "portod/" + strings.TrimPrefix(c.Name, "/")
}

func (c *Container) minor() uint32 {
	return uint32(c.ID)
}

func (c *Container) stdoutPath() string { return "/var/lib/portod/" + c.cgroupRelPath() + "/stdout" }
func (c *Container) stderrPath() string { return "/var/lib/portod/" + c.cgroupRelPath() + "/stderr" }

func (c *Container) readCapturedStream(path string) string {
	return c.readCapturedStreamFrom(path, 0)
}

func (c *Container) readCapturedStreamFrom(path string, offset int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	if offset > 0 {
		if _, err := f.Seek(offset, 0); err != nil {
			return ""
		}
	}
	limit, lerr := c.Props.Get("stdout_limit")
	max := int64(8 * 1024 * 1024)
	if lerr == nil && limit.Num > 0 {
		max = limit.Num
	}
	buf := make([]byte, max)
	n, _ := f.Read(buf)
	return string(buf[:n])
}

func (c *Container) netCounters(kind string) (map[string]uint64, *portoerr.Error) {
	var sk network.StatKind
	switch kind {
	case "net_bytes":
		sk = network.TxBytes
	case "net_packets":
		sk = network.TxPackets
	case "net_drops":
		sk = network.TxDrops
	case "net_overlimits":
		sk = network.TxOverlimits
	case "net_rx_bytes":
		sk = network.RxBytes
	case "net_rx_packets":
		sk = network.RxPackets
	case "net_rx_drops":
		sk = network.RxDrops
	default:
		return nil, portoerr.New(portoerr.InvalidValue, "unknown net counter kind %s", kind)
	}
	return c.net.GetTrafficCounters(c.minor(), sk)
}

// AddChild registers child in this container's child list. Tree
// callers hold the tree lock while doing this; Container itself does
// not enforce tree-wide ordering.
func (c *Container) AddChild(child *Container) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children = append(c.children, child)
}

func (c *Container) Children() []*Container {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Container, len(c.children))
	copy(out, c.children)
	return out
}

// Start drives Stopped -> Starting -> Running|Meta, per spec §4.5. A
// container whose parent is Stopped (other than the root) is rejected
// with InvalidValue; Tree.StartSubtree starts a subtree breadth-first
// so each parent is started before its children.
func (c *Container) Start(ctx context.Context) *portoerr.Error {
	if p := c.Parent; p != nil && p.Parent != nil && p.State() == Stopped {
		return portoerr.New(portoerr.InvalidValue, "cannot start %s: parent %s is stopped", c.Name, p.Name)
	}
	c.mu.Lock()
	if c.state != Stopped && c.state != Meta {
		s := c.state
		c.mu.Unlock()
		return portoerr.New(portoerr.InvalidValue, "cannot start from state %s", s)
	}
	c.state = Starting
	c.cancelRequested = false
	c.signalStateChange()
	launchCtx, cancel := context.WithCancel(ctx)
	c.startCancel = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.startCancel = nil
		c.mu.Unlock()
		cancel()
	}()

	if err := c.createCgroups(); err != nil {
		return c.failStart(err)
	}

	spec, err := c.buildTaskSpec()
	if err != nil {
		return c.failStart(err)
	}

	if c.checkCancel() {
		c.removeCgroups()
		return c.failStart(portoerr.New(portoerr.Aborted, "start cancelled before launch"))
	}

	runtime.LockOSThread()
	if err := c.attachCallingThread(); err != nil {
		c.detachCallingThread()
		runtime.UnlockOSThread()
		c.removeCgroups()
		return c.failStart(err)
	}
	result, lerr := launcher.Launch(launchCtx, spec)
	c.detachCallingThread()
	runtime.UnlockOSThread()
	if lerr != nil {
		return c.failStart(lerr)
	}

	c.mu.Lock()
	c.waitPid = result.WaitPid
	c.taskPid = result.TaskPid
	c.taskVPid = result.TaskVPid
	c.startTimeMs = nowMs()
	if spec.Meta {
		c.state = Meta
	} else {
		c.state = Running
	}
	c.signalStateChange()
	c.mu.Unlock()

	c.updateTrafficClasses()
	c.scopeIntoSystemd(result.TaskPid)
	c.commit()
	return nil
}

// scopeIntoSystemd creates a transient systemd scope for pid when the
// daemon is configured with the systemd cgroup driver, mirroring what
// createCgroups does for the cgroupfs-native controllers.
func (c *Container) scopeIntoSystemd(pid int) {
	if c.subs.Systemd == nil {
		return
	}
	if err := c.subs.Systemd.CreateScope(c.cgroupRelPath(), pid); err != nil {
		log.WithError(err).Warn("creating systemd scope failed")
		return
	}
	c.mu.Lock()
	c.systemdScoped = true
	c.mu.Unlock()
}

func (c *Container) unscopeFromSystemd() {
	c.mu.Lock()
	scoped := c.systemdScoped
	c.systemdScoped = false
	c.mu.Unlock()
	if !scoped || c.subs.Systemd == nil {
		return
	}
	if err := c.subs.Systemd.RemoveScope(c.cgroupRelPath()); err != nil {
		log.WithError(err).Warn("removing systemd scope failed")
	}
}

// updateTrafficClasses installs this container's net_priority/
// net_guarantee/net_limit properties as netlink traffic classes keyed
// by its minor, per spec §4.3/§4.5's handoff from the state machine to
// the Network Provisioner. A missing rate/ceil map is not an error:
// UpdateTrafficClasses treats an unconfigured link as "no shaping".
func (c *Container) updateTrafficClasses() {
	prio, _ := c.Props.Get("net_priority")
	guarantee, _ := c.Props.Get("net_guarantee")
	limit, _ := c.Props.Get("net_limit")
	if len(guarantee.Map) == 0 && len(limit.Map) == 0 {
		return
	}
	if err := c.net.UpdateTrafficClasses(defaultTrafficParent, c.minor(), prio.Map, guarantee.Map, limit.Map); err != nil {
		log.WithError(err).Warn("updating traffic classes failed")
	}
}

func (c *Container) failStart(err *portoerr.Error) *portoerr.Error {
	c.removeCgroups()
	c.mu.Lock()
	c.state = Dead
	c.startErrno = err.Errno
	c.deathTimeMs = nowMs()
	c.signalStateChange()
	c.mu.Unlock()
	c.commit()
	return err
}

func (c *Container) checkCancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelRequested
}

// Stop sends SIGKILL to the container's freezer cgroup membership,
// removes cgroups, and returns to Stopped from any live state, per
// spec §4.5. It does not wait for the killed tasks to exit or be
// reaped before removing the cgroups; a removal that fails (e.g. Busy
// while tasks are still listed) is logged and the directory is left
// in place. A Stop on a Starting container instead
// marks cancel-requested, per spec §5's cancellation rule; the
// launcher's next suspension point detects the flag.
func (c *Container) Stop() *portoerr.Error {
	c.mu.Lock()
	if c.state == Starting {
		c.cancelRequested = true
		cancel := c.startCancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		return nil
	}
	if c.state == Stopped {
		c.mu.Unlock()
		return nil
	}
	pid := c.taskPid
	c.mu.Unlock()

	if pid != 0 {
		_ = c.killGroup(pid)
	}
	c.removeCgroups()
	c.unscopeFromSystemd()
	if err := c.net.RemoveTrafficClasses(c.minor()); err != nil {
		log.WithError(err).Warn("removing traffic classes failed")
	}

	c.mu.Lock()
	c.state = Stopped
	c.taskPid = 0
	c.taskVPid = 0
	c.waitPid = 0
	c.Props.ClearVolatile()
	c.Data.ClearVolatile()
	c.signalStateChange()
	c.mu.Unlock()
	c.commit()
	return nil
}

// Pause and Resume drive the freezer between Running and Paused, per
// spec §4.5.
func (c *Container) Pause(timeout time.Duration) *portoerr.Error {
	c.mu.Lock()
	if c.state != Running {
		s := c.state
		c.mu.Unlock()
		return portoerr.New(portoerr.InvalidValue, "cannot pause from state %s", s)
	}
	c.mu.Unlock()

	if err := c.subs.Freezer.Freeze(c.cgroupRelPath(), timeout); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = Paused
	c.signalStateChange()
	c.mu.Unlock()
	c.commit()
	return nil
}

func (c *Container) Resume(timeout time.Duration) *portoerr.Error {
	c.mu.Lock()
	if c.state != Paused {
		s := c.state
		c.mu.Unlock()
		return portoerr.New(portoerr.InvalidValue, "cannot resume from state %s", s)
	}
	c.mu.Unlock()

	if err := c.subs.Freezer.Unfreeze(c.cgroupRelPath(), timeout); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = Running
	c.signalStateChange()
	c.mu.Unlock()
	c.commit()
	return nil
}

// ExitNotification is invoked by the daemon's SIGCHLD reaper when pid
// (the container's task_pid) exits with status, per spec §4.5. It
// moves the container to Dead, captures exit_status, detects OOM from
// the memory controller's OOM event stream, and reports whether a
// respawn should be enqueued.
func (c *Container) ExitNotification(pid, status int) (shouldRespawn bool) {
	c.mu.Lock()
	if c.taskPid != pid {
		c.mu.Unlock()
		return false
	}
	c.mu.Unlock()

	oomCount, _ := c.subs.Memory.OOMEventCount(c.cgroupRelPath())

	c.removeCgroups()
	c.unscopeFromSystemd()
	if err := c.net.RemoveTrafficClasses(c.minor()); err != nil {
		log.WithError(err).Warn("removing traffic classes failed")
	}

	c.mu.Lock()
	c.state = Dead
	c.exitStatus = status
	c.oomKilled = oomCount > 0
	c.taskPid = 0
	c.taskVPid = 0
	c.deathTimeMs = nowMs()
	c.signalStateChange()

	respawn, _ := c.Props.Get("respawn")
	maxRespawns, _ := c.Props.Get("max_respawns")
	shouldRespawn = respawn.Num != 0 && (maxRespawns.Num <= 0 || int64(c.respawnCount) < maxRespawns.Num)
	if shouldRespawn {
		c.respawnCount++
	}
	c.mu.Unlock()

	c.commit()
	return shouldRespawn
}

func (c *Container) createCgroups() *portoerr.Error {
	for _, controller := range controllers {
		if c.subs.Unsupported[controller] {
			continue
		}
		root := c.rootFor(controller)
		if root == nil {
			continue
		}
		node := cgroup.NewNode(root, controller, c.cgroupRelPath())
		if err := node.Create(); err != nil {
			return err
		}
		c.cgroups[controller] = node
	}
	return nil
}

// attachCallingThread moves the calling OS thread into every cgroup
// just created by createCgroups, so the fork launcher.Launch performs
// right after inherits that membership (fork-time cgroup membership is
// a property of the forking thread, not the process). Caller must hold
// runtime.LockOSThread for the duration spanning this call through the
// matching detachCallingThread, per launcher.Launch's doc comment.
func (c *Container) attachCallingThread() *portoerr.Error {
	tid := syscall.Gettid()
	for _, node := range c.cgroups {
		if err := node.Attach(tid); err != nil {
			return err
		}
	}
	return nil
}

// detachCallingThread moves the calling thread back to each
// controller's root cgroup once the fork is done, so the daemon's own
// thread doesn't linger in the container's cgroup and block a later
// Node.Remove's "still has live tasks" check.
func (c *Container) detachCallingThread() {
	tid := syscall.Gettid()
	for name, node := range c.cgroups {
		root := cgroup.NewNode(node.Root(), name, "")
		if err := root.Attach(tid); err != nil {
			log.WithError(err).WithField("controller", name).Warn("restoring daemon thread cgroup failed")
		}
	}
}

func (c *Container) removeCgroups() {
	for name, node := range c.cgroups {
		if err := node.Remove(); err != nil {
			log.WithError(err).WithField("controller", name).Warn("cgroup remove failed")
		}
	}
	c.cgroups = make(map[string]*cgroup.Node)
}

func (c *Container) rootFor(controller string) *cgroup.Root {
	switch controller {
	case "memory":
		return c.subs.Memory.Root()
	case "cpuacct":
		return c.subs.Cpuacct.Root()
	case "freezer":
		return c.subs.Freezer.Root()
	case "blkio":
		return c.subs.Blkio.Root()
	default:
		return nil
	}
}

// buildTaskSpec assembles a launcher.TaskSpec from this container's
// resolved properties, per spec §4.5/§4.6's handoff from the state
// machine to the Task Launcher.
func (c *Container) buildTaskSpec() (*launcher.TaskSpec, *portoerr.Error) {
	command, _ := c.Props.Get("command")
	cwd, _ := c.Props.Get("cwd")
	root, _ := c.Props.Get("root")
	hostname, _ := c.Props.Get("hostname")
	env, _ := c.Props.Get("env")
	isolate, _ := c.Props.Get("isolate")
	user, _ := c.Props.Get("user")
	group, _ := c.Props.Get("group")
	startTimeoutMs, _ := c.Props.Get("start_timeout_ms")

	timeout := time.Duration(startTimeoutMs.Num) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	nsFiles, nerr := c.parentNamespaceFDs()
	if nerr != nil {
		return nil, nerr
	}

	spec := &launcher.TaskSpec{
		ContainerName: c.Name,
		ContainerID:   c.ID,
		Command:       command.Str,
		Env:           splitEnv(env.Str),
		Cwd:           cwd.Str,
		Isolate:       isolate.Num != 0,
		NewMountNs:    root.Str != "",
		Hostname:      hostname.Str,
		Cred: launcher.Credentials{
			UID: uint32(user.Num),
			GID: uint32(group.Num),
		},
		Caps: launcher.CapabilitySets{
			Bound:     defaultCapSet,
			Ambient:   nil,
			Effective: defaultCapSet,
		},
		Sysctls:        c.hostSysctls(),
		Devices:        c.hostDeviceSysfs(),
		Cgroups:        c.cgroupAttachments(),
		NamespaceFiles: nsFiles,
		StartTimeout:   timeout,
		Meta:           command.Str == "",
		RootPath:       root.Str,
	}

	return spec, nil
}

// nsJoinOrder fixes the namespace kinds parentNamespaceFDs opens, and
// the order it opens them in; the map built from it is consumed by
// launcher.Launch, whose own donation order doesn't need to match this
// one since Launch reassigns fd numbers itself.
var nsJoinOrder = []launcher.NamespaceKind{
	launcher.NSIpc, launcher.NSUts, launcher.NSNet, launcher.NSPid, launcher.NSMnt,
}

// parentNamespaceFDs walks up to the nearest ancestor with a live
// task_pid and opens its ipc/uts/net/pid/mnt namespaces, so this
// container's task joins them by setns instead of starting fresh in
// the daemon's own namespaces. A meta container has no command of its
// own and parks a helper init as vpid 1 precisely so descendants can
// share its namespaces this way (spec Glossary's Meta container entry;
// original_source/src/task.cpp's TTaskEnv::OpenNamespaces, which walks
// Parent the same way). Returns a nil map when no ancestor has a live
// task, never an error, except on a failed open against one that does.
func (c *Container) parentNamespaceFDs() (map[launcher.NamespaceKind]*os.File, *portoerr.Error) {
	target := c.Parent
	for target != nil && target.TaskPid() == 0 {
		target = target.Parent
	}
	if target == nil {
		return nil, nil
	}
	pid := target.TaskPid()

	out := make(map[launcher.NamespaceKind]*os.File, len(nsJoinOrder))
	for _, kind := range nsJoinOrder {
		f, err := os.Open("/proc/" + strconv.Itoa(pid) + "/ns/" + string(kind))
		if err != nil {
			for _, opened := range out {
				opened.Close()
			}
			return nil, portoerr.Errno(portoerr.Filesystem, 0, "open parent %s namespace: %v", kind, err)
		}
		out[kind] = f
	}
	return out, nil
}

// hostSysctls carries the daemon's config.ipc_sysctl list (including
// SeedIPCSysctls' host-default seeding) into every container's task
// spec; ApplySysctls classifies each key as ipc or net for error
// reporting, but application itself doesn't care which family a key
// belongs to.
func (c *Container) hostSysctls() []launcher.Sysctl {
	if c.cfg == nil {
		return nil
	}
	out := make([]launcher.Sysctl, 0, len(c.cfg.Container.IPCSysctl))
	for _, s := range c.cfg.Container.IPCSysctl {
		out = append(out, launcher.Sysctl{Key: s.Key, Val: s.Val})
	}
	return out
}

// hostDeviceSysfs carries the daemon's config.device_sysfs bindings
// into every container's task spec; ApplyDeviceSysfs already no-ops a
// binding whose device is absent on this host, so no per-container
// filtering is needed here.
func (c *Container) hostDeviceSysfs() []launcher.DeviceSysfsBinding {
	if c.cfg == nil {
		return nil
	}
	out := make([]launcher.DeviceSysfsBinding, 0, len(c.cfg.Container.DeviceSysfs))
	for _, d := range c.cfg.Container.DeviceSysfs {
		out = append(out, launcher.DeviceSysfsBinding{Device: d.Device, Sysfs: d.Sysfs})
	}
	return out
}

// cgroupAttachments reports the cgroups createCgroups just made, for
// launcher.Launch's doc comment ("the daemon must already have moved
// the calling goroutine's OS thread into every cgroup listed in
// spec.Cgroups") — Cgroups here is carried for introspection/logging
// on the launcher side; the actual thread move happens via
// attachCallingThread before Launch is called.
func (c *Container) cgroupAttachments() []launcher.CgroupAttachment {
	out := make([]launcher.CgroupAttachment, 0, len(c.cgroups))
	for name, node := range c.cgroups {
		out = append(out, launcher.CgroupAttachment{Controller: name, Path: node.Path()})
	}
	return out
}

// defaultCapSet is the capability set granted to an unprivileged
// container process, mirroring the minimal set Porto grants by
// default (no CAP_SYS_ADMIN, no raw networking).
var defaultCapSet = []string{
	"CAP_CHOWN", "CAP_DAC_OVERRIDE", "CAP_FOWNER", "CAP_FSETID",
	"CAP_KILL", "CAP_SETGID", "CAP_SETUID", "CAP_SETPCAP",
	"CAP_NET_BIND_SERVICE", "CAP_SYS_CHROOT",
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

// killGroup sends SIGKILL to every pid the freezer cgroup still lists,
// not just the container's recorded task_pid, so a non-isolated
// multi-process container can't leak survivors past Stop. Falls back
// to killing pid alone if the freezer cgroup is gone or empty (e.g.
// isolate=true already reparented everything under a single vpid1
// that the kernel tears down together on SIGKILL).
func (c *Container) killGroup(pid int) error {
	node, ok := c.cgroups["freezer"]
	if !ok {
		return killPid(pid)
	}
	tasks, terr := node.ReadKnob("tasks")
	if terr != nil {
		return killPid(pid)
	}
	killedAny := false
	for _, line := range strings.Split(tasks, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		tpid, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		if err := killPid(tpid); err == nil {
			killedAny = true
		}
	}
	if !killedAny {
		return killPid(pid)
	}
	return nil
}

func killPid(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
