package container

import (
	"context"
	"strings"
	"sync"

	"github.com/google/btree"

	"github.com/portod/portod-go/internal/config"
	"github.com/portod/portod-go/internal/network"
	"github.com/portod/portod-go/internal/persist"
	"github.com/portod/portod-go/internal/portoerr"
	"github.com/portod/portod-go/internal/property"
	"github.com/portod/portod-go/internal/subsystem"
)

// byName orders Tree's btree index by absolute container name, giving
// O(log n) lookup and, more importantly, an in-order walk that visits
// a parent before any of its descendants, which is the order List
// returns.
type byName struct {
	name string
	c    *Container
}

func (a byName) Less(than btree.Item) bool {
	return a.name < than.(byName).name
}

// Tree is the rooted container tree (spec §3/§4.5). Grounded on the
// teacher's go.mod dependency on google/btree, used here as the
// name-ordered index original_source addresses by absolute path.
type Tree struct {
	mu      sync.RWMutex
	byID    map[int64]*Container
	index   *btree.BTree
	nextID  int64
	propReg *property.Registry
	dataReg *property.Registry
	subs    *subsystem.Set
	net     *network.Provisioner
	root    *Container
	store   persist.Store
	cfg     *config.Config
}

func NewTree(propReg, dataReg *property.Registry, subs *subsystem.Set, net *network.Provisioner, cfg *config.Config) *Tree {
	t := &Tree{
		byID:    make(map[int64]*Container),
		index:   btree.New(32),
		propReg: propReg,
		dataReg: dataReg,
		subs:    subs,
		net:     net,
		cfg:     cfg,
	}
	t.root = New(0, "/", nil, propReg, dataReg, subs, net, cfg)
	t.byID[0] = t.root
	t.index.ReplaceOrInsert(byName{name: "/", c: t.root})
	t.nextID = 1
	return t
}

func (t *Tree) Root() *Container {
	return t.root
}

// SetPersistStore wires s into the root container and every container
// created afterward, per spec §6's "persistent fields are serialized
// on every commit". Called once at daemon startup, before RestoreAll.
func (t *Tree) SetPersistStore(s persist.Store) {
	t.mu.Lock()
	t.store = s
	t.mu.Unlock()
	t.root.setPersistStore(s)
}

// RestoreAll recreates the containers named by records (parent-first,
// since Create requires the parent to already exist) and replays each
// one's persisted fields, for a daemon restart repopulating the tree
// from SetPersistStore's backing file. A record naming a container
// that no longer resolves a parent is skipped with an error logged by
// the caller's choosing, not failed outright: one corrupt entry must
// not block every other container from coming back.
func (t *Tree) RestoreAll(records []persist.Record) []*portoerr.Error {
	pending := make(map[string]persist.Record, len(records))
	for _, rec := range records {
		pending[rec.Name] = rec
	}

	var errs []*portoerr.Error
	for len(pending) > 0 {
		progressed := false
		for name, rec := range pending {
			if _, perr := t.Find(name); perr == nil {
				delete(pending, name)
				continue
			}
			if _, perr := t.Find(rec.ParentName); perr != nil {
				continue
			}
			c, cerr := t.Create(name)
			if cerr != nil {
				errs = append(errs, cerr)
				delete(pending, name)
				progressed = true
				continue
			}
			c.Restore(rec)
			delete(pending, name)
			progressed = true
		}
		if !progressed {
			for name := range pending {
				errs = append(errs, portoerr.New(portoerr.NotFound, "restoring %s: parent never resolved", name))
			}
			break
		}
	}
	return errs
}

// Find looks up a container by absolute name.
func (t *Tree) Find(name string) (*Container, *portoerr.Error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	item := t.index.Get(byName{name: name})
	if item == nil {
		return nil, portoerr.New(portoerr.NotFound, "container %s not found", name)
	}
	return item.(byName).c, nil
}

// Create adds a new container named name (an absolute, slash-separated
// path whose parent must already exist), per spec §3.
func (t *Tree) Create(name string) (*Container, *portoerr.Error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.index.Get(byName{name: name}) != nil {
		return nil, portoerr.New(portoerr.Exists, "container %s already exists", name)
	}
	parentName := parentOf(name)
	parentItem := t.index.Get(byName{name: parentName})
	if parentItem == nil {
		return nil, portoerr.New(portoerr.NotFound, "parent container %s not found", parentName)
	}
	parent := parentItem.(byName).c

	id := t.nextID
	t.nextID++
	c := New(id, name, parent, t.propReg, t.dataReg, t.subs, t.net, t.cfg)
	if t.store != nil {
		c.setPersistStore(t.store)
	}
	t.byID[id] = c
	t.index.ReplaceOrInsert(byName{name: name, c: c})
	parent.AddChild(c)
	return c, nil
}

// Destroy removes a Stopped container with no children.
func (t *Tree) Destroy(name string) *portoerr.Error {
	t.mu.Lock()
	defer t.mu.Unlock()

	item := t.index.Get(byName{name: name})
	if item == nil {
		return portoerr.New(portoerr.NotFound, "container %s not found", name)
	}
	c := item.(byName).c
	if len(c.Children()) > 0 {
		return portoerr.New(portoerr.Busy, "container %s still has children", name)
	}
	if c.State() != Stopped {
		return portoerr.New(portoerr.InvalidValue, "container %s must be stopped before destroy", name)
	}

	t.index.Delete(byName{name: name})
	delete(t.byID, c.ID)
	if c.Parent != nil {
		c.Parent.removeChild(c)
	}
	if t.store != nil {
		if err := t.store.Delete(name); err != nil {
			log.WithError(err).Warn("deleting persisted record failed")
		}
	}
	return nil
}

// List returns every container, name-ordered.
func (t *Tree) List() []*Container {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Container, 0, t.index.Len())
	t.index.Ascend(func(item btree.Item) bool {
		out = append(out, item.(byName).c)
		return true
	})
	return out
}

// FindByPid returns the container whose live task has host pid pid,
// for the daemon's SIGCHLD reaper to dispatch a reaped pid to the
// right Container.ExitNotification call. Returns nil if no container
// currently claims that pid (e.g. it already exited and was reaped by
// something else, or it was never a task pid).
func (t *Tree) FindByPid(pid int) *Container {
	for _, c := range t.List() {
		if c.TaskPid() == pid {
			return c
		}
	}
	return nil
}

// StartSubtree starts root and every descendant, breadth-first, so a
// parent's namespaces exist before children enter them, per spec
// §4.5's "Start is breadth-first" tie-break.
func (t *Tree) StartSubtree(ctx context.Context, root *Container) *portoerr.Error {
	queue := []*Container{root}
	for len(queue) > 0 {
		level := queue
		queue = nil
		for _, c := range level {
			if err := c.Start(ctx); err != nil {
				return err
			}
			queue = append(queue, c.Children()...)
		}
	}
	return nil
}

// StopSubtree stops every descendant of root before root itself,
// depth-first, per spec §4.5's "Stop is depth-first" tie-break.
func (t *Tree) StopSubtree(root *Container) *portoerr.Error {
	for _, child := range root.Children() {
		if err := t.StopSubtree(child); err != nil {
			return err
		}
	}
	return root.Stop()
}

func (c *Container) removeChild(child *Container) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.children {
		if ch == child {
			c.children = append(c.children[:i], c.children[i+1:]...)
			return
		}
	}
}

func parentOf(name string) string {
	trimmed := strings.TrimSuffix(name, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx <= 0 {
		return "/"
	}
	return trimmed[:idx]
}
