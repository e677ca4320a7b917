// Package rpc implements the RPC surface named in spec §6: the set of
// operations the daemon core exposes to callers. The wire codec
// (message framing, schema) is an explicit spec Non-goal, contracted
// only through the interface this package exposes — there is no
// net/rpc-compatible byte-level protocol here, only the method table
// a wire layer built elsewhere would dispatch into.
//
// Grounded on the teacher's runsc/boot/controller.go naming
// convention (exported string constants named after a dotted
// Service.Method pair, e.g. ContMgrCheckpoint =
// "containerManager.Checkpoint") and its containerManager method
// receiver shape; the dispatch mechanism itself is this module's own,
// since urpc (pkg/urpc) is the teacher's internal package and not a
// third-party dependency available to import.
package rpc

import (
	"context"
	"time"

	"github.com/portod/portod-go/internal/container"
	"github.com/portod/portod-go/internal/dlog"
	"github.com/portod/portod-go/internal/portoerr"
	"github.com/portod/portod-go/internal/property"
)

var log = dlog.ForSubsystem("rpc")

// Method names, mirroring the teacher's ContMgr* naming convention: a
// dotted Service.Method string identifying each operation in spec
// §6's RPC surface. A wire codec built on top of this package would
// use these as its method-table keys.
const (
	ContainerList                 = "Container.List"
	ContainerCreate               = "Container.Create"
	ContainerDestroy              = "Container.Destroy"
	ContainerStart                = "Container.Start"
	ContainerStop                 = "Container.Stop"
	ContainerPause                = "Container.Pause"
	ContainerResume               = "Container.Resume"
	ContainerGetProperty          = "Container.GetProperty"
	ContainerSetProperty          = "Container.SetProperty"
	ContainerGetData              = "Container.GetData"
	ContainerListProperties       = "Container.ListProperties"
	ContainerListVolumeProperties = "Container.ListVolumeProperties"
	ContainerWait                 = "Container.Wait"
	DaemonGetVersion              = "Daemon.GetVersion"
)

// Version is reported by GetVersion; cmd/portod's build step is free
// to override it with a linker flag the way runsc does for its own
// version string.
var Version = "dev"

// Controller implements the RPC surface over a single container.Tree.
// One Controller is constructed per daemon instance and registered
// with whatever wire-codec server the deployment chooses; this
// package never listens on a socket itself.
type Controller struct {
	tree *container.Tree
}

func NewController(tree *container.Tree) *Controller {
	return &Controller{tree: tree}
}

// PropertyValue is the RPC-facing mirror of property.Value: the
// tagged union a get_property/get_data/set_property call carries
// across whatever wire codec a deployment layers on top.
type PropertyValue struct {
	Str string
	Num int64
	Map map[string]uint64
}

func toRPCValue(v property.Value) PropertyValue {
	return PropertyValue{Str: v.Str, Num: v.Num, Map: v.Map}
}

func fromRPCValue(v PropertyValue) property.Value {
	return property.Value{Str: v.Str, Num: v.Num, Map: v.Map}
}

// List implements list_containers: every container name, tree-order
// (parent before child), per spec §6.
func (c *Controller) List() []string {
	containers := c.tree.List()
	names := make([]string, 0, len(containers))
	for _, ct := range containers {
		names = append(names, ct.Name)
	}
	return names
}

// Create implements create(name).
func (c *Controller) Create(name string) *portoerr.Error {
	_, err := c.tree.Create(name)
	return err
}

// Destroy implements destroy(name).
func (c *Controller) Destroy(name string) *portoerr.Error {
	return c.tree.Destroy(name)
}

// Start implements start(name): starts the named container and every
// descendant breadth-first, per spec §4.5's tie-break.
func (c *Controller) Start(ctx context.Context, name string) *portoerr.Error {
	ct, err := c.tree.Find(name)
	if err != nil {
		return err
	}
	return c.tree.StartSubtree(ctx, ct)
}

// Stop implements stop(name, timeout): stops the named container and
// every descendant depth-first, per spec §4.5's tie-break. The timeout
// argument is accepted but not used: StopSubtree takes no timeout.
func (c *Controller) Stop(name string, timeout time.Duration) *portoerr.Error {
	ct, err := c.tree.Find(name)
	if err != nil {
		return err
	}
	return c.tree.StopSubtree(ct)
}

// Pause implements pause(name).
func (c *Controller) Pause(name string, timeout time.Duration) *portoerr.Error {
	ct, err := c.tree.Find(name)
	if err != nil {
		return err
	}
	return ct.Pause(timeout)
}

// Resume implements resume(name).
func (c *Controller) Resume(name string, timeout time.Duration) *portoerr.Error {
	ct, err := c.tree.Find(name)
	if err != nil {
		return err
	}
	return ct.Resume(timeout)
}

// GetProperty implements get_property(name, key).
func (c *Controller) GetProperty(name, key string) (PropertyValue, *portoerr.Error) {
	ct, err := c.tree.Find(name)
	if err != nil {
		return PropertyValue{}, err
	}
	v, gerr := ct.Props.Get(key)
	if gerr != nil {
		return PropertyValue{}, gerr
	}
	return toRPCValue(v), nil
}

// SetProperty implements set_property(name, key, value).
func (c *Controller) SetProperty(name, key string, value PropertyValue) *portoerr.Error {
	ct, err := c.tree.Find(name)
	if err != nil {
		return err
	}
	return ct.Props.Set(key, fromRPCValue(value))
}

// GetData implements get_data(name, key[, index]). An empty index
// resolves the field's plain Default; a non-empty index calls its
// Indexed accessor, per spec §4.4.
func (c *Controller) GetData(name, key, index string) (PropertyValue, *portoerr.Error) {
	ct, err := c.tree.Find(name)
	if err != nil {
		return PropertyValue{}, err
	}
	if index == "" {
		v, gerr := ct.Data.Get(key)
		if gerr != nil {
			return PropertyValue{}, gerr
		}
		return toRPCValue(v), nil
	}
	v, gerr := ct.Data.GetIndexed(key, index)
	if gerr != nil {
		return PropertyValue{}, gerr
	}
	return toRPCValue(v), nil
}

// FieldInfo is the RPC-facing field descriptor returned by
// list_properties/list_volume_properties, a flattened mirror of
// property.Field that doesn't leak the package's internal func types
// across the RPC boundary.
type FieldInfo struct {
	Key         string
	Description string
	ReadOnly    bool
}

// ListProperties implements list_properties: every registered
// property field, matching the set Container.Props enumerates.
func (c *Controller) ListProperties() []FieldInfo {
	return fieldInfos(c.tree.Root().Props.Registry())
}

// ListVolumeProperties implements list_volume_properties. The
// volume/storage layer itself is an explicit Non-goal (see
// SPEC_FULL.md); this returns an empty list rather than failing the
// call, matching a daemon build with no volume driver configured.
func (c *Controller) ListVolumeProperties() []FieldInfo {
	return nil
}

func fieldInfos(reg *property.Registry) []FieldInfo {
	fields := reg.List()
	out := make([]FieldInfo, 0, len(fields))
	for _, f := range fields {
		out = append(out, FieldInfo{
			Key:         f.Key,
			Description: f.Description,
			ReadOnly:    f.Flags.Has(property.ReadOnly),
		})
	}
	return out
}

// Wait implements wait(name, timeout): blocks until the named
// container's state changes or timeout elapses, whichever comes
// first, per spec §6.
func (c *Controller) Wait(ctx context.Context, name string, timeout time.Duration) (string, *portoerr.Error) {
	ct, err := c.tree.Find(name)
	if err != nil {
		return "", err
	}
	ch := ct.WaitChange()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-ch:
		return ct.State().String(), nil
	case <-waitCtx.Done():
		return ct.State().String(), portoerr.New(portoerr.Timeout, "wait(%s) timed out after %s", name, timeout)
	}
}

// GetVersion implements get_version.
func (c *Controller) GetVersion() string {
	return Version
}
