package subsystem

import (
	"strconv"
	"strings"

	"github.com/portod/portod-go/internal/cgroup"
	"github.com/portod/portod-go/internal/portoerr"
)

// Cpuacct wraps the cpuacct controller, grounded on
// TCpuacctSubsystem::Usage.
type Cpuacct struct {
	root *cgroup.Root
}

func (c *Cpuacct) node(relPath string) *cgroup.Node {
	return cgroup.NewNode(c.root, "cpuacct", relPath)
}

// Root returns the controller's owning cgroup root.
func (c *Cpuacct) Root() *cgroup.Root { return c.root }

// Usage returns cumulative CPU time consumed, in nanoseconds.
func (c *Cpuacct) Usage(relPath string) (uint64, *portoerr.Error) {
	s, err := c.node(relPath).ReadKnob("cpuacct.usage")
	if err != nil {
		return 0, err
	}
	v, perr := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if perr != nil {
		return 0, portoerr.New(portoerr.IO, "parsing cpuacct.usage: %v", perr)
	}
	return v, nil
}
