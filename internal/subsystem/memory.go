package subsystem

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/portod/portod-go/internal/cgroup"
	"github.com/portod/portod-go/internal/portoerr"
)

// Memory wraps the memory controller, grounded on
// TMemorySubsystem::Usage/Statistics/UseHierarchy.
type Memory struct {
	root *cgroup.Root
}

func (m *Memory) node(relPath string) *cgroup.Node {
	return cgroup.NewNode(m.root, "memory", relPath)
}

// Root returns the controller's owning cgroup root.
func (m *Memory) Root() *cgroup.Root { return m.root }

// Usage returns the container's current memory usage in bytes.
func (m *Memory) Usage(relPath string) (uint64, *portoerr.Error) {
	s, err := m.node(relPath).ReadKnob("memory.usage_in_bytes")
	if err != nil {
		return 0, err
	}
	v, perr := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if perr != nil {
		return 0, portoerr.New(portoerr.IO, "parsing memory.usage_in_bytes: %v", perr)
	}
	return v, nil
}

// Statistics parses memory.stat into a flat key->value map.
func (m *Memory) Statistics(relPath string) (map[string]uint64, *portoerr.Error) {
	raw, err := m.node(relPath).ReadKnob("memory.stat")
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64)
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 2 {
			continue
		}
		v, perr := strconv.ParseUint(fields[1], 10, 64)
		if perr != nil {
			continue
		}
		out[fields[0]] = v
	}
	return out, nil
}

// UseHierarchy sets memory.use_hierarchy=1 on the node.
func (m *Memory) UseHierarchy(relPath string) *portoerr.Error {
	return m.node(relPath).WriteKnob("memory.use_hierarchy", "1")
}

// SetLimit writes the memory.limit_in_bytes knob.
func (m *Memory) SetLimit(relPath string, bytes uint64) *portoerr.Error {
	return m.node(relPath).WriteKnob("memory.limit_in_bytes", strconv.FormatUint(bytes, 10))
}

// MinorFaults computes total_pgfault - total_pgmajfault, per spec §4.2.
func MinorFaults(stat map[string]uint64) (uint64, bool) {
	total, ok := stat["total_pgfault"]
	if !ok {
		return 0, false
	}
	major, ok := stat["total_pgmajfault"]
	if !ok {
		return 0, false
	}
	if major > total {
		return 0, false
	}
	return total - major, true
}

// MajorFaults returns total_pgmajfault, or !ok if absent.
func MajorFaults(stat map[string]uint64) (uint64, bool) {
	v, ok := stat["total_pgmajfault"]
	return v, ok
}

// MaxRSS returns total_max_rss when present; the caller marks the
// max_rss field unsupported at daemon start when !ok, per spec §4.2.
func MaxRSS(stat map[string]uint64) (uint64, bool) {
	v, ok := stat["total_max_rss"]
	return v, ok
}

// OOMEventCount reads the number of OOM kill events recorded against
// this cgroup, used by the state machine's exit_notification to
// detect oom_killed (spec §4.5). memory.oom_control's "oom_kill"
// counter appears on cgroup v1 kernels built with the OOM reporting
// extension; absence is not an error, just zero events observed.
func (m *Memory) OOMEventCount(relPath string) (uint64, *portoerr.Error) {
	raw, err := m.node(relPath).ReadKnob("memory.oom_control")
	if err != nil {
		if err.Kind == portoerr.NotSupported {
			return 0, nil
		}
		return 0, err
	}
	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 2 && fields[0] == "oom_kill" {
			v, perr := strconv.ParseUint(fields[1], 10, 64)
			if perr == nil {
				return v, nil
			}
		}
	}
	return 0, nil
}
