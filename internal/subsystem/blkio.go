package subsystem

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/portod/portod-go/internal/cgroup"
	"github.com/portod/portod-go/internal/portoerr"
)

// BlkioStat is one device's accounted I/O, grounded on
// subsystem.hpp's BlkioStat.
type BlkioStat struct {
	Device string
	Read   uint64
	Write  uint64
	Sync   uint64
	Async  uint64
}

// Blkio wraps the blkio controller, grounded on
// TBlkioSubsystem::Statistics.
type Blkio struct {
	root *cgroup.Root
}

func (b *Blkio) node(relPath string) *cgroup.Node {
	return cgroup.NewNode(b.root, "blkio", relPath)
}

// Root returns the controller's owning cgroup root, for callers that
// need to attach or create a node directly (package container's
// cgroup lifecycle management).
func (b *Blkio) Root() *cgroup.Root { return b.root }

// Statistics parses a knob such as blkio.throttle.io_service_bytes,
// whose lines look like "<major>:<minor> <op> <bytes>", into a
// per-device breakdown of read/write/sync/async totals.
func (b *Blkio) Statistics(relPath, file string) ([]BlkioStat, *portoerr.Error) {
	raw, err := b.node(relPath).ReadKnob(file)
	if err != nil {
		return nil, err
	}

	byDevice := make(map[string]*BlkioStat)
	var order []string

	sc := bufio.NewScanner(strings.NewReader(raw))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) != 3 {
			continue
		}
		majmin, op, valStr := fields[0], fields[1], fields[2]
		val, perr := strconv.ParseUint(valStr, 10, 64)
		if perr != nil {
			continue
		}
		stat, ok := byDevice[majmin]
		if !ok {
			stat = &BlkioStat{Device: majmin}
			byDevice[majmin] = stat
			order = append(order, majmin)
		}
		switch strings.ToLower(op) {
		case "read":
			stat.Read = val
		case "write":
			stat.Write = val
		case "sync":
			stat.Sync = val
		case "async":
			stat.Async = val
		}
	}

	out := make([]BlkioStat, 0, len(order))
	for _, d := range order {
		out = append(out, *byDevice[d])
	}
	return out, nil
}
