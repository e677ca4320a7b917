// Package subsystem implements the per-controller typed drivers
// layered over the Cgroup Model (spec §4.2), grounded on
// original_source/subsystem.hpp's TMemorySubsystem/TFreezerSubsystem/
// TCpuacctSubsystem/TBlkioSubsystem split.
//
// Each driver is a process-wide singleton, registered once at daemon
// startup (spec §4.2, §9 "global singletons... initialized once at
// daemon startup and never replaced; tests inject alternates via
// explicit constructor parameters rather than by mutating globals").
package subsystem

import (
	"os"
	"strconv"

	"github.com/portod/portod-go/internal/cgroup"
)

// Set is the daemon-wide collection of per-controller singleton
// drivers, constructed once at startup from the roots and unsupported
// set that cgroup.Discover reports.
type Set struct {
	Memory  *Memory
	Cpuacct *Cpuacct
	Freezer *Freezer
	Blkio   *Blkio

	// Systemd is non-nil only when the daemon config selects the
	// systemd cgroup driver (spec §2.1's controller set includes
	// "systemd" alongside the cgroupfs-native controllers) and the
	// system bus was reachable at startup; nil means every container
	// is scoped with raw cgroupfs directories only.
	Systemd *cgroup.SystemdDriver

	// Unsupported records which controllers the running kernel does
	// not publish; dependent Property/Data fields report not_supported.
	Unsupported map[string]bool
}

// NewSet builds a Set from discovered cgroup roots. roots maps
// controller name -> owning Root (as returned by cgroup.Discover).
func NewSet(roots map[string]*cgroup.Root, unsupported map[string]bool) *Set {
	return &Set{
		Memory:      &Memory{root: roots["memory"]},
		Cpuacct:     &Cpuacct{root: roots["cpuacct"]},
		Freezer:     &Freezer{root: roots["freezer"]},
		Blkio:       &Blkio{root: roots["blkio"]},
		Unsupported: unsupported,
	}
}

// WithSystemd attaches a connected SystemdDriver, returning s for
// chaining at daemon startup (cmd/portod decides whether to dial the
// bus based on config.Container.CgroupDriver).
func (s *Set) WithSystemd(d *cgroup.SystemdDriver) *Set {
	s.Systemd = d
	return s
}

// ProcBaseDirCount is populated at daemon startup by counting the
// non-numeric entries under /proc (original_source's InitProcBaseDirs).
// It is only recorded; no other code in the daemon reads it.
var ProcBaseDirCount uint

// CountProcBaseDirs implements original_source's InitProcBaseDirs: it
// reads /proc once and counts the entries that aren't purely numeric
// (i.e. not a pid directory), stores the result in ProcBaseDirCount,
// and returns it. Called once at daemon startup.
func CountProcBaseDirs() uint {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return ProcBaseDirCount
	}
	var count uint
	for _, e := range entries {
		if _, numErr := strconv.Atoi(e.Name()); numErr != nil {
			count++
		}
	}
	ProcBaseDirCount = count
	return count
}
