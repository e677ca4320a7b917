package container

import (
	"strconv"

	"github.com/portod/portod-go/internal/portoerr"
	"github.com/portod/portod-go/internal/property"
	"github.com/portod/portod-go/internal/subsystem"
)

// RegisterDataFields registers every read-only observation field onto
// reg, grounded field-for-field on original_source/src/data.cpp's
// TContainerValue subclasses (TStateData, TOomKilledData,
// TAbsoluteNameData, TParentData, TRespawnCountData, TRootPidData,
// TExitStatusData, TStartErrnoData, TStdoutData/TStderrData with their
// offset companions, TCpuUsageData, TMemUsageData, and the TNet*Data
// per-link counter maps), translated from a class-per-field hierarchy
// into descriptor literals.
func RegisterDataFields(reg *property.Registry, subs *subsystem.Set) {
	reg.Register(&property.Field{
		Key: "state", Type: property.TString,
		Flags:       property.ReadOnly | property.Persistent,
		Description: "current state machine state",
		Default: func(ctx any) (property.Value, *portoerr.Error) {
			return property.Value{Str: ctx.(*Container).State().String()}, nil
		},
	})
	reg.Register(&property.Field{
		Key: "oom_killed", Type: property.TBool,
		Flags:       property.ReadOnly | property.Persistent | property.Postmortem,
		Description: "whether the container's last run was killed by the OOM killer",
		Default: func(ctx any) (property.Value, *portoerr.Error) {
			c := ctx.(*Container)
			c.mu.Lock()
			defer c.mu.Unlock()
			return property.Value{Num: boolNum(c.oomKilled)}, nil
		},
	})
	reg.Register(&property.Field{
		Key: "absolute_name", Type: property.TString,
		Flags:       property.ReadOnly,
		Description: "slash-separated absolute container name",
		Default: func(ctx any) (property.Value, *portoerr.Error) {
			return property.Value{Str: ctx.(*Container).Name}, nil
		},
	})
	reg.Register(&property.Field{
		Key: "parent", Type: property.TString,
		Flags:       property.ReadOnly | property.Hidden,
		Description: "absolute name of the parent container",
		Default: func(ctx any) (property.Value, *portoerr.Error) {
			c := ctx.(*Container)
			if c.Parent == nil {
				return property.Value{Str: ""}, nil
			}
			return property.Value{Str: c.Parent.Name}, nil
		},
	})
	reg.Register(&property.Field{
		Key: "respawn_count", Type: property.TUint,
		Flags:       property.ReadOnly | property.Persistent,
		Description: "number of automated restarts from Dead",
		Default: func(ctx any) (property.Value, *portoerr.Error) {
			c := ctx.(*Container)
			c.mu.Lock()
			defer c.mu.Unlock()
			return property.Value{Num: int64(c.respawnCount)}, nil
		},
	})
	reg.Register(&property.Field{
		Key: "root_pid", Type: property.TInt,
		Flags:       property.ReadOnly | property.Hidden | property.Runtime,
		Description: "namespace-visible pid of the container's first process",
		Default: func(ctx any) (property.Value, *portoerr.Error) {
			c := ctx.(*Container)
			c.mu.Lock()
			defer c.mu.Unlock()
			return property.Value{Num: int64(c.taskVPid)}, nil
		},
	})
	reg.Register(&property.Field{
		Key: "exit_status", Type: property.TInt,
		Flags:       property.ReadOnly | property.Persistent | property.Postmortem,
		Description: "wait(2) status of the container's last run, valid in Dead",
		Default: func(ctx any) (property.Value, *portoerr.Error) {
			c := ctx.(*Container)
			c.mu.Lock()
			defer c.mu.Unlock()
			return property.Value{Num: int64(c.exitStatus)}, nil
		},
	})
	reg.Register(&property.Field{
		Key: "start_errno", Type: property.TInt,
		Flags:       property.ReadOnly,
		Description: "classified errno captured if the last start() failed",
		Default: func(ctx any) (property.Value, *portoerr.Error) {
			c := ctx.(*Container)
			c.mu.Lock()
			defer c.mu.Unlock()
			return property.Value{Num: int64(c.startErrno)}, nil
		},
	})
	reg.Register(&property.Field{
		Key: "stdout_offset", Type: property.TUint,
		Flags:       property.ReadOnly | property.Runtime,
		Description: "byte offset the next stdout read resumes from",
	})
	reg.Register(&property.Field{
		Key: "stderr_offset", Type: property.TUint,
		Flags:       property.ReadOnly | property.Runtime,
		Description: "byte offset the next stderr read resumes from",
	})
	reg.Register(&property.Field{
		Key: "stdout", Type: property.TText,
		Flags:       property.ReadOnly | property.Runtime,
		Description: "captured stdout, windowed by stdout_limit/stdout_offset",
		Default: func(ctx any) (property.Value, *portoerr.Error) {
			c := ctx.(*Container)
			return property.Value{Str: c.readCapturedStream(c.stdoutPath())}, nil
		},
		Indexed: func(ctx any, index string) (property.Value, *portoerr.Error) {
			c := ctx.(*Container)
			off, err := strconv.ParseInt(index, 10, 64)
			if err != nil {
				return property.Value{}, portoerr.New(portoerr.InvalidValue, "stdout index %q: %v", index, err)
			}
			return property.Value{Str: c.readCapturedStreamFrom(c.stdoutPath(), off)}, nil
		},
	})
	reg.Register(&property.Field{
		Key: "stderr", Type: property.TText,
		Flags:       property.ReadOnly | property.Runtime,
		Description: "captured stderr, windowed by stdout_limit/stderr_offset",
		Default: func(ctx any) (property.Value, *portoerr.Error) {
			c := ctx.(*Container)
			return property.Value{Str: c.readCapturedStream(c.stderrPath())}, nil
		},
		Indexed: func(ctx any, index string) (property.Value, *portoerr.Error) {
			c := ctx.(*Container)
			off, err := strconv.ParseInt(index, 10, 64)
			if err != nil {
				return property.Value{}, portoerr.New(portoerr.InvalidValue, "stderr index %q: %v", index, err)
			}
			return property.Value{Str: c.readCapturedStreamFrom(c.stderrPath(), off)}, nil
		},
	})
	reg.Register(&property.Field{
		Key: "cpu_usage", Type: property.TUint,
		Flags:       property.ReadOnly | property.Runtime,
		Description: "cumulative cpuacct usage in nanoseconds",
		Default: func(ctx any) (property.Value, *portoerr.Error) {
			c := ctx.(*Container)
			if subs.Unsupported["cpuacct"] {
				return property.Value{Num: 0}, nil
			}
			v, err := subs.Cpuacct.Usage(c.cgroupRelPath())
			if err != nil {
				log.WithError(err).Warn("cpu_usage read failed")
				return property.Value{Num: 0}, nil
			}
			return property.Value{Num: int64(v)}, nil
		},
	})
	reg.Register(&property.Field{
		Key: "memory_usage", Type: property.TUint,
		Flags:       property.ReadOnly | property.Runtime,
		Description: "current memory controller usage in bytes",
		Default: func(ctx any) (property.Value, *portoerr.Error) {
			c := ctx.(*Container)
			if subs.Unsupported["memory"] {
				return property.Value{Num: 0}, nil
			}
			v, err := subs.Memory.Usage(c.cgroupRelPath())
			if err != nil {
				log.WithError(err).Warn("memory_usage read failed")
				return property.Value{Num: 0}, nil
			}
			return property.Value{Num: int64(v)}, nil
		},
	})

	for _, kind := range []string{"net_bytes", "net_packets", "net_drops", "net_overlimits",
		"net_rx_bytes", "net_rx_packets", "net_rx_drops"} {
		kind := kind
		reg.Register(&property.Field{
			Key: kind, Type: property.TUintMap,
			Flags:       property.ReadOnly | property.Runtime,
			Description: "per-link " + kind + " counters",
			Default: func(ctx any) (property.Value, *portoerr.Error) {
				c := ctx.(*Container)
				m, err := c.netCounters(kind)
				if err != nil {
					log.WithError(err).Warn("net counter read failed")
					return property.Value{Map: map[string]uint64{}}, nil
				}
				return property.Value{Map: m}, nil
			},
		})
	}
}

func boolNum(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
