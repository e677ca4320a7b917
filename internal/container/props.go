package container

import (
	"strings"

	"github.com/portod/portod-go/internal/portoerr"
	"github.com/portod/portod-go/internal/property"
)

// RegisterPropFields registers the writable configuration fields a
// client sets before start(), consumed directly by Container.Start
// when it assembles a launcher.TaskSpec. Porto's property set is much
// larger than this; these are the subset the launcher actually reads,
// kept in the same descriptor idiom as the data fields in fields.go
// rather than invented ad hoc.
func RegisterPropFields(reg *property.Registry) {
	reg.Register(&property.Field{
		Key: "command", Type: property.TString,
		Flags: property.Persistent, Description: "shell command line run as the container's init",
	})
	reg.Register(&property.Field{
		Key: "cwd", Type: property.TString,
		Flags: property.Persistent, Description: "working directory inside the container",
		Default: func(ctx any) (property.Value, *portoerr.Error) {
			return property.Value{Str: "/"}, nil
		},
	})
	reg.Register(&property.Field{
		Key: "root", Type: property.TString,
		Flags: property.Persistent, Description: "filesystem root the container is chrooted to",
	})
	reg.Register(&property.Field{
		Key: "hostname", Type: property.TString,
		Flags: property.Persistent, Description: "uts namespace hostname",
	})
	reg.Register(&property.Field{
		Key: "env", Type: property.TString,
		Flags: property.Persistent, Description: "newline-separated KEY=VALUE environment entries",
	})
	reg.Register(&property.Field{
		Key: "isolate", Type: property.TBool,
		Flags: property.Persistent, Description: "enter/create a fresh pid namespace for this container",
	})
	reg.Register(&property.Field{
		Key: "user", Type: property.TUint,
		Flags: property.Persistent, Description: "uid the container's process runs as",
	})
	reg.Register(&property.Field{
		Key: "group", Type: property.TUint,
		Flags: property.Persistent, Description: "gid the container's process runs as",
	})
	reg.Register(&property.Field{
		Key: "memory_limit", Type: property.TUint,
		Flags: property.Persistent, Description: "memory controller hard limit in bytes, 0 means unlimited",
	})
	reg.Register(&property.Field{
		Key: "respawn", Type: property.TBool,
		Flags: property.Persistent, Description: "automatically restart from Dead",
	})
	reg.Register(&property.Field{
		Key: "max_respawns", Type: property.TUint,
		Flags: property.Persistent, Description: "respawn ceiling; 0 means unlimited",
	})
	reg.Register(&property.Field{
		Key: "start_timeout_ms", Type: property.TUint,
		Flags: property.Persistent, Description: "handshake receive timeout for this container's start()",
	})
	reg.Register(&property.Field{
		Key: "stdout_limit", Type: property.TUint,
		Flags: property.Persistent, Description: "bytes of stdout/stderr retained for capture",
		Default: func(ctx any) (property.Value, *portoerr.Error) {
			return property.Value{Num: 8 * 1024 * 1024}, nil
		},
	})
	reg.Register(&property.Field{
		Key: "net_priority", Type: property.TUintMap,
		Flags: property.Persistent, Description: "per-link priority map for traffic class install",
	})
	reg.Register(&property.Field{
		Key: "net_guarantee", Type: property.TUintMap,
		Flags: property.Persistent, Description: "per-link guaranteed rate map, bytes/sec",
	})
	reg.Register(&property.Field{
		Key: "net_limit", Type: property.TUintMap,
		Flags: property.Persistent, Description: "per-link ceiling rate map, bytes/sec",
	})
}

// splitEnv parses the env property's newline-separated KEY=VALUE
// format into an []string suitable for exec's envp, mirroring the
// wordexp-style splitting original_source applies to its own env
// property string.
func splitEnv(raw string) []string {
	if raw == "" {
		return nil
	}
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		out = append(out, l)
	}
	return out
}
