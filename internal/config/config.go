// Package config loads the daemon's single TOML configuration file,
// mirroring the flag/knob style of the teacher's runsc/config/flags.go
// but as a file rather than CLI flags, per spec §6.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Sysctl is a single {key,val} pair, e.g. for container.ipc_sysctl.
type Sysctl struct {
	Key string `toml:"key"`
	Val string `toml:"val"`
}

// DeviceSysfs binds a device path to the sysfs paths that must be
// bind-remounted writable when that device is present in a container.
type DeviceSysfs struct {
	Device string   `toml:"device"`
	Sysfs  []string `toml:"sysfs"`
}

// Container groups the container.* configuration keys from spec §6.
type Container struct {
	StartTimeoutMs int           `toml:"start_timeout_ms"`
	IPCSysctl      []Sysctl      `toml:"ipc_sysctl"`
	DeviceSysfs    []DeviceSysfs `toml:"device_sysfs"`
	// CgroupDriver selects how containers are scoped into cgroups:
	// "cgroupfs" (default) writes cgroup directories directly; "systemd"
	// asks systemd over D-Bus to create a transient scope per
	// container, for hosts where cgroups are systemd-managed.
	CgroupDriver string `toml:"cgroup_driver"`
}

// Network groups the network.* configuration keys from spec §6.
type Network struct {
	AutoconfTimeoutS int `toml:"autoconf_timeout_s"`
}

// Config is the daemon's single configuration file.
type Config struct {
	Container Container `toml:"container"`
	Network   Network   `toml:"network"`
}

// Default returns the configuration the daemon starts with when no
// file is present: a 5000 ms start timeout, the cgroupfs driver and a
// 10-second autoconf timeout. The ipc sysctl list starts empty; the
// well-known keys are filled in separately by SeedIPCSysctls.
func Default() *Config {
	return &Config{
		Container: Container{
			StartTimeoutMs: 5000,
			CgroupDriver:   "cgroupfs",
		},
		Network: Network{
			AutoconfTimeoutS: 10,
		},
	}
}

// Load reads and parses the TOML file at path. A missing file is not
// an error; Default() is returned instead, matching a fresh install.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// wellKnownIPCSysctls is the fixed list from original_source's
// IpcSysctls: the ipc-namespace-scoped sysctl keys the daemon knows
// how to seed with host defaults at startup.
var wellKnownIPCSysctls = []string{
	"fs.mqueue.queues_max",
	"fs.mqueue.msg_max",
	"fs.mqueue.msgsize_max",
	"fs.mqueue.msg_default",
	"fs.mqueue.msgsize_default",
	"kernel.shmmax",
	"kernel.shmall",
	"kernel.shmmni",
	"kernel.shm_rmid_forced",
	"kernel.msgmax",
	"kernel.msgmni",
	"kernel.msgmnb",
	"kernel.sem",
}

// SysctlReader reads a sysctl's current value from the host, e.g. by
// reading /proc/sys/<dotted.to.slash>. Abstracted so tests can supply
// a fake host.
type SysctlReader func(key string) (string, error)

// SeedIPCSysctls implements original_source's InitIpcSysctl: for every
// well-known ipc sysctl not already configured, read the host's
// current value and add it, so containers inherit host defaults
// rather than silently falling back to kernel compiled-in ones.
func SeedIPCSysctls(cfg *Config, read SysctlReader) {
	configured := make(map[string]bool, len(cfg.Container.IPCSysctl))
	for _, s := range cfg.Container.IPCSysctl {
		configured[s.Key] = true
	}
	for _, key := range wellKnownIPCSysctls {
		if configured[key] {
			continue
		}
		val, err := read(key)
		if err != nil {
			continue
		}
		cfg.Container.IPCSysctl = append(cfg.Container.IPCSysctl, Sysctl{Key: key, Val: val})
	}
}

// IsIPCSysctl reports whether key belongs to the fixed ipc sysctl
// family recognized by ApplySysctls' classification rule.
func IsIPCSysctl(key string) bool {
	for _, k := range wellKnownIPCSysctls {
		if k == key {
			return true
		}
	}
	return false
}
