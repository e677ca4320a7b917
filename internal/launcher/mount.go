package launcher

import (
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/portod/portod-go/internal/config"
	"github.com/portod/portod-go/internal/portoerr"
)

// ApplyMounts walks a task's mount plan in order, performing each
// entry's mount(2) (or bind-remount, for Rebind entries). Grounded on
// original_source/src/task.cpp's ConfigureChild mount-application
// loop; runs inside the child after setns(mnt) or unshare(CLONE_NEWNS)
// but before chroot.
func ApplyMounts(entries []MountEntry) *portoerr.Error {
	for _, m := range entries {
		if m.Rebind {
			if err := rebindWritable(m.Target); err != nil {
				return err
			}
			continue
		}
		if err := unix.Mount(m.Source, m.Target, m.FSType, m.Flags, m.Data); err != nil {
			return classifyMountErr(err, m.Target)
		}
	}
	return nil
}

// rebindWritable re-mounts an already-mounted path writable by doing
// the bind-then-remount two-step mount(2) requires to change mount
// flags on an existing mountpoint.
func rebindWritable(target string) *portoerr.Error {
	if err := unix.Mount(target, target, "", unix.MS_BIND, ""); err != nil {
		return classifyMountErr(err, target)
	}
	flags := uintptr(unix.MS_BIND | unix.MS_REMOUNT)
	if err := unix.Mount(target, target, "", flags, ""); err != nil {
		return classifyMountErr(err, target)
	}
	return nil
}

// ApplyDeviceSysfs bind-remounts the sysfs paths bound to any device
// present on the host, per the container.device_sysfs config table.
func ApplyDeviceSysfs(bindings []DeviceSysfsBinding) *portoerr.Error {
	for _, b := range bindings {
		if _, err := os.Stat(b.Device); err != nil {
			continue // device absent on this host: nothing to rebind
		}
		for _, sysfsPath := range b.Sysfs {
			if _, err := os.Stat(sysfsPath); err != nil {
				continue
			}
			if err := rebindWritable(sysfsPath); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplySysctls writes each {key,val} pair to /proc/sys, classifying
// whether the key belongs to the fixed ipc sysctl family (seeded from
// the host at daemon startup, see config.SeedIPCSysctls) or is a
// general net.* sysctl scoped by the task's own net namespace. Both
// families are applied identically (a plain write into /proc/sys
// inside the child's namespaces); the classification exists because
// ipc sysctls require the ipc namespace to already be entered, while
// net sysctls require the net namespace, and callers apply this after
// entering both so the distinction is informational rather than
// branching here.
func ApplySysctls(sysctls []Sysctl) *portoerr.Error {
	for _, s := range sysctls {
		path := "/proc/sys/" + strings.ReplaceAll(s.Key, ".", "/")
		if err := os.WriteFile(path, []byte(s.Val), 0o644); err != nil {
			kind := portoerr.IO
			if os.IsNotExist(err) {
				kind = portoerr.NotFound
			}
			fam := "net"
			if config.IsIPCSysctl(s.Key) {
				fam = "ipc"
			}
			return portoerr.New(kind, "apply %s sysctl %s: %v", fam, s.Key, err)
		}
	}
	return nil
}

// ApplyHostname sets the uts-namespace hostname. Requires the task to
// already be in its own uts namespace (isolated or entered by setns);
// applying this in the daemon's own namespace would be a host-visible
// side effect and is the caller's responsibility to prevent.
func ApplyHostname(hostname string) *portoerr.Error {
	if hostname == "" {
		return nil
	}
	if err := unix.Sethostname([]byte(hostname)); err != nil {
		return portoerr.Errno(portoerr.System, int(errnoOf(err)), "sethostname: %v", err)
	}
	return nil
}

// WriteResolvConf and WriteEtcHosts copy a daemon-resolved file into
// the container's root before exec, mirroring ConfigureChild's
// handling of /etc/resolv.conf and /etc/hosts content supplied by the
// container's configuration rather than inherited from the host.
func WriteResolvConf(rootDir, content string) *portoerr.Error {
	return writeRooted(rootDir, "etc/resolv.conf", content)
}

func WriteEtcHosts(rootDir, content string) *portoerr.Error {
	return writeRooted(rootDir, "etc/hosts", content)
}

func writeRooted(rootDir, relPath, content string) *portoerr.Error {
	if content == "" {
		return nil
	}
	full := filepath.Join(rootDir, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return portoerr.Errno(portoerr.Filesystem, 0, "mkdir for %s: %v", relPath, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return portoerr.Errno(portoerr.Filesystem, 0, "write %s: %v", relPath, err)
	}
	return nil
}

func classifyMountErr(err error, target string) *portoerr.Error {
	switch errnoOf(err) {
	case unix.ENOENT:
		return portoerr.New(portoerr.NotFound, "mount %s: %v", target, err)
	case unix.EBUSY:
		return portoerr.New(portoerr.Busy, "mount %s: %v", target, err)
	case unix.EPERM, unix.EACCES:
		return portoerr.New(portoerr.Permission, "mount %s: %v", target, err)
	default:
		return portoerr.Errno(portoerr.IO, int(errnoOf(err)), "mount %s: %v", target, err)
	}
}
