package cgroup

import (
	"fmt"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"

	"github.com/portod/portod-go/internal/portoerr"
)

// SystemdDriver creates cgroup scopes for the "systemd" controller
// (spec §2.1's controller set) by talking to systemd over D-Bus
// instead of writing cgroupfs directories directly, for hosts where
// cgroups are systemd-managed. Grounded on the teacher's dependency
// on coreos/go-systemd/v22 and godbus/dbus/v5.
type SystemdDriver struct {
	conn *systemdDbus.Conn
}

// NewSystemdDriver connects to the system bus. Returns NotSupported
// if systemd isn't reachable, matching the Subsystem Drivers policy
// of reflecting unavailability in the field's flags rather than
// failing daemon startup.
func NewSystemdDriver() (*SystemdDriver, *portoerr.Error) {
	conn, err := systemdDbus.NewSystemConnection()
	if err != nil {
		return nil, portoerr.New(portoerr.NotSupported, "connecting to systemd over dbus: %v", err)
	}
	return &SystemdDriver{conn: conn}, nil
}

func (d *SystemdDriver) Close() {
	if d.conn != nil {
		d.conn.Close()
	}
}

// CreateScope creates (or reuses) a transient scope unit named after
// the container, attaching pid as its first member, the systemd
// analogue of Node.Create + Node.Attach.
func (d *SystemdDriver) CreateScope(name string, pid int) *portoerr.Error {
	scope := fmt.Sprintf("portod-%s.scope", name)
	props := []systemdDbus.Property{
		systemdDbus.PropSlice("portod.slice"),
		systemdDbus.PropPids(uint32(pid)),
	}
	ch := make(chan string, 1)
	if _, err := d.conn.StartTransientUnit(scope, "replace", props, ch); err != nil {
		return portoerr.New(portoerr.System, "creating systemd scope %s: %v", scope, err)
	}
	<-ch
	return nil
}

// RemoveScope stops the transient scope unit for a container.
func (d *SystemdDriver) RemoveScope(name string) *portoerr.Error {
	scope := fmt.Sprintf("portod-%s.scope", name)
	ch := make(chan string, 1)
	if _, err := d.conn.StopUnit(scope, "replace", ch); err != nil {
		return portoerr.New(portoerr.System, "stopping systemd scope %s: %v", scope, err)
	}
	<-ch
	return nil
}
