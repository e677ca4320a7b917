package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"github.com/portod/portod-go/internal/cgroup"
	"github.com/portod/portod-go/internal/config"
	"github.com/portod/portod-go/internal/container"
	"github.com/portod/portod-go/internal/dlog"
	"github.com/portod/portod-go/internal/network"
	"github.com/portod/portod-go/internal/persist"
	"github.com/portod/portod-go/internal/property"
	"github.com/portod/portod-go/internal/rpc"
	"github.com/portod/portod-go/internal/subsystem"
)

var log = dlog.ForSubsystem("portod")

// runCmd is "run": the daemon's foreground entry point. It assembles
// every singleton (cgroup roots, subsystem drivers, network
// provisioner, property/data registries, the container tree) the way
// original_source's single-process daemon does at startup, restores
// any persisted containers, becomes the child subreaper so re-exec'd
// task trees reparent to it instead of init, and then reaps SIGCHLD
// until told to stop. The RPC wire codec is an explicit Non-goal (see
// SPEC_FULL.md), so this command never opens a listening socket; a
// deployment wiring one in would register it against the
// rpc.Controller built here.
type runCmd struct {
	configPath string
	statePath  string
}

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run the container daemon in the foreground" }
func (*runCmd) Usage() string {
	return "run [-config path] [-state path]\n"
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "/etc/portod/portod.toml", "daemon configuration file")
	f.StringVar(&r.statePath, "state", "/var/lib/portod/state.json", "persisted container state file")
}

func (r *runCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		log.WithError(err).Error("loading config failed")
		return subcommands.ExitFailure
	}
	config.SeedIPCSysctls(cfg, readHostSysctl)
	subsystem.CountProcBaseDirs()

	roots, unsupported, derr := cgroup.Discover()
	if derr != nil {
		log.WithError(derr).Error("discovering cgroups failed")
		return subcommands.ExitFailure
	}
	subs := subsystem.NewSet(roots, unsupported)
	if cfg.Container.CgroupDriver == "systemd" {
		sd, serr := cgroup.NewSystemdDriver()
		if serr != nil {
			log.WithError(serr).Warn("connecting to systemd bus failed, falling back to cgroupfs driver")
		} else {
			subs = subs.WithSystemd(sd)
			defer sd.Close()
		}
	}

	net := network.New()
	if nerr := net.UpdateInterfaces(); nerr != nil {
		log.WithError(nerr).Warn("enumerating network interfaces failed")
	}

	propReg := property.NewRegistry()
	dataReg := property.NewRegistry()
	container.RegisterPropFields(propReg)
	container.RegisterDataFields(dataReg, subs)
	propReg.Seal()
	dataReg.Seal()

	tree := container.NewTree(propReg, dataReg, subs, net, cfg)

	store, serr := persist.NewFileStore(r.statePath)
	if serr != nil {
		log.WithError(serr).Error("opening persist store failed")
		return subcommands.ExitFailure
	}
	tree.SetPersistStore(store)

	records, lerr := store.LoadAll()
	if lerr != nil {
		log.WithError(lerr).Error("loading persisted state failed")
		return subcommands.ExitFailure
	}
	for _, rerr := range tree.RestoreAll(records) {
		log.WithError(rerr).Warn("restoring a persisted container failed")
	}

	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		log.WithError(err).Warn("becoming child subreaper failed; isolated grandchildren may be reparented to init instead")
	}

	ctrl := rpc.NewController(tree)
	_ = ctrl // handed off to a wire-codec layer a deployment adds; this build proves the plumbing end to end.

	r.reapLoop(ctx, tree)
	return subcommands.ExitSuccess
}

// reapLoop is the daemon's SIGCHLD handler: it drains every reapable
// pid with a non-blocking wait4, dispatches each one the Tree can
// match to a live task to Container.ExitNotification, and restarts
// containers ExitNotification says should respawn. It also reaps
// pids the Tree has no record of (e.g. the short-lived Fork A
// intermediates already reaped by internal/launcher's own reap
// goroutine racing this one) without complaint, since WNOHANG makes
// double-reaping itself impossible, just occasionally a double no-op.
func (r *runCmd) reapLoop(ctx context.Context, tree *container.Tree) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		if sig != syscall.SIGCHLD {
			log.WithField("signal", sig).Info("shutting down")
			return
		}
		r.drainExits(ctx, tree)
	}
}

func (r *runCmd) drainExits(ctx context.Context, tree *container.Tree) {
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
		ct := tree.FindByPid(pid)
		if ct == nil {
			continue
		}
		if ct.ExitNotification(pid, ws.ExitStatus()) {
			go func(c *container.Container) {
				if serr := c.Start(ctx); serr != nil {
					log.WithError(serr).WithField("container", c.Name).Warn("respawn failed")
				}
			}(ct)
		}
	}
}

// readHostSysctl reads a dotted sysctl key's current value straight
// out of /proc/sys, used by config.SeedIPCSysctls at startup to seed
// host defaults rather than falling back to kernel compiled-in ones.
func readHostSysctl(key string) (string, error) {
	path := "/proc/sys/" + strings.ReplaceAll(key, ".", "/")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
