// Package network implements the Network Provisioner (spec §4.3):
// one netlink session per daemon, owning host link enumeration, a
// root qdisc with per-container traffic classes, and point-in-time
// counter snapshots.
//
// Grounded on original_source/src/network.hpp's TNetwork (Nl session +
// Links + Qdisc, UpdateInterfaces/UpdateTrafficClasses/
// RemoveTrafficClasses/GetTrafficCounters) and on the teacher's
// dependency on vishvananda/netlink.
package network

import (
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/vishvananda/netlink"

	"github.com/portod/portod-go/internal/dlog"
	"github.com/portod/portod-go/internal/portoerr"
)

var log = dlog.ForSubsystem("network")

// defaultRootHandle and defaultClassHandle mirror TQdisc's
// Handle/DefClass: the root qdisc identifies itself as 1: with a
// catch-all default class 1:1.
const (
	defaultRootHandle  = 0x10000 // 1:0
	defaultClassHandle = 0x10001 // 1:1
)

// StatKind enumerates the counters GetTrafficCounters can report, per
// spec §4.3.
type StatKind int

const (
	TxBytes StatKind = iota
	TxPackets
	TxDrops
	TxOverlimits
	RxBytes
	RxPackets
	RxDrops
)

// link is one enumerated host interface, scoped by a per-link minor
// key used to namespace container classes on that link.
type link struct {
	iface netlink.Link
	minor uint32
}

// Provisioner owns the single netlink session. All operations are
// serialized under mu, per spec §5 ("The netlink session is
// mutex-serialized").
type Provisioner struct {
	mu      sync.Mutex
	links   map[string]*link // by interface name
	nextMin uint32
}

func New() *Provisioner {
	return &Provisioner{links: make(map[string]*link), nextMin: 1}
}

// UpdateInterfaces enumerates host links, ignoring loopback, and
// assigns each an integer minor key, per spec §4.3.
func (p *Provisioner) UpdateInterfaces() *portoerr.Error {
	p.mu.Lock()
	defer p.mu.Unlock()

	links, err := netlink.LinkList()
	if err != nil {
		return classify(err, "listing links")
	}

	seen := make(map[string]bool, len(links))
	for _, l := range links {
		attrs := l.Attrs()
		if attrs.Name == "lo" || attrs.Flags&netlinkLoopback != 0 {
			continue
		}
		seen[attrs.Name] = true
		if _, ok := p.links[attrs.Name]; ok {
			p.links[attrs.Name].iface = l
			continue
		}
		p.links[attrs.Name] = &link{iface: l, minor: p.nextMin}
		p.nextMin++
		log.WithField("link", attrs.Name).Debug("interface discovered")
	}
	for name := range p.links {
		if !seen[name] {
			delete(p.links, name)
		}
	}
	return nil
}

// netlinkLoopback mirrors unix.IFF_LOOPBACK without importing
// golang.org/x/sys/unix solely for one flag.
const netlinkLoopback = 0x8

// ensureQdisc installs the root qdisc with a default class on link,
// if not already present, grounded on TQdisc::Create.
func (p *Provisioner) ensureQdisc(l *link) *portoerr.Error {
	qdiscs, err := netlink.QdiscList(l.iface)
	if err != nil {
		return classify(err, "listing qdiscs")
	}
	for _, q := range qdiscs {
		if _, ok := q.(*netlink.Htb); ok {
			return nil
		}
	}
	htb := netlink.NewHtb(netlink.QdiscAttrs{
		LinkIndex: l.iface.Attrs().Index,
		Handle:    netlink.MakeHandle(1, 0),
		Parent:    netlink.HANDLE_ROOT,
	})
	if err := netlink.QdiscAdd(htb); err != nil {
		return classify(err, "creating root qdisc")
	}
	class := netlink.NewHtbClass(netlink.ClassAttrs{
		LinkIndex: l.iface.Attrs().Index,
		Parent:    netlink.MakeHandle(1, 0),
		Handle:    netlink.MakeHandle(1, 1),
	}, netlink.HtbClassAttrs{Rate: 1_000_000_000, Ceil: 1_000_000_000})
	if err := netlink.ClassAdd(class); err != nil {
		return classify(err, "creating default class")
	}
	return nil
}

// UpdateTrafficClasses installs or updates a class scoped to minor on
// every link named in the maps, per spec §4.3. Unknown link names are
// skipped with a warning rather than failing the whole call.
func (p *Provisioner) UpdateTrafficClasses(parent, minor uint32, prio, rate, ceil map[string]uint64) *portoerr.Error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range []map[string]uint64{rate, ceil} {
		for name := range m {
			if _, ok := p.links[name]; !ok {
				log.WithField("link", name).Warn("unknown link in traffic class maps, skipping")
			}
		}
	}
	for name, l := range p.links {
		r, hasRate := rate[name]
		c, hasCeil := ceil[name]
		if !hasRate && !hasCeil {
			log.WithField("link", name).Warn("no rate/ceil configured for link, skipping")
			continue
		}
		if err := p.ensureQdisc(l); err != nil {
			return err
		}
		pr := prio[name]
		handle := netlink.MakeHandle(uint16(parent>>16), uint16(minor))
		class := netlink.NewHtbClass(netlink.ClassAttrs{
			LinkIndex: l.iface.Attrs().Index,
			Parent:    netlink.MakeHandle(1, 0),
			Handle:    handle,
		}, netlink.HtbClassAttrs{
			Rate: r,
			Ceil: c,
			Prio: uint32(pr),
		})
		if err := netlink.ClassReplace(class); err != nil {
			return classify(err, fmt.Sprintf("updating traffic class on %s", name))
		}
	}
	return nil
}

// RemoveTrafficClasses removes all classes scoped to minor across
// every known link.
func (p *Provisioner) RemoveTrafficClasses(minor uint32) *portoerr.Error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, l := range p.links {
		classes, err := netlink.ClassList(l.iface, netlink.MakeHandle(1, 0))
		if err != nil {
			return classify(err, fmt.Sprintf("listing classes on %s", name))
		}
		for _, c := range classes {
			if minorOf(c.Attrs().Handle) != uint16(minor) {
				continue
			}
			if err := netlink.ClassDel(c); err != nil {
				return classify(err, fmt.Sprintf("removing class on %s", name))
			}
		}
	}
	return nil
}

func minorOf(handle uint32) uint16 {
	return uint16(handle & 0xffff)
}

// GetTrafficCounters returns stat for every known link that has
// interface statistics, taken from the link attributes cached by the
// last UpdateInterfaces. The counters are interface-wide: minor does
// not select or filter anything, and per-class counters are not read.
func (p *Provisioner) GetTrafficCounters(minor uint32, stat StatKind) (map[string]uint64, *portoerr.Error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]uint64)
	for name, l := range p.links {
		st := l.iface.Attrs().Statistics
		if st == nil {
			continue
		}
		switch stat {
		case TxBytes:
			out[name] = st.TxBytes
		case TxPackets:
			out[name] = st.TxPackets
		case TxDrops:
			out[name] = st.TxDropped
		case TxOverlimits:
			out[name] = st.TxErrors // htb overlimits surface as tx errors on the root interface counter
		case RxBytes:
			out[name] = st.RxBytes
		case RxPackets:
			out[name] = st.RxPackets
		case RxDrops:
			out[name] = st.RxDropped
		}
	}
	return out, nil
}

// classify maps a netlink error to the taxonomy per spec §4.3:
// busy (EBUSY), not_found (ENOENT), otherwise io.
func classify(err error, what string) *portoerr.Error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EBUSY:
			return portoerr.New(portoerr.Busy, "%s: %v", what, err)
		case syscall.ENOENT:
			return portoerr.New(portoerr.NotFound, "%s: %v", what, err)
		}
	}
	return portoerr.Errno(portoerr.IO, 0, "%s: %v", what, err)
}
