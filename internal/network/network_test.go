package network

import (
	"syscall"
	"testing"

	"github.com/vishvananda/netlink"

	"github.com/portod/portod-go/internal/portoerr"
)

// fakeLink satisfies netlink.Link without touching any real interface,
// so GetTrafficCounters can be exercised without root or a live netns.
type fakeLink struct {
	attrs netlink.LinkAttrs
}

func (f *fakeLink) Attrs() *netlink.LinkAttrs { return &f.attrs }
func (f *fakeLink) Type() string              { return "fake" }

func TestGetTrafficCountersReadsCachedLinkStatistics(t *testing.T) {
	p := New()
	p.links["eth0"] = &link{
		minor: 5,
		iface: &fakeLink{attrs: netlink.LinkAttrs{
			Name: "eth0",
			Statistics: &netlink.LinkStatistics{
				TxBytes: 1000, TxPackets: 10, TxDropped: 1, TxErrors: 2,
				RxBytes: 2000, RxPackets: 20, RxDropped: 3,
			},
		}},
	}

	cases := []struct {
		kind StatKind
		want uint64
	}{
		{TxBytes, 1000},
		{TxPackets, 10},
		{TxDrops, 1},
		{TxOverlimits, 2},
		{RxBytes, 2000},
		{RxPackets, 20},
		{RxDrops, 3},
	}
	for _, c := range cases {
		got, err := p.GetTrafficCounters(5, c.kind)
		if err != nil {
			t.Fatalf("GetTrafficCounters(%v): %v", c.kind, err)
		}
		if got["eth0"] != c.want {
			t.Fatalf("kind %v: got %d, want %d", c.kind, got["eth0"], c.want)
		}
	}
}

func TestGetTrafficCountersSkipsLinksWithoutStatistics(t *testing.T) {
	p := New()
	p.links["eth0"] = &link{iface: &fakeLink{attrs: netlink.LinkAttrs{Name: "eth0"}}}

	got, err := p.GetTrafficCounters(0, TxBytes)
	if err != nil {
		t.Fatalf("GetTrafficCounters: %v", err)
	}
	if _, ok := got["eth0"]; ok {
		t.Fatal("expected a link with no Statistics to be omitted")
	}
}

func TestMinorOf(t *testing.T) {
	handle := netlink.MakeHandle(1, 7)
	if got := minorOf(handle); got != 7 {
		t.Fatalf("got %d, want 7", got)
	}
}

func TestClassifyMapsErrno(t *testing.T) {
	cases := []struct {
		errno syscall.Errno
		want  portoerr.Kind
	}{
		{syscall.EBUSY, portoerr.Busy},
		{syscall.ENOENT, portoerr.NotFound},
		{syscall.EINVAL, portoerr.IO},
	}
	for _, c := range cases {
		err := classify(c.errno, "op")
		if err.Kind != c.want {
			t.Fatalf("errno %v: got %v, want %v", c.errno, err.Kind, c.want)
		}
	}
}
