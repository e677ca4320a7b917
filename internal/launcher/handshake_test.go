package launcher

import (
	"testing"
	"time"

	"github.com/portod/portod-go/internal/portoerr"
)

func TestHandshakeHappyPath(t *testing.T) {
	daemon, peer, err := NewSocketPair()
	if err != nil {
		t.Fatalf("NewSocketPair: %v", err)
	}
	defer daemon.Close()
	defer peer.Close()

	hs := NewHandshake(daemon)
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := peer.SendPid(111); err != nil {
			t.Errorf("peer SendPid: %v", err)
			return
		}
		if err := peer.RecvZero(); err != nil {
			t.Errorf("peer RecvZero (ack): %v", err)
			return
		}
		if err := peer.SendPidPair(222, 1); err != nil {
			t.Errorf("peer SendPidPair: %v", err)
			return
		}
		if err := peer.RecvZero(); err != nil {
			t.Errorf("peer RecvZero (wakeup): %v", err)
			return
		}
		if err := peer.SendError(nil); err != nil {
			t.Errorf("peer SendError: %v", err)
		}
	}()

	wpid, err := hs.AwaitWPid(time.Second)
	if err != nil {
		t.Fatalf("AwaitWPid: %v", err)
	}
	if wpid != 111 {
		t.Fatalf("got wpid %d, want 111", wpid)
	}
	if hs.Phase() != PhaseAwaitAck {
		t.Fatalf("got phase %s, want await_ack", hs.Phase())
	}

	if err := hs.SendAck(); err != nil {
		t.Fatalf("SendAck: %v", err)
	}

	taskPid, taskVPid, err := hs.AwaitVPidPair(time.Second)
	if err != nil {
		t.Fatalf("AwaitVPidPair: %v", err)
	}
	if taskPid != 222 || taskVPid != 1 {
		t.Fatalf("got (%d, %d), want (222, 1)", taskPid, taskVPid)
	}

	if err := hs.SendWakeup(); err != nil {
		t.Fatalf("SendWakeup: %v", err)
	}

	if err := hs.AwaitError(time.Second); err != nil {
		t.Fatalf("AwaitError: %v", err)
	}
	if hs.Phase() != PhaseDone {
		t.Fatalf("got phase %s, want done", hs.Phase())
	}

	<-done
}

func TestHandshakeSurfacesChildError(t *testing.T) {
	daemon, peer, err := NewSocketPair()
	if err != nil {
		t.Fatalf("NewSocketPair: %v", err)
	}
	defer daemon.Close()
	defer peer.Close()

	hs := NewHandshake(daemon)
	done := make(chan struct{})

	go func() {
		defer close(done)
		_ = peer.SendPid(111)
	}()
	if _, err := hs.AwaitWPid(time.Second); err != nil {
		t.Fatalf("AwaitWPid: %v", err)
	}
	<-done

	go func() {
		_ = peer.RecvZero()
		_ = peer.SendPidPair(0, 0)
	}()
	if err := hs.SendAck(); err != nil {
		t.Fatalf("SendAck: %v", err)
	}
	if _, _, err := hs.AwaitVPidPair(time.Second); err != nil {
		t.Fatalf("AwaitVPidPair: %v", err)
	}

	go func() {
		_ = peer.RecvZero()
		_ = peer.SendError(portoerr.New(portoerr.InvalidValue, "exec failed: no such file"))
	}()
	if err := hs.SendWakeup(); err != nil {
		t.Fatalf("SendWakeup: %v", err)
	}

	err = hs.AwaitError(time.Second)
	if err == nil || err.Kind != portoerr.InvalidValue {
		t.Fatalf("got %v, want InvalidValue", err)
	}
}

func TestHandshakeTimesOutWithoutAPeer(t *testing.T) {
	daemon, peer, err := NewSocketPair()
	if err != nil {
		t.Fatalf("NewSocketPair: %v", err)
	}
	defer daemon.Close()
	defer peer.Close()

	hs := NewHandshake(daemon)
	_, herr := hs.AwaitWPid(50 * time.Millisecond)
	if herr == nil || herr.Kind != portoerr.Timeout {
		t.Fatalf("got %v, want Timeout", herr)
	}
}

func TestHandshakeRejectsOutOfOrderCalls(t *testing.T) {
	daemon, peer, err := NewSocketPair()
	if err != nil {
		t.Fatalf("NewSocketPair: %v", err)
	}
	defer daemon.Close()
	defer peer.Close()

	hs := NewHandshake(daemon)
	if err := hs.SendAck(); err == nil {
		t.Fatal("expected SendAck before AwaitWPid to fail")
	}
}
