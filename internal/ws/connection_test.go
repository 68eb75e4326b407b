package ws

import (
	"net"
	"sync"
	"testing"
	"time"
)

func newTestConn(t *testing.T, identity, sessionID string, fd int) *Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	c := &Connection{
		SessionID: sessionID,
		Identity:  identity,
		Conn:      server,
		Fd:        fd,
		CreatedAt: time.Now(),
	}
	c.Touch()
	return c
}

func TestConnectionManager_IdentityIndex(t *testing.T) {
	cm := NewConnectionManager()

	cm.Add(newTestConn(t, "alice", "s-1", 10))
	cm.Add(newTestConn(t, "alice", "s-2", 11))
	cm.Add(newTestConn(t, "bob", "s-3", 12))

	if got := len(cm.ForIdentity("alice")); got != 2 {
		t.Errorf("expected 2 connections for alice, got %d", got)
	}
	if got := len(cm.ForIdentity("bob")); got != 1 {
		t.Errorf("expected 1 connection for bob, got %d", got)
	}
	if got := len(cm.ForIdentity("carol")); got != 0 {
		t.Errorf("expected no connections for carol, got %d", got)
	}
	if cm.Count() != 3 {
		t.Errorf("expected 3 total connections, got %d", cm.Count())
	}
}

func TestConnectionManager_RemoveCleansIdentityIndex(t *testing.T) {
	cm := NewConnectionManager()

	cm.Add(newTestConn(t, "alice", "s-1", 10))
	cm.Add(newTestConn(t, "alice", "s-2", 11))

	if !cm.Remove("s-1") {
		t.Fatal("expected s-1 to be removed")
	}
	if cm.Remove("s-1") {
		t.Error("second remove of s-1 should report not found")
	}
	if got := len(cm.ForIdentity("alice")); got != 1 {
		t.Errorf("expected 1 remaining connection for alice, got %d", got)
	}

	cm.Remove("s-2")
	if got := len(cm.ForIdentity("alice")); got != 0 {
		t.Errorf("expected identity index cleared, got %d", got)
	}
}

// Touch is called from read workers while the heartbeat goroutine reads
// LastSeen; the race detector verifies the two never conflict.
func TestConnection_ConcurrentTouchAndLastSeen(t *testing.T) {
	c := newTestConn(t, "alice", "s-1", 10)
	floor := c.LastSeen()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				c.Touch()
			}
		}()
	}
	for i := 0; i < 200; i++ {
		if c.LastSeen().Before(floor) {
			t.Fatal("LastSeen moved before the initial touch")
		}
	}
	wg.Wait()

	if c.LastSeen().Before(floor) {
		t.Error("activity timestamp should only move forward")
	}
}

func TestConnectionManager_LookupByFd(t *testing.T) {
	cm := NewConnectionManager()
	c := newTestConn(t, "alice", "s-1", 42)
	cm.Add(c)

	if got := cm.GetByFd(42); got != c {
		t.Errorf("expected fd lookup to return the connection, got %v", got)
	}
	if got := cm.Get("s-1"); got != c {
		t.Errorf("expected session lookup to return the connection, got %v", got)
	}
	if got := cm.GetByFd(99); got != nil {
		t.Errorf("expected nil for unknown fd, got %v", got)
	}
}
