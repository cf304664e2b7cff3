package gateway

import (
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newIdleSession builds a session that is registered but not running, so
// tests can poke at registry bookkeeping directly.
func newIdleSession(t *testing.T, reg *Registry) *Session {
	t.Helper()
	client, server := net.Pipe()
	nop := zerolog.Nop()
	sess, err := NewSession(server, &fakeUpstream{}, reg, nil, time.Second, &nop)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() {
		sess.Kill()
		client.Close()
	})
	return sess
}

func TestRegistryRerollsCollidingCorrelationID(t *testing.T) {
	reg := newTestRegistry()

	a := newIdleSession(t, reg)
	b := newIdleSession(t, reg)

	// Force a collision and re-register; the registry must pick a fresh ID
	// for the newcomer instead of clobbering the live session.
	reg.Unregister(b)
	b.corrID = a.corrID
	reg.Register(b)

	if a.corrID == b.corrID {
		t.Fatalf("collision survived registration: both sessions hold %d", a.corrID)
	}
	if reg.SessionCount() != 2 {
		t.Fatalf("SessionCount = %d, want 2", reg.SessionCount())
	}
}

func TestRegistryDeliverRoutesByCorrelationID(t *testing.T) {
	reg := newTestRegistry()
	sess := newIdleSession(t, reg)

	done := make(chan string, 1)
	go func() {
		reply, _ := sess.awaitReply()
		done <- reply
	}()

	if !reg.Deliver(sess.CorrelationID(), "PONG") {
		t.Fatalf("Deliver returned false for live session")
	}

	select {
	case got := <-done:
		if got != "PONG" {
			t.Fatalf("awaitReply = %q, want PONG", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reply never delivered")
	}
}

func TestRegistryDeliverUnknownID(t *testing.T) {
	reg := newTestRegistry()
	if reg.Deliver(12345, "LOST") {
		t.Fatalf("Deliver to unknown correlation ID returned true")
	}
}

func TestRegistryUnregisterIsScopedToSession(t *testing.T) {
	reg := newTestRegistry()
	sess := newIdleSession(t, reg)

	reg.Unregister(sess)
	reg.Unregister(sess) // safe to repeat
	if reg.SessionCount() != 0 {
		t.Fatalf("SessionCount = %d, want 0", reg.SessionCount())
	}
}

func TestRegistryTokens(t *testing.T) {
	reg := newTestRegistry("alpha", "beta")

	if !reg.HasToken("alpha") || !reg.HasToken("beta") {
		t.Fatalf("expected configured tokens to match")
	}
	if reg.HasToken("Alpha") {
		t.Fatalf("token match must be exact, not case-insensitive")
	}
	if reg.HasToken("") {
		t.Fatalf("empty token must not authenticate")
	}
}

func TestRegistryOnlineSet(t *testing.T) {
	reg := newTestRegistry()

	reg.SetOnline("alice")
	reg.SetOnline("bob")
	reg.SetOffline("bob")

	if !reg.Online("alice") {
		t.Fatalf("alice should be online")
	}
	if reg.Online("bob") {
		t.Fatalf("bob should be offline")
	}
}
