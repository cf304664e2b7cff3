package gateway

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeUpstream records lines sent upstream and lets tests flip the
// connected flag.
type fakeUpstream struct {
	mu        sync.Mutex
	connected bool
	sent      []string
}

func (f *fakeUpstream) Send(line string) {
	f.mu.Lock()
	f.sent = append(f.sent, line)
	f.mu.Unlock()
}

func (f *fakeUpstream) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeUpstream) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *fakeUpstream) sentLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// waitForSent blocks until the fake upstream has recorded at least n lines
// and returns the n-th.
func waitForSent(t *testing.T, f *fakeUpstream, n int) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		lines := f.sentLines()
		if len(lines) >= n {
			return lines[n-1]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("upstream never received line %d, got %v", n, f.sentLines())
	return ""
}

func newTestSession(t *testing.T, up *fakeUpstream, reg *Registry, allowed ...string) (*Session, net.Conn, *bufio.Reader) {
	t.Helper()

	client, server := net.Pipe()
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = struct{}{}
	}

	nop := zerolog.Nop()
	sess, err := NewSession(server, up, reg, allowedSet, 5*time.Second, &nop)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	go sess.Run()

	t.Cleanup(sess.Kill)
	t.Cleanup(func() { client.Close() })

	return sess, client, bufio.NewReader(client)
}

func newTestRegistry(tokens ...string) *Registry {
	nop := zerolog.Nop()
	return NewRegistry(tokens, &nop)
}

func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("write %q: %v", line, err)
	}
}

func mustReadLine(t *testing.T, conn net.Conn, r *bufio.Reader) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return strings.TrimRight(line, "\n")
}

func expectClosed(t *testing.T, conn net.Conn, r *bufio.Reader) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if line, err := r.ReadString('\n'); err == nil {
		t.Fatalf("expected closed connection, got reply %q", line)
	}
}

func identify(t *testing.T, conn net.Conn, r *bufio.Reader, token string) {
	t.Helper()
	sendLine(t, conn, "IDENTIFY "+token)
	if got := mustReadLine(t, conn, r); got != "PROCEED" {
		t.Fatalf("IDENTIFY reply = %q, want PROCEED", got)
	}
}

func TestIdentify(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		token     string
		want      string
	}{
		{"known token", true, "secret123", "PROCEED"},
		{"unknown token", true, "wrong", "FAILED"},
		{"case differs", true, "SECRET123", "FAILED"},
		{"upstream down", false, "secret123", "FAILED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{connected: tt.connected}
			_, conn, r := newTestSession(t, up, newTestRegistry("secret123"))

			sendLine(t, conn, "IDENTIFY "+tt.token)
			if got := mustReadLine(t, conn, r); got != tt.want {
				t.Fatalf("IDENTIFY %q reply = %q, want %q", tt.token, got, tt.want)
			}
		})
	}
}

func TestPrivilegedCommandsSilentBeforeIdentify(t *testing.T) {
	up := &fakeUpstream{connected: true}
	reg := newTestRegistry("secret123")
	reg.SetOnline("alice")
	_, conn, r := newTestSession(t, up, reg, "GETUSERID")

	for _, cmd := range []string{
		"TESTLOGIN alice hash",
		"GETACCESS alice",
		"GENERATEUSERID alice",
		"ISONLINE alice",
		"QUERYSERVER GETUSERID alice",
	} {
		sendLine(t, conn, cmd)
	}

	// The first and only reply must be the IDENTIFY acknowledgment.
	identify(t, conn, r, "secret123")

	if lines := up.sentLines(); len(lines) != 0 {
		t.Fatalf("unauthenticated commands reached upstream: %v", lines)
	}
}

func TestMalformedArityIsDropped(t *testing.T) {
	up := &fakeUpstream{connected: true}
	_, conn, r := newTestSession(t, up, newTestRegistry("secret123"))
	identify(t, conn, r, "secret123")

	sendLine(t, conn, "GETACCESS")
	sendLine(t, conn, "GETACCESS alice bob")
	sendLine(t, conn, "ISONLINE")

	// Session must still be alive and silent: a valid command gets the next reply.
	sendLine(t, conn, "ISONLINE alice")
	if got := mustReadLine(t, conn, r); got != "NOTOK" {
		t.Fatalf("reply = %q, want NOTOK", got)
	}
	if lines := up.sentLines(); len(lines) != 0 {
		t.Fatalf("malformed commands reached upstream: %v", lines)
	}
}

func TestTestLoginRoundtrip(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"accepted", "TESTLOGINACCEPT", "LOGINOK"},
		{"accepted lower case", "testloginaccept", "LOGINOK"},
		{"denied", "TESTLOGINDENY Invalid password", "LOGINBAD"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{connected: true}
			reg := newTestRegistry("secret123")
			sess, conn, r := newTestSession(t, up, reg)
			identify(t, conn, r, "secret123")

			sendLine(t, conn, "TESTLOGIN alice deadbeef")

			want := "#" + itoa(sess.CorrelationID()) + " TESTLOGIN alice deadbeef"
			if got := waitForSent(t, up, 1); got != want {
				t.Fatalf("upstream got %q, want %q", got, want)
			}

			reg.Deliver(sess.CorrelationID(), tt.reply)
			if got := mustReadLine(t, conn, r); got != tt.want {
				t.Fatalf("TESTLOGIN reply = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTestLoginUpstreamDownAnswersWithoutQuery(t *testing.T) {
	up := &fakeUpstream{connected: true}
	_, conn, r := newTestSession(t, up, newTestRegistry("secret123"))
	identify(t, conn, r, "secret123")

	up.setConnected(false)
	sendLine(t, conn, "TESTLOGIN alice deadbeef")
	if got := mustReadLine(t, conn, r); got != "LOGINBAD" {
		t.Fatalf("reply = %q, want LOGINBAD", got)
	}
	if lines := up.sentLines(); len(lines) != 0 {
		t.Fatalf("upstream called while disconnected: %v", lines)
	}
}

func TestGetAccessMasksAccessValue(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"in range", "User <alice> access is 5", "5"},
		{"zero", "User <alice> access is 0", "0"},
		{"masked high bits", "User <alice> access is 15", "7"},
		{"large magnitude", "User <alice> access is 1000003", "3"},
		{"negative", "User <alice> access is -1", "7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &fakeUpstream{connected: true}
			reg := newTestRegistry("secret123")
			sess, conn, r := newTestSession(t, up, reg)
			identify(t, conn, r, "secret123")

			sendLine(t, conn, "GETACCESS alice")

			want := "#" + itoa(sess.CorrelationID()) + " GETACCOUNTACCESS alice"
			if got := waitForSent(t, up, 1); got != want {
				t.Fatalf("upstream got %q, want %q", got, want)
			}

			reg.Deliver(sess.CorrelationID(), tt.reply)
			if got := mustReadLine(t, conn, r); got != tt.want {
				t.Fatalf("GETACCESS reply = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetAccessUserNotFound(t *testing.T) {
	up := &fakeUpstream{connected: true}
	reg := newTestRegistry("secret123")
	sess, conn, r := newTestSession(t, up, reg)
	identify(t, conn, r, "secret123")

	sendLine(t, conn, "GETACCESS bob")
	waitForSent(t, up, 1)
	reg.Deliver(sess.CorrelationID(), "User <bob> not found!")

	if got := mustReadLine(t, conn, r); got != "0" {
		t.Fatalf("GETACCESS reply = %q, want 0", got)
	}
}

func TestGetAccessUnparseableReplyKillsSession(t *testing.T) {
	up := &fakeUpstream{connected: true}
	reg := newTestRegistry("secret123")
	sess, conn, r := newTestSession(t, up, reg)
	identify(t, conn, r, "secret123")

	sendLine(t, conn, "GETACCESS alice")
	waitForSent(t, up, 1)
	reg.Deliver(sess.CorrelationID(), "unexpected gibberish")

	expectClosed(t, conn, r)
}

func TestGenerateUserIDFiresAndForgets(t *testing.T) {
	up := &fakeUpstream{connected: true}
	reg := newTestRegistry("secret123")
	sess, conn, r := newTestSession(t, up, reg)
	identify(t, conn, r, "secret123")

	sendLine(t, conn, "GENERATEUSERID bob")
	if got := mustReadLine(t, conn, r); got != "OK" {
		t.Fatalf("GENERATEUSERID reply = %q, want OK", got)
	}

	want := "#" + itoa(sess.CorrelationID()) + " FORGEMSG bob ACQUIREUSERID"
	if got := waitForSent(t, up, 1); got != want {
		t.Fatalf("upstream got %q, want %q", got, want)
	}
}

func TestIsOnline(t *testing.T) {
	up := &fakeUpstream{connected: true}
	reg := newTestRegistry("secret123")
	reg.SetOnline("alice")
	_, conn, r := newTestSession(t, up, reg)
	identify(t, conn, r, "secret123")

	sendLine(t, conn, "ISONLINE alice")
	if got := mustReadLine(t, conn, r); got != "OK" {
		t.Fatalf("ISONLINE alice = %q, want OK", got)
	}

	// Exact match only; lookups are case-sensitive.
	sendLine(t, conn, "ISONLINE Alice")
	if got := mustReadLine(t, conn, r); got != "NOTOK" {
		t.Fatalf("ISONLINE Alice = %q, want NOTOK", got)
	}

	reg.SetOffline("alice")
	sendLine(t, conn, "ISONLINE alice")
	if got := mustReadLine(t, conn, r); got != "NOTOK" {
		t.Fatalf("ISONLINE after offline = %q, want NOTOK", got)
	}
}

func TestQueryServerRelaysAllowedCommand(t *testing.T) {
	up := &fakeUpstream{connected: true}
	reg := newTestRegistry("secret123")
	sess, conn, r := newTestSession(t, up, reg, "GETUSERID")
	identify(t, conn, r, "secret123")

	sendLine(t, conn, "QUERYSERVER GETUSERID bob")

	want := "#" + itoa(sess.CorrelationID()) + " GETUSERID bob"
	if got := waitForSent(t, up, 1); got != want {
		t.Fatalf("upstream got %q, want %q", got, want)
	}

	reg.Deliver(sess.CorrelationID(), "USERID bob 829871")
	if got := mustReadLine(t, conn, r); got != "USERID bob 829871" {
		t.Fatalf("QUERYSERVER reply = %q", got)
	}
}

func TestQueryServerDisallowedTerminatesWithNothingForwarded(t *testing.T) {
	up := &fakeUpstream{connected: true}
	_, conn, r := newTestSession(t, up, newTestRegistry("secret123"), "GETUSERID")
	identify(t, conn, r, "secret123")

	sendLine(t, conn, "QUERYSERVER SETACCESS bob 100")
	expectClosed(t, conn, r)

	if lines := up.sentLines(); len(lines) != 0 {
		t.Fatalf("disallowed command was forwarded: %v", lines)
	}
}

func TestQueryServerBanlistSecondReplyDiscarded(t *testing.T) {
	up := &fakeUpstream{connected: true}
	reg := newTestRegistry("secret123")
	sess, conn, r := newTestSession(t, up, reg, "RETRIEVELATESTBANLIST")
	identify(t, conn, r, "secret123")

	sendLine(t, conn, "QUERYSERVER RETRIEVELATESTBANLIST")
	waitForSent(t, up, 1)

	reg.Deliver(sess.CorrelationID(), "BANLIST 3 entries")
	if got := mustReadLine(t, conn, r); got != "BANLIST 3 entries" {
		t.Fatalf("QUERYSERVER reply = %q", got)
	}

	// The protocol quirk: a second line follows and must be consumed, not
	// relayed downstream or left to poison the next request.
	reg.Deliver(sess.CorrelationID(), "BANLISTEND")

	sendLine(t, conn, "ISONLINE alice")
	if got := mustReadLine(t, conn, r); got != "NOTOK" {
		t.Fatalf("follow-up reply = %q, want NOTOK", got)
	}
}

func TestKillUnblocksPendingReplyWait(t *testing.T) {
	up := &fakeUpstream{connected: true}
	reg := newTestRegistry("secret123")
	sess, conn, r := newTestSession(t, up, reg)
	identify(t, conn, r, "secret123")

	sendLine(t, conn, "GETACCESS alice")
	waitForSent(t, up, 1)

	sess.Kill()
	expectClosed(t, conn, r)

	// Idempotent: a second kill must not panic.
	sess.Kill()

	if reg.SessionCount() != 0 {
		t.Fatalf("session still registered after kill")
	}
}

func TestUpstreamDisconnectTerminatesPrivilegedQueries(t *testing.T) {
	up := &fakeUpstream{connected: true}
	_, conn, r := newTestSession(t, up, newTestRegistry("secret123"))
	identify(t, conn, r, "secret123")

	up.setConnected(false)
	sendLine(t, conn, "GETACCESS alice")
	expectClosed(t, conn, r)

	if lines := up.sentLines(); len(lines) != 0 {
		t.Fatalf("query sent while disconnected: %v", lines)
	}
}

func TestEmptyAndUnknownLinesIgnored(t *testing.T) {
	up := &fakeUpstream{connected: true}
	_, conn, r := newTestSession(t, up, newTestRegistry("secret123"))

	sendLine(t, conn, "")
	sendLine(t, conn, "   ")
	sendLine(t, conn, "BOGUSCOMMAND with args")

	identify(t, conn, r, "secret123")
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
