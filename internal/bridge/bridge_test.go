package bridge

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/openbridge/ircbridge/internal/broker"
	"github.com/openbridge/ircbridge/internal/config"
)

func connectedBridge(t *testing.T) (*Bridge, *fakeConn, *recordingBroker) {
	t.Helper()
	brk := newRecordingBroker()
	b, conn := newTestBridge(brk)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return b, conn, brk
}

func TestConnectPublishesConnectedEvent(t *testing.T) {
	_, _, brk := connectedBridge(t)
	evs := brk.events()
	if len(evs) != 1 || evs[0].Kind != broker.EventClientConnected {
		t.Fatalf("expected one client-connected event, got %+v", evs)
	}
}

func TestChangeNickAlreadyCurrent(t *testing.T) {
	b, _, _ := connectedBridge(t)
	msg, err := b.ChangeNick("tester", false)
	if err != nil {
		t.Fatalf("ChangeNick: %v", err)
	}
	if msg == "" {
		t.Fatal("expected non-empty confirmation message")
	}
}

func TestChangeNickSuccess(t *testing.T) {
	b, conn, _ := connectedBridge(t)

	done := make(chan struct{})
	var result string
	var resultErr error
	go func() {
		result, resultErr = b.ChangeNick("newnick", false)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	conn.deliver(mustMsg("tester", "NICK", "newnick"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ChangeNick did not resolve")
	}
	if resultErr != nil {
		t.Fatalf("ChangeNick error: %v", resultErr)
	}
	if result == "" {
		t.Fatal("expected non-empty confirmation")
	}
	if b.GetNick() != "newnick" {
		t.Fatalf("GetNick() = %q, want newnick", b.GetNick())
	}
}

func TestChangeNickError(t *testing.T) {
	b, conn, _ := connectedBridge(t)

	done := make(chan struct{})
	var resultErr error
	go func() {
		_, resultErr = b.ChangeNick("taken", false)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	conn.deliver(mustMsg("ircd.example.org", "433", "tester", "taken", "Nickname is already in use"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ChangeNick did not resolve")
	}
	if resultErr == nil {
		t.Fatal("expected an error from nickname-in-use")
	}
}

func TestJoinChannelSilentSuccessWhenAlreadyJoined(t *testing.T) {
	b, conn, _ := connectedBridge(t)
	conn.setJoined("#room", true)

	room, err := b.JoinChannel("#room", "")
	if err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	if room.Channel != "#room" {
		t.Fatalf("room.Channel = %q, want #room", room.Channel)
	}
}

func TestJoinChannelNonChannelIsPassthrough(t *testing.T) {
	b, _, _ := connectedBridge(t)
	room, err := b.JoinChannel("someuser", "")
	if err != nil {
		t.Fatalf("JoinChannel: %v", err)
	}
	if room.Channel != "someuser" {
		t.Fatalf("room.Channel = %q, want someuser", room.Channel)
	}
}

func TestJoinChannelSuccess(t *testing.T) {
	b, conn, _ := connectedBridge(t)

	done := make(chan struct{})
	var room IrcRoom
	var joinErr error
	go func() {
		room, joinErr = b.JoinChannel("#room", "")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	conn.deliver(mustMsg("tester", "JOIN", "#room"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("JoinChannel did not resolve")
	}
	if joinErr != nil {
		t.Fatalf("JoinChannel error: %v", joinErr)
	}
	if room.Channel != "#room" {
		t.Fatalf("room.Channel = %q, want #room", room.Channel)
	}
}

func TestJoinChannelHardFailurePublishesJoinError(t *testing.T) {
	b, conn, brk := connectedBridge(t)

	done := make(chan struct{})
	var joinErr error
	go func() {
		_, joinErr = b.JoinChannel("#banned", "")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	conn.deliver(mustMsg("ircd.example.org", "474", "tester", "#banned", "Cannot join channel (+b)"))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("JoinChannel did not resolve")
	}
	if joinErr == nil {
		t.Fatal("expected an error from banned-from-channel")
	}

	foundEvent := false
	for _, ev := range brk.events() {
		if ev.Kind == broker.EventJoinError && ev.Channel == "#banned" {
			foundEvent = true
		}
	}
	if !foundEvent {
		t.Fatal("expected a join-error event")
	}

	foundForced := false
	for _, md := range brk.metadata() {
		if md.force {
			foundForced = true
		}
	}
	if !foundForced {
		t.Fatal("expected at least one forced-notice metadata line")
	}
}

func TestLeaveChannelIdempotent(t *testing.T) {
	b, conn, _ := connectedBridge(t)
	conn.setJoined("#room", true)
	b.mu.Lock()
	b.chanList["#room"] = true
	b.mu.Unlock()

	b.LeaveChannel("#room", "bye")
	b.LeaveChannel("#room", "bye again")
}

func TestKillPreventsFurtherSend(t *testing.T) {
	b, conn, _ := connectedBridge(t)
	b.Kill("shutting down")

	if !conn.Dead() {
		t.Fatal("expected underlying connection to be dead after Kill")
	}
	if _, err := b.currentConn(); err == nil {
		t.Fatal("expected currentConn to fail after Kill")
	}
	if !b.IsDead() {
		t.Fatal("expected IsDead() true after Kill (invariant 4 must not flip back to alive)")
	}
}

func TestIsDeadMonotonicAcrossDisconnectThenKill(t *testing.T) {
	b, _, _ := connectedBridge(t)
	b.Disconnect("x")
	time.Sleep(20 * time.Millisecond)
	if !b.IsDead() {
		t.Fatal("expected IsDead() true after Disconnect")
	}
	b.Kill("cleanup")
	if !b.IsDead() {
		t.Fatal("expected IsDead() to remain true after a subsequent Kill")
	}
}

func TestDisconnectPublishesDisconnectedEventOnce(t *testing.T) {
	b, _, brk := connectedBridge(t)
	b.Disconnect("bye")

	time.Sleep(20 * time.Millisecond)

	count := 0
	for _, ev := range brk.events() {
		if ev.Kind == broker.EventClientDisconnected {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly one client-disconnected event, got %d", count)
	}
	if !b.IsDead() {
		t.Fatal("expected IsDead() true after Disconnect")
	}
}

func TestFailAllPendingReleasesBlockedWhois(t *testing.T) {
	b, conn, _ := connectedBridge(t)

	done := make(chan struct{})
	var whoisErr error
	go func() {
		_, whoisErr = b.Whois("someone")
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	conn.Disconnect("connection reset")

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Whois did not resolve after disconnect")
	}
	if whoisErr != ErrDisconnected {
		t.Fatalf("Whois error = %v, want ErrDisconnected", whoisErr)
	}
}

func TestConnectAppliesNickTemplateWhenNoDesiredNick(t *testing.T) {
	server := testServer()
	server.NickTemplate = "irc_{user}"
	cc := &config.ClientConfig{}

	b, _ := newTestBridgeWithServer(newRecordingBroker(), server, cc)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if cc.DesiredNick != "irc_home1" {
		t.Fatalf("DesiredNick = %q, want irc_home1", cc.DesiredNick)
	}
}

func TestConnectPrefersCallerSuppliedNickOverTemplate(t *testing.T) {
	server := testServer()
	server.NickTemplate = "irc_{user}"
	cc := &config.ClientConfig{DesiredNick: "explicit"}

	b, _ := newTestBridgeWithServer(newRecordingBroker(), server, cc)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if cc.DesiredNick != "explicit" {
		t.Fatalf("DesiredNick = %q, want explicit (caller-supplied wins)", cc.DesiredNick)
	}
}

func TestConnectRejectsHomeUserIDNotMatchingUserIDRegex(t *testing.T) {
	server := testServer()
	server.UserIDRegex = regexp.MustCompile(`^@irc_`)

	b, _ := newTestBridgeWithServer(newRecordingBroker(), server, testClientConfig())
	if err := b.Connect(context.Background()); err == nil {
		t.Fatal("expected Connect to reject a home user id not matching UserIDRegex")
	}
	if !b.IsDead() {
		t.Fatal("expected a rejected Connect to leave the bridge in a dead/failed state")
	}
}

func TestOnIdleTimeoutSkipsWhenMirroringInitial(t *testing.T) {
	b, _, _ := connectedBridge(t)
	b.server.MembershipMirror = map[string]bool{"initial": true}
	b.onIdleTimeout()
	if b.IsDead() {
		t.Fatal("expected onIdleTimeout to skip disconnect when mirroring initial membership")
	}
}

func TestOnIdleTimeoutSkipsForBot(t *testing.T) {
	b, _, _ := connectedBridge(t)
	b.isBot = true
	b.onIdleTimeout()
	if b.IsDead() {
		t.Fatal("expected onIdleTimeout to skip disconnect for bot sessions")
	}
}

func TestOnIdleTimeoutDisconnects(t *testing.T) {
	b, _, _ := connectedBridge(t)
	b.onIdleTimeout()
	time.Sleep(20 * time.Millisecond)
	if !b.IsDead() {
		t.Fatal("expected onIdleTimeout to disconnect a plain human session")
	}
}
