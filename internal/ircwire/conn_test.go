package ircwire

import (
	"testing"

	"github.com/ergochat/irc-go/ircmsg"
)

func TestFormatLine(t *testing.T) {
	cases := []struct {
		command string
		params  []string
		want    string
	}{
		{"NICK", []string{"alice"}, "NICK alice"},
		{"USER", []string{"alice", "0", "*", "Alice A."}, "USER alice 0 * :Alice A."},
		{"JOIN", []string{"#room", "key"}, "JOIN #room key"},
		{"PRIVMSG", []string{"#room", "hello there"}, "PRIVMSG #room :hello there"},
		{"TOPIC", []string{"#room", ""}, "TOPIC #room :"},
		{"QUIT", []string{""}, "QUIT :"},
	}

	for _, tc := range cases {
		got := formatLine(tc.command, tc.params...)
		if got != tc.want {
			t.Errorf("formatLine(%q, %v) = %q, want %q", tc.command, tc.params, got, tc.want)
		}
	}
}

func newTestInstance() *Instance {
	return &Instance{
		chans:        make(map[string]bool),
		ISupport:     NewTable(),
		disconnectCh: make(chan struct{}),
		registeredCh: make(chan struct{}),
	}
}

func TestObserveTracksOwnNickChange(t *testing.T) {
	inst := newTestInstance()
	inst.setNick("oldnick")

	inst.observe(ircmsg.Message{
		Source:  "oldnick!user@host",
		Command: "NICK",
		Params:  []string{"newnick"},
	})

	if got := inst.CurrentNick(); got != "newnick" {
		t.Errorf("CurrentNick() = %q, want newnick", got)
	}
}

func TestObserveIgnoresOtherUsersNickChange(t *testing.T) {
	inst := newTestInstance()
	inst.setNick("mynick")

	inst.observe(ircmsg.Message{
		Source:  "someoneelse!user@host",
		Command: "NICK",
		Params:  []string{"newnick"},
	})

	if got := inst.CurrentNick(); got != "mynick" {
		t.Errorf("CurrentNick() = %q, want unchanged mynick", got)
	}
}

func TestObserveTracksJoinPartKick(t *testing.T) {
	inst := newTestInstance()
	inst.setNick("mynick")

	inst.observe(ircmsg.Message{Source: "mynick!u@h", Command: "JOIN", Params: []string{"#room"}})
	if !inst.Joined("#room") {
		t.Fatal("expected #room to be joined")
	}

	inst.observe(ircmsg.Message{Source: "mynick!u@h", Command: "PART", Params: []string{"#room"}})
	if inst.Joined("#room") {
		t.Fatal("expected #room to no longer be joined after PART")
	}

	inst.observe(ircmsg.Message{Source: "mynick!u@h", Command: "JOIN", Params: []string{"#room2"}})
	inst.observe(ircmsg.Message{Source: "op!u@h", Command: "KICK", Params: []string{"#room2", "mynick", "bye"}})
	if inst.Joined("#room2") {
		t.Fatal("expected #room2 to no longer be joined after being kicked")
	}
}

func TestObserveTracksISupport(t *testing.T) {
	inst := newTestInstance()

	inst.observe(ircmsg.Message{
		Command: "005",
		Params:  []string{"mynick", "NICKLEN=9", "PREFIX=(ov)@+", "are supported by this server"},
	})

	if inst.ISupport.NickLen() != 9 {
		t.Errorf("NickLen() = %d, want 9", inst.ISupport.NickLen())
	}
	if !inst.ISupport.IsUserPrefixMorePowerfulThan('@', '+') {
		t.Error("expected @ to be more powerful than + after ISUPPORT parse")
	}
}

func TestDisconnectFiresOnce(t *testing.T) {
	inst := newTestInstance()
	count := 0
	inst.OnDisconnect = func(reason string) { count++ }

	inst.Disconnect("first")
	inst.Disconnect("second")

	if count != 1 {
		t.Errorf("OnDisconnect fired %d times, want 1", count)
	}
	if !inst.Dead() {
		t.Error("expected Dead() to be true after Disconnect")
	}
}
