package bridge

import (
	"context"
	"strings"
	"sync"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/openbridge/ircbridge/internal/broker"
	"github.com/openbridge/ircbridge/internal/config"
)

// fakeConn is a hand-rolled stand-in for *ircwire.Instance implementing
// bridge.Conn, so the state machine can be driven deterministically
// without a real socket.
type fakeConn struct {
	mu sync.Mutex

	incoming chan ircmsg.Message
	dead     bool
	nick     string
	joined   map[string]bool
	sent     []sentCall
	onDisc   func(reason string)

	nickLen int
	prefix  map[rune]int // rune -> power rank, higher is more powerful
}

type sentCall struct {
	command string
	params  []string
}

func newFakeConn(nick string) *fakeConn {
	return &fakeConn{
		incoming: make(chan ircmsg.Message, 64),
		nick:     nick,
		joined:   make(map[string]bool),
		nickLen:  9,
		prefix:   map[rune]int{'@': 2, '+': 1},
	}
}

func (c *fakeConn) Incoming() <-chan ircmsg.Message { return c.incoming }

func (c *fakeConn) Dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

func (c *fakeConn) CurrentNick() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nick
}

func (c *fakeConn) LocalPort() uint16 { return 12345 }

func (c *fakeConn) Joined(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[strings.ToLower(channel)]
}

func (c *fakeConn) JoinedChannels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.joined))
	for ch := range c.joined {
		out = append(out, ch)
	}
	return out
}

func (c *fakeConn) record(command string, params ...string) {
	c.mu.Lock()
	c.sent = append(c.sent, sentCall{command: command, params: params})
	c.mu.Unlock()
}

func (c *fakeConn) Send(command string, params ...string) { c.record(command, params...) }
func (c *fakeConn) SetNick(newNick string)                { c.record("NICK", newNick) }
func (c *fakeConn) Join(channel, key string)               { c.record("JOIN", channel, key) }
func (c *fakeConn) Part(channel, reason string)             { c.record("PART", channel, reason) }
func (c *fakeConn) Kick(channel, nick, reason string)       { c.record("KICK", channel, nick, reason) }
func (c *fakeConn) Topic(channel, text string)              { c.record("TOPIC", channel, text) }
func (c *fakeConn) Privmsg(target, text string)             { c.record("PRIVMSG", target, text) }
func (c *fakeConn) Notice(target, text string)              { c.record("NOTICE", target, text) }
func (c *fakeConn) Action(target, text string)              { c.record("ACTION", target, text) }
func (c *fakeConn) Whois(nick string)                       { c.record("WHOIS", nick) }
func (c *fakeConn) Names(channel string)                    { c.record("NAMES", channel) }
func (c *fakeConn) Mode(target, modes string)               { c.record("MODE", target, modes) }
func (c *fakeConn) Quit(reason string)                      { c.record("QUIT", reason) }

func (c *fakeConn) Disconnect(reason string) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	cb := c.onDisc
	c.mu.Unlock()
	close(c.incoming)
	if cb != nil {
		cb(reason)
	}
}

func (c *fakeConn) SetOnDisconnect(fn func(reason string)) {
	c.mu.Lock()
	c.onDisc = fn
	c.mu.Unlock()
}

func (c *fakeConn) NickLen() int { return c.nickLen }

func (c *fakeConn) IsUserPrefixMorePowerfulThan(prefix, other rune) bool {
	return c.prefix[prefix] > c.prefix[other]
}

func (c *fakeConn) ParsePrefixedNick(token string) (nick, prefixes string) {
	i := 0
	for i < len(token) {
		if _, ok := c.prefix[rune(token[i])]; !ok {
			break
		}
		i++
	}
	return token[i:], token[:i]
}

// setJoined marks a channel joined directly, bypassing the JOIN flow,
// for tests that assert on already-joined short-circuits.
func (c *fakeConn) setJoined(channel string, joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if joined {
		c.joined[strings.ToLower(channel)] = true
	} else {
		delete(c.joined, strings.ToLower(channel))
	}
}

// deliver injects an inbound message as if received off the wire.
func (c *fakeConn) deliver(msg ircmsg.Message) {
	c.incoming <- msg
}

func mustMsg(nick, command string, params ...string) ircmsg.Message {
	return ircmsg.Message{Source: nick + "!user@host", Command: command, Params: params}
}

func testServer() *config.ServerDescriptor {
	return &config.ServerDescriptor{
		Domain: "irc.example.org",
		Port:   6667,
	}
}

func testClientConfig() *config.ClientConfig {
	return &config.ClientConfig{DesiredNick: "tester"}
}

// recordingBroker records every published event and metadata line,
// satisfying broker.Broker without any fan-out machinery.
type recordingBroker struct {
	mu    sync.Mutex
	evs   []broker.Event
	metas []brokerMetaRecord
}

type brokerMetaRecord struct {
	clientID string
	text     string
	force    bool
}

func newRecordingBroker() *recordingBroker { return &recordingBroker{} }

func (f *recordingBroker) Publish(ev broker.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evs = append(f.evs, ev)
}

func (f *recordingBroker) SendMetadata(clientID, text string, forceNotice bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metas = append(f.metas, brokerMetaRecord{clientID: clientID, text: text, force: forceNotice})
}

func (f *recordingBroker) events() []broker.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.Event, len(f.evs))
	copy(out, f.evs)
	return out
}

func (f *recordingBroker) metadata() []brokerMetaRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]brokerMetaRecord, len(f.metas))
	copy(out, f.metas)
	return out
}

type fakeIdentity struct{}

func (fakeIdentity) Generate(homeUserID, displayName string) (string, string, error) {
	return "u_" + homeUserID, displayName, nil
}

type fakeIdents struct{}

func (fakeIdents) Set(port uint16, username string) {}
func (fakeIdents) Remove(port uint16)                {}

// newTestBridge wires a Bridge to a fresh fakeConn via a ConnFactory
// closure, returning both for direct message injection in tests.
func newTestBridge(brk *recordingBroker) (*Bridge, *fakeConn) {
	return newTestBridgeWithServer(brk, testServer(), testClientConfig())
}

// newTestBridgeWithServer is newTestBridge with a caller-supplied
// server/client config, for tests exercising server-specific policy
// (hardcoded rooms, nick templates, user id validation).
func newTestBridgeWithServer(brk *recordingBroker, server *config.ServerDescriptor, cc *config.ClientConfig) (*Bridge, *fakeConn) {
	conn := newFakeConn("tester")
	factory := func(ctx context.Context, server *config.ServerDescriptor, cc *config.ClientConfig, onCreated func(Conn)) (Conn, error) {
		if onCreated != nil {
			onCreated(conn)
		}
		return conn, nil
	}
	b := New(server, cc, "home1", "Tester", false, brk, fakeIdentity{}, nil, fakeIdents{}, factory)
	return b, conn
}
