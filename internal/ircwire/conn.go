// Package ircwire implements the Connection Instance: one TCP/TLS socket
// to an IRC server plus the line-level protocol on top of it.
//
// The read loop and outbound-queue shape are adapted from a hand-rolled
// IRC client's Connect/Send methods (dial, buffered line reader, a
// send channel drained by a dedicated goroutine); message parsing uses
// ircmsg from the same dependency the teacher already required.
package ircwire

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"golang.org/x/time/rate"

	"github.com/openbridge/ircbridge/internal/config"
)

// ErrNoConnection is returned when a command is attempted on an
// Instance that never dialed successfully or has already disconnected.
var ErrNoConnection = errors.New("ircwire: no connection")

// registrationTimeout bounds how long Create waits for RPL_WELCOME (001)
// before giving up.
const registrationTimeout = 30 * time.Second

// Instance owns one TCP/TLS socket to an IRC server and the line-level
// client built on top of it. It is the "Connection Instance" the
// Bridged Client wraps.
type Instance struct {
	conn net.Conn

	dead atomic.Bool

	nickMu sync.RWMutex
	nick   string

	chansMu sync.RWMutex
	chans   map[string]bool

	ISupport *Table

	localPort uint16

	incoming chan ircmsg.Message
	sends    chan string
	limiter  *rate.Limiter

	disconnectOnce sync.Once
	disconnectCh   chan struct{}

	registerOnce sync.Once
	registeredCh chan struct{}

	// OnDisconnect is invoked at most once, with the reason the
	// connection ended. Must be set before Create returns control to
	// the caller if the caller wants to observe every disconnect.
	OnDisconnect func(reason string)

	lastDisconnectReason atomic.Value // string
}

// Create dials server, sends the registration burst, and blocks until
// registration completes (numeric 001) or an error/timeout occurs.
// onCreated is invoked synchronously once the socket is open and the
// local port is known, before registration lines are sent, so callers
// can install ident mappings keyed on that port.
func Create(ctx context.Context, server *config.ServerDescriptor, cc *config.ClientConfig, onCreated func(*Instance)) (*Instance, error) {
	inst := &Instance{
		chans:        make(map[string]bool),
		ISupport:     NewTable(),
		incoming:     make(chan ircmsg.Message, 256),
		sends:        make(chan string, 256),
		disconnectCh: make(chan struct{}),
		registeredCh: make(chan struct{}),
		limiter:      newOutboundLimiter(),
	}

	dialer := &net.Dialer{Timeout: 15 * time.Second}
	if cc.IPv6Address != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: cc.IPv6Address}
	}

	addr := server.Addr()
	var conn net.Conn
	var err error
	if server.UseTLS {
		tlsConf := &tls.Config{InsecureSkipVerify: server.InsecureSkipVerify}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConf)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("ircwire: dial %s: %w", addr, err)
	}
	inst.conn = conn

	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		inst.localPort = uint16(tcpAddr.Port)
	}

	if onCreated != nil {
		onCreated(inst)
	}

	go inst.readLoop()
	go inst.sendLoop()

	if server.DefaultPassword != "" || cc.Password != "" {
		pass := cc.Password
		if pass == "" {
			pass = server.DefaultPassword
		}
		inst.SendRaw(formatLine("PASS", pass))
	}
	inst.SendRaw(formatLine("NICK", cc.DesiredNick))
	inst.SendRaw(formatLine("USER", cc.Username, "0", "*", cc.RealName))
	inst.nickMu.Lock()
	inst.nick = cc.DesiredNick
	inst.nickMu.Unlock()

	select {
	case <-inst.registeredCh:
		return inst, nil
	case <-time.After(registrationTimeout):
		inst.Disconnect("registration timed out")
		return nil, fmt.Errorf("ircwire: registration with %s timed out", addr)
	case <-ctx.Done():
		inst.Disconnect("context cancelled")
		return nil, ctx.Err()
	case <-inst.disconnectCh:
		reason, _ := inst.lastDisconnectReason.Load().(string)
		return nil, fmt.Errorf("ircwire: connection to %s closed before registration: %s", addr, reason)
	}
}

// Incoming returns the channel of parsed inbound messages. The Bridged
// Client's event loop selects on this alongside its own stop channel.
func (inst *Instance) Incoming() <-chan ircmsg.Message {
	return inst.incoming
}

// Dead reports whether the underlying connection has ended.
func (inst *Instance) Dead() bool {
	return inst.dead.Load()
}

// CurrentNick returns the last nick this instance believes it holds.
func (inst *Instance) CurrentNick() string {
	inst.nickMu.RLock()
	defer inst.nickMu.RUnlock()
	return inst.nick
}

// setNick updates the tracked nick; called by the read loop upon a
// self NICK or successful registration.
func (inst *Instance) setNick(n string) {
	inst.nickMu.Lock()
	inst.nick = n
	inst.nickMu.Unlock()
}

// LocalPort returns the local TCP source port used for this
// connection, for ident-mapping purposes.
func (inst *Instance) LocalPort() uint16 {
	return inst.localPort
}

// NickLen returns the server-advertised NICKLEN, or 0 if unknown.
func (inst *Instance) NickLen() int {
	return inst.ISupport.NickLen()
}

// IsUserPrefixMorePowerfulThan reports channel-power ordering per the
// server's ISUPPORT PREFIX table.
func (inst *Instance) IsUserPrefixMorePowerfulThan(prefix, other rune) bool {
	return inst.ISupport.IsUserPrefixMorePowerfulThan(prefix, other)
}

// SetOnDisconnect installs the disconnect callback. Safe to call only
// before the connection can plausibly die (i.e. from onCreated).
func (inst *Instance) SetOnDisconnect(fn func(reason string)) {
	inst.OnDisconnect = fn
}

// ParsePrefixedNick splits a NAMES-reply token per the server's
// ISUPPORT PREFIX table.
func (inst *Instance) ParsePrefixedNick(token string) (nick, prefixes string) {
	return inst.ISupport.ParsePrefixedNick(token)
}

// Joined reports whether the instance's own view of channel membership
// includes channel.
func (inst *Instance) Joined(channel string) bool {
	inst.chansMu.RLock()
	defer inst.chansMu.RUnlock()
	return inst.chans[strings.ToLower(channel)]
}

// JoinedChannels returns a snapshot of the instance's own view of
// channel membership.
func (inst *Instance) JoinedChannels() []string {
	inst.chansMu.RLock()
	defer inst.chansMu.RUnlock()
	out := make([]string, 0, len(inst.chans))
	for c := range inst.chans {
		out = append(out, c)
	}
	return out
}

func (inst *Instance) setJoined(channel string, joined bool) {
	inst.chansMu.Lock()
	if joined {
		inst.chans[strings.ToLower(channel)] = true
	} else {
		delete(inst.chans, strings.ToLower(channel))
	}
	inst.chansMu.Unlock()
}

// --- outbound commands ---

// SendRaw queues a raw line for the send loop, applying outbound
// throttling. It never blocks the caller: if the queue is full a
// goroutine is spawned to enqueue it, matching the "no additional
// queueing beyond what the transport already owns" backpressure model.
func (inst *Instance) SendRaw(line string) {
	if inst.Dead() {
		return
	}
	select {
	case inst.sends <- line:
	default:
		go func() {
			select {
			case inst.sends <- line:
			case <-inst.disconnectCh:
			}
		}()
	}
}

// Send formats command and params IRC-style and queues it.
func (inst *Instance) Send(command string, params ...string) {
	inst.SendRaw(formatLine(command, params...))
}

// SetNick issues a NICK command.
func (inst *Instance) SetNick(newNick string) { inst.Send("NICK", newNick) }

// Join issues a JOIN command, with an optional key.
func (inst *Instance) Join(channel, key string) {
	if key != "" {
		inst.Send("JOIN", channel, key)
	} else {
		inst.Send("JOIN", channel)
	}
}

// Part issues a PART command.
func (inst *Instance) Part(channel, reason string) {
	if reason != "" {
		inst.Send("PART", channel, reason)
	} else {
		inst.Send("PART", channel)
	}
}

// Kick issues a KICK command.
func (inst *Instance) Kick(channel, nick, reason string) {
	inst.Send("KICK", channel, nick, reason)
}

// Topic issues a TOPIC command, clearing the topic when text is empty.
func (inst *Instance) Topic(channel, text string) {
	inst.Send("TOPIC", channel, text)
}

// Privmsg sends a PRIVMSG.
func (inst *Instance) Privmsg(target, text string) {
	inst.Send("PRIVMSG", target, text)
}

// Notice sends a NOTICE.
func (inst *Instance) Notice(target, text string) {
	inst.Send("NOTICE", target, text)
}

// Action sends a CTCP ACTION (an "emote").
func (inst *Instance) Action(target, text string) {
	inst.Send("PRIVMSG", target, fmt.Sprintf("\x01ACTION %s\x01", text))
}

// Whois issues a WHOIS command.
func (inst *Instance) Whois(nick string) { inst.Send("WHOIS", nick) }

// Names issues a NAMES command.
func (inst *Instance) Names(channel string) { inst.Send("NAMES", channel) }

// Mode sets user or channel modes.
func (inst *Instance) Mode(target, modes string) { inst.Send("MODE", target, modes) }

// Quit sends QUIT and begins the disconnect sequence.
func (inst *Instance) Quit(reason string) {
	// Written directly rather than queued: Disconnect closes the socket
	// immediately, before the send loop could drain a queued line.
	if inst.conn != nil && !inst.Dead() {
		inst.conn.Write([]byte(formatLine("QUIT", reason) + "\r\n"))
	}
	inst.Disconnect(reason)
}

// Disconnect idempotently tears the connection down and fires
// OnDisconnect exactly once.
func (inst *Instance) Disconnect(reason string) {
	inst.disconnectOnce.Do(func() {
		inst.dead.Store(true)
		inst.lastDisconnectReason.Store(reason)
		if inst.conn != nil {
			inst.conn.Close()
		}
		close(inst.disconnectCh)
		if inst.OnDisconnect != nil {
			inst.OnDisconnect(reason)
		}
	})
}

// --- internal loops ---

func (inst *Instance) readLoop() {
	defer close(inst.incoming)

	reader := bufio.NewReader(inst.conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			inst.Disconnect(disconnectReasonFromErr(err))
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		msg, err := ircmsg.ParseLine(line)
		if err != nil {
			continue
		}

		inst.observe(msg)

		select {
		case inst.incoming <- msg:
		case <-inst.disconnectCh:
			return
		}
	}
}

// observe updates the instance's own tracked state from an inbound
// message before it is handed to the Bridged Client, so introspection
// methods (Joined, CurrentNick, ISupport) never race the consumer's
// processing of the same event.
func (inst *Instance) observe(msg ircmsg.Message) {
	switch msg.Command {
	case "001":
		if len(msg.Params) > 0 {
			inst.setNick(msg.Params[0])
		}
		inst.registerOnce.Do(func() { close(inst.registeredCh) })
	case "005":
		for _, token := range msg.Params[1:] {
			if strings.Contains(token, " ") {
				continue // trailing "are supported by this server" text
			}
			key, value := token, ""
			if idx := strings.IndexByte(token, '='); idx >= 0 {
				key, value = token[:idx], token[idx+1:]
			}
			inst.ISupport.Set(key, value)
		}
	case "NICK":
		nick := msg.Nick()
		if len(msg.Params) > 0 && strings.EqualFold(nick, inst.CurrentNick()) {
			inst.setNick(msg.Params[0])
		}
	case "JOIN":
		if len(msg.Params) > 0 && strings.EqualFold(msg.Nick(), inst.CurrentNick()) {
			inst.setJoined(msg.Params[0], true)
		}
	case "PART":
		if len(msg.Params) > 0 && strings.EqualFold(msg.Nick(), inst.CurrentNick()) {
			inst.setJoined(msg.Params[0], false)
		}
	case "KICK":
		if len(msg.Params) > 1 && strings.EqualFold(msg.Params[1], inst.CurrentNick()) {
			inst.setJoined(msg.Params[0], false)
		}
	}
}

func (inst *Instance) sendLoop() {
	ctx := context.Background()
	for {
		select {
		case line, ok := <-inst.sends:
			if !ok {
				return
			}
			if err := inst.limiter.Wait(ctx); err != nil {
				return
			}
			if _, err := inst.conn.Write([]byte(line + "\r\n")); err != nil {
				inst.Disconnect(err.Error())
				return
			}
		case <-inst.disconnectCh:
			return
		}
	}
}

func disconnectReasonFromErr(err error) string {
	if errors.Is(err, net.ErrClosed) {
		return "connection closed"
	}
	return err.Error()
}

// formatLine renders an IRC command line through ircmsg, the same
// library the read loop parses inbound lines with, rather than
// hand-rolling RFC 1459 trailing-param rules a second time.
func formatLine(command string, params ...string) string {
	msg := ircmsg.MakeMessage(nil, "", command, params...)
	line, err := msg.Line()
	if err != nil {
		// Line only rejects pathological input (e.g. a non-final
		// empty parameter); fall back to a plain join rather than drop
		// the line entirely.
		return command + " " + strings.Join(params, " ")
	}
	return strings.TrimRight(line, "\r\n")
}
