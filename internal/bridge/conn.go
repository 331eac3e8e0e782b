package bridge

import (
	"context"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/openbridge/ircbridge/internal/config"
	"github.com/openbridge/ircbridge/internal/ircwire"
)

// Conn is the subset of the Connection Instance contract (spec §4.4)
// the Bridged Client depends on. Abstracting it lets tests drive the
// state machine against a fake instead of a real socket.
type Conn interface {
	Incoming() <-chan ircmsg.Message
	Dead() bool
	CurrentNick() string
	LocalPort() uint16
	Joined(channel string) bool
	JoinedChannels() []string
	Send(command string, params ...string)
	SetNick(newNick string)
	Join(channel, key string)
	Part(channel, reason string)
	Kick(channel, nick, reason string)
	Topic(channel, text string)
	Privmsg(target, text string)
	Notice(target, text string)
	Action(target, text string)
	Whois(nick string)
	Names(channel string)
	Mode(target, modes string)
	Quit(reason string)
	Disconnect(reason string)
	SetOnDisconnect(func(reason string))
	NickLen() int
	IsUserPrefixMorePowerfulThan(prefix, other rune) bool
	ParsePrefixedNick(token string) (nick, prefixes string)
}

// ConnFactory dials a new Connection Instance. onCreated is invoked
// synchronously once the socket exists, before registration lines are
// sent, so the caller can install ident mappings.
type ConnFactory func(ctx context.Context, server *config.ServerDescriptor, cc *config.ClientConfig, onCreated func(Conn)) (Conn, error)

// DialIRCWire is the production ConnFactory, backed by internal/ircwire.
func DialIRCWire(ctx context.Context, server *config.ServerDescriptor, cc *config.ClientConfig, onCreated func(Conn)) (Conn, error) {
	inst, err := ircwire.Create(ctx, server, cc, func(inst *ircwire.Instance) {
		if onCreated != nil {
			onCreated(inst)
		}
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}
