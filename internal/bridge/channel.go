package bridge

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openbridge/ircbridge/internal/broker"
)

const (
	joinRoundTimeout = 15 * time.Second
	joinMaxRounds    = 5
)

// IrcRoom is a resolved join target: either a real channel or, for
// direct-message targets, a passthrough descriptor.
type IrcRoom struct {
	Server  string
	Channel string
}

type joinResult struct {
	room IrcRoom
	err  error
}

type joinWaiter struct {
	channel string
	result  chan joinResult
	once    sync.Once
}

func (w *joinWaiter) resolveSuccess(room IrcRoom) {
	w.once.Do(func() { w.result <- joinResult{room: room} })
}

func (w *joinWaiter) resolveError(err error) {
	w.once.Do(func() { w.result <- joinResult{err: err} })
}

func isChannelName(s string) bool {
	return len(s) > 0 && strings.ContainsRune("#!&+", rune(s[0]))
}

// resolveRoom translates a home-side room id to a real IRC channel: a
// hardcoded room mapping wins if one is configured, falling back to a
// dynamic alias derived from AliasRegex when the server allows it. A
// room with neither is passed through unchanged (it is likely already
// a channel name or a direct-message target).
func (b *Bridge) resolveRoom(room string) string {
	if b.server.HardcodedRooms != nil {
		if channel, ok := b.server.HardcodedRooms.ChannelForRoom(room); ok {
			return channel
		}
	}
	if b.server.DynamicAlias && b.server.AliasRegex != nil {
		if m := b.server.AliasRegex.FindStringSubmatch(room); len(m) > 1 {
			return "#" + m[1]
		}
	}
	return room
}

// JoinChannel implements spec §4.5's preconditions, exclusion check,
// and the 15s×5-round retry with silent-success detection.
func (b *Bridge) JoinChannel(channel, key string) (IrcRoom, error) {
	if err := b.waitConnectReady(); err != nil {
		return IrcRoom{}, err
	}

	channel = b.resolveRoom(channel)

	conn, err := b.currentConn()
	if err != nil {
		return IrcRoom{}, err
	}

	if !isChannelName(channel) {
		return IrcRoom{Server: b.server.Domain, Channel: channel}, nil
	}

	if conn.Joined(channel) {
		return IrcRoom{Server: b.server.Domain, Channel: channel}, nil
	}

	if b.exclusion.Excluded(channel) {
		return IrcRoom{}, fmt.Errorf("bridge: %s is excluded from tracking", channel)
	}

	lower := strings.ToLower(channel)

	b.mu.Lock()
	b.chanList[lower] = true
	b.mu.Unlock()

	waiter := &joinWaiter{channel: channel, result: make(chan joinResult, 1)}
	b.waiterMu.Lock()
	b.pendingJoins[lower] = waiter
	b.waiterMu.Unlock()

	conn.Join(channel, key)

	for attempt := 1; attempt <= joinMaxRounds; attempt++ {
		select {
		case r := <-waiter.result:
			if r.err != nil {
				b.mu.Lock()
				delete(b.chanList, lower)
				b.mu.Unlock()
				return IrcRoom{}, r.err
			}
			return r.room, nil

		case <-time.After(joinRoundTimeout):
			if conn.Joined(channel) {
				b.waiterMu.Lock()
				delete(b.pendingJoins, lower)
				b.waiterMu.Unlock()
				return IrcRoom{Server: b.server.Domain, Channel: channel}, nil
			}

			if attempt == joinMaxRounds {
				b.waiterMu.Lock()
				delete(b.pendingJoins, lower)
				b.waiterMu.Unlock()
				b.mu.Lock()
				delete(b.chanList, lower)
				b.mu.Unlock()

				b.broker.Publish(broker.Event{
					Kind: broker.EventJoinError, ClientID: b.instanceID,
					Channel: channel, Code: "timeout",
				})
				b.broker.SendMetadata(b.instanceID,
					fmt.Sprintf("failed to join %s: failed after multiple tries", channel), true)

				return IrcRoom{}, fmt.Errorf("bridge: join %s failed after multiple tries", channel)
			}

			conn.Join(channel, key)
		}
	}

	return IrcRoom{}, fmt.Errorf("bridge: join %s failed after multiple tries", channel)
}

// LeaveChannel removes the channel from chanList before sending PART,
// so a concurrent join sees the channel absent immediately. Idempotent:
// a second call on an already-absent channel is a no-op.
func (b *Bridge) LeaveChannel(channel, reason string) {
	channel = b.resolveRoom(channel)
	if !isChannelName(channel) {
		return
	}

	lower := strings.ToLower(channel)
	b.mu.Lock()
	_, wasJoined := b.chanList[lower]
	delete(b.chanList, lower)
	b.mu.Unlock()

	if !wasJoined {
		return
	}

	conn, err := b.currentConn()
	if err != nil {
		return
	}
	conn.Part(channel, reason)
}

// Kick is fire-and-forget: IRC gives no reliable success reply, so
// callers cannot distinguish permission failures from success. This
// preserves the upstream behavior verbatim (see DESIGN.md).
func (b *Bridge) Kick(targetNick, channel, reason string) {
	channel = b.resolveRoom(channel)
	if !isChannelName(channel) {
		return
	}
	conn, err := b.currentConn()
	if err != nil {
		return
	}
	if !conn.Joined(channel) {
		return
	}
	conn.Kick(channel, targetNick, reason)
}
