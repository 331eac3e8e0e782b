package bridge

import (
	"log"
	"time"
)

// Action is one home-side event dispatched to the network via
// SendAction: a message, notice, emote, or topic change.
type Action struct {
	Type string // "message", "notice", "emote", "topic"
	Text string
	Ts   time.Time
}

// SendAction resets the idle timer, awaits connect-ready, implicitly
// joins the target room, and dispatches by action.Type. A configured
// expiry window that has already elapsed by the time the join completes
// drops the event silently (logged, not surfaced).
func (b *Bridge) SendAction(room string, action Action) error {
	b.touchActivity()

	var deadline time.Time
	hasDeadline := b.server.ExpiryMs > 0 && !action.Ts.IsZero()
	if hasDeadline {
		deadline = action.Ts.Add(time.Duration(b.server.ExpiryMs) * time.Millisecond)
	}

	if err := b.waitConnectReady(); err != nil {
		return err
	}

	resolved, err := b.JoinChannel(room, "")
	if err != nil {
		return err
	}
	room = resolved.Channel

	if hasDeadline && time.Now().After(deadline) {
		log.Printf("bridge[%s]: dropping expired %s action for %s", b.instanceID, action.Type, room)
		return nil
	}

	conn, err := b.currentConn()
	if err != nil {
		return err
	}

	switch action.Type {
	case "message":
		conn.Privmsg(room, action.Text)
	case "notice":
		conn.Notice(room, action.Text)
	case "emote":
		conn.Action(room, action.Text)
	case "topic":
		conn.Topic(room, action.Text)
	default:
		return ErrUnknownActionType
	}
	return nil
}
