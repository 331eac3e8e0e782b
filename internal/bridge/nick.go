package bridge

import (
	"fmt"
	"strings"
	"sync"
	"time"

	nickvalidate "github.com/openbridge/ircbridge/internal/nick"
)

const changeNickTimeout = 10 * time.Second

type nickResult struct {
	msg string
	err error
}

type nickWaiter struct {
	oldNick string
	newNick string
	result  chan nickResult
	once    sync.Once
}

func (w *nickWaiter) resolve(r nickResult) {
	w.once.Do(func() { w.result <- r })
}

// ChangeNick validates desiredNick, issues NICK, and awaits the
// server's resolution: a matching NICK echo, one of the nick-change
// error numerics, or a 10-second timeout.
func (b *Bridge) ChangeNick(desiredNick string, strict bool) (string, error) {
	limits := nickvalidate.Limits{}
	conn, connErr := b.currentConn()
	if connErr == nil {
		limits.NickLen = conn.NickLen()
	}

	validated, err := nickvalidate.Validate(desiredNick, strict, limits)
	if err != nil {
		return "", err
	}

	current := b.GetNick()
	if strings.EqualFold(validated, current) {
		return fmt.Sprintf("Nick is already %s", current), nil
	}

	if connErr != nil {
		return "", connErr
	}

	waiter := &nickWaiter{oldNick: current, newNick: validated, result: make(chan nickResult, 1)}

	b.waiterMu.Lock()
	b.pendingNick = waiter
	b.waiterMu.Unlock()

	conn.SetNick(validated)

	select {
	case r := <-waiter.result:
		if r.err != nil {
			return "", r.err
		}
		return r.msg, nil
	case <-time.After(changeNickTimeout):
		b.waiterMu.Lock()
		if b.pendingNick == waiter {
			b.pendingNick = nil
		}
		b.waiterMu.Unlock()
		return "", &TimeoutError{Op: "ChangeNick", After: changeNickTimeout}
	}
}
