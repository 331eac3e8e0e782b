package bridge

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
)

const namesTimeout = 5 * time.Second

// WhoisInfo is the human-readable summary returned by Whois.
type WhoisInfo struct {
	Server string
	Nick   string
	Msg    string
}

type whoisAccum struct {
	hasUser  bool
	userHost string
	realName string
	channels []string
	idleSecs int
}

type whoisResultMsg struct {
	msg string
	err error
}

type whoisWaiter struct {
	nick   string
	accum  whoisAccum
	result chan whoisResultMsg
	once   sync.Once
}

func (w *whoisWaiter) resolve(r whoisResultMsg) {
	w.once.Do(func() { w.result <- r })
}

// Whois issues WHOIS and waits for the RPL_ENDOFWHOIS numeric to
// summarize the accumulated reply. No explicit timeout: bounded only by
// the connection's liveness (spec §5), so a fatal disconnect resolves
// every pending Whois with ErrDisconnected via failAllPending.
func (b *Bridge) Whois(targetNick string) (WhoisInfo, error) {
	conn, err := b.currentConn()
	if err != nil {
		return WhoisInfo{}, err
	}

	lower := strings.ToLower(targetNick)
	waiter := &whoisWaiter{nick: targetNick, result: make(chan whoisResultMsg, 1)}

	b.waiterMu.Lock()
	b.pendingWhois[lower] = waiter
	b.waiterMu.Unlock()

	conn.Whois(targetNick)

	r := <-waiter.result
	if r.err != nil {
		return WhoisInfo{}, r.err
	}
	return WhoisInfo{Server: b.server.Domain, Nick: targetNick, Msg: r.msg}, nil
}

func (b *Bridge) handleWhoisUser(msg ircmsg.Message) {
	if len(msg.Params) < 5 {
		return
	}
	w := b.lookupWhois(msg.Params[1])
	if w == nil {
		return
	}
	realname := ""
	if len(msg.Params) > 5 {
		realname = msg.Params[len(msg.Params)-1]
	}
	w.accum.hasUser = true
	w.accum.userHost = fmt.Sprintf("%s@%s", msg.Params[2], msg.Params[3])
	w.accum.realName = realname
}

func (b *Bridge) handleWhoisChannels(msg ircmsg.Message) {
	if len(msg.Params) < 3 {
		return
	}
	w := b.lookupWhois(msg.Params[1])
	if w == nil {
		return
	}
	w.accum.channels = strings.Fields(msg.Params[len(msg.Params)-1])
}

func (b *Bridge) handleWhoisIdle(msg ircmsg.Message) {
	if len(msg.Params) < 3 {
		return
	}
	w := b.lookupWhois(msg.Params[1])
	if w == nil {
		return
	}
	if secs, err := strconv.Atoi(msg.Params[2]); err == nil {
		w.accum.idleSecs = secs
	}
}

func (b *Bridge) handleEndOfWhois(msg ircmsg.Message) {
	if len(msg.Params) < 2 {
		return
	}
	lower := strings.ToLower(msg.Params[1])
	b.waiterMu.Lock()
	w, ok := b.pendingWhois[lower]
	if ok {
		delete(b.pendingWhois, lower)
	}
	b.waiterMu.Unlock()
	if !ok {
		return
	}

	if !w.accum.hasUser {
		w.resolve(whoisResultMsg{err: fmt.Errorf("bridge: no such user %s", w.nick)})
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s is %s", w.nick, w.accum.userHost)
	if w.accum.realName != "" {
		fmt.Fprintf(&sb, " (%s)", w.accum.realName)
	}
	if len(w.accum.channels) > 0 {
		fmt.Fprintf(&sb, ", on: %s", strings.Join(w.accum.channels, " "))
	}
	if w.accum.idleSecs > 0 {
		fmt.Fprintf(&sb, ", idle %ds", w.accum.idleSecs)
	}
	w.resolve(whoisResultMsg{msg: sb.String()})
}

// lookupWhois returns the pending waiter for nick without removing it,
// so multi-line replies (311/319/317) can keep accumulating before the
// terminal 318 resolves and removes it.
func (b *Bridge) lookupWhois(nick string) *whoisWaiter {
	b.waiterMu.Lock()
	defer b.waiterMu.Unlock()
	return b.pendingWhois[strings.ToLower(nick)]
}

// NamesResult is the resolved membership of a channel.
type NamesResult struct {
	Server  string
	Channel string
	Nicks   []string
	Names   map[string]string // nick -> prefix chars, e.g. "@"
}

type namesResult struct {
	names map[string]string
	err   error
}

type namesWaiter struct {
	channel string
	names   map[string]string
	result  chan namesResult
	once    sync.Once
}

func (w *namesWaiter) resolve(r namesResult) {
	w.once.Do(func() { w.result <- r })
}

// GetNicks issues NAMES and waits up to 5s for RPL_ENDOFNAMES.
func (b *Bridge) GetNicks(channel string) (NamesResult, error) {
	conn, err := b.currentConn()
	if err != nil {
		return NamesResult{}, err
	}

	lower := strings.ToLower(channel)
	waiter := &namesWaiter{channel: channel, names: make(map[string]string), result: make(chan namesResult, 1)}

	b.waiterMu.Lock()
	b.pendingNames[lower] = waiter
	b.waiterMu.Unlock()

	conn.Names(channel)

	select {
	case r := <-waiter.result:
		if r.err != nil {
			return NamesResult{}, r.err
		}
		nicks := make([]string, 0, len(r.names))
		for n := range r.names {
			nicks = append(nicks, n)
		}
		return NamesResult{Server: b.server.Domain, Channel: channel, Nicks: nicks, Names: r.names}, nil
	case <-time.After(namesTimeout):
		b.waiterMu.Lock()
		delete(b.pendingNames, lower)
		b.waiterMu.Unlock()
		return NamesResult{}, &TimeoutError{Op: "GetNicks", After: namesTimeout}
	}
}

func (b *Bridge) handleNamesReply(msg ircmsg.Message) {
	if len(msg.Params) < 3 {
		return
	}
	channel := msg.Params[len(msg.Params)-2]
	tokens := strings.Fields(msg.Params[len(msg.Params)-1])

	conn, err := b.currentConn()
	if err != nil {
		return
	}

	b.waiterMu.Lock()
	w, ok := b.pendingNames[strings.ToLower(channel)]
	b.waiterMu.Unlock()
	if !ok {
		return
	}

	for _, tok := range tokens {
		nick, prefixes := conn.ParsePrefixedNick(tok)
		if nick == "" {
			continue
		}
		w.names[nick] = prefixes
	}
}

func (b *Bridge) handleEndOfNames(msg ircmsg.Message) {
	if len(msg.Params) < 2 {
		return
	}
	lower := strings.ToLower(msg.Params[1])
	b.waiterMu.Lock()
	w, ok := b.pendingNames[lower]
	if ok {
		delete(b.pendingNames, lower)
	}
	b.waiterMu.Unlock()
	if ok {
		w.resolve(namesResult{names: w.names})
	}
}

// OperatorsOptions mirrors spec §4.5's opts. Go's static typing removes
// the "key must be a string"/"cacheDurationMs must be a positive
// integer" runtime type checks named in spec §4.5; CacheDurationMs <= 0
// is simply treated as "caching disabled".
type OperatorsOptions struct {
	Key             string
	CacheDurationMs int
}

// OperatorsResult is the resolved operator set for a channel.
type OperatorsResult struct {
	Server        string
	Channel       string
	OperatorNicks []string
}

type operatorCacheEntry struct {
	result  OperatorsResult
	expires time.Time
}

// GetOperators returns the cached result when fresh, else joins,
// fetches names, leaves, and computes the operator set from the
// server's PREFIX ordering.
func (b *Bridge) GetOperators(channel string, opts OperatorsOptions) (OperatorsResult, error) {
	lower := strings.ToLower(channel)

	if opts.CacheDurationMs > 0 {
		b.mu.Lock()
		entry, ok := b.operatorCache[lower]
		b.mu.Unlock()
		if ok && time.Now().Before(entry.expires) {
			return entry.result, nil
		}
	}

	if _, err := b.JoinChannel(channel, opts.Key); err != nil {
		return OperatorsResult{}, err
	}

	names, err := b.GetNicks(channel)
	if err != nil {
		return OperatorsResult{}, err
	}

	b.LeaveChannel(channel, "")

	conn, err := b.currentConn()
	if err != nil {
		return OperatorsResult{}, err
	}

	var ops []string
	for nick, prefixes := range names.Names {
		if isOperatorPrefix(prefixes, conn) {
			ops = append(ops, nick)
		}
	}

	result := OperatorsResult{Server: b.server.Domain, Channel: channel, OperatorNicks: ops}

	if opts.CacheDurationMs > 0 {
		b.mu.Lock()
		b.operatorCache[lower] = operatorCacheEntry{
			result:  result,
			expires: time.Now().Add(time.Duration(opts.CacheDurationMs) * time.Millisecond),
		}
		b.mu.Unlock()
	}

	return result, nil
}

func isOperatorPrefix(prefixes string, conn Conn) bool {
	for _, p := range prefixes {
		if p == '@' || conn.IsUserPrefixMorePowerfulThan(p, '@') {
			return true
		}
	}
	return false
}
