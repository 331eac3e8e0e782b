// Package bridge implements the Bridged Client: a per-user long-lived
// IRC session that maps a home-side identity to a virtual IRC user and
// drives the IRC protocol state machine on its behalf.
package bridge

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ergochat/irc-go/ircmsg"

	"github.com/openbridge/ircbridge/internal/aliasmap"
	"github.com/openbridge/ircbridge/internal/broker"
	"github.com/openbridge/ircbridge/internal/config"
	nickvalidate "github.com/openbridge/ircbridge/internal/nick"
)

// IdentityGenerator is the narrow interface Connect depends on to
// produce a (username, realname) pair, satisfied by *identity.Generator.
type IdentityGenerator interface {
	Generate(homeUserID, displayName string) (username, realname string, err error)
}

// IPv6Allocator is the narrow interface Connect depends on to acquire a
// source address, satisfied by *ipv6.Allocator.
type IPv6Allocator interface {
	Allocate(prefix *net.IPNet, homeUserID string) (net.IP, error)
}

// IdentRegistrar is the narrow interface Connect depends on to publish
// the local-port-to-username mapping, satisfied by *ident.Registry.
type IdentRegistrar interface {
	Set(port uint16, username string)
	Remove(port uint16)
}

// criticalErrorCodes are delivered to the broker with the force-notice
// flag set regardless of the server's general verbosity configuration.
var criticalErrorCodes = map[string]bool{
	"err_nononreg": true,
}

// Bridge is one Bridged Client session.
type Bridge struct {
	server       *config.ServerDescriptor
	clientConfig *config.ClientConfig
	homeUserID   string
	displayName  string
	isBot        bool
	instanceID   string

	broker    broker.Broker
	identity  IdentityGenerator
	addrs     IPv6Allocator
	idents    IdentRegistrar
	dial      ConnFactory
	exclusion *aliasmap.ExclusionPolicy

	state int32

	mu                 sync.Mutex
	conn               Conn // Connection Instance; IsDead() reads this, never cleared early
	rawClient          Conn // line-level handle; Kill clears this to block further sends
	nick               string
	chanList           map[string]bool
	lastActionTs       time.Time
	idleTimer          *time.Timer
	instCreationFailed bool
	explicitDisconnect bool
	disconnectReason   string
	operatorCache      map[string]operatorCacheEntry

	connectReadyCh   chan struct{}
	connectReadyOnce sync.Once

	stopLoop chan struct{}
	loopWG   sync.WaitGroup

	waiterMu     sync.Mutex
	pendingNick  *nickWaiter
	pendingJoins map[string]*joinWaiter
	pendingNames map[string]*namesWaiter
	pendingWhois map[string]*whoisWaiter
}

// New constructs a Bridged Client. dial defaults to DialIRCWire when nil.
func New(
	server *config.ServerDescriptor,
	clientConfig *config.ClientConfig,
	homeUserID, displayName string,
	isBot bool,
	brk broker.Broker,
	identGen IdentityGenerator,
	addrs IPv6Allocator,
	idents IdentRegistrar,
	dial ConnFactory,
) *Bridge {
	if dial == nil {
		dial = DialIRCWire
	}
	return &Bridge{
		server:         server,
		clientConfig:   clientConfig,
		homeUserID:     homeUserID,
		displayName:    displayName,
		isBot:          isBot,
		instanceID:     newInstanceID(),
		broker:         brk,
		identity:       identGen,
		addrs:          addrs,
		idents:         idents,
		dial:           dial,
		exclusion:      aliasmap.NewExclusionPolicy(server.ExcludedChannels),
		chanList:       make(map[string]bool),
		operatorCache:  make(map[string]operatorCacheEntry),
		connectReadyCh: make(chan struct{}),
		pendingJoins:   make(map[string]*joinWaiter),
		pendingNames:   make(map[string]*namesWaiter),
		pendingWhois:   make(map[string]*whoisWaiter),
	}
}

// applyNickTemplate derives a desired nick from the server's configured
// template using "{user}"/"{display}" placeholders, e.g.
// "irc_{user}" -> "irc_alice". Used only when the caller left
// ClientConfig.DesiredNick empty.
func applyNickTemplate(tmpl, homeUserID, displayName string) string {
	return strings.NewReplacer("{user}", homeUserID, "{display}", displayName).Replace(tmpl)
}

func newInstanceID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("inst%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// InstanceID returns the short tag used for log/event correlation.
func (b *Bridge) InstanceID() string { return b.instanceID }

// Connect performs identity acquisition, opens the connection, installs
// the permanent nick/error listeners via the event loop, emits
// client-connected, and arms the idle timer.
func (b *Bridge) Connect(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&b.state, int32(stateFresh), int32(stateConnecting)) {
		return fmt.Errorf("bridge: Connect called from state %s", b.getState())
	}

	if b.server.UserIDRegex != nil && !b.server.UserIDRegex.MatchString(b.homeUserID) {
		b.failConnect()
		return fmt.Errorf("bridge: home user id %q does not match server's configured user_id_regex", b.homeUserID)
	}

	username, realname, err := b.identity.Generate(b.homeUserID, b.displayName)
	if err != nil {
		b.failConnect()
		return fmt.Errorf("bridge: identity generation failed: %w", err)
	}
	b.clientConfig.Username = username
	b.clientConfig.RealName = realname

	if b.clientConfig.DesiredNick == "" && b.server.NickTemplate != "" {
		templated := applyNickTemplate(b.server.NickTemplate, b.homeUserID, b.displayName)
		coerced, err := nickvalidate.Validate(templated, false, nickvalidate.Limits{})
		if err != nil {
			b.failConnect()
			return fmt.Errorf("bridge: nick_template produced an invalid nick: %w", err)
		}
		b.clientConfig.DesiredNick = coerced
	}

	if b.server.ParsedIPv6Prefix != nil && b.addrs != nil {
		addr, err := b.addrs.Allocate(b.server.ParsedIPv6Prefix, b.homeUserID)
		if err != nil {
			b.failConnect()
			return fmt.Errorf("bridge: ipv6 allocation failed: %w", err)
		}
		b.clientConfig.IPv6Address = addr
	}

	conn, err := b.dial(ctx, b.server, b.clientConfig, func(c Conn) {
		if b.idents != nil {
			b.idents.Set(c.LocalPort(), username)
		}
		c.SetOnDisconnect(b.handleDisconnect)
	})
	if err != nil {
		b.failConnect()
		return fmt.Errorf("bridge: connect failed: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.rawClient = conn
	b.nick = conn.CurrentNick()
	b.mu.Unlock()

	b.setState(stateRegistered)

	b.stopLoop = make(chan struct{})
	b.loopWG.Add(1)
	go b.eventLoop()

	if b.server.UserModes != "" && !b.isBot {
		conn.Mode(b.nick, b.server.UserModes)
	}

	b.broker.Publish(broker.Event{Kind: broker.EventClientConnected, ClientID: b.instanceID})
	b.broker.SendMetadata(b.instanceID, fmt.Sprintf("connected to %s as %s", b.server.Domain, b.nick), false)

	b.touchActivity()
	b.connectReadyOnce.Do(func() { close(b.connectReadyCh) })

	return nil
}

func (b *Bridge) failConnect() {
	b.mu.Lock()
	b.instCreationFailed = true
	b.mu.Unlock()
	b.setState(stateFailed)
	b.connectReadyOnce.Do(func() { close(b.connectReadyCh) })
}

func (b *Bridge) getState() state { return state(atomic.LoadInt32(&b.state)) }
func (b *Bridge) setState(s state) { atomic.StoreInt32(&b.state, int32(s)) }

// IsDead implements spec invariant 4:
// isDead() = instCreationFailed ∨ (conn ≠ nil ∧ conn.dead).
func (b *Bridge) IsDead() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.instCreationFailed || (b.conn != nil && b.conn.Dead())
}

// GetNick returns the session's current effective nick.
func (b *Bridge) GetNick() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nick
}

// currentConn returns the raw-client handle used to send commands. Kill
// clears only rawClient (not conn), so a killed session's stale
// currentConn callers see ErrNotConnected while IsDead() still observes
// the underlying connection's true liveness via conn.
func (b *Bridge) currentConn() (Conn, error) {
	b.mu.Lock()
	conn := b.rawClient
	b.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if conn.Dead() {
		return nil, ErrDisconnected
	}
	return conn, nil
}

// waitConnectReady blocks until Connect has resolved (success or
// failure) so queued JoinChannel/SendAction calls made during
// Connecting are honored per spec §4.6.
func (b *Bridge) waitConnectReady() error {
	<-b.connectReadyCh
	if b.IsDead() {
		return ErrDisconnected
	}
	return nil
}

func (b *Bridge) eventLoop() {
	defer b.loopWG.Done()
	for {
		select {
		case msg, ok := <-b.conn.Incoming():
			if !ok {
				return
			}
			b.handleMessage(msg)
		case <-b.stopLoop:
			return
		}
	}
}

func (b *Bridge) handleMessage(msg ircmsg.Message) {
	switch msg.Command {
	case "NICK":
		b.handleNickMessage(msg)
		return
	case "JOIN":
		b.handleJoinMessage(msg)
		return
	case "311":
		b.handleWhoisUser(msg)
		return
	case "317":
		b.handleWhoisIdle(msg)
		return
	case "319":
		b.handleWhoisChannels(msg)
		return
	case "318":
		b.handleEndOfWhois(msg)
		return
	case "353":
		b.handleNamesReply(msg)
		return
	case "366":
		b.handleEndOfNames(msg)
		return
	}
	if sym, ok := errorSymbol(msg.Command); ok {
		b.handleErrorMessage(msg, sym)
	}
}

func (b *Bridge) handleJoinMessage(msg ircmsg.Message) {
	if len(msg.Params) == 0 || !strings.EqualFold(msg.Nick(), b.GetNick()) {
		return
	}
	channel := msg.Params[0]
	lower := strings.ToLower(channel)

	b.waiterMu.Lock()
	w, ok := b.pendingJoins[lower]
	if ok {
		delete(b.pendingJoins, lower)
	}
	b.waiterMu.Unlock()

	if ok {
		w.resolveSuccess(IrcRoom{Server: b.server.Domain, Channel: channel})
	}
}

func (b *Bridge) handleNickMessage(msg ircmsg.Message) {
	if len(msg.Params) == 0 {
		return
	}
	oldNick := msg.Nick()
	newNick := msg.Params[0]

	b.mu.Lock()
	isSelf := strings.EqualFold(oldNick, b.nick)
	if isSelf {
		b.nick = newNick
	}
	b.mu.Unlock()

	if !isSelf {
		return
	}

	b.broker.Publish(broker.Event{
		Kind: broker.EventNickChange, ClientID: b.instanceID,
		OldNick: oldNick, NewNick: newNick,
	})

	b.waiterMu.Lock()
	w := b.pendingNick
	if w != nil && strings.EqualFold(w.oldNick, oldNick) && strings.EqualFold(w.newNick, newNick) {
		b.pendingNick = nil
	} else {
		w = nil
	}
	b.waiterMu.Unlock()

	if w != nil {
		w.resolve(nickResult{msg: fmt.Sprintf("Nick changed to %s", newNick)})
	}
}

func (b *Bridge) handleErrorMessage(msg ircmsg.Message, sym string) {
	b.waiterMu.Lock()
	nw := b.pendingNick
	if nw != nil && nickChangeErrorCodes[sym] {
		b.pendingNick = nil
	} else {
		nw = nil
	}

	var jw *joinWaiter
	if joinErrorCodes[sym] {
		channel := joinChannelFromParams(msg.Params)
		if found, ok := b.pendingJoins[strings.ToLower(channel)]; ok {
			jw = found
			delete(b.pendingJoins, strings.ToLower(channel))
		}
	}

	var ww *whoisWaiter
	if sym == "err_nosuchnick" && len(msg.Params) > 1 {
		lower := strings.ToLower(msg.Params[1])
		if found, ok := b.pendingWhois[lower]; ok {
			ww = found
			delete(b.pendingWhois, lower)
		}
	}
	b.waiterMu.Unlock()

	if nw != nil {
		nw.resolve(nickResult{err: fmt.Errorf("Failed to change nick: %s", sym)})
	}
	if ww != nil {
		ww.resolve(whoisResultMsg{err: &ProtocolError{Code: sym}})
	}
	if jw != nil {
		jw.resolveError(&ProtocolError{Code: sym})
		b.broker.Publish(broker.Event{
			Kind: broker.EventJoinError, ClientID: b.instanceID,
			Channel: jw.channel, Code: sym,
		})
		b.broker.SendMetadata(b.instanceID, fmt.Sprintf("failed to join %s: %s", jw.channel, sym), true)
	}

	b.broker.SendMetadata(b.instanceID, sym, criticalErrorCodes[sym])
}

func joinChannelFromParams(params []string) string {
	switch len(params) {
	case 0:
		return ""
	case 1:
		return params[0]
	default:
		return params[1]
	}
}

// Disconnect sets explicitDisconnect and delegates to the connection
// instance. No-op if there is no connection or it is already dead.
func (b *Bridge) Disconnect(reason string) {
	b.mu.Lock()
	b.explicitDisconnect = true
	conn := b.conn
	b.mu.Unlock()

	if conn == nil || conn.Dead() {
		return
	}
	b.setState(stateDisconnecting)
	conn.Disconnect(reason)
}

// Kill clears the raw-client handle so any stale reference held by an
// in-flight operation can no longer send, then disconnects. b.conn is
// left set so IsDead() keeps observing the real connection state
// (invariant 4) instead of flipping back to "alive" once cleared.
func (b *Bridge) Kill(reason string) {
	if reason == "" {
		reason = "Bridged client killed"
	}

	b.mu.Lock()
	b.rawClient = nil
	b.explicitDisconnect = true
	conn := b.conn
	b.mu.Unlock()

	if conn != nil && !conn.Dead() {
		b.setState(stateDisconnecting)
		conn.Disconnect(reason)
	}
}

// handleDisconnect is the Connection Instance's OnDisconnect callback.
func (b *Bridge) handleDisconnect(reason string) {
	b.mu.Lock()
	b.disconnectReason = reason
	if reason == "banned" {
		b.explicitDisconnect = true
	}
	b.mu.Unlock()

	if b.getState() == stateConnecting {
		// Connect itself observes a dial/registration failure and
		// transitions to Failed; nothing further to do here.
		return
	}

	if !b.transitionToDead() {
		return
	}

	if b.stopLoop != nil {
		close(b.stopLoop)
	}

	b.broker.Publish(broker.Event{Kind: broker.EventClientDisconnected, ClientID: b.instanceID})
	b.broker.SendMetadata(b.instanceID, fmt.Sprintf("disconnected: %s", reason), false)

	b.clearIdleTimer()
	b.failAllPending()
}

// failAllPending releases every blocked ChangeNick/JoinChannel/GetNicks/
// Whois caller with ErrDisconnected once the connection has died, so no
// operation blocks past the session's liveness (spec §5/§7).
func (b *Bridge) failAllPending() {
	b.waiterMu.Lock()
	nw := b.pendingNick
	b.pendingNick = nil
	joins := b.pendingJoins
	b.pendingJoins = make(map[string]*joinWaiter)
	names := b.pendingNames
	b.pendingNames = make(map[string]*namesWaiter)
	whoises := b.pendingWhois
	b.pendingWhois = make(map[string]*whoisWaiter)
	b.waiterMu.Unlock()

	if nw != nil {
		nw.resolve(nickResult{err: ErrDisconnected})
	}
	for _, w := range joins {
		w.resolveError(ErrDisconnected)
	}
	for _, w := range names {
		w.resolve(namesResult{err: ErrDisconnected})
	}
	for _, w := range whoises {
		w.resolve(whoisResultMsg{err: ErrDisconnected})
	}
}

func (b *Bridge) transitionToDead() bool {
	for {
		cur := b.getState()
		if cur == stateDead {
			return false
		}
		if atomic.CompareAndSwapInt32(&b.state, int32(cur), int32(stateDead)) {
			return true
		}
	}
}

// touchActivity records local activity and rearms the idle timer at
// server.IdleTimeout seconds. Each SendAction rearms it (spec §8).
func (b *Bridge) touchActivity() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastActionTs = time.Now()
	if b.server.IdleTimeout <= 0 {
		return
	}
	if b.idleTimer != nil {
		b.idleTimer.Stop()
	}
	d := time.Duration(b.server.IdleTimeout) * time.Second
	b.idleTimer = time.AfterFunc(d, b.onIdleTimeout)
}

func (b *Bridge) clearIdleTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.idleTimer != nil {
		b.idleTimer.Stop()
		b.idleTimer = nil
	}
}

func (b *Bridge) onIdleTimeout() {
	if b.server.MirrorsMembership("initial") || b.isBot {
		return
	}
	b.Disconnect(fmt.Sprintf("Idle timeout reached: %ds", b.server.IdleTimeout))
}
