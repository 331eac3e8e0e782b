package ircwire

import (
	"time"

	"golang.org/x/time/rate"
)

// The outbound rate constants cap outbound lines the way a real network would
// otherwise flood-kill a client for exceeding, mirroring a bot's own
// limit of a handful of lines every few seconds.
const (
	defaultOutboundBurst    = 20
	defaultOutboundInterval = 30 * time.Second
)

// newOutboundLimiter builds a token-bucket limiter allowing
// defaultOutboundBurst lines per defaultOutboundInterval.
func newOutboundLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(defaultOutboundInterval/defaultOutboundBurst), defaultOutboundBurst)
}
