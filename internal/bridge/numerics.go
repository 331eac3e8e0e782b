package bridge

import "strings"

// numericToSymbol translates the RFC 1459/2812 (and common ircd
// extension) numerics named in the join/nick-change error sets into the
// lowercase symbolic names used throughout this package and surfaced to
// callers via ProtocolError.Code.
//
// 484/err_eventnickchange has no standard numeric assignment across
// networks; some daemons deliver it as a NOTICE rather than a numeric.
// Kept here for the ChangeNick error set anyway and otherwise reached
// via the literal-command fallback below.
var numericToSymbol = map[string]string{
	"401": "err_nosuchnick",
	"403": "err_nosuchchannel",
	"405": "err_toomanychannels",
	"431": "err_nonicknamegiven",
	"432": "err_erroneusnickname",
	"433": "err_nicknameinuse",
	"435": "err_banonchan",
	"436": "err_nickcollision",
	"437": "err_unavailresource",
	"438": "err_nicktoofast",
	"471": "err_channelisfull",
	"473": "err_inviteonlychan",
	"474": "err_bannedfromchan",
	"475": "err_badchannelkey",
	"477": "err_needreggednick",
	"484": "err_eventnickchange",
}

// errorSymbol resolves an inbound message's command to a symbolic error
// name, either via the numeric table or, failing that, by treating an
// "err_*"-shaped command (in any letter case) as literal and lowercasing
// it (some daemons emit these as text rather than a numeric).
func errorSymbol(command string) (string, bool) {
	if sym, ok := numericToSymbol[command]; ok {
		return sym, true
	}
	lower := strings.ToLower(command)
	if strings.HasPrefix(lower, "err_") {
		return lower, true
	}
	return "", false
}

var nickChangeErrorCodes = map[string]bool{
	"err_banonchan":        true,
	"err_nickcollision":    true,
	"err_nicknameinuse":    true,
	"err_erroneusnickname": true,
	"err_nonicknamegiven":  true,
	"err_eventnickchange":  true,
	"err_nicktoofast":      true,
	"err_unavailresource":  true,
}

var joinErrorCodes = map[string]bool{
	"err_nosuchchannel":   true,
	"err_toomanychannels": true,
	"err_channelisfull":   true,
	"err_inviteonlychan":  true,
	"err_bannedfromchan":  true,
	"err_badchannelkey":   true,
	"err_needreggednick":  true,
}
