// Package identity produces the (username, realname) pair a Bridged
// Client registers with an IRC server, resolving collisions the same
// way the bridge resolves nick collisions: probe with a numeric suffix.
package identity

import (
	"fmt"
	"regexp"
	"strings"

	cmap "github.com/orcaman/concurrent-map"
)

// nonWordChars strips characters that make for an awkward IRC username.
var nonWordChars = regexp.MustCompile(`[^A-Za-z0-9_]`)

// Generator produces unique (username, realname) pairs from home-side
// identities. One instance is shared by every Bridged Client on a
// process, matching the "no hidden singletons" note: it is injected as
// a concrete dependency rather than referenced as global state.
type Generator struct {
	usernames cmap.ConcurrentMap // username -> homeUserID, for collision detection
}

// NewGenerator creates an empty generator.
func NewGenerator() *Generator {
	return &Generator{usernames: cmap.New()}
}

// Generate derives a username from homeUserID and a realname from
// displayName, resolving username collisions by appending "_" plus an
// incrementing counter, in the tradition of the bridge's own
// alternate-nick handling.
func (g *Generator) Generate(homeUserID, displayName string) (username, realname string, err error) {
	base := sanitizeUsername(homeUserID)
	if base == "" {
		return "", "", fmt.Errorf("identity: could not derive a username from %q", homeUserID)
	}

	username = base
	claimed := false
	for attempt := 0; attempt < 1000 && !claimed; attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = fmt.Sprintf("%s_%d", base, attempt)
		}

		if owner, exists := g.usernames.Get(candidate); exists {
			if owner.(string) == homeUserID {
				// Same identity reconnecting; reuse its username.
				username = candidate
				claimed = true
			}
			continue
		}

		// SetIfAbsent claims the slot atomically, closing the race two
		// concurrent Generate calls could otherwise hit between the Get
		// above and a plain Set.
		if g.usernames.SetIfAbsent(candidate, homeUserID) {
			username = candidate
			claimed = true
		}
	}

	realname = strings.TrimSpace(displayName)
	if realname == "" {
		realname = homeUserID
	}

	return username, realname, nil
}

// Release frees a username so it can be reused, e.g. when a Bridged
// Client owning it is killed.
func (g *Generator) Release(username string) {
	g.usernames.Remove(username)
}

func sanitizeUsername(homeUserID string) string {
	trimmed := strings.TrimPrefix(homeUserID, "@")
	if idx := strings.Index(trimmed, ":"); idx > 0 {
		trimmed = trimmed[:idx]
	}
	return nonWordChars.ReplaceAllString(trimmed, "")
}
