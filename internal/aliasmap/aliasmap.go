// Package aliasmap loads a server's hardcoded room-id/channel mapping and
// evaluates its excluded-channel policy. Dynamic aliases (AliasRegex) are
// resolved by internal/bridge, not here.
//
// The file format and parsing shape are adapted from a routing-map loader
// that read "server: hub1 hub2" lines; here each line reads
// "roomid = #channel" instead (room ids may themselves contain colons).
package aliasmap

import (
	"bufio"
	"os"
	"regexp"
	"strings"

	glob "github.com/ryanuber/go-glob"
)

// skipPatterns matches lines to ignore when parsing the hardcoded-rooms
// file: blank lines, comments, and section banners.
var skipPatterns = regexp.MustCompile(`(?i)^#\s|^;|===|^\s*$`)

// Map is the parsed hardcoded room-id -> channel table for one server.
type Map struct {
	Raw   []string
	Rooms map[string]string // room id -> channel
}

// Load reads and parses a hardcoded-rooms file. A missing file is not an
// error: it yields an empty Map, matching the policy that hardcoded rooms
// are optional.
func Load(path string) (*Map, error) {
	if path == "" {
		return &Map{Rooms: make(map[string]string)}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Map{Rooms: make(map[string]string)}, nil
		}
		return nil, err
	}
	defer file.Close()

	m := &Map{Rooms: make(map[string]string)}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.ReplaceAll(scanner.Text(), "\r", "")
		m.Raw = append(m.Raw, line)

		if skipPatterns.MatchString(line) {
			continue
		}
		if !strings.Contains(line, "=") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		roomID := strings.TrimSpace(parts[0])
		channel := strings.TrimSpace(parts[1])
		if roomID == "" || channel == "" {
			continue
		}
		m.Rooms[roomID] = channel
	}

	return m, scanner.Err()
}

// ChannelForRoom returns the hardcoded channel for a room id, if any.
func (m *Map) ChannelForRoom(roomID string) (string, bool) {
	channel, ok := m.Rooms[roomID]
	return channel, ok
}

// ExclusionPolicy evaluates a server's excluded-channel glob patterns.
type ExclusionPolicy struct {
	patterns []string
}

// NewExclusionPolicy builds a policy from a list of glob patterns
// (e.g. "#staff-*").
func NewExclusionPolicy(patterns []string) *ExclusionPolicy {
	return &ExclusionPolicy{patterns: patterns}
}

// Excluded reports whether channel matches any configured exclusion glob.
func (p *ExclusionPolicy) Excluded(channel string) bool {
	if p == nil {
		return false
	}
	lower := strings.ToLower(channel)
	for _, pattern := range p.patterns {
		if glob.Glob(strings.ToLower(pattern), lower) {
			return true
		}
	}
	return false
}
