// Package statuslog persists status metadata lines for Bridged Clients
// so a restart can show recent history instead of starting blank.
package statuslog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
)

const maxEntries = 500

// Load reads a client's status log from file.
// Returns entries in reverse chronological order (newest first).
func Load(dataDir, clientID string) ([]string, error) {
	lines, err := readLines(path(dataDir, clientID))
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	return reverse(lines), nil
}

// Save writes a client's status log to file.
// Expects entries in reverse chronological order (newest first).
func Save(dataDir, clientID string, entries []string) error {
	return writeLines(path(dataDir, clientID), reverse(entries))
}

// Add prepends a new entry, keeping newest first in memory and capping
// at maxEntries so a long-lived client's log can't grow unbounded.
func Add(entries []string, line string) []string {
	entries = append([]string{line}, entries...)
	if len(entries) > maxEntries {
		entries = entries[:maxEntries]
	}
	return entries
}

func path(dataDir, clientID string) string {
	return filepath.Join(dataDir, "status", clientID+".log")
}

func readLines(p string) ([]string, error) {
	file, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

func writeLines(p string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return err
	}
	file, err := os.Create(p)
	if err != nil {
		return err
	}
	defer file.Close()

	for _, line := range lines {
		if _, err := fmt.Fprintln(file, line); err != nil {
			return err
		}
	}
	return nil
}

func reverse(s []string) []string {
	result := make([]string, len(s))
	for i, v := range s {
		result[len(s)-1-i] = v
	}
	return result
}
