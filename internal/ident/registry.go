// Package ident maintains the process-wide mapping from local TCP source
// port to username, and an optional RFC 1413 identd responder that serves
// it.
package ident

import (
	"strconv"

	cmap "github.com/orcaman/concurrent-map"
)

// Registry is a process-wide table from local TCP source port to
// username. It is safe for concurrent use by many Bridged Clients.
type Registry struct {
	table cmap.ConcurrentMap
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{table: cmap.New()}
}

// Set records the username that owns a local source port.
func (r *Registry) Set(port uint16, username string) {
	r.table.Set(strconv.Itoa(int(port)), username)
}

// Lookup returns the username registered for a port, if any.
func (r *Registry) Lookup(port uint16) (string, bool) {
	v, ok := r.table.Get(strconv.Itoa(int(port)))
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Remove evicts a port's mapping. Implementations may call this on
// disconnect, though no eviction is mandated by the contract.
func (r *Registry) Remove(port uint16) {
	r.table.Remove(strconv.Itoa(int(port)))
}
