// Package routing implements the connector's forwarding table: ILP
// address prefix matching with priority and insertion-order tiebreaks.
package routing

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNoRoute is returned when no configured prefix matches a destination.
var ErrNoRoute = errors.New("routing: no matching route")

// Route is one forwarding entry: packets addressed to a destination
// under Prefix are forwarded to NextHopPeer.
type Route struct {
	Prefix      string
	NextHopPeer string
	Priority    int // higher wins a tie on prefix length
}

type entry struct {
	route    Route
	sequence int // insertion order, used as the final tiebreak
}

// Table resolves a destination ILP address to the peer it should be
// forwarded to, matching the longest configured prefix. Ties on prefix
// length are broken by Priority (higher wins), then by insertion order
// (earlier wins) so routing stays deterministic across reloads.
type Table struct {
	mu      sync.RWMutex
	entries []entry
	seq     int
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{}
}

// AddRoute inserts or replaces the route for prefix.
func (t *Table) AddRoute(r Route) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if e.route.Prefix == r.Prefix {
			t.entries[i].route = r
			return
		}
	}

	t.seq++
	t.entries = append(t.entries, entry{route: r, sequence: t.seq})
}

// RemoveRoute deletes the route for prefix, if any.
func (t *Table) RemoveRoute(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.entries {
		if e.route.Prefix == prefix {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return
		}
	}
}

// Resolve returns the next-hop peer for destination, using the longest
// matching prefix. Among equal-length matches, the highest Priority
// wins; remaining ties go to whichever route was added first.
func (t *Table) Resolve(destination string) (Route, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var candidates []entry
	for _, e := range t.entries {
		if strings.HasPrefix(destination, e.route.Prefix) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return Route{}, ErrNoRoute
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if len(a.route.Prefix) != len(b.route.Prefix) {
			return len(a.route.Prefix) > len(b.route.Prefix)
		}
		if a.route.Priority != b.route.Priority {
			return a.route.Priority > b.route.Priority
		}
		return a.sequence < b.sequence
	})

	return candidates[0].route, nil
}

// Routes returns a snapshot of every configured route, in insertion order.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sorted := make([]entry, len(t.entries))
	copy(sorted, t.entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].sequence < sorted[j].sequence })

	out := make([]Route, len(sorted))
	for i, e := range sorted {
		out[i] = e.route
	}
	return out
}
