package file

import (
	"strings"
	"sync"

	"github.com/danielloader/webcache/policy"
)

// TagPolicyKey is the reserved Tag key supplying a default CachePolicy
// for writes under a group, per spec.md §3/§4.3 ("Groups").
const TagPolicyKey = "policy"

// Tag is a group's free-form associated metadata.
type Tag map[string]any

// PolicyOrZero returns the Tag's reserved "policy" entry, or the zero
// Policy (Default) if absent or of the wrong type.
func (t Tag) PolicyOrZero() policy.Policy {
	if t == nil {
		return policy.Policy{}
	}
	if p, ok := t[TagPolicyKey].(policy.Policy); ok {
		return p
	}
	return policy.Policy{}
}

type group struct {
	prefix string
	tag    Tag
}

// groupTable is the ordered sequence of (prefix, tag) entries described
// in spec.md §3 ("Group"). First prefix match wins; adding an existing
// prefix updates its tag without changing its match-order position;
// removing a prefix deletes the entry. A group's on-disk root is
// derived by the adapter as <store root>/<md5(prefix)> (spec.md §6), so
// it is not stored here.
type groupTable struct {
	mu     sync.RWMutex
	order  []string // prefixes, insertion order
	lookup map[string]Tag
}

func newGroupTable() *groupTable {
	return &groupTable{lookup: make(map[string]Tag)}
}

// add is idempotent on the prefix: re-adding an existing prefix updates
// its tag without changing its position in match order.
func (g *groupTable) add(prefix string, tag Tag) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.lookup[prefix]; !exists {
		g.order = append(g.order, prefix)
	}
	g.lookup[prefix] = tag
}

// remove deletes prefix's entry. ok is false if prefix was never added.
func (g *groupTable) remove(prefix string) (ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.lookup[prefix]; !exists {
		return false
	}
	delete(g.lookup, prefix)
	for i, p := range g.order {
		if p == prefix {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return true
}

// match returns the first group (in insertion order) whose prefix
// matches url, or ok=false if none do.
func (g *groupTable) match(url string) (prefix string, tag Tag, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, p := range g.order {
		if strings.HasPrefix(url, p) {
			return p, g.lookup[p], true
		}
	}
	return "", nil, false
}

// prefixes returns every group prefix currently registered, in match
// order, for callers that need to enumerate all group roots (e.g. a
// sweep that also checks grouped subdirectories).
func (g *groupTable) prefixes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}
