// Package iptrie is a radix trie over IP prefixes, adapted from
// transitorykris-kbgp's radix package (edge-per-prefix node structure,
// walked by containment rather than by bit) for flow-counter
// pattern-overlap rejection (spec.md §4.6), a containment problem neither
// the teacher's single-prefix pkg/util/ip.go nor a flat scan covers well.
// pkg/flowcounterorch is its only user; the "prefix is a subnet of an
// existing interface" check (spec.md §4.4 step 2) does not use it.
package iptrie

import (
	"fmt"

	"github.com/newtron-network/newtron/pkg/nhtypes"
)

type edge struct {
	target *node
	prefix nhtypes.IpPrefix
	value  interface{}
}

type node struct {
	edges []*edge
}

// Trie holds IpPrefix -> value associations with prefix-containment
// structure: an edge's target node holds every inserted prefix that is a
// subnet of that edge's prefix.
type Trie struct {
	root *node
}

// New returns an empty trie.
func New() *Trie {
	return &Trie{root: &node{}}
}

// Insert adds prefix -> value. A re-insertion of an existing prefix
// replaces its value.
func (t *Trie) Insert(prefix nhtypes.IpPrefix, value interface{}) {
	best := t.lookupEdge(t.root, prefix)
	var parent *node
	if best == nil {
		parent = t.root
	} else if best.prefix.String() == prefix.String() {
		best.value = value
		return
	} else {
		parent = best.target
	}

	fresh := &edge{target: &node{}, prefix: prefix, value: value}
	parent.edges = append(parent.edges, fresh)

	// Re-parent any existing sibling edges that are subnets of the new one.
	remaining := parent.edges[:0]
	for _, e := range parent.edges {
		if e != fresh && prefix.Contains(e.prefix) {
			fresh.target.edges = append(fresh.target.edges, e)
			continue
		}
		remaining = append(remaining, e)
	}
	parent.edges = remaining
}

// Delete removes an exact prefix. Reports whether it was present.
func (t *Trie) Delete(prefix nhtypes.IpPrefix) bool {
	return t.delete(t.root, prefix)
}

func (t *Trie) delete(n *node, prefix nhtypes.IpPrefix) bool {
	for i, e := range n.edges {
		if e.prefix.String() == prefix.String() {
			// Promote the removed edge's children to this node.
			merged := make([]*edge, 0, len(n.edges)-1+len(e.target.edges))
			merged = append(merged, n.edges[:i]...)
			merged = append(merged, e.target.edges...)
			merged = append(merged, n.edges[i+1:]...)
			n.edges = merged
			return true
		}
		if e.prefix.Contains(prefix) {
			return t.delete(e.target, prefix)
		}
	}
	return false
}

// Lookup returns the most specific (longest-match) inserted prefix that
// contains the given prefix, if any.
func (t *Trie) Lookup(prefix nhtypes.IpPrefix) (nhtypes.IpPrefix, interface{}, error) {
	e := t.lookupEdge(t.root, prefix)
	if e == nil {
		return nhtypes.IpPrefix{}, nil, fmt.Errorf("iptrie: no entry covers %s", prefix)
	}
	return e.prefix, e.value, nil
}

func (t *Trie) lookupEdge(n *node, prefix nhtypes.IpPrefix) *edge {
	var best *edge
	for _, e := range n.edges {
		if e.prefix.Contains(prefix) {
			best = e
			if next := t.lookupEdge(e.target, prefix); next != nil {
				return next
			}
			return best
		}
	}
	return best
}

// Overlaps reports whether any inserted prefix shares an address with the
// given one — either contains it, is contained by it, or is identical.
// Used to reject a new flow-counter pattern whose (vrf, prefix) set would
// intersect an existing pattern's (spec.md §4.6, "pattern overlap is
// forbidden").
func (t *Trie) Overlaps(prefix nhtypes.IpPrefix) (nhtypes.IpPrefix, bool) {
	if existing, _, err := t.Lookup(prefix); err == nil {
		return existing, true
	}
	if found, ok := t.findContainedBy(t.root, prefix); ok {
		return found, true
	}
	return nhtypes.IpPrefix{}, false
}

// findContainedBy looks for any inserted prefix that prefix itself
// contains (the mirror case Lookup's containment direction misses).
func (t *Trie) findContainedBy(n *node, prefix nhtypes.IpPrefix) (nhtypes.IpPrefix, bool) {
	for _, e := range n.edges {
		if prefix.Contains(e.prefix) || e.prefix.String() == prefix.String() {
			return e.prefix, true
		}
		if found, ok := t.findContainedBy(e.target, prefix); ok {
			return found, true
		}
	}
	return nhtypes.IpPrefix{}, false
}
