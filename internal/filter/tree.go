package filter

import (
	"strings"
	"sync"
)

// domainNode is a single node of the reversed-segment radix tree.
type domainNode struct {
	// children holds static label segments (e.g. "www", "api").
	children map[string]*domainNode

	// wildcardChild holds the node for a '*' segment (matches exactly one label).
	wildcardChild *domainNode

	// globstarChild holds the node for a '**' segment (matches one or
	// more leading labels).
	globstarChild *domainNode

	// terminal marks that a pattern ends at this node.
	terminal bool
}

func newDomainNode() *domainNode {
	return &domainNode{children: make(map[string]*domainNode)}
}

// domainTree stores domain patterns label-reversed, so "mail.google.com"
// is walked as com -> google -> mail. Lookups run concurrently under a
// read lock; inserts happen only while the policy is being built.
type domainTree struct {
	mu   sync.RWMutex
	root *domainNode
}

func newDomainTree() *domainTree {
	return &domainTree{root: newDomainNode()}
}

func reverseSegments(segments []string) {
	for i, j := 0, len(segments)-1; i < j; i, j = i+1, j-1 {
		segments[i], segments[j] = segments[j], segments[i]
	}
}

func splitAndReverseDomain(domain string) []string {
	if domain == "" {
		return nil
	}

	segments := strings.Split(domain, ".")
	reverseSegments(segments)

	return segments
}

// insert adds a domain pattern to the tree.
func (t *domainTree) insert(pattern string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	node := t.root

	for _, segment := range splitAndReverseDomain(pattern) {
		switch segment {
		case "*":
			if node.wildcardChild == nil {
				node.wildcardChild = newDomainNode()
			}
			node = node.wildcardChild
		case "**":
			if node.globstarChild == nil {
				node.globstarChild = newDomainNode()
			}
			node = node.globstarChild
		default:
			if _, ok := node.children[segment]; !ok {
				node.children[segment] = newDomainNode()
			}
			node = node.children[segment]
		}
	}

	node.terminal = true
}

// contains reports whether the domain matches any stored pattern.
func (t *domainTree) contains(domain string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	segments := splitAndReverseDomain(domain)
	if len(segments) == 0 {
		return false
	}

	return lookupRecursive(t.root, segments)
}

func lookupRecursive(node *domainNode, segments []string) bool {
	if len(segments) == 0 {
		return node.terminal
	}

	segment := segments[0]
	remaining := segments[1:]

	// All viable paths must be checked; the first hit wins.

	if child, ok := node.children[segment]; ok {
		if lookupRecursive(child, remaining) {
			return true
		}
	}

	if node.wildcardChild != nil {
		if lookupRecursive(node.wildcardChild, remaining) {
			return true
		}
	}

	if node.globstarChild != nil {
		// '**' swallows at least one label, then the rest of the pattern
		// may resume at any later split point.
		for i := 1; i <= len(segments); i++ {
			if lookupRecursive(node.globstarChild, segments[i:]) {
				return true
			}
		}
	}

	return false
}
