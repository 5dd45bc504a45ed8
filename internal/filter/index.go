// Package filter contains the blocked-domain index consulted for every packet
// and the blocked-network set.
package filter

import (
	"sync"

	"github.com/p4th0r/tunfilter/internal/domain"
)

// node is one byte of a reversed domain path.
type node struct {
	children map[byte]*node

	// exact is set when a plain pattern ends here.  It blocks the name itself
	// and every name under it.
	exact bool

	// wildcard is set when a "*." pattern ends here.  It blocks strict
	// subdomains only.
	wildcard bool
}

// child returns the child for c, creating it if needed.
func (n *node) child(c byte) (ch *node) {
	if n.children == nil {
		n.children = make(map[byte]*node, 1)
	}

	ch = n.children[c]
	if ch == nil {
		ch = &node{}
		n.children[c] = ch
	}

	return ch
}

// Index is a byte trie of reversed domain patterns: "ads.example.com" is stored
// along the path "com.example.ads".  All methods are safe for concurrent use;
// one mutex guards the whole tree and is held for a single insert or check.
type Index struct {
	mu       *sync.Mutex
	root     *node
	patterns int
}

// New returns an empty *Index.
func New() (idx *Index) {
	return &Index{
		mu:   &sync.Mutex{},
		root: &node{},
	}
}

// Insert adds a blocklist pattern ("example.com" or "*.example.com").  It
// returns false if the pattern is empty, longer than [domain.MaxLen], or
// otherwise malformed.  Inserting a pattern twice is a no-op.
func (idx *Index) Insert(pattern string) (ok bool) {
	p, err := domain.Parse(pattern)
	if err != nil {
		return false
	}

	idx.InsertPattern(p)

	return true
}

// InsertPattern adds an already parsed pattern and reports whether it was not
// present before.
func (idx *Index) InsertPattern(p domain.Pattern) (added bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	n := idx.root
	for i := range len(p.Reversed) {
		n = n.child(p.Reversed[i])
	}

	if p.Wildcard {
		added = !n.wildcard
		n.wildcard = true
	} else {
		added = !n.exact
		n.exact = true
	}

	if added {
		idx.patterns++
	}

	return added
}

// Check reports whether candidate is blocked.  The reversed candidate is
// walked once; at every label boundary the node reached is consulted:
//
//   - an exact terminal blocks, so "example.com" blocks "example.com" and
//     "ads.example.com";
//   - a wildcard terminal blocks only if at least one more label follows, so
//     "*.example.com" blocks "x.example.com" and "y.x.example.com" but not
//     "example.com".
//
// Empty, malformed, and over-long candidates are not blocked.
func (idx *Index) Check(candidate string) (blocked bool) {
	d, err := domain.Normalize(candidate)
	if err != nil {
		return false
	}

	rev := domain.Reverse(d)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	n := idx.root
	for i := range len(rev) {
		n = n.children[rev[i]]
		if n == nil {
			return false
		}

		last := i+1 == len(rev)
		if !last && rev[i+1] != '.' {
			continue
		}

		if n.exact || (n.wildcard && !last) {
			return true
		}
	}

	return false
}

// Len returns the number of distinct patterns in the index.  A domain stored
// both as exact and as wildcard counts twice.
func (idx *Index) Len() (n int) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return idx.patterns
}
