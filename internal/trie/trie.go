// Package trie summarizes a set of Hlcs as a prefix tree whose nodes carry
// the XOR of their descendants' hashes, so two replicas can find the
// timestamps one of them lacks by walking only divergent branches.
package trie

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/example/cellsync/internal/hlc"
	"github.com/example/cellsync/internal/types"
)

// MaxDepth is the deepest a trie can be: one level per Hlc character.
const MaxDepth = hlc.Length

// Node is one level of the trie. The same shape doubles as the digest sent to
// peers; the leaf Hlc set is local bookkeeping and is never serialized.
type Node struct {
	Fingerprint uint32           `json:"f"`
	Children    map[string]*Node `json:"c,omitempty"`

	hlcs map[types.Hlc]struct{}
}

// Child returns the child keyed by a single alphabet symbol, or nil.
func (n *Node) Child(key string) *Node {
	if n == nil {
		return nil
	}
	return n.Children[key]
}

// Trie is an append-only set of Hlcs.
type Trie struct {
	root  *Node
	depth int
	size  int
}

// Option configures a Trie.
type Option func(*Trie)

// WithDepth bounds the number of levels. Values outside 1..MaxDepth are
// clamped. Shallower tries use less memory but diff at bucket granularity.
func WithDepth(depth int) Option {
	return func(t *Trie) {
		if depth < 1 {
			depth = 1
		}
		if depth > MaxDepth {
			depth = MaxDepth
		}
		t.depth = depth
	}
}

// New constructs an empty trie.
func New(opts ...Option) *Trie {
	t := &Trie{root: &Node{}, depth: MaxDepth}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Insert adds an Hlc. Inserting an Hlc that is already present is a no-op,
// as is inserting a string of the wrong length.
func (t *Trie) Insert(h types.Hlc) {
	if len(h) != hlc.Length || t.Contains(h) {
		return
	}
	hash := Hash(h)
	node := t.root
	for i := 0; i < t.depth; i++ {
		node.Fingerprint ^= hash
		key := string(h[i])
		child := node.Children[key]
		if child == nil {
			if node.Children == nil {
				node.Children = make(map[string]*Node)
			}
			child = &Node{}
			node.Children[key] = child
		}
		node = child
	}
	node.Fingerprint ^= hash
	if node.hlcs == nil {
		node.hlcs = make(map[types.Hlc]struct{}, 1)
	}
	node.hlcs[h] = struct{}{}
	t.size++
}

// Contains reports whether the Hlc has been inserted.
func (t *Trie) Contains(h types.Hlc) bool {
	if len(h) < t.depth {
		return false
	}
	node := t.root
	for i := 0; i < t.depth && node != nil; i++ {
		node = node.Children[string(h[i])]
	}
	if node == nil {
		return false
	}
	_, ok := node.hlcs[h]
	return ok
}

// Root returns the root node. Callers must treat it as read-only.
func (t *Trie) Root() *Node {
	return t.root
}

// Fingerprint is the root fingerprint, a digest of the whole set.
func (t *Trie) Fingerprint() uint32 {
	return t.root.Fingerprint
}

// Len returns the number of distinct Hlcs inserted.
func (t *Trie) Len() int {
	return t.size
}

// Depth returns the configured number of levels.
func (t *Trie) Depth() int {
	return t.depth
}

// Excess returns the Hlcs this trie holds that the peer digest lacks.
func (t *Trie) Excess(theirs *Node) []types.Hlc {
	return Diff(t.root, theirs)
}

// Diff walks both trees and returns, sorted, the Hlcs under mine whose
// branches are missing from or disagree with theirs. A nil theirs yields
// everything under mine.
func Diff(mine, theirs *Node) []types.Hlc {
	var out []types.Hlc
	diff(mine, theirs, &out)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func diff(mine, theirs *Node, out *[]types.Hlc) {
	if mine == nil {
		return
	}
	if theirs != nil && mine.Fingerprint == theirs.Fingerprint {
		return
	}
	for h := range mine.hlcs {
		*out = append(*out, h)
	}
	for key, child := range mine.Children {
		diff(child, theirs.Child(key), out)
	}
}

// Hash is the per-Hlc value folded into fingerprints.
func Hash(h types.Hlc) uint32 {
	sum := xxhash.Sum64String(string(h))
	return uint32(sum) ^ uint32(sum>>32)
}
