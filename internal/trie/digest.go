package trie

import (
	"encoding/json"
	"fmt"

	"github.com/example/cellsync/internal/hlc"
)

// ValidateDigest checks a peer digest: every key must be a single alphabet
// symbol and the tree may not be deeper than MaxDepth.
func ValidateDigest(n *Node) error {
	return validate(n, "", 0)
}

func validate(n *Node, path string, depth int) error {
	if n == nil {
		return nil
	}
	if depth > MaxDepth {
		return &hlc.FormatError{Input: path, Reason: fmt.Sprintf("digest deeper than %d levels", MaxDepth)}
	}
	for key, child := range n.Children {
		if len(key) != 1 || !hlc.IsSymbol(key[0]) {
			return &hlc.FormatError{Input: path + key, Reason: "invalid digest key"}
		}
		if err := validate(child, path+key, depth+1); err != nil {
			return err
		}
	}
	return nil
}

// DecodeDigest parses and validates a JSON digest. Empty input is a nil
// digest, meaning the peer has nothing.
func DecodeDigest(data []byte) (*Node, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var root *Node
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, &hlc.FormatError{Input: "digest", Reason: err.Error()}
	}
	if err := ValidateDigest(root); err != nil {
		return nil, err
	}
	return root, nil
}

// Clone returns a deep copy of the fingerprint tree without leaf sets,
// suitable for handing to another goroutine or encoder.
func Clone(n *Node) *Node {
	if n == nil {
		return nil
	}
	out := &Node{Fingerprint: n.Fingerprint}
	if len(n.Children) > 0 {
		out.Children = make(map[string]*Node, len(n.Children))
		for key, child := range n.Children {
			out.Children[key] = Clone(child)
		}
	}
	return out
}

// Count returns the number of nodes in the tree.
func Count(n *Node) int {
	if n == nil {
		return 0
	}
	total := 1
	for _, child := range n.Children {
		total += Count(child)
	}
	return total
}
