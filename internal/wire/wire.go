// Package wire holds the canonical encodings exchanged between replicas: the
// change message, the trie digest, and the websocket frame that carries
// either of them.
package wire

import (
	"errors"
	"mime"
	"sort"

	"github.com/example/cellsync/internal/trie"
	"github.com/example/cellsync/internal/types"
)

const (
	ContentTypeJSON   = "application/json"
	ContentTypeBinary = "application/x-protobuf"
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed sync payload")

// FrameType discriminates websocket frames.
type FrameType string

const (
	// FrameDigest carries the sender's trie digest and asks for its excess.
	FrameDigest FrameType = "digest"
	// FrameChanges carries a batch of entries.
	FrameChanges FrameType = "changes"
	// FrameError reports a rejected frame.
	FrameError FrameType = "error"
)

// Frame is one websocket message.
type Frame struct {
	Type    FrameType     `json:"type"`
	Digest  *trie.Node    `json:"digest,omitempty"`
	Changes types.Message `json:"changes,omitempty"`
	Error   string        `json:"error,omitempty"`
}

// Codec encodes and decodes sync payloads.
type Codec interface {
	ContentType() string
	EncodeMessage(msg types.Message) ([]byte, error)
	DecodeMessage(data []byte) (types.Message, error)
	EncodeDigest(digest *trie.Node) ([]byte, error)
	DecodeDigest(data []byte) (*trie.Node, error)
	EncodeFrame(frame Frame) ([]byte, error)
	DecodeFrame(data []byte) (Frame, error)
}

var (
	JSON   Codec = jsonCodec{}
	Binary Codec = binaryCodec{}
)

// ForContentType picks a codec from a Content-Type or Accept header value,
// falling back to JSON.
func ForContentType(value string) Codec {
	mediaType, _, err := mime.ParseMediaType(value)
	if err == nil && mediaType == ContentTypeBinary {
		return Binary
	}
	return JSON
}

func sortedKeys(children map[string]*trie.Node) []string {
	keys := make([]string, 0, len(children))
	for key := range children {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
