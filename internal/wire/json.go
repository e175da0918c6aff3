package wire

import (
	"encoding/json"
	"fmt"

	"github.com/example/cellsync/internal/trie"
	"github.com/example/cellsync/internal/types"
)

type jsonCodec struct{}

func (jsonCodec) ContentType() string { return ContentTypeJSON }

// EncodeMessage renders the message as a list of flat
// [hlc, table, row, cell, value|null] tuples.
func (jsonCodec) EncodeMessage(msg types.Message) ([]byte, error) {
	if msg == nil {
		msg = types.Message{}
	}
	return json.Marshal(msg)
}

func (jsonCodec) DecodeMessage(data []byte) (types.Message, error) {
	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return msg, nil
}

func (jsonCodec) EncodeDigest(digest *trie.Node) ([]byte, error) {
	return json.Marshal(digest)
}

// DecodeDigest parses and validates a nested node digest. Empty input and
// "null" decode to a nil digest.
func (jsonCodec) DecodeDigest(data []byte) (*trie.Node, error) {
	node, err := trie.DecodeDigest(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return node, nil
}

func (jsonCodec) EncodeFrame(frame Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func (jsonCodec) DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if frame.Digest != nil {
		if err := trie.ValidateDigest(frame.Digest); err != nil {
			return Frame{}, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	}
	return frame, nil
}
