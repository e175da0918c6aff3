package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/cellsync/internal/hlc"
	"github.com/example/cellsync/internal/trie"
	"github.com/example/cellsync/internal/types"
)

// Binary layout, protobuf wire format:
//
//	Message { repeated string strings = 1; repeated Entry entries = 2; }
//	Entry   { string hlc = 1; uint64 table = 2; uint64 row = 3; uint64 cell = 4; google.protobuf.Value value = 5; }
//	Node    { fixed32 fingerprint = 1; repeated Child children = 2; }
//	Child   { string key = 1; Node node = 2; }
//	Frame   { string type = 1; Node digest = 2; Message changes = 3; string error = 4; }
//
// Entry ids index into Message.strings. A missing value is a tombstone.
const (
	messageStrings protowire.Number = 1
	messageEntries protowire.Number = 2

	entryHlc   protowire.Number = 1
	entryTable protowire.Number = 2
	entryRow   protowire.Number = 3
	entryCell  protowire.Number = 4
	entryValue protowire.Number = 5

	nodeFingerprint protowire.Number = 1
	nodeChildren    protowire.Number = 2
	childKey        protowire.Number = 1
	childNode       protowire.Number = 2

	frameType    protowire.Number = 1
	frameDigest  protowire.Number = 2
	frameChanges protowire.Number = 3
	frameError   protowire.Number = 4
)

type binaryCodec struct{}

func (binaryCodec) ContentType() string { return ContentTypeBinary }

func (binaryCodec) EncodeMessage(msg types.Message) ([]byte, error) {
	return appendMessage(nil, msg)
}

func (binaryCodec) DecodeMessage(data []byte) (types.Message, error) {
	msg, err := parseMessage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return msg, nil
}

func (binaryCodec) EncodeDigest(digest *trie.Node) ([]byte, error) {
	if digest == nil {
		return []byte{}, nil
	}
	return appendNode(nil, digest, 0)
}

// DecodeDigest parses a binary digest. Empty input is a nil digest.
func (binaryCodec) DecodeDigest(data []byte) (*trie.Node, error) {
	if len(data) == 0 {
		return nil, nil
	}
	node, err := parseNode(data, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return node, nil
}

func (binaryCodec) EncodeFrame(frame Frame) ([]byte, error) {
	b := protowire.AppendTag(nil, frameType, protowire.BytesType)
	b = protowire.AppendString(b, string(frame.Type))
	if frame.Digest != nil {
		node, err := appendNode(nil, frame.Digest, 0)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, frameDigest, protowire.BytesType)
		b = protowire.AppendBytes(b, node)
	}
	if len(frame.Changes) > 0 {
		msg, err := appendMessage(nil, frame.Changes)
		if err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, frameChanges, protowire.BytesType)
		b = protowire.AppendBytes(b, msg)
	}
	if frame.Error != "" {
		b = protowire.AppendTag(b, frameError, protowire.BytesType)
		b = protowire.AppendString(b, frame.Error)
	}
	return b, nil
}

func (binaryCodec) DecodeFrame(data []byte) (Frame, error) {
	var frame Frame
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == frameType && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			frame.Type = FrameType(v)
			return n, nil
		case num == frameDigest && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			node, err := parseNode(v, 0)
			frame.Digest = node
			return n, err
		case num == frameChanges && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			msg, err := parseMessage(v)
			frame.Changes = msg
			return n, err
		case num == frameError && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			frame.Error = v
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return frame, nil
}

type stringTable struct {
	index   map[string]uint64
	strings []string
}

func (t *stringTable) id(s string) uint64 {
	if id, ok := t.index[s]; ok {
		return id
	}
	id := uint64(len(t.strings))
	t.index[s] = id
	t.strings = append(t.strings, s)
	return id
}

func appendMessage(b []byte, msg types.Message) ([]byte, error) {
	table := &stringTable{index: make(map[string]uint64)}
	var entries []byte
	for _, entry := range msg {
		var e []byte
		e = protowire.AppendTag(e, entryHlc, protowire.BytesType)
		e = protowire.AppendString(e, string(entry.Hlc))
		e = protowire.AppendTag(e, entryTable, protowire.VarintType)
		e = protowire.AppendVarint(e, table.id(entry.Change.Table))
		e = protowire.AppendTag(e, entryRow, protowire.VarintType)
		e = protowire.AppendVarint(e, table.id(entry.Change.Row))
		e = protowire.AppendTag(e, entryCell, protowire.VarintType)
		e = protowire.AppendVarint(e, table.id(entry.Change.Cell))
		if !entry.Change.Tombstone() {
			value, err := structpb.NewValue(entry.Change.Value)
			if err != nil {
				return nil, fmt.Errorf("encode value of %s: %w", entry.Hlc, err)
			}
			raw, err := proto.Marshal(value)
			if err != nil {
				return nil, fmt.Errorf("encode value of %s: %w", entry.Hlc, err)
			}
			e = protowire.AppendTag(e, entryValue, protowire.BytesType)
			e = protowire.AppendBytes(e, raw)
		}
		entries = protowire.AppendTag(entries, messageEntries, protowire.BytesType)
		entries = protowire.AppendBytes(entries, e)
	}

	for _, s := range table.strings {
		b = protowire.AppendTag(b, messageStrings, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return append(b, entries...), nil
}

type rawEntry struct {
	hlc              string
	table, row, cell uint64
	value            []byte
	hasValue         bool
}

func parseMessage(data []byte) (types.Message, error) {
	var strings []string
	var raws []rawEntry
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == messageStrings && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			strings = append(strings, v)
			return n, nil
		case num == messageEntries && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			raw, err := parseEntry(v)
			raws = append(raws, raw)
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}

	lookup := func(id uint64) (string, error) {
		if id >= uint64(len(strings)) {
			return "", fmt.Errorf("string id %d out of range", id)
		}
		return strings[id], nil
	}

	msg := make(types.Message, 0, len(raws))
	for _, raw := range raws {
		var change types.Change
		var err error
		if change.Table, err = lookup(raw.table); err != nil {
			return nil, err
		}
		if change.Row, err = lookup(raw.row); err != nil {
			return nil, err
		}
		if change.Cell, err = lookup(raw.cell); err != nil {
			return nil, err
		}
		if raw.hasValue {
			var value structpb.Value
			if err := proto.Unmarshal(raw.value, &value); err != nil {
				return nil, fmt.Errorf("decode value of %s: %w", raw.hlc, err)
			}
			if change.Value, err = types.NormalizeValue(value.AsInterface()); err != nil {
				return nil, err
			}
		}
		msg = append(msg, types.Entry{Hlc: types.Hlc(raw.hlc), Change: change})
	}
	return msg, nil
}

func parseEntry(data []byte) (rawEntry, error) {
	var raw rawEntry
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == entryHlc && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			raw.hlc = v
			return n, nil
		case num == entryTable && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			raw.table = v
			return n, nil
		case num == entryRow && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			raw.row = v
			return n, nil
		case num == entryCell && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			raw.cell = v
			return n, nil
		case num == entryValue && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			raw.value = v
			raw.hasValue = true
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return raw, err
}

func appendNode(b []byte, node *trie.Node, depth int) ([]byte, error) {
	if depth > trie.MaxDepth {
		return nil, fmt.Errorf("digest deeper than %d levels", trie.MaxDepth)
	}
	b = protowire.AppendTag(b, nodeFingerprint, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, node.Fingerprint)
	for _, key := range sortedKeys(node.Children) {
		child, err := appendNode(nil, node.Children[key], depth+1)
		if err != nil {
			return nil, err
		}
		var c []byte
		c = protowire.AppendTag(c, childKey, protowire.BytesType)
		c = protowire.AppendString(c, key)
		c = protowire.AppendTag(c, childNode, protowire.BytesType)
		c = protowire.AppendBytes(c, child)
		b = protowire.AppendTag(b, nodeChildren, protowire.BytesType)
		b = protowire.AppendBytes(b, c)
	}
	return b, nil
}

func parseNode(data []byte, depth int) (*trie.Node, error) {
	if depth > trie.MaxDepth {
		return nil, &hlc.FormatError{Input: "digest", Reason: fmt.Sprintf("digest deeper than %d levels", trie.MaxDepth)}
	}
	node := &trie.Node{}
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == nodeFingerprint && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(b)
			node.Fingerprint = v
			return n, nil
		case num == nodeChildren && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			key, child, err := parseChild(v, depth)
			if err != nil {
				return n, err
			}
			if len(key) != 1 || !hlc.IsSymbol(key[0]) {
				return n, &hlc.FormatError{Input: key, Reason: "invalid digest key"}
			}
			if node.Children == nil {
				node.Children = make(map[string]*trie.Node)
			}
			node.Children[key] = child
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func parseChild(data []byte, depth int) (string, *trie.Node, error) {
	var key string
	var child *trie.Node
	err := walkFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == childKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			key = v
			return n, nil
		case num == childNode && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			node, err := parseNode(v, depth+1)
			child = node
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err == nil && child == nil {
		child = &trie.Node{}
	}
	return key, child, err
}

// walkFields iterates the top-level fields of a protobuf-wire buffer. The
// callback consumes one field value and returns its length, negative on a
// protowire parse failure.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}
		data = data[n:]
		m, err := fn(num, typ, data)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		data = data[m:]
	}
	return nil
}
