package wire

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/example/cellsync/internal/hlc"
	"github.com/example/cellsync/internal/trie"
	"github.com/example/cellsync/internal/types"
)

func sampleMessage() types.Message {
	return types.Message{
		{Hlc: hlc.Encode(1000, 0, 1), Change: types.Change{Table: "pets", Row: "fido", Cell: "species", Value: "dog"}},
		{Hlc: hlc.Encode(1000, 1, 1), Change: types.Change{Table: "pets", Row: "fido", Cell: "legs", Value: float64(4)}},
		{Hlc: hlc.Encode(1001, 0, 2), Change: types.Change{Table: "pets", Row: "felix", Cell: "furry", Value: true}},
		{Hlc: hlc.Encode(1002, 0, 2), Change: types.Change{Table: "pets", Row: "fido", Cell: "species", Value: nil}},
	}
}

func sampleDigest() *trie.Node {
	tr := trie.New()
	for _, entry := range sampleMessage() {
		tr.Insert(entry.Hlc)
	}
	return trie.Clone(tr.Root())
}

func TestJSONMessageIsFlatTuples(t *testing.T) {
	data, err := JSON.EncodeMessage(types.Message{
		{Hlc: "0000000000000000", Change: types.Change{Table: "t", Row: "r", Cell: "c", Value: nil}},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[["0000000000000000","t","r","c",null]]`, string(data))

	empty, err := JSON.EncodeMessage(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(empty))
}

func TestCodecsCarryMessagesAndDigests(t *testing.T) {
	for _, codec := range []Codec{JSON, Binary} {
		t.Run(codec.ContentType(), func(t *testing.T) {
			data, err := codec.EncodeMessage(sampleMessage())
			require.NoError(t, err)
			msg, err := codec.DecodeMessage(data)
			require.NoError(t, err)
			assert.Equal(t, sampleMessage(), msg)

			digest := sampleDigest()
			data, err = codec.EncodeDigest(digest)
			require.NoError(t, err)
			decoded, err := codec.DecodeDigest(data)
			require.NoError(t, err)
			assert.Equal(t, digest, decoded)
			assert.Empty(t, trie.Diff(digest, decoded))
		})
	}
}

func TestNilDigestDecodesToNil(t *testing.T) {
	for _, codec := range []Codec{JSON, Binary} {
		data, err := codec.EncodeDigest(nil)
		require.NoError(t, err)
		node, err := codec.DecodeDigest(data)
		require.NoError(t, err)
		assert.Nil(t, node)
	}
}

func TestBinaryMessageSharesRepeatedIds(t *testing.T) {
	msg := make(types.Message, 0, 50)
	for i := 0; i < 50; i++ {
		msg = append(msg, types.Entry{
			Hlc:    hlc.Encode(uint64(1000+i), 0, 1),
			Change: types.Change{Table: "inventory", Row: "warehouse-north", Cell: "quantity", Value: float64(i)},
		})
	}
	binary, err := Binary.EncodeMessage(msg)
	require.NoError(t, err)
	jsonData, err := JSON.EncodeMessage(msg)
	require.NoError(t, err)
	assert.Less(t, len(binary), len(jsonData))

	count := 0
	require.NoError(t, walkFields(binary, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == messageStrings {
			count++
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	}))
	assert.Equal(t, 3, count)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := JSON.DecodeMessage([]byte(`[["short"]]`))
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = JSON.DecodeDigest([]byte(`{"f":1,"c":{"ab":{"f":2}}}`))
	assert.True(t, errors.Is(err, ErrMalformed))
	var formatErr *hlc.FormatError
	assert.True(t, errors.As(err, &formatErr))

	_, err = Binary.DecodeMessage([]byte{0xff, 0xff, 0xff})
	assert.True(t, errors.Is(err, ErrMalformed))

	bad := protowire.AppendTag(nil, messageEntries, protowire.BytesType)
	entry := protowire.AppendTag(nil, entryTable, protowire.VarintType)
	entry = protowire.AppendVarint(entry, 7)
	bad = protowire.AppendBytes(bad, entry)
	_, err = Binary.DecodeMessage(bad)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestFramesRoundTrip(t *testing.T) {
	frames := []Frame{
		{Type: FrameDigest, Digest: sampleDigest()},
		{Type: FrameChanges, Changes: sampleMessage()},
		{Type: FrameError, Error: "bad digest"},
	}
	for _, codec := range []Codec{JSON, Binary} {
		for _, frame := range frames {
			data, err := codec.EncodeFrame(frame)
			require.NoError(t, err)
			decoded, err := codec.DecodeFrame(data)
			require.NoError(t, err)
			assert.Equal(t, frame, decoded)
		}
	}
}

func TestForContentType(t *testing.T) {
	assert.Equal(t, Binary, ForContentType("application/x-protobuf"))
	assert.Equal(t, JSON, ForContentType("application/json; charset=utf-8"))
	assert.Equal(t, JSON, ForContentType(""))
}
