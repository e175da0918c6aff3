package broadcast

import (
	"context"
	"io"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/cellsync/internal/hlc"
	"github.com/example/cellsync/internal/types"
)

type recordingApplier struct {
	batches []types.Message
}

func (a *recordingApplier) SetChanges(_ context.Context, msg types.Message) error {
	a.batches = append(a.batches, msg)
	return nil
}

func sampleBatch() types.Message {
	return types.Message{
		{Hlc: hlc.Encode(1000, 0, 1), Change: types.Change{Table: "pets", Row: "fido", Cell: "species", Value: "dog"}},
	}
}

func TestProcessAppliesSiblingBatchesOnce(t *testing.T) {
	sender := NewRedisBroadcaster(nil, "eu", "sender", zerolog.New(io.Discard))
	receiver := NewRedisBroadcaster(nil, "eu", "receiver", zerolog.New(io.Discard))
	assert.Equal(t, "cells:eu", receiver.Channel())

	encoded, err := sender.encode(sampleBatch())
	require.NoError(t, err)
	msg := &redis.Message{Channel: receiver.Channel(), Payload: string(encoded)}

	applier := &recordingApplier{}
	require.NoError(t, receiver.process(context.Background(), msg, applier))
	require.NoError(t, receiver.process(context.Background(), msg, applier))

	require.Len(t, applier.batches, 1)
	assert.Equal(t, sampleBatch(), applier.batches[0])
}

func TestProcessSkipsOwnBatches(t *testing.T) {
	b := NewRedisBroadcaster(nil, "eu", "self", zerolog.New(io.Discard))
	encoded, err := b.encode(sampleBatch())
	require.NoError(t, err)

	applier := &recordingApplier{}
	require.NoError(t, b.process(context.Background(), &redis.Message{Channel: b.Channel(), Payload: string(encoded)}, applier))
	assert.Empty(t, applier.batches)
}

func TestProcessRejectsMalformedPayloads(t *testing.T) {
	b := NewRedisBroadcaster(nil, "eu", "self", zerolog.New(io.Discard))
	applier := &recordingApplier{}

	assert.Error(t, b.process(context.Background(), &redis.Message{Payload: "not json"}, applier))
	assert.Error(t, b.process(context.Background(), &redis.Message{Payload: `{"id":"x"}`}, applier))
	assert.Error(t, b.process(context.Background(), &redis.Message{Payload: `{"id":"x","origin":"peer","payload":"/w=="}`}, applier))
	assert.Empty(t, applier.batches)
}

func TestPublishWithoutClientFails(t *testing.T) {
	b := NewRedisBroadcaster(nil, "eu", "self", zerolog.New(io.Discard))
	assert.Error(t, b.Publish(context.Background(), sampleBatch()))
}
