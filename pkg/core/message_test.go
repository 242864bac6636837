package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamSinkFirstMessageIsAPIVersion(t *testing.T) {
	rec := &recordingStreamer{}
	sink := NewStreamSink(rec, "q1", NewFlag(true))

	sink.Send(Message{"message_type": MsgAskingSites, "message": "Asking Imdb"})

	msgs := rec.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, MsgAPIVersion, msgs[0]["message_type"])
	assert.Equal(t, APIVersion, msgs[0]["api_version"])
	assert.Equal(t, "q1", msgs[0]["query_id"])
	assert.Equal(t, MsgAskingSites, msgs[1]["message_type"])
}

func TestStreamSinkSendsVersionOnce(t *testing.T) {
	rec := &recordingStreamer{}
	sink := NewStreamSink(rec, "q1", NewFlag(true))

	sink.Send(Message{"message_type": MsgSummary, "message": "a"})
	sink.Send(Message{"message_type": MsgSummary, "message": "b"})

	assert.Len(t, rec.ofType(MsgAPIVersion), 1)
	assert.Len(t, rec.ofType(MsgSummary), 2)
}

func TestStreamSinkAttachesQueryID(t *testing.T) {
	rec := &recordingStreamer{}
	sink := NewStreamSink(rec, "q42", NewFlag(true))

	sink.Send(Message{"message_type": MsgSummary, "message": "s"})
	for _, m := range rec.all() {
		assert.Equal(t, "q42", m["query_id"])
	}
}

func TestStreamSinkClearsAliveOnWriteFailure(t *testing.T) {
	rec := &recordingStreamer{failAfter: 2}
	alive := NewFlag(true)
	sink := NewStreamSink(rec, "q1", alive)

	sink.Send(Message{"message_type": MsgSummary, "message": "a"}) // version + summary
	assert.True(t, alive.IsSet())

	sink.Send(Message{"message_type": MsgSummary, "message": "b"}) // write fails
	assert.False(t, alive.IsSet())

	// Subsequent sends are dropped without touching the streamer.
	sink.Send(Message{"message_type": MsgSummary, "message": "c"})
	assert.Len(t, rec.all(), 2)
}

func TestCollectSinkAggregatesByType(t *testing.T) {
	sink := NewCollectSink("q1", NewFlag(true))

	sink.Send(Message{"message_type": MsgSummary, "message": "first"})
	sink.Send(Message{"message_type": MsgSummary, "message": "second"})
	sink.Send(Message{
		"message_type": MsgResultBatch,
		"results":      []Message{{"url": "u1"}, {"url": "u2"}},
	})
	sink.Send(Message{
		"message_type": MsgResultBatch,
		"results":      []Message{{"url": "u3"}},
	})

	rv := sink.ReturnValue()

	// Non-batch messages overwrite by type; the latest wins.
	summary, ok := rv[MsgSummary].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "second", summary["message"])

	// result_batch accumulates into a flat list.
	results, ok := rv["results"].([]Message)
	require.True(t, ok)
	require.Len(t, results, 3)
	assert.Equal(t, "u1", results[0]["url"])
	assert.Equal(t, "u3", results[2]["url"])
}

func TestCollectSinkNoAPIVersion(t *testing.T) {
	sink := NewCollectSink("q1", NewFlag(true))
	sink.Send(Message{"message_type": MsgSummary, "message": "s"})
	assert.NotContains(t, sink.ReturnValue(), MsgAPIVersion)
}
