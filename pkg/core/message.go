package core

import (
	"log/slog"
	"sync"
)

// APIVersion is announced as the first message of every streamed response.
const APIVersion = "0.1"

// Message is one tagged outbound object. Every message carries a
// message_type; streamed messages additionally carry the query_id.
type Message map[string]any

// Message type tags.
const (
	MsgAPIVersion       = "api_version"
	MsgDecontextualized = "decontextualized_query"
	MsgSiteIrrelevant   = "site_is_irrelevant_to_query"
	MsgAskUser          = "ask_user"
	MsgRemember         = "remember"
	MsgAskingSites      = "asking_sites"
	MsgResultBatch      = "result_batch"
	MsgSummary          = "summary"
	MsgNLWS             = "nlws"
	MsgComplete         = "complete"
)

// Streamer writes one message to the client. Implemented by the SSE
// transport and by test recorders.
type Streamer interface {
	WriteMessage(msg Message) error
}

// Sink serializes all outbound messages for one request. In streaming mode
// messages go to the Streamer, preceded by exactly one api_version
// announcement; a write failure clears the liveness flag and silences all
// further sends. In non-streaming mode messages aggregate into a return
// value keyed by message type, with result_batch results appended flat.
type Sink struct {
	mu          sync.Mutex
	streamer    Streamer
	queryID     string
	alive       *Flag
	versionSent bool
	returnValue map[string]any
}

// NewStreamSink builds a sink that streams through w.
func NewStreamSink(w Streamer, queryID string, alive *Flag) *Sink {
	return &Sink{
		streamer:    w,
		queryID:     queryID,
		alive:       alive,
		returnValue: make(map[string]any),
	}
}

// NewCollectSink builds a non-streaming sink that aggregates messages.
func NewCollectSink(queryID string, alive *Flag) *Sink {
	return &Sink{
		queryID:     queryID,
		alive:       alive,
		returnValue: make(map[string]any),
	}
}

// Send delivers one message. Never returns an error: connection loss is
// recorded in the liveness flag and otherwise swallowed.
func (s *Sink) Send(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.alive.IsSet() {
		return
	}

	if s.streamer == nil {
		s.collect(msg)
		return
	}

	msg["query_id"] = s.queryID
	if !s.versionSent {
		s.versionSent = true
		version := Message{
			"message_type": MsgAPIVersion,
			"api_version":  APIVersion,
			"query_id":     s.queryID,
		}
		if err := s.streamer.WriteMessage(version); err != nil {
			slog.Warn("Connection lost while sending api_version", "query_id", s.queryID, "error", err)
			s.alive.Clear()
			return
		}
	}

	if err := s.streamer.WriteMessage(msg); err != nil {
		slog.Warn("Connection lost while streaming message",
			"query_id", s.queryID, "message_type", msg["message_type"], "error", err)
		s.alive.Clear()
	}
}

// collect aggregates a message into the non-streaming return value.
// Caller holds s.mu.
func (s *Sink) collect(msg Message) {
	messageType, _ := msg["message_type"].(string)
	if messageType == MsgResultBatch {
		results, _ := msg["results"].([]Message)
		existing, _ := s.returnValue["results"].([]Message)
		s.returnValue["results"] = append(existing, results...)
		return
	}

	val := make(map[string]any, len(msg))
	for key, v := range msg {
		if key != "message_type" {
			val[key] = v
		}
	}
	s.returnValue[messageType] = val
}

// ReturnValue returns the aggregated non-streaming response.
func (s *Sink) ReturnValue() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.returnValue
}

// SetReturnField records a top-level field on the aggregated response.
func (s *Sink) SetReturnField(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.returnValue[key] = value
}
