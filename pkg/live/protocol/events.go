// Package protocol defines the events the live session emits to its UI sink
// and the commands a UI may send back.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	EventTypeStatus                = "status"
	EventTypeResponse              = "response"
	EventTypeTranscription         = "transcription"
	EventTypeConversationTurnSaved = "conversationTurnSaved"
)

const (
	StatusInitializing = "initializing"
	StatusConnected    = "connected"
	StatusError        = "error"
	StatusClosed       = "closed"
)

type Event interface {
	EventType() string
}

type StatusEvent struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (StatusEvent) EventType() string { return EventTypeStatus }

// ResponseEvent carries either an incremental fragment (Text), the answer so
// far (Cumulative), or the end of a generation (Done).
type ResponseEvent struct {
	Text       string `json:"text,omitempty"`
	Cumulative string `json:"cumulative,omitempty"`
	Done       bool   `json:"done,omitempty"`
}

func (ResponseEvent) EventType() string { return EventTypeResponse }

type TranscriptionEvent struct {
	Text      string `json:"text"`
	IsNewTurn bool   `json:"isNewTurn"`
}

func (TranscriptionEvent) EventType() string { return EventTypeTranscription }

// ConversationTurn is one user utterance paired with one generated answer.
type ConversationTurn struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserText  string    `json:"userText"`
	AIText    string    `json:"aiText"`
}

type ConversationTurnSavedEvent struct {
	Turn    ConversationTurn   `json:"turn"`
	History []ConversationTurn `json:"history"`
}

func (ConversationTurnSavedEvent) EventType() string { return EventTypeConversationTurnSaved }

type envelope struct {
	Type    string `json:"type"`
	Payload Event  `json:"payload"`
}

// Marshal encodes an event as {"type": ..., "payload": ...}.
func Marshal(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, fmt.Errorf("event is nil")
	}
	return json.Marshal(envelope{Type: ev.EventType(), Payload: ev})
}
