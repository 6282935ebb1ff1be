package session

import "github.com/vango-go/vai-live/pkg/live/protocol"

// ConversationHistory keeps the most recent turns in insertion order.
type ConversationHistory struct {
	limit int
	turns []protocol.ConversationTurn
}

func NewConversationHistory(limit int) *ConversationHistory {
	if limit <= 0 {
		limit = DefaultTuning().HistoryLimit
	}
	return &ConversationHistory{
		limit: limit,
		turns: make([]protocol.ConversationTurn, 0, limit),
	}
}

func (h *ConversationHistory) Append(turn protocol.ConversationTurn) {
	h.turns = append(h.turns, turn)
	if over := len(h.turns) - h.limit; over > 0 {
		h.turns = append(h.turns[:0], h.turns[over:]...)
	}
}

func (h *ConversationHistory) Snapshot() []protocol.ConversationTurn {
	out := make([]protocol.ConversationTurn, len(h.turns))
	copy(out, h.turns)
	return out
}

func (h *ConversationHistory) Len() int { return len(h.turns) }

// Questions returns the user side of every stored turn, oldest first.
func (h *ConversationHistory) Questions() []string {
	out := make([]string, 0, len(h.turns))
	for _, t := range h.turns {
		out = append(out, t.UserText)
	}
	return out
}
