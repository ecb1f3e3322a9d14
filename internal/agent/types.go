// Package agent implements the conversation orchestrator: the gate between
// onboarding and the specialists, concurrent dispatch and synthesis.
package agent

import (
	"github.com/ashureev/dailybot/internal/domain"
	"github.com/ashureev/dailybot/internal/specialist"
)

// InboundEvent is one user message from any channel.
type InboundEvent struct {
	UserID  string             `json:"user_id"`
	Text    string             `json:"text"`
	Channel domain.ChannelKind `json:"channel_kind"`
}

// ReplyKind says which path produced a reply.
type ReplyKind string

const (
	// ReplyOnboarding is a reply from the onboarding dialog.
	ReplyOnboarding ReplyKind = "onboarding"
	// ReplySpecialists is a synthesized specialist reply.
	ReplySpecialists ReplyKind = "specialists"
	// ReplyExchange is the result of a multi-turn exchange.
	ReplyExchange ReplyKind = "exchange"
	// ReplyError is the fixed apology sent when nothing else could be produced.
	ReplyError ReplyKind = "error"
)

// Reply is what the orchestrator sends back. Text is never empty.
type Reply struct {
	Text       string           `json:"text"`
	Kind       ReplyKind        `json:"kind"`
	Mode       string           `json:"mode,omitempty"`
	Selected   []specialist.Tag `json:"selected,omitempty"`
	ExchangeID string           `json:"exchange_id,omitempty"`
}

// ChatRequest is the body of POST /api/agent/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse is the reply to POST /api/agent/chat.
type ChatResponse struct {
	Response string           `json:"response"`
	Kind     ReplyKind        `json:"kind"`
	Mode     string           `json:"mode,omitempty"`
	Selected []specialist.Tag `json:"selected,omitempty"`
}

// Response is a proactive message pushed to web stream clients.
type Response struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	UserID    string `json:"-"`
	SessionID string `json:"-"`
}

// ResponseTypeProactive marks scheduler and fan-out pushes.
const ResponseTypeProactive = "proactive"
