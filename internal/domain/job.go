package domain

import (
	"encoding/json"
	"time"
)

// Outcome is what happened to a job after one processing attempt.
type Outcome string

const (
	Succeeded    Outcome = "succeeded"
	Requeued     Outcome = "requeued"
	Scheduled    Outcome = "scheduled"
	DeadLettered Outcome = "dead_lettered"
)

// Envelope is a payload plus its retry metadata as it travels through the
// queue. RetryCount only grows; an envelope past the retry limit is parked in
// the dead-letter list and never pushed to the main list again.
type Envelope struct {
	Payload    json.RawMessage `json:"payload"`
	RetryCount int             `json:"retry_count"`
}

func NewEnvelope(payload json.RawMessage) *Envelope {
	return &Envelope{Payload: payload}
}

func (e *Envelope) Encode() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func DecodeEnvelope(raw string) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Conversation struct {
	ID           string
	ContactKey   string
	ContactName  string
	Summary      string
	MessageCount int
	LastReply    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	// ExternalID is the gateway's message id for inbound messages. A second
	// message with the same ExternalID in a conversation is not stored.
	ExternalID string
	CreatedAt  time.Time
}
