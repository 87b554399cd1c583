package domain

import "time"

// RequestState tracks one unit of summary work keyed by URL.
// Transitions are monotonic: PROCESSING -> COMPLETED or PROCESSING -> FAILED.
type RequestState string

const (
	StateProcessing RequestState = "PROCESSING"
	StateCompleted  RequestState = "COMPLETED"
	StateFailed     RequestState = "FAILED"
)

func (s RequestState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ChatMessage is one inbound message from the chat transport.
type ChatMessage struct {
	PartyID string
	Text    string
}

type Request struct {
	ID        string
	Key       string
	State     RequestState
	CreatedAt time.Time
	UpdatedAt time.Time
}

type WaitingParty struct {
	RequestID string
	PartyID   string
	CreatedAt time.Time
}

type CachedResult struct {
	Key       string
	Content   string
	CreatedAt time.Time
}
