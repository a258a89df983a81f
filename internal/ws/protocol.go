package ws

import (
	"encoding/json"

	"github.com/google/uuid"
)

type MessageType string

const (
	// client → server
	MsgAuthenticate MessageType = "authenticate"
	MsgClick        MessageType = "click"
	MsgQueryCount   MessageType = "queryCount"

	// server → client
	MsgCounterUpdated MessageType = "counterUpdated"
	MsgAnswerCount    MessageType = "answerCount"
	MsgNewUserJoined  MessageType = "newUserJoined"
	MsgError          MessageType = "error"
)

// Message is the inbound envelope. The payload stays raw until the type is
// known, then is decoded into the matching payload struct; anything that
// doesn't decode is rejected at this boundary and never reaches the
// registry.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Envelope is the outbound counterpart.
type Envelope struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload,omitempty"`
}

type AuthenticatePayload struct {
	Token string `json:"token"`
}

type ClickPayload struct {
	Count int64 `json:"count"`
}

type CounterUpdatedPayload struct {
	UserID uuid.UUID `json:"userId"`
	Count  int64     `json:"count"`
}

type AnswerCountPayload struct {
	Count int64 `json:"count"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	CodeNotAuthenticated     = "not_authenticated"
	CodeAlreadyAuthenticated = "already_authenticated"
	CodeUserConnected        = "user_connected"
	CodeInvalidInput         = "invalid_input"
	CodeInvalidIdentity      = "invalid_identity"
	CodeBlocked              = "blocked"
	CodeStoreUnavailable     = "store_unavailable"
	CodeUnknown              = "unknown"
)
