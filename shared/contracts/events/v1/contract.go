// Package v1 defines the claimgate realtime event contract.
//
// Clients connect to /ws, send hello, and then receive server-pushed reward
// events for the authenticated user.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	Version = 1

	TypeHello           = "hello"
	TypeHelloAck        = "hello.ack"
	TypeAdCompleted     = "ad.completed"
	TypePeeredProgress  = "peered.progress"
	TypePeeredCompleted = "peered.completed"
	TypeError           = "error"
)

var AllowedTypes = map[string]struct{}{
	TypeHello:           {},
	TypeHelloAck:        {},
	TypeAdCompleted:     {},
	TypePeeredProgress:  {},
	TypePeeredCompleted: {},
	TypeError:           {},
}

type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// HelloPayload optionally names the client build for logs.
type HelloPayload struct {
	Client string `json:"client,omitempty"`
}

type HelloAckPayload struct {
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

type AdCompletedPayload struct {
	SessionID   string    `json:"session_id"`
	Provider    string    `json:"provider"`
	Reward      string    `json:"reward"`
	CompletedAt time.Time `json:"completed_at"`
}

type PeeredProgressPayload struct {
	SessionID  string   `json:"session_id"`
	GroupIndex int      `json:"group_index"`
	ProviderID string   `json:"provider_id"`
	Completed  []string `json:"completed"`
	Pending    []string `json:"pending"`
}

type PeeredCompletedPayload struct {
	SessionID      string    `json:"session_id"`
	GroupIndex     int       `json:"group_index"`
	CombinedReward string    `json:"combined_reward"`
	CompletedAt    time.Time `json:"completed_at"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
