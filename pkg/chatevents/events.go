package chatevents

import (
	"context"
	"encoding/json"
	"time"
)

type Type string

const (
	SessionCreated   Type = "session.created"
	SessionResumed   Type = "session.resumed"
	SessionSwitched  Type = "session.switched"
	SessionRenamed   Type = "session.renamed"
	SessionDeleted   Type = "session.deleted"
	MessageAppended  Type = "message.appended"
	MessagePatched   Type = "message.patched"
	ExchangeStarted  Type = "exchange.started"
	ExchangeFinished Type = "exchange.finished"
)

// Event is one observable change in an owner's chat client.
type Event struct {
	Type      Type            `json:"type"`
	OwnerID   string          `json:"owner_id"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	At        time.Time       `json:"at"`
}

// New builds an event with data marshaled to JSON. Unmarshalable data is
// dropped rather than failing the caller.
func New(t Type, ownerID, sessionID string, data any) Event {
	ev := Event{Type: t, OwnerID: ownerID, SessionID: sessionID, At: time.Now().UTC()}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			ev.Data = b
		}
	}
	return ev
}

func Topic(ownerID string) string {
	return "chat." + ownerID
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, ownerID string) (<-chan Event, error)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
