package chatstore

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrNoRows is returned when an owner-scoped lookup matches nothing. Callers
// bootstrapping a chat treat it as a normal outcome, not a failure.
var ErrNoRows = errors.New("chatstore: no rows")

type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAI
}

// SessionRecord is a persisted chat session. ID and CreatedAt are assigned by
// the store; Title is the only mutable field.
type SessionRecord struct {
	ID        string    `json:"id" yaml:"id"`
	OwnerID   string    `json:"user_id" yaml:"user_id"`
	Title     string    `json:"title" yaml:"title"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// MessageRecord is a persisted, immutable chat message.
type MessageRecord struct {
	ID        string    `json:"id" yaml:"id"`
	SessionID string    `json:"session_id" yaml:"session_id"`
	Sender    Sender    `json:"sender" yaml:"sender"`
	Content   string    `json:"content" yaml:"content"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// APIKeyRecord is an owner-scoped third-party token the agent may use on the
// owner's behalf.
type APIKeyRecord struct {
	ID        string    `json:"id" yaml:"id"`
	OwnerID   string    `json:"user_id" yaml:"user_id"`
	Name      string    `json:"name" yaml:"name"`
	Token     string    `json:"token" yaml:"token"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// SessionStore is the record-oriented chat persistence surface. Every call is
// scoped to ownerID; rows belonging to another owner behave as if absent.
type SessionStore interface {
	InsertSession(ctx context.Context, ownerID string, title string) (SessionRecord, error)
	// LatestSession returns the owner's most recently created session or ErrNoRows.
	LatestSession(ctx context.Context, ownerID string) (SessionRecord, error)
	// ListSessions returns sessions newest first. limit <= 0 means all.
	ListSessions(ctx context.Context, ownerID string, limit int) ([]SessionRecord, error)
	GetSession(ctx context.Context, ownerID string, sessionID string) (SessionRecord, error)
	UpdateSessionTitle(ctx context.Context, ownerID string, sessionID string, title string) error
	DeleteSession(ctx context.Context, ownerID string, sessionID string) error

	InsertMessage(ctx context.Context, ownerID string, msg MessageRecord) (MessageRecord, error)
	// ListMessages returns a session's messages in creation order, ties by insertion order.
	ListMessages(ctx context.Context, ownerID string, sessionID string) ([]MessageRecord, error)
}

type APIKeyStore interface {
	ListAPIKeys(ctx context.Context, ownerID string) ([]APIKeyRecord, error)
	InsertAPIKey(ctx context.Context, ownerID string, name string, token string) (APIKeyRecord, error)
	RenameAPIKey(ctx context.Context, ownerID string, keyID string, name string) error
	DeleteAPIKey(ctx context.Context, ownerID string, keyID string) error
}

type Store interface {
	SessionStore
	APIKeyStore
	Close() error
}

func validateOwner(backend string, ownerID string) error {
	if strings.TrimSpace(ownerID) == "" {
		return errors.Errorf("%s: owner id is empty", backend)
	}
	return nil
}

func validateMessage(backend string, msg MessageRecord) error {
	if strings.TrimSpace(msg.SessionID) == "" {
		return errors.Errorf("%s: message session id is empty", backend)
	}
	if !msg.Sender.Valid() {
		return errors.Errorf("%s: invalid sender %q", backend, msg.Sender)
	}
	return nil
}

func validateAPIKey(backend string, name string, token string) error {
	if strings.TrimSpace(name) == "" {
		return errors.Errorf("%s: api key name is empty", backend)
	}
	if strings.TrimSpace(token) == "" {
		return errors.Errorf("%s: api key token is empty", backend)
	}
	return nil
}
