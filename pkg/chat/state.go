package chat

import (
	"sync"
	"time"

	"github.com/go-go-golems/agentchat/pkg/persistence/chatstore"
)

// Entry is one message in local chat state. LocalKey is assigned on creation
// and never changes; ID stays empty until the store has acknowledged it.
type Entry struct {
	LocalKey  string           `json:"local_key"`
	ID        string           `json:"id,omitempty"`
	SessionID string           `json:"session_id"`
	Sender    chatstore.Sender `json:"sender"`
	Content   string           `json:"content"`
	CreatedAt time.Time        `json:"created_at"`
}

func (e Entry) Saved() bool { return e.ID != "" }

type Snapshot struct {
	OwnerID   string  `json:"owner_id"`
	SessionID string  `json:"session_id"`
	Entries   []Entry `json:"messages"`
	Busy      bool    `json:"busy"`
}

// State is the local view of the current session: its id, its entries and
// whether an exchange is in flight.
type State struct {
	mu        sync.Mutex
	ownerID   string
	sessionID string
	entries   []Entry
	busy      bool
}

func NewState(ownerID string) *State {
	return &State{ownerID: ownerID}
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		OwnerID:   s.ownerID,
		SessionID: s.sessionID,
		Entries:   append([]Entry(nil), s.entries...),
		Busy:      s.busy,
	}
}

func (s *State) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

func (s *State) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Replace swaps the current session and its entries wholesale.
func (s *State) Replace(sessionID string, entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
	s.entries = append([]Entry(nil), entries...)
}

// AppendIfSession appends e only while sessionID is still current.
func (s *State) AppendIfSession(sessionID string, e Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionID != sessionID {
		return false
	}
	s.entries = append(s.entries, e)
	return true
}

// PatchID attaches a store id to the entry with localKey. Entries that are no
// longer in local state are left alone.
func (s *State) PatchID(localKey string, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.entries {
		if s.entries[i].LocalKey == localKey {
			s.entries[i].ID = id
			return true
		}
	}
	return false
}

// beginExchange marks the state busy and appends the pending user entry to the
// current session in one step. It reports ok=false with no change when there
// is no current session, and ErrBusy when an exchange is already running.
func (s *State) beginExchange(pending Entry) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return Entry{}, false, ErrBusy
	}
	if s.sessionID == "" {
		return Entry{}, false, nil
	}
	s.busy = true
	pending.SessionID = s.sessionID
	s.entries = append(s.entries, pending)
	return pending, true, nil
}

func (s *State) endExchange() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func entriesFromRecords(recs []chatstore.MessageRecord) []Entry {
	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		out = append(out, Entry{
			LocalKey:  r.ID,
			ID:        r.ID,
			SessionID: r.SessionID,
			Sender:    r.Sender,
			Content:   r.Content,
			CreatedAt: r.CreatedAt,
		})
	}
	return out
}
