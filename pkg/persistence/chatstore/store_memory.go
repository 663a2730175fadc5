package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// InMemoryStore is a process-local Store. It mirrors the ordering semantics of
// the SQLite store so both can back the same chat client.
type InMemoryStore struct {
	mu       sync.Mutex
	seq      uint64
	now      func() time.Time
	sessions map[string]*memSession
	keys     map[string]*memAPIKey
}

type memSession struct {
	rec      SessionRecord
	seq      uint64
	messages []memMessage
}

type memMessage struct {
	rec MessageRecord
	seq uint64
}

type memAPIKey struct {
	rec APIKeyRecord
	seq uint64
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		now:      time.Now,
		sessions: map[string]*memSession{},
		keys:     map[string]*memAPIKey{},
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) nextSeqLocked() uint64 {
	s.seq++
	return s.seq
}

func (s *InMemoryStore) ownedSessionLocked(ownerID, sessionID string) (*memSession, error) {
	sess, ok := s.sessions[strings.TrimSpace(sessionID)]
	if !ok || sess.rec.OwnerID != ownerID {
		return nil, ErrNoRows
	}
	return sess, nil
}

func (s *InMemoryStore) InsertSession(_ context.Context, ownerID string, title string) (SessionRecord, error) {
	if err := validateOwner("in-memory store", ownerID); err != nil {
		return SessionRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := SessionRecord{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: s.now().UTC(),
	}
	s.sessions[rec.ID] = &memSession{rec: rec, seq: s.nextSeqLocked()}
	return rec, nil
}

func (s *InMemoryStore) LatestSession(ctx context.Context, ownerID string) (SessionRecord, error) {
	recs, err := s.ListSessions(ctx, ownerID, 1)
	if err != nil {
		return SessionRecord{}, err
	}
	if len(recs) == 0 {
		return SessionRecord{}, ErrNoRows
	}
	return recs[0], nil
}

func (s *InMemoryStore) ListSessions(_ context.Context, ownerID string, limit int) ([]SessionRecord, error) {
	if err := validateOwner("in-memory store", ownerID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	owned := make([]*memSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		if sess.rec.OwnerID == ownerID {
			owned = append(owned, sess)
		}
	}
	sort.Slice(owned, func(i, j int) bool {
		if owned[i].rec.CreatedAt.Equal(owned[j].rec.CreatedAt) {
			return owned[i].seq > owned[j].seq
		}
		return owned[i].rec.CreatedAt.After(owned[j].rec.CreatedAt)
	})
	if limit > 0 && len(owned) > limit {
		owned = owned[:limit]
	}
	out := make([]SessionRecord, 0, len(owned))
	for _, sess := range owned {
		out = append(out, sess.rec)
	}
	return out, nil
}

func (s *InMemoryStore) GetSession(_ context.Context, ownerID string, sessionID string) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.ownedSessionLocked(ownerID, sessionID)
	if err != nil {
		return SessionRecord{}, err
	}
	return sess.rec, nil
}

func (s *InMemoryStore) UpdateSessionTitle(_ context.Context, ownerID string, sessionID string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.ownedSessionLocked(ownerID, sessionID)
	if err != nil {
		return err
	}
	sess.rec.Title = title
	return nil
}

func (s *InMemoryStore) DeleteSession(_ context.Context, ownerID string, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.ownedSessionLocked(ownerID, sessionID)
	if err != nil {
		return err
	}
	delete(s.sessions, sess.rec.ID)
	return nil
}

func (s *InMemoryStore) InsertMessage(_ context.Context, ownerID string, msg MessageRecord) (MessageRecord, error) {
	if err := validateMessage("in-memory store", msg); err != nil {
		return MessageRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.ownedSessionLocked(ownerID, msg.SessionID)
	if err != nil {
		return MessageRecord{}, errors.Wrap(err, "in-memory store: insert message")
	}
	msg.ID = uuid.NewString()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	sess.messages = append(sess.messages, memMessage{rec: msg, seq: s.nextSeqLocked()})
	return msg, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, ownerID string, sessionID string) ([]MessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.ownedSessionLocked(ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	msgs := append([]memMessage(nil), sess.messages...)
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].rec.CreatedAt.Equal(msgs[j].rec.CreatedAt) {
			return msgs[i].seq < msgs[j].seq
		}
		return msgs[i].rec.CreatedAt.Before(msgs[j].rec.CreatedAt)
	})
	out := make([]MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.rec)
	}
	return out, nil
}

func (s *InMemoryStore) ListAPIKeys(_ context.Context, ownerID string) ([]APIKeyRecord, error) {
	if err := validateOwner("in-memory store", ownerID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := make([]*memAPIKey, 0)
	for _, k := range s.keys {
		if k.rec.OwnerID == ownerID {
			owned = append(owned, k)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].seq > owned[j].seq })
	out := make([]APIKeyRecord, 0, len(owned))
	for _, k := range owned {
		out = append(out, k.rec)
	}
	return out, nil
}

func (s *InMemoryStore) InsertAPIKey(_ context.Context, ownerID string, name string, token string) (APIKeyRecord, error) {
	if err := validateOwner("in-memory store", ownerID); err != nil {
		return APIKeyRecord{}, err
	}
	if err := validateAPIKey("in-memory store", name, token); err != nil {
		return APIKeyRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := APIKeyRecord{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      strings.TrimSpace(name),
		Token:     strings.TrimSpace(token),
		CreatedAt: s.now().UTC(),
	}
	s.keys[rec.ID] = &memAPIKey{rec: rec, seq: s.nextSeqLocked()}
	return rec, nil
}

func (s *InMemoryStore) RenameAPIKey(_ context.Context, ownerID string, keyID string, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("in-memory store: api key name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok || k.rec.OwnerID != ownerID {
		return ErrNoRows
	}
	k.rec.Name = strings.TrimSpace(name)
	return nil
}

func (s *InMemoryStore) DeleteAPIKey(_ context.Context, ownerID string, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[keyID]
	if !ok || k.rec.OwnerID != ownerID {
		return ErrNoRows
	}
	delete(s.keys, keyID)
	return nil
}
