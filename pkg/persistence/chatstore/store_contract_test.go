package chatstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type storeFactory func(t *testing.T, now func() time.Time) Store

func newMemoryForTest(_ *testing.T, now func() time.Time) Store {
	s := NewInMemoryStore()
	s.now = now
	return s
}

func newSQLiteForTest(t *testing.T, now func() time.Time) Store {
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	s, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	s.now = now
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// steppedClock advances by one second on every call unless frozen.
type steppedClock struct {
	t      time.Time
	frozen bool
}

func (c *steppedClock) now() time.Time {
	if !c.frozen {
		c.t = c.t.Add(time.Second)
	}
	return c.t
}

func forEachStore(t *testing.T, fn func(t *testing.T, newStore storeFactory)) {
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryForTest) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteForTest) })
}

func TestStore_LatestSessionNoRows(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		clock := &steppedClock{t: time.Unix(1_700_000_000, 0)}
		s := newStore(t, clock.now)

		_, err := s.LatestSession(context.Background(), "alice")
		require.ErrorIs(t, err, ErrNoRows)
	})
}

func TestStore_LatestSessionIsMostRecentForOwner(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		clock := &steppedClock{t: time.Unix(1_700_000_000, 0)}
		s := newStore(t, clock.now)

		_, err := s.InsertSession(ctx, "alice", "New Chat")
		require.NoError(t, err)
		second, err := s.InsertSession(ctx, "alice", "New Chat")
		require.NoError(t, err)
		_, err = s.InsertSession(ctx, "bob", "New Chat")
		require.NoError(t, err)

		latest, err := s.LatestSession(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, second.ID, latest.ID)
		require.Equal(t, "alice", latest.OwnerID)

		all, err := s.ListSessions(ctx, "alice", 0)
		require.NoError(t, err)
		require.Len(t, all, 2)
		require.Equal(t, second.ID, all[0].ID)
	})
}

func TestStore_SessionsAreOwnerScoped(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		clock := &steppedClock{t: time.Unix(1_700_000_000, 0)}
		s := newStore(t, clock.now)

		sess, err := s.InsertSession(ctx, "alice", "New Chat")
		require.NoError(t, err)

		_, err = s.GetSession(ctx, "bob", sess.ID)
		require.ErrorIs(t, err, ErrNoRows)
		require.ErrorIs(t, s.UpdateSessionTitle(ctx, "bob", sess.ID, "stolen"), ErrNoRows)
		require.ErrorIs(t, s.DeleteSession(ctx, "bob", sess.ID), ErrNoRows)
		_, err = s.InsertMessage(ctx, "bob", MessageRecord{SessionID: sess.ID, Sender: SenderUser, Content: "hi"})
		require.ErrorIs(t, err, ErrNoRows)

		got, err := s.GetSession(ctx, "alice", sess.ID)
		require.NoError(t, err)
		require.Equal(t, "New Chat", got.Title)
	})
}

func TestStore_MessagesOrderedByCreationThenInsertion(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		clock := &steppedClock{t: time.Unix(1_700_000_000, 0)}
		s := newStore(t, clock.now)

		sess, err := s.InsertSession(ctx, "alice", "New Chat")
		require.NoError(t, err)

		at := time.Unix(1_700_000_100, 0)
		later, err := s.InsertMessage(ctx, "alice", MessageRecord{SessionID: sess.ID, Sender: SenderAI, Content: "later", CreatedAt: at.Add(time.Minute)})
		require.NoError(t, err)
		first, err := s.InsertMessage(ctx, "alice", MessageRecord{SessionID: sess.ID, Sender: SenderUser, Content: "tie-1", CreatedAt: at})
		require.NoError(t, err)
		second, err := s.InsertMessage(ctx, "alice", MessageRecord{SessionID: sess.ID, Sender: SenderAI, Content: "tie-2", CreatedAt: at})
		require.NoError(t, err)
		require.NotEmpty(t, first.ID)

		msgs, err := s.ListMessages(ctx, "alice", sess.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 3)
		require.Equal(t, []string{first.ID, second.ID, later.ID}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
		require.Equal(t, SenderUser, msgs[0].Sender)
		require.True(t, msgs[0].CreatedAt.Equal(at))

		other, err := s.ListMessages(ctx, "bob", sess.ID)
		require.ErrorIs(t, err, ErrNoRows)
		require.Empty(t, other)
	})
}

func TestStore_InsertMessageValidates(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		clock := &steppedClock{t: time.Unix(1_700_000_000, 0)}
		s := newStore(t, clock.now)
		sess, err := s.InsertSession(ctx, "alice", "New Chat")
		require.NoError(t, err)

		_, err = s.InsertMessage(ctx, "alice", MessageRecord{SessionID: sess.ID, Sender: "robot", Content: "x"})
		require.Error(t, err)
		_, err = s.InsertMessage(ctx, "alice", MessageRecord{Sender: SenderUser, Content: "x"})
		require.Error(t, err)
	})
}

func TestStore_RenameAndDeleteSession(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		clock := &steppedClock{t: time.Unix(1_700_000_000, 0)}
		s := newStore(t, clock.now)

		sess, err := s.InsertSession(ctx, "alice", "New Chat")
		require.NoError(t, err)
		_, err = s.InsertMessage(ctx, "alice", MessageRecord{SessionID: sess.ID, Sender: SenderAI, Content: "welcome"})
		require.NoError(t, err)

		require.NoError(t, s.UpdateSessionTitle(ctx, "alice", sess.ID, "Trip planning"))
		got, err := s.GetSession(ctx, "alice", sess.ID)
		require.NoError(t, err)
		require.Equal(t, "Trip planning", got.Title)

		require.NoError(t, s.DeleteSession(ctx, "alice", sess.ID))
		_, err = s.GetSession(ctx, "alice", sess.ID)
		require.ErrorIs(t, err, ErrNoRows)
		_, err = s.LatestSession(ctx, "alice")
		require.ErrorIs(t, err, ErrNoRows)
	})
}

func TestStore_SameInstantSessionsPreferLastInserted(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		clock := &steppedClock{t: time.Unix(1_700_000_000, 0), frozen: true}
		s := newStore(t, clock.now)

		_, err := s.InsertSession(ctx, "alice", "a")
		require.NoError(t, err)
		b, err := s.InsertSession(ctx, "alice", "b")
		require.NoError(t, err)

		latest, err := s.LatestSession(ctx, "alice")
		require.NoError(t, err)
		require.Equal(t, b.ID, latest.ID)
	})
}

func TestStore_APIKeys(t *testing.T) {
	forEachStore(t, func(t *testing.T, newStore storeFactory) {
		ctx := context.Background()
		clock := &steppedClock{t: time.Unix(1_700_000_000, 0)}
		s := newStore(t, clock.now)

		_, err := s.InsertAPIKey(ctx, "alice", "  ", "tok")
		require.Error(t, err)
		_, err = s.InsertAPIKey(ctx, "alice", "todoist", " ")
		require.Error(t, err)

		k1, err := s.InsertAPIKey(ctx, "alice", " todoist ", " tok-1 ")
		require.NoError(t, err)
		require.Equal(t, "todoist", k1.Name)
		require.Equal(t, "tok-1", k1.Token)
		k2, err := s.InsertAPIKey(ctx, "alice", "calendar", "tok-2")
		require.NoError(t, err)

		keys, err := s.ListAPIKeys(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, keys, 2)
		require.Equal(t, k2.ID, keys[0].ID)

		require.NoError(t, s.RenameAPIKey(ctx, "alice", k1.ID, "tasks"))
		require.ErrorIs(t, s.RenameAPIKey(ctx, "bob", k1.ID, "x"), ErrNoRows)
		require.ErrorIs(t, s.DeleteAPIKey(ctx, "bob", k1.ID), ErrNoRows)
		require.NoError(t, s.DeleteAPIKey(ctx, "alice", k2.ID))

		keys, err = s.ListAPIKeys(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		require.Equal(t, "tasks", keys[0].Name)

		none, err := s.ListAPIKeys(ctx, "bob")
		require.NoError(t, err)
		require.Empty(t, none)
	})
}
