package chat

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/agentchat/pkg/chatevents"
	"github.com/go-go-golems/agentchat/pkg/persistence/chatstore"
)

// Lifecycle decides which session is current: it resumes the newest one,
// creates seeded sessions and switches between them.
type Lifecycle struct {
	c *Client
}

// Bootstrap resumes the owner's most recent session or, when there is none or
// the lookup fails, creates a fresh one.
func (l *Lifecycle) Bootstrap(ctx context.Context) (Snapshot, error) {
	c := l.c
	if err := c.active(); err != nil {
		return Snapshot{}, err
	}
	latest, err := c.store().LatestSession(ctx, c.OwnerID())
	switch {
	case err == nil:
		return l.resume(ctx, latest)
	case errors.Is(err, chatstore.ErrNoRows):
		c.logger.Debug().Msg("no sessions yet, creating one")
	default:
		c.logger.Warn().Err(err).Msg("latest session lookup failed, creating a new session")
	}
	return l.create(ctx)
}

func (l *Lifecycle) resume(ctx context.Context, sess chatstore.SessionRecord) (Snapshot, error) {
	c := l.c
	msgs, err := c.store().ListMessages(ctx, c.OwnerID(), sess.ID)
	if err != nil {
		// The session exists; show it empty rather than inventing another one.
		c.logger.Error().Err(err).Str("session_id", sess.ID).Msg("fetch messages for resumed session failed")
		msgs = nil
	}
	c.state.Replace(sess.ID, entriesFromRecords(msgs))
	c.logger.Info().Str("session_id", sess.ID).Int("messages", len(msgs)).Msg("resumed session")
	c.emit(ctx, chatevents.SessionResumed, sess.ID, sess)
	return c.state.Snapshot(), nil
}

// NewSession always creates a fresh seeded session and makes it current.
func (l *Lifecycle) NewSession(ctx context.Context) (Snapshot, error) {
	if err := l.c.active(); err != nil {
		return Snapshot{}, err
	}
	return l.create(ctx)
}

func (l *Lifecycle) create(ctx context.Context) (Snapshot, error) {
	c := l.c
	sess, err := c.store().InsertSession(ctx, c.OwnerID(), DefaultTitle)
	if err != nil {
		c.logger.Error().Err(err).Msg("create session failed")
		return c.state.Snapshot(), errors.Wrap(err, "create session")
	}

	seed := Entry{
		LocalKey:  uuid.NewString(),
		SessionID: sess.ID,
		Sender:    chatstore.SenderAI,
		Content:   c.welcome,
		CreatedAt: c.now().UTC(),
	}
	rec, err := c.store().InsertMessage(ctx, c.OwnerID(), chatstore.MessageRecord{
		SessionID: sess.ID,
		Sender:    seed.Sender,
		Content:   seed.Content,
		CreatedAt: seed.CreatedAt,
	})
	if err != nil {
		c.logger.Error().Err(err).Str("session_id", sess.ID).Msg("persist welcome message failed")
	} else {
		seed.ID = rec.ID
	}

	c.state.Replace(sess.ID, []Entry{seed})
	c.logger.Info().Str("session_id", sess.ID).Msg("created session")
	c.emit(ctx, chatevents.SessionCreated, sess.ID, sess)
	return c.state.Snapshot(), nil
}

// SwitchSession replaces local state with the target session's messages.
// Switching to the current session does nothing.
func (l *Lifecycle) SwitchSession(ctx context.Context, sessionID string) (Snapshot, error) {
	c := l.c
	if err := c.active(); err != nil {
		return Snapshot{}, err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || sessionID == c.state.SessionID() {
		return c.state.Snapshot(), nil
	}
	msgs, err := c.store().ListMessages(ctx, c.OwnerID(), sessionID)
	if err != nil {
		return c.state.Snapshot(), errors.Wrapf(err, "switch to session %s", sessionID)
	}
	c.state.Replace(sessionID, entriesFromRecords(msgs))
	c.emit(ctx, chatevents.SessionSwitched, sessionID, nil)
	return c.state.Snapshot(), nil
}

func (l *Lifecycle) ListSessions(ctx context.Context) ([]chatstore.SessionRecord, error) {
	c := l.c
	if err := c.active(); err != nil {
		return nil, err
	}
	return c.store().ListSessions(ctx, c.OwnerID(), 0)
}

// RenameSession sets a manual title. A blank title is ignored.
func (l *Lifecycle) RenameSession(ctx context.Context, sessionID string, title string) error {
	c := l.c
	if err := c.active(); err != nil {
		return err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	if err := c.store().UpdateSessionTitle(ctx, c.OwnerID(), sessionID, title); err != nil {
		return errors.Wrapf(err, "rename session %s", sessionID)
	}
	c.emit(ctx, chatevents.SessionRenamed, sessionID, map[string]string{"title": title})
	return nil
}

// DeleteSession removes a session and its messages. Deleting the current
// session moves the client to a freshly created one.
func (l *Lifecycle) DeleteSession(ctx context.Context, sessionID string) (Snapshot, error) {
	c := l.c
	if err := c.active(); err != nil {
		return Snapshot{}, err
	}
	if err := c.store().DeleteSession(ctx, c.OwnerID(), sessionID); err != nil {
		return c.state.Snapshot(), errors.Wrapf(err, "delete session %s", sessionID)
	}
	c.emit(ctx, chatevents.SessionDeleted, sessionID, nil)
	if sessionID == c.state.SessionID() {
		return l.create(ctx)
	}
	return c.state.Snapshot(), nil
}
