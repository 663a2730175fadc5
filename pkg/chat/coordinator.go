package chat

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/agentchat/pkg/agentclient"
	"github.com/go-go-golems/agentchat/pkg/chatevents"
	"github.com/go-go-golems/agentchat/pkg/persistence/chatstore"
)

// Coordinator runs one exchange at a time: user message, agent query, reply.
type Coordinator struct {
	c *Client
}

// Result describes a finished exchange. Reply is an ai entry in every case;
// Failed marks a synthesized error reply. ReplyShown is false when the
// session changed while the query was in flight.
type Result struct {
	SessionID  string `json:"session_id"`
	User       Entry  `json:"user"`
	Reply      Entry  `json:"reply"`
	Failed     bool   `json:"failed"`
	ReplyShown bool   `json:"reply_shown"`
}

// Send runs an exchange for text. Without an active capability, a current
// session or non-blank text it returns (nil, nil). A second Send while one is
// in flight returns ErrBusy.
func (co *Coordinator) Send(ctx context.Context, text string) (*Result, error) {
	c := co.c
	text = strings.TrimSpace(text)
	if text == "" || !c.cap.Active() {
		return nil, nil
	}

	user, ok, err := c.state.beginExchange(Entry{
		LocalKey:  uuid.NewString(),
		Sender:    chatstore.SenderUser,
		Content:   text,
		CreatedAt: c.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	sessionID := user.SessionID
	logger := c.logger.With().Str("session_id", sessionID).Logger()

	// A started exchange runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	defer func() {
		c.state.endExchange()
		c.emit(ctx, chatevents.ExchangeFinished, sessionID, nil)
	}()
	c.emit(ctx, chatevents.ExchangeStarted, sessionID, nil)
	c.emit(ctx, chatevents.MessageAppended, sessionID, user)

	rec, err := c.store().InsertMessage(ctx, c.OwnerID(), chatstore.MessageRecord{
		SessionID: sessionID,
		Sender:    chatstore.SenderUser,
		Content:   user.Content,
		CreatedAt: user.CreatedAt,
	})
	if err != nil {
		logger.Error().Err(err).Msg("persist user message failed")
	} else {
		user.ID = rec.ID
		if c.state.PatchID(user.LocalKey, rec.ID) {
			c.emit(ctx, chatevents.MessagePatched, sessionID, map[string]string{"local_key": user.LocalKey, "id": rec.ID})
		}
	}

	co.retitle(ctx, sessionID, user.Content)

	replyText, failed := co.query(ctx, agentclient.QueryRequest{
		Message:   user.Content,
		UserID:    c.OwnerID(),
		SessionID: sessionID,
	})
	reply := Entry{
		LocalKey:  uuid.NewString(),
		SessionID: sessionID,
		Sender:    chatstore.SenderAI,
		Content:   replyText,
		CreatedAt: c.now().UTC(),
	}
	rec, err = c.store().InsertMessage(ctx, c.OwnerID(), chatstore.MessageRecord{
		SessionID: sessionID,
		Sender:    chatstore.SenderAI,
		Content:   reply.Content,
		CreatedAt: reply.CreatedAt,
	})
	if err != nil {
		logger.Error().Err(err).Bool("failed_exchange", failed).Msg("persist reply failed")
	} else {
		reply.ID = rec.ID
	}

	shown := c.state.AppendIfSession(sessionID, reply)
	if shown {
		c.emit(ctx, chatevents.MessageAppended, sessionID, reply)
	} else {
		logger.Info().Msg("session changed during exchange, reply not shown locally")
	}

	return &Result{
		SessionID:  sessionID,
		User:       user,
		Reply:      reply,
		Failed:     failed,
		ReplyShown: shown,
	}, nil
}

// query asks the gateway and turns every failure into displayable text.
func (co *Coordinator) query(ctx context.Context, req agentclient.QueryRequest) (string, bool) {
	c := co.c
	resp, err := c.cap.Agent().Ask(ctx, req)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", req.SessionID).Msg("agent query failed")
		return failureText(err), true
	}
	out := resp.FinalOutput()
	if strings.TrimSpace(out) == "" {
		return FallbackReply, false
	}
	return out, false
}

func failureText(err error) string {
	var se *agentclient.StatusError
	switch {
	case errors.As(err, &se):
		if se.Detail != "" {
			return "Error: " + se.Detail
		}
		return GenericFailure
	case errors.Is(err, agentclient.ErrMalformedResponse):
		return GenericFailure
	default:
		return "Error: " + err.Error()
	}
}

// retitle replaces the sentinel title with one derived from the first user
// message. It runs in the background; failures are only logged.
func (co *Coordinator) retitle(ctx context.Context, sessionID string, content string) {
	c := co.c
	c.background.Go(func() error {
		logger := c.logger.With().Str("session_id", sessionID).Logger()
		sess, err := c.store().GetSession(ctx, c.OwnerID(), sessionID)
		if err != nil {
			logger.Warn().Err(err).Msg("auto-title lookup failed")
			return nil
		}
		if sess.Title != DefaultTitle {
			return nil
		}
		title := DeriveTitle(content)
		if title == "" {
			return nil
		}
		if err := c.store().UpdateSessionTitle(ctx, c.OwnerID(), sessionID, title); err != nil {
			logger.Warn().Err(err).Msg("auto-title update failed")
			return nil
		}
		c.emit(ctx, chatevents.SessionRenamed, sessionID, map[string]string{"title": title})
		return nil
	})
}

const titleWords = 5

// DeriveTitle keeps the first five words of msg and appends "..." when there
// were more.
func DeriveTitle(msg string) string {
	words := strings.Fields(msg)
	if len(words) <= titleWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:titleWords], " ") + "..."
}
