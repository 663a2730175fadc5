package webchat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentchat/pkg/chat"
	"github.com/go-go-golems/agentchat/pkg/chatevents"
)

// Frame is what the server writes on /ws.
type Frame struct {
	Type  string            `json:"type"`
	Event *chatevents.Event `json:"event,omitempty"`
	State *chat.Snapshot    `json:"state,omitempty"`
}

const (
	FrameState = "state"
	FrameEvent = "event"
)

// EventHub holds one bus subscription per owner with at least one websocket
// and fans its events out through the owner's ConnectionPool.
type EventHub struct {
	baseCtx context.Context
	sub     chatevents.Subscriber
	idle    time.Duration

	mu      sync.Mutex
	streams map[string]*ownerStream
}

type ownerStream struct {
	pool   *ConnectionPool
	cancel context.CancelFunc
}

// NewEventHub builds a hub. idle is how long an owner's subscription survives
// its last websocket; zero keeps it until CloseOwner.
func NewEventHub(ctx context.Context, sub chatevents.Subscriber, idle time.Duration) (*EventHub, error) {
	if ctx == nil {
		return nil, errors.New("event hub: ctx is nil")
	}
	if sub == nil {
		return nil, errors.New("event hub: subscriber is nil")
	}
	return &EventHub{
		baseCtx: ctx,
		sub:     sub,
		idle:    idle,
		streams: map[string]*ownerStream{},
	}, nil
}

// Attach registers conn for the owner's events and queues the initial state
// frame ahead of any event.
func (h *EventHub) Attach(ownerID string, conn wsConn, initial chat.Snapshot) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.streams[ownerID]
	if !ok {
		var err error
		st, err = h.openLocked(ownerID)
		if err != nil {
			return err
		}
	}
	b, err := json.Marshal(Frame{Type: FrameState, State: &initial})
	if err != nil {
		return errors.Wrap(err, "marshal state frame")
	}
	st.pool.Add(conn, b)
	return nil
}

func (h *EventHub) openLocked(ownerID string) (*ownerStream, error) {
	ctx, cancel := context.WithCancel(h.baseCtx)
	events, err := h.sub.Subscribe(ctx, ownerID)
	if err != nil {
		cancel()
		return nil, errors.Wrapf(err, "subscribe events for %s", ownerID)
	}
	st := &ownerStream{cancel: cancel}
	st.pool = NewConnectionPool(ownerID, h.idle, func() { h.closeIfIdle(ownerID, st) })
	h.streams[ownerID] = st

	go func() {
		for ev := range events {
			ev := ev
			b, err := json.Marshal(Frame{Type: FrameEvent, Event: &ev})
			if err != nil {
				log.Warn().Err(err).Str("component", "webchat").Msg("marshal event frame failed")
				continue
			}
			st.pool.Broadcast(b)
		}
	}()
	log.Debug().Str("component", "webchat").Str("owner_id", ownerID).Msg("event stream opened")
	return st, nil
}

func (h *EventHub) Detach(ownerID string, conn wsConn) {
	h.mu.Lock()
	st, ok := h.streams[ownerID]
	h.mu.Unlock()
	if ok {
		st.pool.Remove(conn)
	} else if conn != nil {
		_ = conn.Close()
	}
}

func (h *EventHub) closeIfIdle(ownerID string, st *ownerStream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[ownerID] != st || !st.pool.IsEmpty() {
		return
	}
	delete(h.streams, ownerID)
	st.cancel()
	log.Debug().Str("component", "webchat").Str("owner_id", ownerID).Msg("event stream closed (idle)")
}

// CloseOwner drops all of the owner's websockets, e.g. on sign-out.
func (h *EventHub) CloseOwner(ownerID string) {
	h.mu.Lock()
	st, ok := h.streams[ownerID]
	delete(h.streams, ownerID)
	h.mu.Unlock()
	if ok {
		st.cancel()
		st.pool.CloseAll()
	}
}

func (h *EventHub) Close() {
	h.mu.Lock()
	streams := h.streams
	h.streams = map[string]*ownerStream{}
	h.mu.Unlock()
	for _, st := range streams {
		st.cancel()
		st.pool.CloseAll()
	}
}

func (h *EventHub) Owners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.streams)
}
