package chat

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/agentchat/pkg/chatevents"
	"github.com/go-go-golems/agentchat/pkg/identity"
	"github.com/go-go-golems/agentchat/pkg/persistence/chatstore"
)

const (
	DefaultTitle   = "New Chat"
	DefaultWelcome = "Hello! I'm your AI assistant. How can I help you today?"
	FallbackReply  = "Sorry, I couldn't get a response."
	GenericFailure = "Sorry, something went wrong while contacting the agent."
)

var (
	ErrBusy     = errors.New("chat: exchange already in flight")
	ErrReleased = errors.New("chat: capability released")
)

type Options struct {
	// Welcome seeds every new session. Empty means DefaultWelcome.
	Welcome string
	Events  chatevents.Publisher
	Now     func() time.Time
}

// Client is one owner's chat: local state plus the lifecycle manager and the
// exchange coordinator that drive it.
type Client struct {
	cap        *identity.Capability
	state      *State
	events     chatevents.Publisher
	now        func() time.Time
	welcome    string
	logger     zerolog.Logger
	background errgroup.Group

	Lifecycle   *Lifecycle
	Coordinator *Coordinator
}

func NewClient(capability *identity.Capability, opts Options) (*Client, error) {
	if capability == nil {
		return nil, errors.New("chat client: capability is nil")
	}
	if !capability.Active() {
		return nil, ErrReleased
	}
	c := &Client{
		cap:     capability,
		state:   NewState(capability.OwnerID()),
		events:  opts.Events,
		now:     opts.Now,
		welcome: strings.TrimSpace(opts.Welcome),
		logger:  log.With().Str("component", "chat").Str("owner_id", capability.OwnerID()).Logger(),
	}
	if c.events == nil {
		c.events = chatevents.Nop{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.welcome == "" {
		c.welcome = DefaultWelcome
	}
	c.Lifecycle = &Lifecycle{c: c}
	c.Coordinator = &Coordinator{c: c}
	return c, nil
}

func (c *Client) OwnerID() string { return c.cap.OwnerID() }
func (c *Client) Capability() *identity.Capability { return c.cap }
func (c *Client) State() *State { return c.state }
func (c *Client) Snapshot() Snapshot { return c.state.Snapshot() }

func (c *Client) store() chatstore.Store { return c.cap.Store() }

func (c *Client) active() error {
	if !c.cap.Active() {
		return ErrReleased
	}
	return nil
}

// Wait blocks until background title updates have finished.
func (c *Client) Wait() {
	_ = c.background.Wait()
}

// Close releases the capability and drains background work.
func (c *Client) Close() {
	c.cap.Release()
	c.Wait()
}

func (c *Client) emit(ctx context.Context, t chatevents.Type, sessionID string, data any) {
	ev := chatevents.New(t, c.OwnerID(), sessionID, data)
	if err := c.events.Publish(ctx, ev); err != nil {
		c.logger.Warn().Err(err).Str("event", string(t)).Msg("publish chat event failed")
	}
}

func (c *Client) Bootstrap(ctx context.Context) (Snapshot, error) {
	return c.Lifecycle.Bootstrap(ctx)
}

func (c *Client) Send(ctx context.Context, text string) (*Result, error) {
	return c.Coordinator.Send(ctx, text)
}
