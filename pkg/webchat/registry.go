package webchat

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/go-go-golems/agentchat/pkg/chat"
	"github.com/go-go-golems/agentchat/pkg/identity"
)

// ClientFactory builds an unbootstrapped chat client for a principal.
type ClientFactory func(p identity.Principal) (*chat.Client, error)

// ClientRegistry keeps one bootstrapped chat client per owner. Clients that
// sit idle longer than the eviction window are released.
type ClientRegistry struct {
	mu      sync.Mutex
	clients map[string]*registeredClient
	create  singleflight.Group
	factory ClientFactory
	now     func() time.Time

	evictIdle     time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

type registeredClient struct {
	client       *chat.Client
	lastActivity time.Time
	attached     int
}

func NewClientRegistry(factory ClientFactory) (*ClientRegistry, error) {
	if factory == nil {
		return nil, errors.New("client registry: factory is nil")
	}
	return &ClientRegistry{
		clients: map[string]*registeredClient{},
		factory: factory,
		now:     time.Now,
	}, nil
}

// Acquire returns the owner's client, creating and bootstrapping it on first
// use. Concurrent first calls for the same owner share one bootstrap.
func (r *ClientRegistry) Acquire(ctx context.Context, p identity.Principal) (*chat.Client, error) {
	if !p.Valid() {
		return nil, identity.ErrUnauthenticated
	}
	if c := r.touch(p.UserID); c != nil {
		return c, nil
	}
	v, err, _ := r.create.Do(p.UserID, func() (any, error) {
		if c := r.touch(p.UserID); c != nil {
			return c, nil
		}
		c, err := r.factory(p)
		if err != nil {
			return nil, errors.Wrap(err, "create chat client")
		}
		if _, err := c.Bootstrap(context.WithoutCancel(ctx)); err != nil {
			c.Close()
			return nil, err
		}
		r.mu.Lock()
		r.clients[p.UserID] = &registeredClient{client: c, lastActivity: r.now()}
		r.mu.Unlock()
		log.Info().Str("component", "webchat").Str("owner_id", p.UserID).Msg("chat client ready")
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*chat.Client), nil
}

func (r *ClientRegistry) touch(ownerID string) *chat.Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.clients[ownerID]
	if !ok {
		return nil
	}
	rc.lastActivity = r.now()
	return rc.client
}

// Lookup returns an existing client without creating one.
func (r *ClientRegistry) Lookup(ownerID string) (*chat.Client, bool) {
	c := r.touch(ownerID)
	return c, c != nil
}

// Attach pins the owner's client while a websocket is open.
func (r *ClientRegistry) Attach(ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.clients[ownerID]; ok {
		rc.attached++
		rc.lastActivity = r.now()
	}
}

func (r *ClientRegistry) Detach(ownerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc, ok := r.clients[ownerID]; ok && rc.attached > 0 {
		rc.attached--
		rc.lastActivity = r.now()
	}
}

// Release drops the owner's client and releases its capability. It reports
// whether a client existed.
func (r *ClientRegistry) Release(ownerID string) bool {
	r.mu.Lock()
	rc, ok := r.clients[ownerID]
	delete(r.clients, ownerID)
	r.mu.Unlock()
	if ok {
		rc.client.Close()
	}
	return ok
}

// ReleaseAll is used on shutdown.
func (r *ClientRegistry) ReleaseAll() {
	r.mu.Lock()
	clients := r.clients
	r.clients = map[string]*registeredClient{}
	r.mu.Unlock()
	for _, rc := range clients {
		rc.client.Close()
	}
}

func (r *ClientRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
