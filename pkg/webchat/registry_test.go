package webchat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/agentchat/pkg/agentclient"
	"github.com/go-go-golems/agentchat/pkg/chat"
	"github.com/go-go-golems/agentchat/pkg/identity"
	"github.com/go-go-golems/agentchat/pkg/persistence/chatstore"
)

type gatedAgent struct {
	gate    chan struct{}
	started chan struct{}
}

func (a *gatedAgent) Ask(_ context.Context, req agentclient.QueryRequest) (*agentclient.QueryResponse, error) {
	if a.started != nil {
		a.started <- struct{}{}
	}
	if a.gate != nil {
		<-a.gate
	}
	out := "echo: " + req.Message
	return &agentclient.QueryResponse{Response: &agentclient.Output{FinalOutput: &out}}, nil
}

func newTestRegistry(t *testing.T, store chatstore.Store, agent agentclient.Asker) (*ClientRegistry, *atomic.Int32) {
	t.Helper()
	var built atomic.Int32
	r, err := NewClientRegistry(func(p identity.Principal) (*chat.Client, error) {
		built.Add(1)
		capability, err := identity.NewCapability(p, store, agent)
		if err != nil {
			return nil, err
		}
		return chat.NewClient(capability, chat.Options{})
	})
	require.NoError(t, err)
	t.Cleanup(r.ReleaseAll)
	return r, &built
}

func TestClientRegistry_AcquireBootstrapsOnce(t *testing.T) {
	store := chatstore.NewInMemoryStore()
	r, built := newTestRegistry(t, store, &gatedAgent{})

	var wg sync.WaitGroup
	clients := make([]*chat.Client, 8)
	errs := make([]error, len(clients))
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			clients[i], errs[i] = r.Acquire(context.Background(), identity.Principal{UserID: "alice"})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int32(1), built.Load())
	for _, c := range clients {
		require.Same(t, clients[0], c)
	}
	require.NotEmpty(t, clients[0].State().SessionID())

	sessions, err := store.ListSessions(context.Background(), "alice", 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
}

func TestClientRegistry_AcquireRejectsAnonymous(t *testing.T) {
	r, _ := newTestRegistry(t, chatstore.NewInMemoryStore(), &gatedAgent{})
	_, err := r.Acquire(context.Background(), identity.Principal{UserID: "  "})
	require.ErrorIs(t, err, identity.ErrUnauthenticated)
	require.Equal(t, 0, r.Len())
}

func TestClientRegistry_ReleaseDeactivatesCapability(t *testing.T) {
	r, built := newTestRegistry(t, chatstore.NewInMemoryStore(), &gatedAgent{})
	c, err := r.Acquire(context.Background(), identity.Principal{UserID: "alice"})
	require.NoError(t, err)

	require.True(t, r.Release("alice"))
	require.False(t, r.Release("alice"))
	require.False(t, c.Capability().Active())

	res, err := c.Send(context.Background(), "hello")
	require.NoError(t, err)
	require.Nil(t, res)

	c2, err := r.Acquire(context.Background(), identity.Principal{UserID: "alice"})
	require.NoError(t, err)
	require.NotSame(t, c, c2)
	require.Equal(t, int32(2), built.Load())
}

func TestClientRegistry_EvictionSkipsAttachedAndBusy(t *testing.T) {
	agent := &gatedAgent{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	r, _ := newTestRegistry(t, chatstore.NewInMemoryStore(), agent)
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	r.SetEvictionConfig(time.Minute, time.Second)

	ctx := context.Background()
	_, err := r.Acquire(ctx, identity.Principal{UserID: "idle"})
	require.NoError(t, err)
	_, err = r.Acquire(ctx, identity.Principal{UserID: "watching"})
	require.NoError(t, err)
	busy, err := r.Acquire(ctx, identity.Principal{UserID: "busy"})
	require.NoError(t, err)
	r.Attach("watching")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = busy.Send(ctx, "slow question")
	}()
	<-agent.started

	require.Equal(t, 0, r.evictIdleOnce(base.Add(30*time.Second)))
	require.Equal(t, 1, r.evictIdleOnce(base.Add(2*time.Minute)))
	_, ok := r.Lookup("idle")
	require.False(t, ok)
	require.Equal(t, 2, r.Len())

	close(agent.gate)
	<-done
	r.Detach("watching")
	require.Equal(t, 2, r.evictIdleOnce(base.Add(5*time.Minute)))
	require.Equal(t, 0, r.Len())
}

func TestClientRegistry_EvictionLoopStopsWithContext(t *testing.T) {
	r, _ := newTestRegistry(t, chatstore.NewInMemoryStore(), &gatedAgent{})
	r.SetEvictionConfig(time.Nanosecond, 5*time.Millisecond)
	_, err := r.Acquire(context.Background(), identity.Principal{UserID: "alice"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartEvictionLoop(ctx)
	require.Eventually(t, func() bool { return r.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return !r.evictRunning
	}, 2*time.Second, 5*time.Millisecond)
}
