package webchat

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

func (r *ClientRegistry) SetEvictionConfig(idle, interval time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.evictIdle = idle
	r.evictInterval = interval
	r.mu.Unlock()
}

func (r *ClientRegistry) StartEvictionLoop(ctx context.Context) {
	if r == nil {
		return
	}
	if ctx == nil {
		panic("webchat: StartEvictionLoop requires non-nil ctx")
	}
	r.mu.Lock()
	if r.evictRunning {
		r.mu.Unlock()
		return
	}
	idle := r.evictIdle
	interval := r.evictInterval
	if idle <= 0 || interval <= 0 {
		r.mu.Unlock()
		return
	}
	r.evictRunning = true
	r.mu.Unlock()

	go r.runEvictionLoop(ctx, interval)
}

func (r *ClientRegistry) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.mu.Lock()
			r.evictRunning = false
			r.mu.Unlock()
			return
		case now := <-ticker.C:
			if n := r.evictIdleOnce(now); n > 0 {
				log.Debug().Str("component", "webchat").Int("evicted", n).Msg("evicted idle chat clients")
			}
		}
	}
}

// evictIdleOnce releases clients idle for at least the eviction window. Busy
// clients and clients with an open websocket are kept.
func (r *ClientRegistry) evictIdleOnce(now time.Time) int {
	if r == nil {
		return 0
	}
	if now.IsZero() {
		now = r.now()
	}

	r.mu.Lock()
	idle := r.evictIdle
	if idle <= 0 {
		r.mu.Unlock()
		return 0
	}
	var victims []*registeredClient
	for owner, rc := range r.clients {
		if rc.attached > 0 || rc.client.State().Busy() {
			continue
		}
		if rc.lastActivity.IsZero() || now.Sub(rc.lastActivity) < idle {
			continue
		}
		delete(r.clients, owner)
		victims = append(victims, rc)
	}
	r.mu.Unlock()

	for _, rc := range victims {
		rc.client.Close()
	}
	return len(victims)
}
