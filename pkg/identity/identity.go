package identity

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/go-go-golems/agentchat/pkg/agentclient"
	"github.com/go-go-golems/agentchat/pkg/persistence/chatstore"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Principal is the authenticated owner every store call is scoped to.
type Principal struct {
	UserID string `json:"user_id" yaml:"user_id"`
	Email  string `json:"email,omitempty" yaml:"email,omitempty"`
}

func (p Principal) Valid() bool { return strings.TrimSpace(p.UserID) != "" }

// Capability is the owner-scoped handle bundle handed to a chat client. It is
// created when credentials are acquired and released on sign-out; a released
// capability makes every client operation a no-op.
type Capability struct {
	principal Principal
	store     chatstore.Store
	agent     agentclient.Asker
	released  atomic.Bool
}

func NewCapability(p Principal, store chatstore.Store, agent agentclient.Asker) (*Capability, error) {
	if !p.Valid() {
		return nil, errors.Wrap(ErrUnauthenticated, "capability: empty user id")
	}
	if store == nil {
		return nil, errors.New("capability: store is nil")
	}
	if agent == nil {
		return nil, errors.New("capability: agent is nil")
	}
	return &Capability{principal: p, store: store, agent: agent}, nil
}

func (c *Capability) Principal() Principal { return c.principal }
func (c *Capability) OwnerID() string { return c.principal.UserID }
func (c *Capability) Store() chatstore.Store { return c.store }
func (c *Capability) Agent() agentclient.Asker { return c.agent }

func (c *Capability) Active() bool {
	return c != nil && !c.released.Load()
}

// Release tears the capability down. The shared store is not closed: it is
// owned by whoever built the capability.
func (c *Capability) Release() {
	if c != nil {
		c.released.Store(true)
	}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.Valid()
}

// Resolver turns an incoming request into a principal or ErrUnauthenticated.
type Resolver interface {
	Resolve(req *http.Request) (Principal, error)
}

// StaticTokenResolver maps bearer tokens from configuration to principals.
type StaticTokenResolver struct {
	tokens map[string]Principal
}

func NewStaticTokenResolver(tokens map[string]Principal) (*StaticTokenResolver, error) {
	out := map[string]Principal{}
	for tok, p := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" || !p.Valid() {
			return nil, errors.Errorf("static token resolver: invalid entry for user %q", p.UserID)
		}
		out[tok] = p
	}
	return &StaticTokenResolver{tokens: out}, nil
}

// ParseTokenSpecs reads `token=user_id[:email]` entries.
func ParseTokenSpecs(specs []string) (map[string]Principal, error) {
	out := map[string]Principal{}
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		tok, rest, ok := strings.Cut(spec, "=")
		if !ok || strings.TrimSpace(tok) == "" || strings.TrimSpace(rest) == "" {
			return nil, errors.Errorf("invalid token spec %q (want token=user_id[:email])", spec)
		}
		user, email, _ := strings.Cut(rest, ":")
		out[strings.TrimSpace(tok)] = Principal{UserID: strings.TrimSpace(user), Email: strings.TrimSpace(email)}
	}
	return out, nil
}

func (r *StaticTokenResolver) Users() []string {
	seen := map[string]struct{}{}
	for _, p := range r.tokens {
		seen[p.UserID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

func (r *StaticTokenResolver) Resolve(req *http.Request) (Principal, error) {
	tok := bearerToken(req)
	if tok == "" {
		return Principal{}, ErrUnauthenticated
	}
	p, ok := r.tokens[tok]
	if !ok {
		return Principal{}, ErrUnauthenticated
	}
	return p, nil
}

func bearerToken(req *http.Request) string {
	h := strings.TrimSpace(req.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	// Browsers cannot set headers on websocket upgrades.
	return strings.TrimSpace(req.URL.Query().Get("access_token"))
}

// HeaderResolver trusts a request header set by a fronting proxy. Development
// only.
type HeaderResolver struct {
	Header string
}

const DefaultUserHeader = "X-User-ID"

func (r HeaderResolver) Resolve(req *http.Request) (Principal, error) {
	name := r.Header
	if name == "" {
		name = DefaultUserHeader
	}
	id := strings.TrimSpace(req.Header.Get(name))
	if id == "" {
		id = strings.TrimSpace(req.URL.Query().Get("user_id"))
	}
	if id == "" {
		return Principal{}, ErrUnauthenticated
	}
	return Principal{UserID: id}, nil
}
