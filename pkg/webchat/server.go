package webchat

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/agentchat/pkg/agentclient"
	"github.com/go-go-golems/agentchat/pkg/agentstub"
	"github.com/go-go-golems/agentchat/pkg/chat"
	"github.com/go-go-golems/agentchat/pkg/chatevents"
	"github.com/go-go-golems/agentchat/pkg/gateway"
	"github.com/go-go-golems/agentchat/pkg/identity"
	"github.com/go-go-golems/agentchat/pkg/persistence/chatstore"
)

type Config struct {
	Addr string
	// AgentURL is the upstream query service the gateway forwards to.
	AgentURL string
	// GatewayURL is where chat clients send queries. Empty means this
	// server's own /api/ask.
	GatewayURL   string
	AgentTimeout time.Duration
	Welcome      string

	EvictIdle     time.Duration
	EvictInterval time.Duration
	// StreamIdle keeps an owner's event subscription alive after its last
	// websocket closes.
	StreamIdle time.Duration

	// EmbedAgentStub mounts the echo query service at /query.
	EmbedAgentStub bool
}

type EventBus interface {
	chatevents.Publisher
	chatevents.Subscriber
}

type Deps struct {
	Store    chatstore.Store
	Bus      EventBus
	Resolver identity.Resolver
	// Agent overrides the gateway client built from Config.GatewayURL.
	Agent agentclient.Asker
}

// Server wires the gateway, the chat API, the websocket hub and the client
// registry onto one http.Server.
type Server struct {
	cfg      Config
	mux      *http.ServeMux
	httpSrv  *http.Server
	registry *ClientRegistry
	hub      *EventHub
}

func NewServer(ctx context.Context, cfg Config, deps Deps) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if deps.Store == nil {
		return nil, errors.New("server: store is nil")
	}
	if deps.Bus == nil {
		return nil, errors.New("server: event bus is nil")
	}
	if deps.Resolver == nil {
		return nil, errors.New("server: resolver is nil")
	}
	if strings.TrimSpace(cfg.AgentURL) == "" {
		return nil, errors.New("server: agent url is empty")
	}

	mux := http.NewServeMux()

	upstream, err := agentclient.New(cfg.AgentURL, agentclient.WithTimeout(cfg.AgentTimeout))
	if err != nil {
		return nil, errors.Wrap(err, "agent upstream")
	}
	mux.Handle("POST /api/ask", gateway.NewAskHandler(upstream))
	if cfg.EmbedAgentStub {
		agentstub.New(nil).Mount(mux)
	}

	agent := deps.Agent
	if agent == nil {
		gatewayURL := cfg.GatewayURL
		if strings.TrimSpace(gatewayURL) == "" {
			gatewayURL = SelfURL(cfg.Addr, "/api/ask")
		}
		c, err := agentclient.New(gatewayURL, agentclient.WithTimeout(cfg.AgentTimeout))
		if err != nil {
			return nil, errors.Wrap(err, "gateway client")
		}
		agent = c
	}

	registry, err := NewClientRegistry(func(p identity.Principal) (*chat.Client, error) {
		capability, err := identity.NewCapability(p, deps.Store, agent)
		if err != nil {
			return nil, err
		}
		return chat.NewClient(capability, chat.Options{Welcome: cfg.Welcome, Events: deps.Bus})
	})
	if err != nil {
		return nil, err
	}
	registry.SetEvictionConfig(cfg.EvictIdle, cfg.EvictInterval)

	hub, err := NewEventHub(ctx, deps.Bus, cfg.StreamIdle)
	if err != nil {
		return nil, err
	}
	api, err := NewAPI(registry, deps.Store, deps.Resolver, hub)
	if err != nil {
		return nil, err
	}
	api.Mount(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "clients": registry.Len()})
	})

	return &Server{
		cfg:      cfg,
		mux:      mux,
		registry: registry,
		hub:      hub,
		httpSrv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func (s *Server) Handler() http.Handler { return s.mux }
func (s *Server) Registry() *ClientRegistry { return s.registry }
func (s *Server) HTTPServer() *http.Server { return s.httpSrv }

// SelfURL turns a listen address into a loopback URL for path.
func SelfURL(addr string, path string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://127.0.0.1" + path
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + path
}

func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	s.registry.StartEvictionLoop(srvCtx)

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownBase := context.WithoutCancel(ctx)
		shutdownCtx, cancel := context.WithTimeout(shutdownBase, 30*time.Second)
		defer cancel()
		s.hub.Close()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.registry.ReleaseAll()
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Str("agent_url", s.cfg.AgentURL).Msg("starting agentchat server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}
