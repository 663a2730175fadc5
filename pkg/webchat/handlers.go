package webchat

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentchat/pkg/chat"
	"github.com/go-go-golems/agentchat/pkg/identity"
	"github.com/go-go-golems/agentchat/pkg/persistence/chatstore"
)

// API serves the chat JSON endpoints and the websocket for authenticated
// owners.
type API struct {
	registry *ClientRegistry
	keys     chatstore.APIKeyStore
	resolver identity.Resolver
	hub      *EventHub
	upgrader websocket.Upgrader
	logger   zerolog.Logger
}

func NewAPI(registry *ClientRegistry, keys chatstore.APIKeyStore, resolver identity.Resolver, hub *EventHub) (*API, error) {
	if registry == nil {
		return nil, errors.New("api: registry is nil")
	}
	if keys == nil {
		return nil, errors.New("api: key store is nil")
	}
	if resolver == nil {
		return nil, errors.New("api: resolver is nil")
	}
	return &API{
		registry: registry,
		keys:     keys,
		resolver: resolver,
		hub:      hub,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		logger:   log.With().Str("component", "webchat").Logger(),
	}, nil
}

func (a *API) Mount(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chat/bootstrap", a.withClient(a.handleBootstrap))
	mux.HandleFunc("GET /api/chat/state", a.withClient(a.handleState))
	mux.HandleFunc("POST /api/chat/send", a.withClient(a.handleSend))
	mux.HandleFunc("GET /api/chat/sessions", a.withClient(a.handleListSessions))
	mux.HandleFunc("POST /api/chat/sessions", a.withClient(a.handleNewSession))
	mux.HandleFunc("POST /api/chat/sessions/{id}/switch", a.withClient(a.handleSwitchSession))
	mux.HandleFunc("PATCH /api/chat/sessions/{id}", a.withClient(a.handleRenameSession))
	mux.HandleFunc("DELETE /api/chat/sessions/{id}", a.withClient(a.handleDeleteSession))

	mux.HandleFunc("GET /api/keys", a.withPrincipal(a.handleListKeys))
	mux.HandleFunc("POST /api/keys", a.withPrincipal(a.handleCreateKey))
	mux.HandleFunc("PATCH /api/keys/{id}", a.withPrincipal(a.handleRenameKey))
	mux.HandleFunc("DELETE /api/keys/{id}", a.withPrincipal(a.handleDeleteKey))

	mux.HandleFunc("POST /api/auth/signout", a.withPrincipal(a.handleSignOut))
	mux.HandleFunc("GET /ws", a.withClient(a.handleWS))
}

type principalHandler func(w http.ResponseWriter, req *http.Request, p identity.Principal)
type clientHandler func(w http.ResponseWriter, req *http.Request, c *chat.Client)

func (a *API) withPrincipal(next principalHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		p, err := a.resolver.Resolve(req)
		if err != nil || !p.Valid() {
			writeError(w, http.StatusUnauthorized, "unauthenticated")
			return
		}
		next(w, req.WithContext(identity.WithPrincipal(req.Context(), p)), p)
	}
}

func (a *API) withClient(next clientHandler) http.HandlerFunc {
	return a.withPrincipal(func(w http.ResponseWriter, req *http.Request, p identity.Principal) {
		c, err := a.registry.Acquire(req.Context(), p)
		if err != nil {
			a.logger.Error().Err(err).Str("owner_id", p.UserID).Msg("acquire chat client failed")
			a.writeErr(w, err)
			return
		}
		next(w, req, c)
	})
}

func (a *API) handleBootstrap(w http.ResponseWriter, req *http.Request, c *chat.Client) {
	snap, err := c.Bootstrap(req.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleState(w http.ResponseWriter, _ *http.Request, c *chat.Client) {
	writeJSON(w, http.StatusOK, c.Snapshot())
}

type sendRequest struct {
	Message string `json:"message"`
}

type sendResponse struct {
	Result *chat.Result  `json:"result"`
	State  chat.Snapshot `json:"state"`
}

func (a *API) handleSend(w http.ResponseWriter, req *http.Request, c *chat.Client) {
	var in sendRequest
	if !decodeBody(w, req, &in) {
		return
	}
	res, err := c.Send(req.Context(), in.Message)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if res == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Result: res, State: c.Snapshot()})
}

func (a *API) handleListSessions(w http.ResponseWriter, req *http.Request, c *chat.Client) {
	sessions, err := c.Lifecycle.ListSessions(req.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"current_session_id": c.State().SessionID(),
		"sessions":           sessions,
	})
}

func (a *API) handleNewSession(w http.ResponseWriter, req *http.Request, c *chat.Client) {
	snap, err := c.Lifecycle.NewSession(req.Context())
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (a *API) handleSwitchSession(w http.ResponseWriter, req *http.Request, c *chat.Client) {
	snap, err := c.Lifecycle.SwitchSession(req.Context(), req.PathValue("id"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type renameRequest struct {
	Title string `json:"title"`
	Name  string `json:"name"`
}

func (a *API) handleRenameSession(w http.ResponseWriter, req *http.Request, c *chat.Client) {
	var in renameRequest
	if !decodeBody(w, req, &in) {
		return
	}
	if strings.TrimSpace(in.Title) == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if err := c.Lifecycle.RenameSession(req.Context(), req.PathValue("id"), in.Title); err != nil {
		a.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteSession(w http.ResponseWriter, req *http.Request, c *chat.Client) {
	snap, err := c.Lifecycle.DeleteSession(req.Context(), req.PathValue("id"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleListKeys(w http.ResponseWriter, req *http.Request, p identity.Principal) {
	keys, err := a.keys.ListAPIKeys(req.Context(), p.UserID)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

type createKeyRequest struct {
	Name  string `json:"name"`
	Token string `json:"token"`
}

func (a *API) handleCreateKey(w http.ResponseWriter, req *http.Request, p identity.Principal) {
	var in createKeyRequest
	if !decodeBody(w, req, &in) {
		return
	}
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.Token) == "" {
		writeError(w, http.StatusBadRequest, "name and token are required")
		return
	}
	rec, err := a.keys.InsertAPIKey(req.Context(), p.UserID, in.Name, in.Token)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) handleRenameKey(w http.ResponseWriter, req *http.Request, p identity.Principal) {
	var in renameRequest
	if !decodeBody(w, req, &in) {
		return
	}
	if strings.TrimSpace(in.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := a.keys.RenameAPIKey(req.Context(), p.UserID, req.PathValue("id"), in.Name); err != nil {
		a.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDeleteKey(w http.ResponseWriter, req *http.Request, p identity.Principal) {
	if err := a.keys.DeleteAPIKey(req.Context(), p.UserID, req.PathValue("id")); err != nil {
		a.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSignOut(w http.ResponseWriter, _ *http.Request, p identity.Principal) {
	if a.hub != nil {
		a.hub.CloseOwner(p.UserID)
	}
	released := a.registry.Release(p.UserID)
	a.logger.Info().Str("owner_id", p.UserID).Bool("had_client", released).Msg("signed out")
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleWS(w http.ResponseWriter, req *http.Request, c *chat.Client) {
	if a.hub == nil {
		writeError(w, http.StatusNotFound, "event stream not enabled")
		return
	}
	conn, err := a.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	owner := c.OwnerID()
	a.registry.Attach(owner)
	defer a.registry.Detach(owner)

	if err := a.hub.Attach(owner, conn, c.Snapshot()); err != nil {
		a.logger.Error().Err(err).Str("owner_id", owner).Msg("attach websocket failed")
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"error","error":"failed to attach websocket"}`))
		_ = conn.Close()
		return
	}
	defer a.hub.Detach(owner, conn)

	// Reads only serve close and ping detection; clients send nothing.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (a *API) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := http.StatusText(status)
	if status == http.StatusInternalServerError {
		a.logger.Error().Err(err).Msg("request failed")
	} else {
		msg = err.Error()
	}
	writeError(w, status, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chatstore.ErrNoRows):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, chat.ErrReleased), errors.Is(err, identity.ErrUnauthenticated):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, req *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Msg("write response failed")
	}
}
