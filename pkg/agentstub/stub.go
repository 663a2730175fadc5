// Package agentstub is a stand-in query service for development and tests. It
// speaks the same wire shape as the real agent server: POST /query with
// {message, user_id, session_id} answers {response: {final_output}}, and
// failures answer a non-2xx status with {detail}.
package agentstub

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentchat/pkg/agentclient"
)

// Responder computes a reply. Returning an error yields a 500 with the error
// text as detail.
type Responder func(req agentclient.QueryRequest) (string, error)

// Echo repeats the message back.
func Echo(req agentclient.QueryRequest) (string, error) {
	return "You said: " + req.Message, nil
}

type Handler struct {
	respond Responder
	calls   atomic.Int64
}

func New(respond Responder) *Handler {
	if respond == nil {
		respond = Echo
	}
	return &Handler{respond: respond}
}

func (h *Handler) Calls() int64 { return h.calls.Load() }

func (h *Handler) Mount(mux *http.ServeMux) {
	mux.Handle("POST /query", h)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	h.calls.Add(1)
	var q agentclient.QueryRequest
	if err := json.NewDecoder(req.Body).Decode(&q); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	if q.UserID != "" && strings.TrimSpace(q.UserID) == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "user_id must be non-empty")
		return
	}
	log.Debug().Str("component", "agentstub").Str("user_id", q.UserID).Str("session_id", q.SessionID).Msg("query")

	answer, err := h.respond(q)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"response": map[string]string{"final_output": answer},
	})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
