package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/agentchat/pkg/agentclient"
)

const (
	msgMissingMessage = "message is required"
	msgInvalidRequest = "invalid request body"
	msgUnreachable    = "Could not reach agent server"
	msgInvalidJSON    = "Invalid JSON from agent server"
	msgNoResponse     = "No response from agent server"
)

// Forwarder is the upstream side of the proxy.
type Forwarder interface {
	Forward(ctx context.Context, req agentclient.QueryRequest) (json.RawMessage, error)
}

type errorBody struct {
	Error string `json:"error"`
}

type okBody struct {
	Response json.RawMessage `json:"response"`
}

// NewAskHandler proxies POST /api/ask to the query service and rewraps its
// `response` field. The route is unauthenticated and the caller's
// user_id is forwarded as sent.
func NewAskHandler(upstream Forwarder) http.HandlerFunc {
	logger := log.With().Str("component", "gateway").Logger()
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if upstream == nil {
			http.Error(w, "gateway not initialized", http.StatusServiceUnavailable)
			return
		}

		var in agentclient.QueryRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<20)).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: msgInvalidRequest})
			return
		}
		if strings.TrimSpace(in.Message) == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: msgMissingMessage})
			return
		}
		in.SessionID = strings.TrimSpace(in.SessionID)
		logger.Debug().Str("user_id", in.UserID).Str("session_id", in.SessionID).Msg("forwarding to agent")

		resp, err := upstream.Forward(req.Context(), in)
		if err != nil {
			msg := msgNoResponse
			switch {
			case errors.Is(err, agentclient.ErrUnreachable):
				msg = msgUnreachable
			case errors.Is(err, agentclient.ErrInvalidJSON):
				msg = msgInvalidJSON
			}
			logger.Error().Err(err).Str("user_id", in.UserID).Msg(msg)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: msg})
			return
		}
		writeJSON(w, http.StatusOK, okBody{Response: resp})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "gateway").Msg("write response failed")
	}
}
