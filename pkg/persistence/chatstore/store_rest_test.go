package chatstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	method string
	path   string
	query  map[string]string
	header http.Header
	body   map[string]any
}

func newFakeREST(t *testing.T, reply func(r recordedRequest) (int, any)) (*RESTStore, *[]recordedRequest) {
	t.Helper()
	var seen []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  map[string]string{},
			header: r.Header.Clone(),
		}
		for k, v := range r.URL.Query() {
			rec.query[k] = v[0]
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		seen = append(seen, rec)
		status, payload := reply(rec)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if payload != nil {
			_ = json.NewEncoder(w).Encode(payload)
		}
	}))
	t.Cleanup(srv.Close)

	s, err := NewRESTStore(srv.URL+"/", "anon-key", WithRESTBearerToken("user-jwt"))
	require.NoError(t, err)
	return s, &seen
}

func TestRESTStore_LatestSessionQueryShape(t *testing.T) {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s, seen := newFakeREST(t, func(r recordedRequest) (int, any) {
		return http.StatusOK, []SessionRecord{{ID: "s-1", OwnerID: "alice", Title: "New Chat", CreatedAt: created}}
	})

	rec, err := s.LatestSession(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "s-1", rec.ID)
	require.True(t, rec.CreatedAt.Equal(created))

	require.Len(t, *seen, 1)
	req := (*seen)[0]
	require.Equal(t, http.MethodGet, req.method)
	require.Equal(t, "/rest/v1/chat_sessions", req.path)
	require.Equal(t, "eq.alice", req.query["user_id"])
	require.Equal(t, "created_at.desc", req.query["order"])
	require.Equal(t, "1", req.query["limit"])
	require.Equal(t, "anon-key", req.header.Get("apikey"))
	require.Equal(t, "Bearer user-jwt", req.header.Get("Authorization"))
}

func TestRESTStore_LatestSessionEmptyIsNoRows(t *testing.T) {
	s, _ := newFakeREST(t, func(recordedRequest) (int, any) {
		return http.StatusOK, []SessionRecord{}
	})
	_, err := s.LatestSession(context.Background(), "alice")
	require.ErrorIs(t, err, ErrNoRows)
}

func TestRESTStore_InsertMessageAsksForRepresentation(t *testing.T) {
	s, seen := newFakeREST(t, func(r recordedRequest) (int, any) {
		if r.path == "/rest/v1/chat_sessions" {
			return http.StatusOK, []SessionRecord{{ID: "s-1", OwnerID: "alice"}}
		}
		return http.StatusCreated, []MessageRecord{{
			ID:        "m-1",
			SessionID: "s-1",
			Sender:    SenderUser,
			Content:   "hello",
		}}
	})

	msg, err := s.InsertMessage(context.Background(), "alice", MessageRecord{SessionID: "s-1", Sender: SenderUser, Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, "m-1", msg.ID)

	require.Len(t, *seen, 2)
	check := (*seen)[0]
	require.Equal(t, http.MethodGet, check.method)
	require.Equal(t, "eq.s-1", check.query["id"])
	require.Equal(t, "eq.alice", check.query["user_id"])

	req := (*seen)[1]
	require.Equal(t, http.MethodPost, req.method)
	require.Equal(t, "/rest/v1/chat_messages", req.path)
	require.Equal(t, "return=representation", req.header.Get("Prefer"))
	require.Equal(t, "s-1", req.body["session_id"])
	require.Equal(t, "user", req.body["sender"])
	require.Equal(t, "hello", req.body["content"])
	require.NotEmpty(t, req.body["created_at"])
}

// ownedRows answers session lookups from a fixed owner table, honouring the
// id and user_id eq filters, and serves every message row unfiltered by owner.
func ownedRows(sessions map[string]string, messages []MessageRecord) func(recordedRequest) (int, any) {
	return func(r recordedRequest) (int, any) {
		switch r.path {
		case "/rest/v1/chat_sessions":
			id := strings.TrimPrefix(r.query["id"], "eq.")
			owner := strings.TrimPrefix(r.query["user_id"], "eq.")
			if sessions[id] != owner {
				return http.StatusOK, []SessionRecord{}
			}
			return http.StatusOK, []SessionRecord{{ID: id, OwnerID: owner}}
		case "/rest/v1/chat_messages":
			if r.method == http.MethodPost {
				return http.StatusCreated, []MessageRecord{{ID: "m-new", SessionID: r.body["session_id"].(string)}}
			}
			return http.StatusOK, messages
		}
		return http.StatusNotFound, nil
	}
}

func TestRESTStore_MessagesAreScopedToSessionOwner(t *testing.T) {
	ctx := context.Background()
	s, seen := newFakeREST(t, ownedRows(
		map[string]string{"alice-sess": "alice"},
		[]MessageRecord{{ID: "m1", SessionID: "alice-sess", Sender: SenderUser, Content: "alice secret"}},
	))

	_, err := s.ListMessages(ctx, "bob", "alice-sess")
	require.ErrorIs(t, err, ErrNoRows)
	_, err = s.InsertMessage(ctx, "bob", MessageRecord{SessionID: "alice-sess", Sender: SenderUser, Content: "hi"})
	require.ErrorIs(t, err, ErrNoRows)
	for _, req := range *seen {
		require.NotEqual(t, "/rest/v1/chat_messages", req.path)
	}

	msgs, err := s.ListMessages(ctx, "alice", "alice-sess")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "alice secret", msgs[0].Content)

	_, err = s.ListMessages(ctx, " ", "alice-sess")
	require.Error(t, err)
}

func TestRESTStore_PatchWithoutRowsIsNoRows(t *testing.T) {
	s, seen := newFakeREST(t, func(recordedRequest) (int, any) {
		return http.StatusOK, []SessionRecord{}
	})
	err := s.UpdateSessionTitle(context.Background(), "bob", "s-1", "x")
	require.ErrorIs(t, err, ErrNoRows)

	req := (*seen)[0]
	require.Equal(t, http.MethodPatch, req.method)
	require.Equal(t, "eq.s-1", req.query["id"])
	require.Equal(t, "eq.bob", req.query["user_id"])
	require.Equal(t, "x", req.body["title"])
}

func TestRESTStore_ErrorStatusSurfaces(t *testing.T) {
	s, _ := newFakeREST(t, func(recordedRequest) (int, any) {
		return http.StatusUnauthorized, map[string]string{"message": "JWT expired"}
	})
	_, err := s.ListAPIKeys(context.Background(), "alice")
	require.Error(t, err)
	require.Contains(t, err.Error(), "status 401")
	require.Contains(t, err.Error(), "JWT expired")
}

func TestNewRESTStore_RequiresBaseURL(t *testing.T) {
	_, err := NewRESTStore("  ", "k")
	require.Error(t, err)
}
