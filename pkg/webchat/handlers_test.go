package webchat

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/agentchat/pkg/agentclient"
	"github.com/go-go-golems/agentchat/pkg/chat"
	"github.com/go-go-golems/agentchat/pkg/chatevents"
	"github.com/go-go-golems/agentchat/pkg/identity"
	"github.com/go-go-golems/agentchat/pkg/persistence/chatstore"
)

type apiFixture struct {
	srv   *Server
	http  *httptest.Server
	store *chatstore.InMemoryStore
	agent *gatedAgent
}

func newAPIFixture(t *testing.T, agent *gatedAgent) *apiFixture {
	t.Helper()
	if agent == nil {
		agent = &gatedAgent{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := chatstore.NewInMemoryStore()
	bus := chatevents.NewInProcessBus()
	t.Cleanup(func() { _ = bus.Close() })

	srv, err := NewServer(ctx, Config{
		Addr:     "127.0.0.1:0",
		AgentURL: "http://127.0.0.1:1/query",
	}, Deps{
		Store:    store,
		Bus:      bus,
		Resolver: identity.HeaderResolver{},
		Agent:    agent,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.hub.Close()
		ts.Close()
		srv.Registry().ReleaseAll()
	})
	return &apiFixture{srv: srv, http: ts, store: store, agent: agent}
}

func (f *apiFixture) do(t *testing.T, method, path, user string, body any) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, f.http.URL+path, rdr)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set(identity.DefaultUserHeader, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestAPI_RequiresPrincipal(t *testing.T) {
	f := newAPIFixture(t, nil)
	for _, path := range []string{"/api/chat/state", "/api/chat/sessions", "/api/keys"} {
		resp, body := f.do(t, http.MethodGet, path, "", nil)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		require.Contains(t, string(body), "unauthenticated")
	}
	require.Equal(t, 0, f.srv.Registry().Len())
}

func TestAPI_BootstrapAndSend(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/chat/bootstrap", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap chat.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	require.NotEmpty(t, snap.SessionID)
	require.Len(t, snap.Entries, 1)
	require.Equal(t, chatstore.SenderAI, snap.Entries[0].Sender)

	resp, body = f.do(t, http.MethodPost, "/api/chat/send", "alice", map[string]string{"message": "  hello agent  "})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out sendResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.NotNil(t, out.Result)
	require.Equal(t, snap.SessionID, out.Result.SessionID)
	require.Equal(t, "hello agent", out.Result.User.Content)
	require.Equal(t, "echo: hello agent", out.Result.Reply.Content)
	require.False(t, out.State.Busy)
	require.Len(t, out.State.Entries, 3)

	msgs, err := f.store.ListMessages(context.Background(), "alice", snap.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
}

func TestAPI_SendBlankIsNoContent(t *testing.T) {
	f := newAPIFixture(t, nil)
	resp, _ := f.do(t, http.MethodPost, "/api/chat/send", "alice", map[string]string{"message": "   "})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/chat/send", "alice", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_SendWhileBusyConflicts(t *testing.T) {
	agent := &gatedAgent{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	f := newAPIFixture(t, agent)

	done := make(chan int, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/api/chat/send", strings.NewReader(`{"message":"first"}`))
		req.Header.Set(identity.DefaultUserHeader, "alice")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			done <- 0
			return
		}
		_ = resp.Body.Close()
		done <- resp.StatusCode
	}()
	<-agent.started

	resp, body := f.do(t, http.MethodPost, "/api/chat/send", "alice", map[string]string{"message": "second"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Contains(t, string(body), "in flight")

	close(agent.gate)
	require.Equal(t, http.StatusOK, <-done)
}

func TestAPI_SessionLifecycle(t *testing.T) {
	f := newAPIFixture(t, nil)
	_, body := f.do(t, http.MethodPost, "/api/chat/bootstrap", "alice", nil)
	var first chat.Snapshot
	require.NoError(t, json.Unmarshal(body, &first))

	resp, body := f.do(t, http.MethodPost, "/api/chat/sessions", "alice", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var second chat.Snapshot
	require.NoError(t, json.Unmarshal(body, &second))
	require.NotEqual(t, first.SessionID, second.SessionID)

	resp, body = f.do(t, http.MethodGet, "/api/chat/sessions", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Current  string                    `json:"current_session_id"`
		Sessions []chatstore.SessionRecord `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Equal(t, second.SessionID, listing.Current)
	require.Len(t, listing.Sessions, 2)

	resp, _ = f.do(t, http.MethodPatch, "/api/chat/sessions/"+first.SessionID, "alice", map[string]string{"title": "Trip plans"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPatch, "/api/chat/sessions/"+first.SessionID, "alice", map[string]string{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/chat/sessions/"+first.SessionID+"/switch", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var switched chat.Snapshot
	require.NoError(t, json.Unmarshal(body, &switched))
	require.Equal(t, first.SessionID, switched.SessionID)

	sess, err := f.store.GetSession(context.Background(), "alice", first.SessionID)
	require.NoError(t, err)
	require.Equal(t, "Trip plans", sess.Title)

	resp, _ = f.do(t, http.MethodPost, "/api/chat/sessions/missing/switch", "alice", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// bob cannot see or switch into alice's sessions
	resp, _ = f.do(t, http.MethodPost, "/api/chat/sessions/"+first.SessionID+"/switch", "bob", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodDelete, "/api/chat/sessions/"+first.SessionID, "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var afterDelete chat.Snapshot
	require.NoError(t, json.Unmarshal(body, &afterDelete))
	require.NotEqual(t, first.SessionID, afterDelete.SessionID)
	_, err = f.store.GetSession(context.Background(), "alice", first.SessionID)
	require.ErrorIs(t, err, chatstore.ErrNoRows)
}

func TestAPI_KeysCRUD(t *testing.T) {
	f := newAPIFixture(t, nil)

	resp, _ := f.do(t, http.MethodPost, "/api/keys", "alice", map[string]string{"name": "laptop"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/keys", "alice", map[string]string{"name": "laptop", "token": "sk-123"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var key chatstore.APIKeyRecord
	require.NoError(t, json.Unmarshal(body, &key))
	require.NotEmpty(t, key.ID)

	resp, _ = f.do(t, http.MethodPatch, "/api/keys/"+key.ID, "alice", map[string]string{"name": "desktop"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPatch, "/api/keys/"+key.ID, "bob", map[string]string{"name": "stolen"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/keys", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Keys []chatstore.APIKeyRecord `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(body, &listing))
	require.Len(t, listing.Keys, 1)
	require.Equal(t, "desktop", listing.Keys[0].Name)

	resp, _ = f.do(t, http.MethodDelete, "/api/keys/"+key.ID, "alice", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/api/keys/"+key.ID, "alice", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_SignOutReleasesClient(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.do(t, http.MethodPost, "/api/chat/bootstrap", "alice", nil)
	c, ok := f.srv.Registry().Lookup("alice")
	require.True(t, ok)

	resp, _ := f.do(t, http.MethodPost, "/api/auth/signout", "alice", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.False(t, c.Capability().Active())
	_, ok = f.srv.Registry().Lookup("alice")
	require.False(t, ok)
}

func TestAPI_WebsocketStreamsStateAndEvents(t *testing.T) {
	f := newAPIFixture(t, nil)
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws?user_id=alice"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readFrame := func() Frame {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var fr Frame
		require.NoError(t, json.Unmarshal(data, &fr))
		return fr
	}

	first := readFrame()
	require.Equal(t, FrameState, first.Type)
	require.NotEmpty(t, first.State.SessionID)

	resp, _ := f.do(t, http.MethodPost, "/api/chat/send", "alice", map[string]string{"message": "ping"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var seen []chatevents.Type
	for len(seen) == 0 || seen[len(seen)-1] != chatevents.ExchangeFinished {
		fr := readFrame()
		require.Equal(t, FrameEvent, fr.Type)
		seen = append(seen, fr.Event.Type)
	}
	require.Equal(t, chatevents.ExchangeStarted, seen[0])
	require.Contains(t, seen, chatevents.MessageAppended)
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusNotFound, statusFor(chatstore.ErrNoRows))
	require.Equal(t, http.StatusConflict, statusFor(chat.ErrBusy))
	require.Equal(t, http.StatusUnauthorized, statusFor(chat.ErrReleased))
	require.Equal(t, http.StatusUnauthorized, statusFor(identity.ErrUnauthenticated))
	require.Equal(t, http.StatusInternalServerError, statusFor(agentclient.ErrUnreachable))
}
