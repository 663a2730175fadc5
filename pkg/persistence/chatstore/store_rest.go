package chatstore

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	tableSessions = "chat_sessions"
	tableMessages = "chat_messages"
	tableAPIKeys  = "todo_api_keys"
)

// RESTStore talks to a hosted PostgREST-style backend (`/rest/v1/<table>`).
// Owner filters are always sent; the backend is expected to enforce row level
// security on top of them.
type RESTStore struct {
	baseURL string
	apiKey  string
	bearer  string
	client  *http.Client
}

var _ Store = &RESTStore{}

type RESTOption func(*RESTStore)

func WithRESTHTTPClient(c *http.Client) RESTOption {
	return func(s *RESTStore) {
		if c != nil {
			s.client = c
		}
	}
}

// WithRESTBearerToken sets the user access token. Without it the api key is
// used as bearer, which only works against permissive policies.
func WithRESTBearerToken(token string) RESTOption {
	return func(s *RESTStore) {
		s.bearer = strings.TrimSpace(token)
	}
}

func NewRESTStore(baseURL string, apiKey string, opts ...RESTOption) (*RESTStore, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("rest store: empty base url")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, errors.Wrap(err, "rest store: invalid base url")
	}
	s := &RESTStore{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(apiKey),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func (s *RESTStore) Close() error { return nil }

func (s *RESTStore) do(ctx context.Context, method string, table string, query url.Values, body any, out any) error {
	u := s.baseURL + "/rest/v1/" + table
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "rest store: marshal %s body", table)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return errors.Wrapf(err, "rest store: build %s request", table)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}
	if s.apiKey != "" {
		req.Header.Set("apikey", s.apiKey)
	}
	bearer := s.bearer
	if bearer == "" {
		bearer = s.apiKey
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "rest store: %s %s", method, table)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return errors.Wrapf(err, "rest store: read %s response", table)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("rest store: %s %s: status %d: %s", method, table, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "rest store: decode %s response", table)
	}
	return nil
}

func eq(v string) string { return "eq." + v }

func (s *RESTStore) InsertSession(ctx context.Context, ownerID string, title string) (SessionRecord, error) {
	if err := validateOwner("rest store", ownerID); err != nil {
		return SessionRecord{}, err
	}
	var rows []SessionRecord
	body := map[string]any{"user_id": ownerID, "title": title}
	if err := s.do(ctx, http.MethodPost, tableSessions, nil, body, &rows); err != nil {
		return SessionRecord{}, err
	}
	if len(rows) == 0 {
		return SessionRecord{}, errors.New("rest store: insert session returned no rows")
	}
	return rows[0], nil
}

func (s *RESTStore) LatestSession(ctx context.Context, ownerID string) (SessionRecord, error) {
	recs, err := s.ListSessions(ctx, ownerID, 1)
	if err != nil {
		return SessionRecord{}, err
	}
	if len(recs) == 0 {
		return SessionRecord{}, ErrNoRows
	}
	return recs[0], nil
}

func (s *RESTStore) ListSessions(ctx context.Context, ownerID string, limit int) ([]SessionRecord, error) {
	if err := validateOwner("rest store", ownerID); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("select", "id,user_id,title,created_at")
	q.Set("user_id", eq(ownerID))
	q.Set("order", "created_at.desc")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	rows := []SessionRecord{}
	if err := s.do(ctx, http.MethodGet, tableSessions, q, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *RESTStore) GetSession(ctx context.Context, ownerID string, sessionID string) (SessionRecord, error) {
	q := url.Values{}
	q.Set("select", "id,user_id,title,created_at")
	q.Set("id", eq(sessionID))
	q.Set("user_id", eq(ownerID))
	var rows []SessionRecord
	if err := s.do(ctx, http.MethodGet, tableSessions, q, nil, &rows); err != nil {
		return SessionRecord{}, err
	}
	if len(rows) == 0 {
		return SessionRecord{}, ErrNoRows
	}
	return rows[0], nil
}

func (s *RESTStore) UpdateSessionTitle(ctx context.Context, ownerID string, sessionID string, title string) error {
	q := url.Values{}
	q.Set("id", eq(sessionID))
	q.Set("user_id", eq(ownerID))
	var rows []SessionRecord
	if err := s.do(ctx, http.MethodPatch, tableSessions, q, map[string]any{"title": title}, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNoRows
	}
	return nil
}

func (s *RESTStore) DeleteSession(ctx context.Context, ownerID string, sessionID string) error {
	q := url.Values{}
	q.Set("id", eq(sessionID))
	q.Set("user_id", eq(ownerID))
	var rows []SessionRecord
	if err := s.do(ctx, http.MethodDelete, tableSessions, q, nil, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNoRows
	}
	return nil
}

// ownsSession reports ErrNoRows unless sessionID belongs to ownerID. Message
// rows carry no owner column, so the session row is checked first.
func (s *RESTStore) ownsSession(ctx context.Context, ownerID string, sessionID string) error {
	if err := validateOwner("rest store", ownerID); err != nil {
		return err
	}
	_, err := s.GetSession(ctx, ownerID, sessionID)
	return err
}

func (s *RESTStore) InsertMessage(ctx context.Context, ownerID string, msg MessageRecord) (MessageRecord, error) {
	if err := validateMessage("rest store", msg); err != nil {
		return MessageRecord{}, err
	}
	if err := s.ownsSession(ctx, ownerID, msg.SessionID); err != nil {
		return MessageRecord{}, err
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	body := map[string]any{
		"session_id": msg.SessionID,
		"sender":     string(msg.Sender),
		"content":    msg.Content,
		"created_at": msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	var rows []MessageRecord
	if err := s.do(ctx, http.MethodPost, tableMessages, nil, body, &rows); err != nil {
		return MessageRecord{}, err
	}
	if len(rows) == 0 {
		return MessageRecord{}, errors.New("rest store: insert message returned no rows")
	}
	return rows[0], nil
}

func (s *RESTStore) ListMessages(ctx context.Context, ownerID string, sessionID string) ([]MessageRecord, error) {
	if err := s.ownsSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("select", "id,session_id,sender,content,created_at")
	q.Set("session_id", eq(sessionID))
	q.Set("order", "created_at.asc")
	rows := []MessageRecord{}
	if err := s.do(ctx, http.MethodGet, tableMessages, q, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *RESTStore) ListAPIKeys(ctx context.Context, ownerID string) ([]APIKeyRecord, error) {
	if err := validateOwner("rest store", ownerID); err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("select", "*")
	q.Set("user_id", eq(ownerID))
	q.Set("order", "created_at.desc")
	rows := []APIKeyRecord{}
	if err := s.do(ctx, http.MethodGet, tableAPIKeys, q, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *RESTStore) InsertAPIKey(ctx context.Context, ownerID string, name string, token string) (APIKeyRecord, error) {
	if err := validateOwner("rest store", ownerID); err != nil {
		return APIKeyRecord{}, err
	}
	if err := validateAPIKey("rest store", name, token); err != nil {
		return APIKeyRecord{}, err
	}
	body := map[string]any{
		"user_id": ownerID,
		"name":    strings.TrimSpace(name),
		"token":   strings.TrimSpace(token),
	}
	var rows []APIKeyRecord
	if err := s.do(ctx, http.MethodPost, tableAPIKeys, nil, body, &rows); err != nil {
		return APIKeyRecord{}, err
	}
	if len(rows) == 0 {
		return APIKeyRecord{}, errors.New("rest store: insert api key returned no rows")
	}
	return rows[0], nil
}

func (s *RESTStore) RenameAPIKey(ctx context.Context, ownerID string, keyID string, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("rest store: api key name is empty")
	}
	q := url.Values{}
	q.Set("id", eq(keyID))
	q.Set("user_id", eq(ownerID))
	var rows []APIKeyRecord
	if err := s.do(ctx, http.MethodPatch, tableAPIKeys, q, map[string]any{"name": strings.TrimSpace(name)}, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNoRows
	}
	return nil
}

func (s *RESTStore) DeleteAPIKey(ctx context.Context, ownerID string, keyID string) error {
	q := url.Values{}
	q.Set("id", eq(keyID))
	q.Set("user_id", eq(ownerID))
	var rows []APIKeyRecord
	if err := s.do(ctx, http.MethodDelete, tableAPIKeys, q, nil, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNoRows
	}
	return nil
}
