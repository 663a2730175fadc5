package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore persists sessions, messages and api keys in a single SQLite
// database. Timestamps are stored as unix nanoseconds; rowid breaks ties.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN with WAL and a busy timeout so the web server
// and the CLI can share one database file.
func SQLiteDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_sessions (
		  id TEXT PRIMARY KEY,
		  user_id TEXT NOT NULL,
		  title TEXT NOT NULL,
		  created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_sessions_by_owner_created
		  ON chat_sessions(user_id, created_at DESC);`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
		  id TEXT PRIMARY KEY,
		  session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		  sender TEXT NOT NULL CHECK (sender IN ('user', 'ai')),
		  content TEXT NOT NULL,
		  created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_messages_by_session_created
		  ON chat_messages(session_id, created_at ASC);`,
		`CREATE TABLE IF NOT EXISTS todo_api_keys (
		  id TEXT PRIMARY KEY,
		  user_id TEXT NOT NULL,
		  name TEXT NOT NULL,
		  token TEXT NOT NULL,
		  created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS todo_api_keys_by_owner
		  ON todo_api_keys(user_id, created_at DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) InsertSession(ctx context.Context, ownerID string, title string) (SessionRecord, error) {
	if err := validateOwner("sqlite store", ownerID); err != nil {
		return SessionRecord{}, err
	}
	rec := SessionRecord{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_sessions(id, user_id, title, created_at) VALUES(?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.Title, rec.CreatedAt.UnixNano())
	if err != nil {
		return SessionRecord{}, errors.Wrap(err, "sqlite store: insert session")
	}
	return rec, nil
}

func (s *SQLiteStore) LatestSession(ctx context.Context, ownerID string) (SessionRecord, error) {
	recs, err := s.ListSessions(ctx, ownerID, 1)
	if err != nil {
		return SessionRecord{}, err
	}
	if len(recs) == 0 {
		return SessionRecord{}, ErrNoRows
	}
	return recs[0], nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context, ownerID string, limit int) ([]SessionRecord, error) {
	if err := validateOwner("sqlite store", ownerID); err != nil {
		return nil, err
	}
	query := `
		SELECT id, user_id, title, created_at
		FROM chat_sessions
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
	`
	args := []any{ownerID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list sessions")
	}
	defer func() { _ = rows.Close() }()

	out := []SessionRecord{}
	for rows.Next() {
		var (
			rec       SessionRecord
			createdNs int64
		)
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Title, &createdNs); err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan session")
		}
		rec.CreatedAt = time.Unix(0, createdNs).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite store: iterate sessions")
	}
	return out, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, ownerID string, sessionID string) (SessionRecord, error) {
	var (
		rec       SessionRecord
		createdNs int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at
		FROM chat_sessions
		WHERE id = ? AND user_id = ?
	`, strings.TrimSpace(sessionID), ownerID).Scan(&rec.ID, &rec.OwnerID, &rec.Title, &createdNs)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, ErrNoRows
	}
	if err != nil {
		return SessionRecord{}, errors.Wrap(err, "sqlite store: get session")
	}
	rec.CreatedAt = time.Unix(0, createdNs).UTC()
	return rec, nil
}

func (s *SQLiteStore) UpdateSessionTitle(ctx context.Context, ownerID string, sessionID string, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET title = ? WHERE id = ? AND user_id = ?`,
		title, sessionID, ownerID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: update session title")
	}
	return requireAffected(res, "update session title")
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, ownerID string, sessionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite store: begin delete session")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM chat_sessions WHERE id = ? AND user_id = ?`, sessionID, ownerID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: delete session")
	}
	if err := requireAffected(res, "delete session"); err != nil {
		return err
	}
	// foreign_keys may be off when the DSN was not built by SQLiteDSNForFile.
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE session_id = ?`, sessionID); err != nil {
		return errors.Wrap(err, "sqlite store: delete session messages")
	}
	return errors.Wrap(tx.Commit(), "sqlite store: commit delete session")
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, ownerID string, msg MessageRecord) (MessageRecord, error) {
	if err := validateMessage("sqlite store", msg); err != nil {
		return MessageRecord{}, err
	}
	if _, err := s.GetSession(ctx, ownerID, msg.SessionID); err != nil {
		return MessageRecord{}, errors.Wrap(err, "sqlite store: insert message")
	}
	msg.ID = uuid.NewString()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_messages(id, session_id, sender, content, created_at) VALUES(?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Sender), msg.Content, msg.CreatedAt.UnixNano())
	if err != nil {
		return MessageRecord{}, errors.Wrap(err, "sqlite store: insert message")
	}
	return msg, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, ownerID string, sessionID string) ([]MessageRecord, error) {
	if _, err := s.GetSession(ctx, ownerID, sessionID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.session_id, m.sender, m.content, m.created_at
		FROM chat_messages m
		JOIN chat_sessions s ON s.id = m.session_id
		WHERE m.session_id = ? AND s.user_id = ?
		ORDER BY m.created_at ASC, m.rowid ASC
	`, sessionID, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list messages")
	}
	defer func() { _ = rows.Close() }()

	out := []MessageRecord{}
	for rows.Next() {
		var (
			rec       MessageRecord
			sender    string
			createdNs int64
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &sender, &rec.Content, &createdNs); err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan message")
		}
		rec.Sender = Sender(sender)
		rec.CreatedAt = time.Unix(0, createdNs).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite store: iterate messages")
	}
	return out, nil
}

func (s *SQLiteStore) ListAPIKeys(ctx context.Context, ownerID string) ([]APIKeyRecord, error) {
	if err := validateOwner("sqlite store", ownerID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, token, created_at
		FROM todo_api_keys
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
	`, ownerID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list api keys")
	}
	defer func() { _ = rows.Close() }()

	out := []APIKeyRecord{}
	for rows.Next() {
		var (
			rec       APIKeyRecord
			createdNs int64
		)
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Name, &rec.Token, &createdNs); err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan api key")
		}
		rec.CreatedAt = time.Unix(0, createdNs).UTC()
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "sqlite store: iterate api keys")
}

func (s *SQLiteStore) InsertAPIKey(ctx context.Context, ownerID string, name string, token string) (APIKeyRecord, error) {
	if err := validateOwner("sqlite store", ownerID); err != nil {
		return APIKeyRecord{}, err
	}
	if err := validateAPIKey("sqlite store", name, token); err != nil {
		return APIKeyRecord{}, err
	}
	rec := APIKeyRecord{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      strings.TrimSpace(name),
		Token:     strings.TrimSpace(token),
		CreatedAt: s.now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO todo_api_keys(id, user_id, name, token, created_at) VALUES(?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, rec.Name, rec.Token, rec.CreatedAt.UnixNano())
	if err != nil {
		return APIKeyRecord{}, errors.Wrap(err, "sqlite store: insert api key")
	}
	return rec, nil
}

func (s *SQLiteStore) RenameAPIKey(ctx context.Context, ownerID string, keyID string, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("sqlite store: api key name is empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE todo_api_keys SET name = ? WHERE id = ? AND user_id = ?`,
		strings.TrimSpace(name), keyID, ownerID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: rename api key")
	}
	return requireAffected(res, "rename api key")
}

func (s *SQLiteStore) DeleteAPIKey(ctx context.Context, ownerID string, keyID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM todo_api_keys WHERE id = ? AND user_id = ?`, keyID, ownerID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: delete api key")
	}
	return requireAffected(res, "delete api key")
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "sqlite store: %s rows affected", op)
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}
