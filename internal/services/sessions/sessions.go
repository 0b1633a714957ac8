// Package sessions is the workspace-scoped conversation store. Sessions and
// their messages persist in a per-workspace SQLite database under the
// server's data directory, so they survive server restarts.
package sessions

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/zorz/ultra-ecp-sub000/internal/broadcast"
	"github.com/zorz/ultra-ecp-sub000/internal/ecp"
	"github.com/zorz/ultra-ecp-sub000/internal/logger"
	"github.com/zorz/ultra-ecp-sub000/internal/service"
)

// Namespace is the service's routing namespace. The service additionally
// answers the legacy history/* methods for older clients.
const Namespace = "session"

// Session is one stored conversation.
type Session struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	MessageCount int       `json:"messageCount"`
}

// Message is one entry in a session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service implements the session store.
type Service struct {
	workspacePath string
	dbPath        string
	db            *sql.DB
	notifier      *broadcast.Broadcaster
	log           *logger.Logger
}

// New creates a session service for one workspace. The database lives under
// dataDir, keyed by a digest of the workspace path so distinct workspaces
// never share state.
func New(dataDir, workspacePath string, notifier *broadcast.Broadcaster) *Service {
	sum := sha256.Sum256([]byte(workspacePath))
	return &Service{
		workspacePath: workspacePath,
		dbPath:        filepath.Join(dataDir, hex.EncodeToString(sum[:8]), "sessions.db"),
		notifier:      notifier,
		log:           logger.Global().WithScope("sessions"),
	}
}

func (s *Service) Namespace() string     { return Namespace }
func (s *Service) Scope() service.Scope  { return service.ScopeWorkspace }
func (s *Service) BridgeDelegated() bool { return false }

// Init opens the database and ensures the schema exists.
func (s *Service) Init(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.dbPath), 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", s.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.db = db
	s.log.Info("Session store ready at %s", s.dbPath)
	return nil
}

// Shutdown closes the database.
func (s *Service) Shutdown(context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Handle routes the session/* and legacy history/* methods.
func (s *Service) Handle(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "session/create":
		return s.create(ctx, params)
	case "session/list":
		return s.list(ctx)
	case "session/get":
		return s.get(ctx, params)
	case "session/delete":
		return s.delete(ctx, params)
	case "session/append":
		return s.append(ctx, params)
	case "history/recent":
		return s.recent(ctx, params)
	default:
		return nil, ecp.MethodNotFound(method)
	}
}

type createParams struct {
	Title string `json:"title"`
}

func (s *Service) create(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p createParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ecp.InvalidParams("malformed params: %s", err.Error())
		}
	}
	if p.Title == "" {
		p.Title = "Untitled session"
	}

	now := time.Now().UTC()
	sess := Session{
		ID:        newSessionID(),
		Title:     p.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)",
		sess.ID, sess.Title, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.publishUpdated(sess.ID)
	return sess, nil
}

func (s *Service) list(ctx context.Context) (interface{}, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.title, s.created_at, s.updated_at, COUNT(m.id)
		FROM sessions s LEFT JOIN messages m ON m.session_id = s.id
		GROUP BY s.id ORDER BY s.updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt, &sess.MessageCount); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

type idParams struct {
	ID string `json:"id"`
}

func (s *Service) get(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, ecp.InvalidParams("session id is required")
	}

	var sess Session
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, created_at, updated_at FROM sessions WHERE id = ?", p.ID).
		Scan(&sess.ID, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ecp.InvalidParams("unknown session: %s", p.ID)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, session_id, role, content, created_at FROM messages WHERE session_id = ? ORDER BY id", p.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"session":  sess,
		"messages": messages,
	}, nil
}

func (s *Service) delete(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p idParams
	if err := json.Unmarshal(params, &p); err != nil || p.ID == "" {
		return nil, ecp.InvalidParams("session id is required")
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", p.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete session: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, ecp.InvalidParams("unknown session: %s", p.ID)
	}

	s.publishUpdated(p.ID)
	return map[string]bool{"deleted": true}, nil
}

type appendParams struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

func (s *Service) append(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p appendParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" || p.Role == "" {
		return nil, ecp.InvalidParams("sessionId and role are required")
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (session_id, role, content, created_at) VALUES (?, ?, ?, ?)",
		p.SessionID, p.Role, p.Content, now)
	if err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET updated_at = ? WHERE id = ?", now, p.SessionID); err != nil {
		return nil, err
	}

	id, _ := res.LastInsertId()
	s.publishUpdated(p.SessionID)
	return Message{ID: id, SessionID: p.SessionID, Role: p.Role, Content: p.Content, CreatedAt: now}, nil
}

type recentParams struct {
	Limit int `json:"limit"`
}

// recent serves the legacy history/recent method: the newest messages
// across all sessions in the workspace.
func (s *Service) recent(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p := recentParams{Limit: 20}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, ecp.InvalidParams("malformed params: %s", err.Error())
		}
	}
	if p.Limit <= 0 || p.Limit > 500 {
		p.Limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, session_id, role, content, created_at FROM messages ORDER BY id DESC LIMIT ?", p.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *Service) publishUpdated(sessionID string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(ecp.NewNotification("session/updated", map[string]string{
		"sessionId": sessionID,
	}))
}

func newSessionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("rand.Read failed: %v", err))
	}
	return "s_" + hex.EncodeToString(b[:])
}
