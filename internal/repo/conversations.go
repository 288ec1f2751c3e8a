package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tasktalk/internal/domain"
)

// GetOrCreateSession returns the session with id, creating it when missing.
// An empty or malformed id yields a fresh UUID session.
func (r Repo) GetOrCreateSession(ctx context.Context, id string) (domain.Session, error) {
	id = strings.TrimSpace(id)
	if id != "" {
		s, err := r.GetSession(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return domain.Session{}, err
		}
		if _, perr := uuid.Parse(id); perr != nil {
			id = ""
		}
	}
	if id == "" {
		id = uuid.NewString()
	}
	s := domain.Session{ID: id, CreatedAt: r.now()}
	if _, err := r.DB.ExecContext(ctx, `INSERT INTO chat_sessions(id,created_at) VALUES (?,?) ON CONFLICT(id) DO NOTHING`, s.ID, formatTS(s.CreatedAt)); err != nil {
		return domain.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return r.GetSession(ctx, s.ID)
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.Session, error) {
	var s domain.Session
	var created string
	err := r.DB.QueryRowContext(ctx, `SELECT id,created_at FROM chat_sessions WHERE id=?`, id).Scan(&s.ID, &created)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.CreatedAt, err = parseTS(created)
	return s, err
}

// AppendMessage stores a message with a timestamp strictly after the session's latest one.
func (r Repo) AppendMessage(ctx context.Context, sessionID string, role domain.Role, content string) (domain.Message, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, err
	}
	defer tx.Rollback()

	ts := r.now()
	var last sql.NullString
	if err := tx.QueryRowContext(ctx, `SELECT MAX(ts) FROM chat_messages WHERE session_id=?`, sessionID).Scan(&last); err != nil {
		return domain.Message{}, err
	}
	if last.Valid {
		prev, err := parseTS(last.String)
		if err != nil {
			return domain.Message{}, fmt.Errorf("session %s last ts: %w", sessionID, err)
		}
		if !ts.After(prev) {
			ts = prev.Add(time.Microsecond)
		}
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO chat_messages(session_id,role,content,ts) VALUES (?,?,?,?)`, sessionID, string(role), content, formatTS(ts))
	if err != nil {
		return domain.Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, err
	}
	return domain.Message{ID: id, SessionID: sessionID, Role: role, Content: content, Timestamp: ts}, nil
}

// LoadHistory returns the session's messages ordered by timestamp.
func (r Repo) LoadHistory(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,session_id,role,content,ts FROM chat_messages WHERE session_id=? ORDER BY ts ASC, id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var role, ts string
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &ts); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		if m.Timestamp, err = parseTS(ts); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
