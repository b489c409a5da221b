package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	ctxpkg "github.com/stupiduntilnot/chatmem/internal/context"
)

// SQLite stores one thread's transcript in the history and summaries
// tables created by db.InitSchema.
type SQLite struct {
	DB       *sql.DB
	ThreadID string
}

// Load returns the thread's summaries and turns in insertion order.
func (s *SQLite) Load(ctx context.Context) (ctxpkg.Transcript, error) {
	var t ctxpkg.Transcript

	srows, err := s.DB.QueryContext(ctx,
		"SELECT text FROM summaries WHERE thread_id = ? ORDER BY idx ASC", s.ThreadID)
	if err != nil {
		return t, fmt.Errorf("query summaries thread=%s: %w", s.ThreadID, err)
	}
	defer srows.Close()
	for srows.Next() {
		var text string
		if err := srows.Scan(&text); err != nil {
			return t, fmt.Errorf("scan summary thread=%s: %w", s.ThreadID, err)
		}
		t.Summaries = append(t.Summaries, text)
	}
	if err := srows.Err(); err != nil {
		return t, err
	}

	rows, err := s.DB.QueryContext(ctx,
		"SELECT id, role, text FROM history WHERE thread_id = ? ORDER BY id ASC", s.ThreadID)
	if err != nil {
		return t, fmt.Errorf("query history thread=%s: %w", s.ThreadID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id         int
			role, text string
		)
		if err := rows.Scan(&id, &role, &text); err != nil {
			return t, fmt.Errorf("scan history thread=%s: %w", s.ThreadID, err)
		}
		switch ctxpkg.Role(role) {
		case ctxpkg.RoleUser, ctxpkg.RoleAssistant:
			t.Turns = append(t.Turns, ctxpkg.Turn{Role: ctxpkg.Role(role), Content: text})
		default:
			t.Warnings = append(t.Warnings, &ctxpkg.MalformedStateError{
				Index:  id,
				Reason: fmt.Sprintf("unrecognized role %q", role),
			})
		}
	}
	return t, rows.Err()
}

// Save replaces the thread's rows in one transaction.
func (s *SQLite) Save(ctx context.Context, t ctxpkg.Transcript) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save thread=%s: %w", s.ThreadID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM summaries WHERE thread_id = ?", s.ThreadID); err != nil {
		return fmt.Errorf("clear summaries thread=%s: %w", s.ThreadID, err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM history WHERE thread_id = ?", s.ThreadID); err != nil {
		return fmt.Errorf("clear history thread=%s: %w", s.ThreadID, err)
	}

	idx := 0
	for _, text := range t.Summaries {
		if strings.TrimSpace(text) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO summaries (thread_id, idx, text) VALUES (?, ?, ?)", s.ThreadID, idx, text); err != nil {
			return fmt.Errorf("insert summary thread=%s: %w", s.ThreadID, err)
		}
		idx++
	}
	for _, turn := range t.Turns {
		if turn.Role != ctxpkg.RoleUser && turn.Role != ctxpkg.RoleAssistant {
			return fmt.Errorf("cannot persist turn seq=%d with role %q", turn.Seq, turn.Role)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO history (thread_id, role, text) VALUES (?, ?, ?)", s.ThreadID, string(turn.Role), turn.Content); err != nil {
			return fmt.Errorf("insert history thread=%s: %w", s.ThreadID, err)
		}
	}
	return tx.Commit()
}
