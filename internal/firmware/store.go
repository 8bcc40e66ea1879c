package firmware

import (
	"context"
	"fmt"
	"time"

	"github.com/smartprobe/probed/internal/database"
	"github.com/smartprobe/probed/pkg/protocol"
)

// Update statuses.
const (
	StatusStaged  = "staged"
	StatusApplied = "applied"
	StatusFailed  = "failed"
)

// Record is one row of the firmware_updates table.
type Record = protocol.UpdateRecord

// Store persists the update history.
type Store struct {
	db *database.DB
}

// NewStore creates a Store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Insert adds a record and returns its ID.
func (s *Store) Insert(ctx context.Context, r *Record) (int64, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	const q = `INSERT INTO firmware_updates (filename, size, sha256, status, error, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	args := []any{r.Filename, r.Size, r.SHA256, r.Status, r.Error, r.CreatedAt.Unix()}

	if s.db.Dialect() == database.Postgres {
		var id int64
		if err := s.db.QueryRowContext(ctx, s.db.Rebind(q+` RETURNING id`), args...).Scan(&id); err != nil {
			return 0, fmt.Errorf("insert update record: %w", err)
		}
		r.ID = id
		return id, nil
	}

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("insert update record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert update record id: %w", err)
	}
	r.ID = id
	return id, nil
}

// SetStatus updates a record's status and error text.
func (s *Store) SetStatus(ctx context.Context, id int64, status, errText string) error {
	_, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE firmware_updates SET status = ?, error = ? WHERE id = ?`), status, errText, id)
	if err != nil {
		return fmt.Errorf("update record %d: %w", id, err)
	}
	return nil
}

// List returns the most recent records first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		s.db.Rebind(`SELECT id, filename, size, sha256, status, error, created_at
		 FROM firmware_updates ORDER BY id DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("list update records: %w", err)
	}
	defer rows.Close()

	recs := []Record{}
	for rows.Next() {
		var r Record
		var created int64
		if err := rows.Scan(&r.ID, &r.Filename, &r.Size, &r.SHA256, &r.Status, &r.Error, &created); err != nil {
			return nil, fmt.Errorf("scan update record: %w", err)
		}
		r.CreatedAt = time.Unix(created, 0)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}
