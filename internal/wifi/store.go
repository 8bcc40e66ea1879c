package wifi

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/smartprobe/probed/internal/database"
)

// Store persists credentials in the wifi_credentials table. Higher priority
// is tried first; the most recently added network gets the highest.
type Store struct {
	db     *database.DB
	sealer *Sealer
	max    int
}

// NewStore creates a Store keeping at most maxNetworks entries.
func NewStore(db *database.DB, sealer *Sealer, maxNetworks int) *Store {
	if maxNetworks <= 0 {
		maxNetworks = 1
	}
	return &Store{db: db, sealer: sealer, max: maxNetworks}
}

// Add upserts a credential, moves it to the top priority and evicts the
// lowest-priority entries beyond the limit. It returns the evicted SSIDs.
func (s *Store) Add(ctx context.Context, ssid, password string) ([]string, error) {
	if err := Validate(ssid, password); err != nil {
		return nil, err
	}
	sealed, err := s.sealer.Seal(ssid, password)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin add credential: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var top sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(priority) FROM wifi_credentials`).Scan(&top); err != nil {
		return nil, fmt.Errorf("max priority: %w", err)
	}
	priority := top.Int64 + 1
	now := time.Now().Unix()

	res, err := tx.ExecContext(ctx,
		s.db.Rebind(`UPDATE wifi_credentials SET password = ?, priority = ?, updated_at = ? WHERE ssid = ?`),
		sealed, priority, now, ssid)
	if err != nil {
		return nil, fmt.Errorf("update credential: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx,
			s.db.Rebind(`INSERT INTO wifi_credentials (ssid, password, priority, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
			ssid, sealed, priority, now, now); err != nil {
			return nil, fmt.Errorf("insert credential: %w", err)
		}
	}

	evicted, err := s.evict(ctx, tx)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit credential: %w", err)
	}
	return evicted, nil
}

func (s *Store) evict(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT ssid FROM wifi_credentials ORDER BY priority DESC`)
	if err != nil {
		return nil, fmt.Errorf("list for eviction: %w", err)
	}
	var ssids []string
	for rows.Next() {
		var ssid string
		if err := rows.Scan(&ssid); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan ssid: %w", err)
		}
		ssids = append(ssids, ssid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ssids) <= s.max {
		return nil, nil
	}

	evicted := ssids[s.max:]
	for _, ssid := range evicted {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(`DELETE FROM wifi_credentials WHERE ssid = ?`), ssid); err != nil {
			return nil, fmt.Errorf("evict %s: %w", ssid, err)
		}
	}
	return evicted, nil
}

// Clear removes every stored credential and returns how many were removed.
func (s *Store) Clear(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM wifi_credentials`)
	if err != nil {
		return 0, fmt.Errorf("clear credentials: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// List returns credentials by descending priority with passwords decrypted.
func (s *Store) List(ctx context.Context) ([]Credential, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ssid, password, priority, created_at, updated_at FROM wifi_credentials ORDER BY priority DESC`)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()

	creds := []Credential{}
	for rows.Next() {
		var c Credential
		var sealed []byte
		var created, updated int64
		if err := rows.Scan(&c.SSID, &sealed, &c.Priority, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.Password, err = s.sealer.Open(c.SSID, sealed)
		if err != nil {
			return nil, fmt.Errorf("credential %s: %w", c.SSID, err)
		}
		c.CreatedAt = time.Unix(created, 0)
		c.UpdatedAt = time.Unix(updated, 0)
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// Count returns the number of stored credentials.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM wifi_credentials`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count credentials: %w", err)
	}
	return n, nil
}

// Get returns one credential, or ErrNotStored.
func (s *Store) Get(ctx context.Context, ssid string) (*Credential, error) {
	var c Credential
	var sealed []byte
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		s.db.Rebind(`SELECT ssid, password, priority, created_at, updated_at FROM wifi_credentials WHERE ssid = ?`), ssid).
		Scan(&c.SSID, &sealed, &c.Priority, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotStored
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	if c.Password, err = s.sealer.Open(c.SSID, sealed); err != nil {
		return nil, fmt.Errorf("credential %s: %w", c.SSID, err)
	}
	c.CreatedAt = time.Unix(created, 0)
	c.UpdatedAt = time.Unix(updated, 0)
	return &c, nil
}
