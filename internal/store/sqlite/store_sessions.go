package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// LoadSessionData returns the stored values for a host session key.
func (s *Store) LoadSessionData(ctx context.Context, key string) (map[string]string, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]string{}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	data := map[string]string{}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// SaveSessionData stores values for a host session key, replacing any
// previous values.
func (s *Store) SaveSessionData(ctx context.Context, key string, data map[string]string, now time.Time) error {
	if data == nil {
		data = map[string]string{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO sessions(key, data, updated_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, string(raw), toMillis(now))
	return err
}

// DeleteSessionData removes a host session.
func (s *Store) DeleteSessionData(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key)
	return err
}

// PurgeStaleSessions removes sessions not updated since olderThan. It limits
// each run to avoid long write transactions.
func (s *Store) PurgeStaleSessions(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultSessionPurgeLimit
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM sessions
WHERE key IN (
	SELECT key
	FROM sessions
	WHERE updated_at < ?
	ORDER BY updated_at ASC
	LIMIT ?
)`, toMillis(olderThan), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
