package storage

import (
	"database/sql"
	"errors"
	"time"

	apperrors "github.com/lairsandllamas/host/internal/errors"
)

// Setting keys.
const (
	SettingModel  = "model"
	SettingEffort = "effort"
)

// GetSetting returns a stored setting and whether it exists.
func (s *SQLiteStore) GetSetting(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.Wrap(apperrors.CodeStorageQueryFailed, "get setting", err)
	}
	return value, true, nil
}

// SetSetting stores a setting, replacing any previous value.
func (s *SQLiteStore) SetSetting(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	const query = `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := s.db.Exec(query, key, value, time.Now().UTC().Format(time.RFC3339)); err != nil {
		return apperrors.Wrap(apperrors.CodeStorageSaveFailed, "set setting", err)
	}
	return nil
}
