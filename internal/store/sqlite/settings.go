package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"gemini_pool/internal/model"
)

const (
	emailSettingsKey   = "email_settings"
	refreshSettingsKey = "refresh_settings"
)

func (s *Store) getSettings(ctx context.Context, key string, out any) (bool, error) {
	var valueJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT value_json FROM settings WHERE key = ?
	`, key).Scan(&valueJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(valueJSON), out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) upsertSettings(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value_json = excluded.value_json,
			updated_at = excluded.updated_at
	`, key, string(b), time.Now().UnixMilli())
	return err
}

func (s *Store) GetEmailSettings(ctx context.Context) (model.EmailSettings, bool, error) {
	var out model.EmailSettings
	ok, err := s.getSettings(ctx, emailSettingsKey, &out)
	if err != nil {
		return model.EmailSettings{}, false, err
	}
	return out, ok, nil
}

func (s *Store) UpsertEmailSettings(ctx context.Context, v model.EmailSettings) (model.EmailSettings, error) {
	if err := s.upsertSettings(ctx, emailSettingsKey, v); err != nil {
		return model.EmailSettings{}, err
	}
	return v, nil
}

func (s *Store) GetRefreshSettings(ctx context.Context) (model.RefreshSettings, bool, error) {
	var out model.RefreshSettings
	ok, err := s.getSettings(ctx, refreshSettingsKey, &out)
	if err != nil {
		return model.RefreshSettings{}, false, err
	}
	return out, ok, nil
}

func (s *Store) UpsertRefreshSettings(ctx context.Context, v model.RefreshSettings) (model.RefreshSettings, error) {
	if err := s.upsertSettings(ctx, refreshSettingsKey, v); err != nil {
		return model.RefreshSettings{}, err
	}
	return v, nil
}
