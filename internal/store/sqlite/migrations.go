package sqlite

import (
	"context"
	"fmt"
)

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			team_id TEXT NOT NULL DEFAULT '',
			secure_c_ses TEXT NOT NULL DEFAULT '',
			host_c_oses TEXT NOT NULL DEFAULT '',
			csesidx TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			available INTEGER NOT NULL DEFAULT 1,
			cookie_expired INTEGER NOT NULL DEFAULT 0,
			cooldown_until_ms INTEGER NOT NULL DEFAULT 0,
			cooldown_reason TEXT NOT NULL DEFAULT '',
			tempmail_name TEXT NOT NULL DEFAULT '',
			tempmail_url TEXT NOT NULL DEFAULT '',
			quota_json TEXT NOT NULL DEFAULT '{}',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		// 待注册账号还没有 csesidx，唯一约束只管非空值。
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_csesidx
			ON accounts(csesidx) WHERE csesidx != '';`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value_json TEXT NOT NULL DEFAULT '{}',
			updated_at INTEGER NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
