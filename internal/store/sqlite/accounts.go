package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"gemini_pool/internal/model"
)

const accountColumns = `id, team_id, secure_c_ses, host_c_oses, csesidx, user_agent,
	available, cookie_expired, cooldown_until_ms, cooldown_reason,
	tempmail_name, tempmail_url, quota_json, created_at, updated_at`

type accountRow struct {
	id              int64
	teamID          string
	secureCSes      string
	hostCOses       string
	csesidx         string
	userAgent       string
	available       int
	cookieExpired   int
	cooldownUntilMs int64
	cooldownReason  string
	tempmailName    string
	tempmailURL     string
	quota           string
	createdAt       int64
	updatedAt       int64
}

func (r *accountRow) scanTargets() []any {
	return []any{
		&r.id, &r.teamID, &r.secureCSes, &r.hostCOses, &r.csesidx, &r.userAgent,
		&r.available, &r.cookieExpired, &r.cooldownUntilMs, &r.cooldownReason,
		&r.tempmailName, &r.tempmailURL, &r.quota, &r.createdAt, &r.updatedAt,
	}
}

func (r accountRow) toModel() model.Account {
	var quota map[model.Capability]model.QuotaState
	_ = json.Unmarshal([]byte(r.quota), &quota)
	return model.Account{
		ID:              r.id,
		TeamID:          r.teamID,
		SecureCSes:      r.secureCSes,
		HostCOses:       r.hostCOses,
		Csesidx:         r.csesidx,
		UserAgent:       r.userAgent,
		Available:       r.available != 0,
		CookieExpired:   r.cookieExpired != 0,
		CooldownUntilMs: r.cooldownUntilMs,
		CooldownReason:  r.cooldownReason,
		TempmailName:    r.tempmailName,
		TempmailURL:     r.tempmailURL,
		Quota:           quota,
		CreatedAt:       time.UnixMilli(r.createdAt),
		UpdatedAt:       time.UnixMilli(r.updatedAt),
	}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func (s *Store) InsertAccount(ctx context.Context, acc model.Account) (model.Account, error) {
	// 待注册账号只有临时邮箱，csesidx 由后续注册流程补齐。
	if acc.Csesidx == "" && acc.TempmailName == "" {
		return model.Account{}, errors.New("csesidx or tempmail name is required")
	}
	now := time.Now()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = now

	quotaJSON, err := json.Marshal(acc.Quota)
	if err != nil {
		return model.Account{}, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (team_id, secure_c_ses, host_c_oses, csesidx, user_agent,
			available, cookie_expired, cooldown_until_ms, cooldown_reason,
			tempmail_name, tempmail_url, quota_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, acc.TeamID, acc.SecureCSes, acc.HostCOses, acc.Csesidx, acc.UserAgent,
		boolToInt(acc.Available), boolToInt(acc.CookieExpired), acc.CooldownUntilMs, acc.CooldownReason,
		acc.TempmailName, acc.TempmailURL, string(quotaJSON), acc.CreatedAt.UnixMilli(), acc.UpdatedAt.UnixMilli())
	if err != nil {
		return model.Account{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Account{}, err
	}
	acc.ID = id
	return acc, nil
}

func (s *Store) UpdateAccount(ctx context.Context, acc model.Account) error {
	if acc.ID <= 0 {
		return errors.New("account id is required")
	}
	acc.UpdatedAt = time.Now()

	quotaJSON, err := json.Marshal(acc.Quota)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET
			team_id = ?,
			secure_c_ses = ?,
			host_c_oses = ?,
			csesidx = ?,
			user_agent = ?,
			available = ?,
			cookie_expired = ?,
			cooldown_until_ms = ?,
			cooldown_reason = ?,
			tempmail_name = ?,
			tempmail_url = ?,
			quota_json = ?,
			updated_at = ?
		WHERE id = ?
	`, acc.TeamID, acc.SecureCSes, acc.HostCOses, acc.Csesidx, acc.UserAgent,
		boolToInt(acc.Available), boolToInt(acc.CookieExpired), acc.CooldownUntilMs, acc.CooldownReason,
		acc.TempmailName, acc.TempmailURL, string(quotaJSON), acc.UpdatedAt.UnixMilli(), acc.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id int64) (model.Account, error) {
	var row accountRow
	err := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE id = ?
	`, id).Scan(row.scanTargets()...)
	if err != nil {
		return model.Account{}, err
	}
	return row.toModel(), nil
}

func (s *Store) GetAccountByCsesidx(ctx context.Context, csesidx string) (model.Account, error) {
	var row accountRow
	err := s.db.QueryRowContext(ctx, `
		SELECT `+accountColumns+` FROM accounts WHERE csesidx = ?
	`, csesidx).Scan(row.scanTargets()...)
	if err != nil {
		return model.Account{}, err
	}
	return row.toModel(), nil
}

// ListAccounts 按插入顺序返回全部账号。
func (s *Store) ListAccounts(ctx context.Context) ([]model.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		var row accountRow
		if err := rows.Scan(row.scanTargets()...); err != nil {
			return nil, err
		}
		out = append(out, row.toModel())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	return err
}
