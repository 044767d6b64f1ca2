package pool

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gemini_pool/internal/logbus"
	"gemini_pool/internal/model"
)

var (
	ErrNotFound          = errors.New("account not found")
	ErrNoEligibleAccount = errors.New("no eligible account")
	ErrDuplicateAccount  = errors.New("account with same csesidx already exists")
)

// Storage 池的持久化端。窄接口，测试里用内存假实现。
type Storage interface {
	InsertAccount(ctx context.Context, acc model.Account) (model.Account, error)
	UpdateAccount(ctx context.Context, acc model.Account) error
	DeleteAccount(ctx context.Context, id int64) error
	ListAccounts(ctx context.Context) ([]model.Account, error)
}

// Pool 账号池：启动时全量加载进内存，所有变更同步回写存储。
// 选取走轮询游标，游标只在成功选中时前进。
type Pool struct {
	store  Storage
	bus    *logbus.Bus
	policy Policy

	mu       sync.Mutex
	accounts []*model.Account
	rr       atomic.Uint64
}

func New(store Storage, bus *logbus.Bus, policy Policy) *Pool {
	return &Pool{
		store:  store,
		bus:    bus,
		policy: policy.normalized(),
	}
}

func (p *Pool) Load(ctx context.Context) error {
	if p.store == nil {
		return errors.New("storage unavailable")
	}
	list, err := p.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.accounts = p.accounts[:0]
	for i := range list {
		acc := list[i]
		ensureQuota(&acc)
		p.accounts = append(p.accounts, &acc)
	}
	p.mu.Unlock()
	return nil
}

func (p *Pool) List() []model.Account {
	nowMs := time.Now().UnixMilli()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Account, 0, len(p.accounts))
	for _, acc := range p.accounts {
		normalize(acc, nowMs)
		out = append(out, acc.Clone())
	}
	return out
}

func (p *Pool) Get(id int64) (model.Account, error) {
	nowMs := time.Now().UnixMilli()
	p.mu.Lock()
	defer p.mu.Unlock()
	acc := p.find(id)
	if acc == nil {
		return model.Account{}, ErrNotFound
	}
	normalize(acc, nowMs)
	return acc.Clone(), nil
}

func (p *Pool) Create(ctx context.Context, acc model.Account) (model.Account, error) {
	acc.Csesidx = strings.TrimSpace(acc.Csesidx)
	acc.TempmailName = strings.TrimSpace(acc.TempmailName)
	// 允许只带临时邮箱的待注册账号，凭据走后续注册/刷新流程补齐。
	if acc.Csesidx == "" && acc.TempmailName == "" {
		return model.Account{}, errors.New("csesidx or tempmailName is required")
	}
	acc.ID = 0
	acc.Available = true
	ensureQuota(&acc)

	p.mu.Lock()
	defer p.mu.Unlock()
	if acc.Csesidx != "" {
		for _, existing := range p.accounts {
			if existing.Csesidx == acc.Csesidx {
				return model.Account{}, ErrDuplicateAccount
			}
		}
	}
	saved, err := p.store.InsertAccount(ctx, acc)
	if err != nil {
		return model.Account{}, err
	}
	p.accounts = append(p.accounts, &saved)
	p.publishAccount(saved)
	return saved.Clone(), nil
}

func (p *Pool) Delete(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	idx := -1
	for i, acc := range p.accounts {
		if acc.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}
	if err := p.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	p.accounts = append(p.accounts[:idx], p.accounts[idx+1:]...)
	return nil
}

// Toggle 翻转账号的可用开关。
func (p *Pool) Toggle(ctx context.Context, id int64) (model.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc := p.find(id)
	if acc == nil {
		return model.Account{}, ErrNotFound
	}
	acc.Available = !acc.Available
	if err := p.persist(ctx, acc); err != nil {
		return model.Account{}, err
	}
	p.publishAccount(*acc)
	return acc.Clone(), nil
}

// SetCredentials 刷新成功后写入新的凭据，并清除 Cookie 过期与账号级冷却。
func (p *Pool) SetCredentials(ctx context.Context, id int64, creds model.Credentials) (model.Account, error) {
	if !creds.Complete() {
		return model.Account{}, errors.New("incomplete credentials")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	acc := p.find(id)
	if acc == nil {
		return model.Account{}, ErrNotFound
	}
	acc.SecureCSes = creds.SecureCSes
	acc.HostCOses = creds.HostCOses
	acc.Csesidx = creds.Csesidx
	if creds.TeamID != "" {
		acc.TeamID = creds.TeamID
	}
	acc.CookieExpired = false
	acc.CooldownUntilMs = 0
	acc.CooldownReason = ""
	if err := p.persist(ctx, acc); err != nil {
		return model.Account{}, err
	}
	p.publishAccount(*acc)
	return acc.Clone(), nil
}

// SelectForRequest 为一次请求挑选账号。轮询游标只在成功选中时前进，
// 不可用、Cookie 过期、冷却中的账号一律跳过。
func (p *Pool) SelectForRequest(capability model.Capability) (model.Account, error) {
	nowMs := time.Now().UnixMilli()
	p.mu.Lock()
	defer p.mu.Unlock()

	eligible := make([]*model.Account, 0, len(p.accounts))
	for _, acc := range p.accounts {
		normalize(acc, nowMs)
		if !selectable(acc, capability) {
			continue
		}
		eligible = append(eligible, acc)
	}
	if len(eligible) == 0 {
		return model.Account{}, ErrNoEligibleAccount
	}
	n := p.rr.Add(1)
	acc := eligible[int(n-1)%len(eligible)]
	return acc.Clone(), nil
}

// ReportOutcome 回报一次上游请求的结果，驱动被动配额判定。
func (p *Pool) ReportOutcome(ctx context.Context, id int64, capability model.Capability, status int, retryAfter time.Duration, message string) error {
	now := time.Now()
	effect := p.policy.MapOutcome(now, status, retryAfter, message)
	if effect.Kind == EffectNone {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	acc := p.find(id)
	if acc == nil {
		return ErrNotFound
	}
	ensureQuota(acc)
	changed := p.apply(acc, capability, status, effect, now)
	if !changed {
		return nil
	}
	if err := p.persist(ctx, acc); err != nil {
		if p.bus != nil {
			p.bus.Log("warn", "账号状态落盘失败", map[string]any{
				"accountId": id,
				"error":     err.Error(),
			})
		}
	}
	p.publishAccount(*acc)
	return nil
}

func (p *Pool) apply(acc *model.Account, capability model.Capability, status int, effect Effect, now time.Time) bool {
	qs := acc.Quota[capability]
	switch effect.Kind {
	case EffectSuccess:
		// 成功只解除错误态，冷却仍按时间走。
		if qs.Status != model.QuotaError {
			return false
		}
		qs.Status = model.QuotaAvailable
		qs.StatusText = ""
		acc.Quota[capability] = qs
		return true
	case EffectAuthFailure:
		acc.CookieExpired = true
		if effect.CooldownUntilMs > acc.CooldownUntilMs {
			acc.CooldownUntilMs = effect.CooldownUntilMs
		}
		acc.CooldownReason = effect.Reason
		appendError(&qs, now, status, capability, effect.Reason, p.policy.ErrorLogSize)
		acc.Quota[capability] = qs
		if p.bus != nil {
			p.bus.Log("warn", "账号鉴权失败，进入冷却", map[string]any{
				"accountId": acc.ID,
				"status":    status,
				"untilMs":   acc.CooldownUntilMs,
			})
		}
		return true
	case EffectRateLimited:
		qs.Status = model.QuotaCooldown
		// 冷却只延长不缩短。
		if effect.CooldownUntilMs > qs.CooldownUntilMs {
			qs.CooldownUntilMs = effect.CooldownUntilMs
		}
		qs.StatusText = effect.Reason
		appendError(&qs, now, status, capability, effect.Reason, p.policy.ErrorLogSize)
		acc.Quota[capability] = qs
		if p.bus != nil {
			p.bus.Log("info", "能力触发限流冷却", map[string]any{
				"accountId":  acc.ID,
				"capability": string(capability),
				"untilMs":    qs.CooldownUntilMs,
			})
		}
		return true
	case EffectUpstreamError:
		if qs.Status == model.QuotaAvailable {
			qs.Status = model.QuotaError
		}
		qs.StatusText = effect.Reason
		appendError(&qs, now, status, capability, effect.Reason, p.policy.ErrorLogSize)
		acc.Quota[capability] = qs
		return true
	}
	return false
}

func (p *Pool) find(id int64) *model.Account {
	for _, acc := range p.accounts {
		if acc.ID == id {
			return acc
		}
	}
	return nil
}

func (p *Pool) persist(ctx context.Context, acc *model.Account) error {
	if p.store == nil {
		return errors.New("storage unavailable")
	}
	acc.UpdatedAt = time.Now()
	return p.store.UpdateAccount(ctx, *acc)
}

func (p *Pool) publishAccount(acc model.Account) {
	if p.bus == nil {
		return
	}
	p.bus.Publish("account_update", acc.Clone())
}

func selectable(acc *model.Account, capability model.Capability) bool {
	if !acc.Available || acc.CookieExpired {
		return false
	}
	// 待注册账号凭据尚未补齐，不进入轮询。
	if acc.Csesidx == "" || acc.SecureCSes == "" {
		return false
	}
	if acc.CooldownUntilMs > 0 {
		return false
	}
	if qs, ok := acc.Quota[capability]; ok && qs.Status == model.QuotaCooldown {
		return false
	}
	return true
}

// normalize 惰性清理已经过期的冷却。
func normalize(acc *model.Account, nowMs int64) {
	if acc.CooldownUntilMs > 0 && acc.CooldownUntilMs <= nowMs {
		acc.CooldownUntilMs = 0
		acc.CooldownReason = ""
	}
	for c, qs := range acc.Quota {
		if qs.Status == model.QuotaCooldown && qs.CooldownUntilMs > 0 && qs.CooldownUntilMs <= nowMs {
			qs.Status = model.QuotaAvailable
			qs.CooldownUntilMs = 0
			qs.StatusText = ""
			acc.Quota[c] = qs
		}
	}
}

func ensureQuota(acc *model.Account) {
	if acc.Quota == nil {
		acc.Quota = make(map[model.Capability]model.QuotaState, 3)
	}
	for _, c := range model.Capabilities() {
		if _, ok := acc.Quota[c]; !ok {
			acc.Quota[c] = model.QuotaState{Status: model.QuotaAvailable}
		}
	}
}

func appendError(qs *model.QuotaState, now time.Time, status int, capability model.Capability, message string, limit int) {
	qs.Errors = append(qs.Errors, model.QuotaErrorEvent{
		At:         now.UnixMilli(),
		HTTPStatus: status,
		Capability: capability,
		Message:    message,
	})
	if limit > 0 && len(qs.Errors) > limit {
		qs.Errors = qs.Errors[len(qs.Errors)-limit:]
	}
}
