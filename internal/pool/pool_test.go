package pool

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"gemini_pool/internal/model"
)

// memStore 内存假存储，只为测试池逻辑，不关心持久化细节。
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	accounts map[int64]model.Account
}

func newMemStore() *memStore {
	return &memStore{accounts: make(map[int64]model.Account)}
}

func (s *memStore) InsertAccount(_ context.Context, acc model.Account) (model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	acc.ID = s.nextID
	s.accounts[acc.ID] = acc
	return acc, nil
}

func (s *memStore) UpdateAccount(_ context.Context, acc model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[acc.ID]; !ok {
		return sql.ErrNoRows
	}
	s.accounts[acc.ID] = acc
	return nil
}

func (s *memStore) DeleteAccount(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts, id)
	return nil
}

func (s *memStore) ListAccounts(_ context.Context) ([]model.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Account, 0, len(s.accounts))
	for id := int64(1); id <= s.nextID; id++ {
		if acc, ok := s.accounts[id]; ok {
			out = append(out, acc)
		}
	}
	return out, nil
}

func newTestPool(t *testing.T, n int) (*Pool, *memStore) {
	t.Helper()
	store := newMemStore()
	p := New(store, nil, testPolicy())
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if _, err := p.Create(ctx, model.Account{
			Csesidx:    "idx-" + string(rune('a'+i)),
			SecureCSes: "ses-" + string(rune('a'+i)),
		}); err != nil {
			t.Fatalf("创建账号失败: %v", err)
		}
	}
	return p, store
}

func TestCreateRejectsDuplicateCsesidx(t *testing.T) {
	p, _ := newTestPool(t, 1)
	_, err := p.Create(context.Background(), model.Account{Csesidx: "idx-a"})
	if err != ErrDuplicateAccount {
		t.Fatalf("重复 csesidx 应报 ErrDuplicateAccount，实际 %v", err)
	}
}

func TestSelectRoundRobin(t *testing.T) {
	p, _ := newTestPool(t, 3)
	var got []int64
	for i := 0; i < 6; i++ {
		acc, err := p.SelectForRequest(model.CapabilityText)
		if err != nil {
			t.Fatalf("选取失败: %v", err)
		}
		got = append(got, acc.ID)
	}
	want := []int64{1, 2, 3, 1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("轮询顺序错误，期望 %v 实际 %v", want, got)
		}
	}
}

func TestSelectSkipsIneligible(t *testing.T) {
	p, _ := newTestPool(t, 3)
	ctx := context.Background()

	// 1 号停用，2 号鉴权失败进入账号级冷却。
	if _, err := p.Toggle(ctx, 1); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if err := p.ReportOutcome(ctx, 2, model.CapabilityText, 401, 0, ""); err != nil {
		t.Fatalf("report: %v", err)
	}

	for i := 0; i < 4; i++ {
		acc, err := p.SelectForRequest(model.CapabilityText)
		if err != nil {
			t.Fatalf("选取失败: %v", err)
		}
		if acc.ID != 3 {
			t.Fatalf("只剩 3 号可选，实际选中 %d", acc.ID)
		}
	}
}

func TestSelectCapabilityCooldownIsIndependent(t *testing.T) {
	p, _ := newTestPool(t, 2)
	ctx := context.Background()

	// 1 号 text 能力限流，image 能力不受影响。
	if err := p.ReportOutcome(ctx, 1, model.CapabilityText, 429, time.Hour, ""); err != nil {
		t.Fatalf("report: %v", err)
	}

	acc, err := p.SelectForRequest(model.CapabilityText)
	if err != nil {
		t.Fatalf("选取失败: %v", err)
	}
	if acc.ID != 2 {
		t.Fatalf("text 能力应跳过 1 号，实际 %d", acc.ID)
	}

	seen := map[int64]bool{}
	for i := 0; i < 4; i++ {
		acc, err := p.SelectForRequest(model.CapabilityImage)
		if err != nil {
			t.Fatalf("选取失败: %v", err)
		}
		seen[acc.ID] = true
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("image 能力应两个账号轮询，实际 %v", seen)
	}
}

func TestSelectNoEligibleAccount(t *testing.T) {
	p, _ := newTestPool(t, 1)
	if _, err := p.Toggle(context.Background(), 1); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if _, err := p.SelectForRequest(model.CapabilityText); err != ErrNoEligibleAccount {
		t.Fatalf("应报 ErrNoEligibleAccount，实际 %v", err)
	}
}

func TestAuthFailureMarksExpiredAndCredentialsHeal(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	if err := p.ReportOutcome(ctx, 1, model.CapabilityText, 403, 0, "forbidden"); err != nil {
		t.Fatalf("report: %v", err)
	}
	acc, err := p.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !acc.CookieExpired {
		t.Fatal("403 后应标记 Cookie 过期")
	}
	if acc.CooldownUntilMs <= time.Now().UnixMilli() {
		t.Fatalf("403 后应有未来的账号级冷却，实际 %d", acc.CooldownUntilMs)
	}
	if _, err := p.SelectForRequest(model.CapabilityText); err != ErrNoEligibleAccount {
		t.Fatalf("冷却中不应可选，实际 %v", err)
	}

	// 写入新凭据后恢复可选。
	if _, err := p.SetCredentials(ctx, 1, model.Credentials{
		SecureCSes: "fresh-ses",
		Csesidx:    "fresh-idx",
	}); err != nil {
		t.Fatalf("set credentials: %v", err)
	}
	acc, _ = p.Get(1)
	if acc.CookieExpired || acc.CooldownUntilMs != 0 {
		t.Fatalf("新凭据应清除过期与冷却，实际 expired=%v until=%d", acc.CookieExpired, acc.CooldownUntilMs)
	}
	if _, err := p.SelectForRequest(model.CapabilityText); err != nil {
		t.Fatalf("恢复后应可选: %v", err)
	}
}

func TestRateLimitCooldownOnlyExtends(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	if err := p.ReportOutcome(ctx, 1, model.CapabilityText, 429, 10*time.Minute, ""); err != nil {
		t.Fatalf("report: %v", err)
	}
	acc, _ := p.Get(1)
	first := acc.Quota[model.CapabilityText].CooldownUntilMs

	// 更短的提示不应把冷却往回收。
	if err := p.ReportOutcome(ctx, 1, model.CapabilityText, 429, time.Minute, ""); err != nil {
		t.Fatalf("report: %v", err)
	}
	acc, _ = p.Get(1)
	if got := acc.Quota[model.CapabilityText].CooldownUntilMs; got != first {
		t.Fatalf("冷却不应缩短，原 %d 现 %d", first, got)
	}

	// 更长的提示应延长。
	if err := p.ReportOutcome(ctx, 1, model.CapabilityText, 429, time.Hour, ""); err != nil {
		t.Fatalf("report: %v", err)
	}
	acc, _ = p.Get(1)
	if got := acc.Quota[model.CapabilityText].CooldownUntilMs; got <= first {
		t.Fatalf("冷却应延长，原 %d 现 %d", first, got)
	}
}

func TestSuccessHealsErrorButNotCooldown(t *testing.T) {
	p, _ := newTestPool(t, 1)
	ctx := context.Background()

	if err := p.ReportOutcome(ctx, 1, model.CapabilityText, 500, 0, "oops"); err != nil {
		t.Fatalf("report: %v", err)
	}
	acc, _ := p.Get(1)
	if acc.Quota[model.CapabilityText].Status != model.QuotaError {
		t.Fatalf("500 后应进入错误态，实际 %v", acc.Quota[model.CapabilityText].Status)
	}
	// 错误态仍可选。
	if _, err := p.SelectForRequest(model.CapabilityText); err != nil {
		t.Fatalf("错误态应仍可选: %v", err)
	}

	if err := p.ReportOutcome(ctx, 1, model.CapabilityText, 200, 0, ""); err != nil {
		t.Fatalf("report: %v", err)
	}
	acc, _ = p.Get(1)
	if acc.Quota[model.CapabilityText].Status != model.QuotaAvailable {
		t.Fatalf("成功应解除错误态，实际 %v", acc.Quota[model.CapabilityText].Status)
	}

	// 成功不解除限流冷却。
	if err := p.ReportOutcome(ctx, 1, model.CapabilityText, 429, time.Hour, ""); err != nil {
		t.Fatalf("report: %v", err)
	}
	if err := p.ReportOutcome(ctx, 1, model.CapabilityText, 200, 0, ""); err != nil {
		t.Fatalf("report: %v", err)
	}
	acc, _ = p.Get(1)
	if acc.Quota[model.CapabilityText].Status != model.QuotaCooldown {
		t.Fatalf("成功不应解除冷却，实际 %v", acc.Quota[model.CapabilityText].Status)
	}
}

func TestCooldownLazyExpiry(t *testing.T) {
	store := newMemStore()
	past := time.Now().Add(-time.Minute).UnixMilli()
	if _, err := store.InsertAccount(context.Background(), model.Account{
		Csesidx:         "idx-a",
		SecureCSes:      "ses-a",
		Available:       true,
		CooldownUntilMs: past,
		CooldownReason:  "upstream status 401",
		Quota: map[model.Capability]model.QuotaState{
			model.CapabilityText: {
				Status:          model.QuotaCooldown,
				CooldownUntilMs: past,
			},
		},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	p := New(store, nil, testPolicy())
	if err := p.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	acc, err := p.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if acc.CooldownUntilMs != 0 || acc.CooldownReason != "" {
		t.Fatalf("过期的账号级冷却应被清理，实际 until=%d reason=%q", acc.CooldownUntilMs, acc.CooldownReason)
	}
	if qs := acc.Quota[model.CapabilityText]; qs.Status != model.QuotaAvailable || qs.CooldownUntilMs != 0 {
		t.Fatalf("过期的能力冷却应被清理，实际 %+v", qs)
	}
	if _, err := p.SelectForRequest(model.CapabilityText); err != nil {
		t.Fatalf("冷却过期后应可选: %v", err)
	}
}
