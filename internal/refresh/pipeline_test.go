package refresh

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"gemini_pool/internal/config"
	"gemini_pool/internal/mailbox"
	"gemini_pool/internal/model"
	"gemini_pool/internal/pool"
)

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

// fakeMailbox 按调用序返回预置结果，并记录每次传入的水位线。
type fakeMailbox struct {
	mu       sync.Mutex
	calls    int
	sinceIDs []int64
	rounds   []fakeRound
	// block 非 nil 时，第二次调用起阻塞到通道关闭。
	block chan struct{}
}

type fakeRound struct {
	msgs []mailbox.Message
	err  error
}

func (f *fakeMailbox) FetchNewMessages(ctx context.Context, sinceID int64) ([]mailbox.Message, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	f.sinceIDs = append(f.sinceIDs, sinceID)
	block := f.block
	f.mu.Unlock()

	if block != nil && call > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-block:
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	idx := call
	if idx >= len(f.rounds) {
		idx = len(f.rounds) - 1
	}
	if idx < 0 {
		return nil, nil
	}
	r := f.rounds[idx]
	out := make([]mailbox.Message, 0, len(r.msgs))
	for _, m := range r.msgs {
		if m.ID > sinceID {
			out = append(out, m)
		}
	}
	return out, r.err
}

type fakeSession struct {
	mu        sync.Mutex
	submitted []string
	creds     model.Credentials
	err       error
}

func (s *fakeSession) SubmitCode(_ context.Context, code string) (model.Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, code)
	return s.creds, s.err
}

func (s *fakeSession) Close() {}

type fakeAutomator struct {
	session *fakeSession
	begun   int
}

func (a *fakeAutomator) Begin(_ context.Context, _ model.Account) (LoginSession, error) {
	a.begun++
	return a.session, nil
}

func testRefreshCfg() config.RefreshConfig {
	return config.RefreshConfig{
		PollIntervalMs:   10,
		APITimeoutMs:     2000,
		BrowserTimeoutMs: 2000,
	}
}

func newTestPool(t *testing.T, tempmailURL string) *pool.Pool {
	t.Helper()
	p := pool.New(newMemStore(), nil, pool.Policy{})
	if _, err := p.Create(context.Background(), model.Account{
		Csesidx:     "old-idx",
		SecureCSes:  "old-ses",
		TempmailURL: tempmailURL,
	}); err != nil {
		t.Fatalf("创建账号失败: %v", err)
	}
	return p
}

func TestRefreshViaAPIPath(t *testing.T) {
	p := newTestPool(t, "https://tempmail.example/mailbox?jwt=tok-123")

	freshCreds := model.Credentials{
		SecureCSes: "new-ses",
		HostCOses:  "new-oses",
		Csesidx:    "new-idx",
		TeamID:     "team-1",
	}
	session := &fakeSession{creds: freshCreds}
	login := &fakeAutomator{session: session}

	api := &fakeMailbox{rounds: []fakeRound{
		// 水位线基线：信箱里已有旧邮件，里面的数字不应被当成验证码。
		{msgs: []mailbox.Message{{ID: 3, Body: "您的验证码是 111222"}}},
		{msgs: []mailbox.Message{
			{ID: 3, Body: "您的验证码是 111222"},
			{ID: 7, Body: "您的验证码是 654321"},
		}},
	}}
	browserUsed := false

	pipe := New(Options{
		Pool:  p,
		Cfg:   testRefreshCfg(),
		Login: login,
		APIMailbox: func(model.Account) (mailbox.Client, error) {
			return api, nil
		},
		BrowserMailbox: func(model.Account) (mailbox.Client, error) {
			browserUsed = true
			return nil, errors.New("should not be used")
		},
	})

	updated, err := pipe.Refresh(context.Background(), 1)
	if err != nil {
		t.Fatalf("刷新失败: %v", err)
	}
	if browserUsed {
		t.Fatal("API 路径可用时不应动用浏览器")
	}
	if updated.Csesidx != "new-idx" || updated.SecureCSes != "new-ses" || updated.TeamID != "team-1" {
		t.Fatalf("凭据未写回: %+v", updated)
	}
	if updated.CookieExpired {
		t.Fatal("刷新成功后不应保留过期标记")
	}
	if len(session.submitted) != 1 || session.submitted[0] != "654321" {
		t.Fatalf("应只提交新邮件中的验证码，实际 %v", session.submitted)
	}
	if len(api.sinceIDs) < 2 || api.sinceIDs[0] != 0 || api.sinceIDs[1] != 3 {
		t.Fatalf("水位线推进错误: %v", api.sinceIDs)
	}
	if login.begun != 1 {
		t.Fatalf("应只发起一次登录，实际 %d", login.begun)
	}
}

func TestRefreshFallsBackToBrowser(t *testing.T) {
	p := newTestPool(t, "https://tempmail.example/mailbox?jwt=tok-123")

	session := &fakeSession{creds: model.Credentials{
		SecureCSes: "new-ses",
		Csesidx:    "new-idx",
	}}
	login := &fakeAutomator{session: session}

	apiCalled := false
	browser := &fakeMailbox{rounds: []fakeRound{
		{},
		{msgs: []mailbox.Message{{ID: 1, Body: "verification code: 778899"}}},
	}}

	pipe := New(Options{
		Pool:  p,
		Cfg:   testRefreshCfg(),
		Login: login,
		APIMailbox: func(model.Account) (mailbox.Client, error) {
			apiCalled = true
			return &fakeMailbox{rounds: []fakeRound{{err: mailbox.ErrUnreachable}}}, nil
		},
		BrowserMailbox: func(model.Account) (mailbox.Client, error) {
			return browser, nil
		},
	})

	updated, err := pipe.Refresh(context.Background(), 1)
	if err != nil {
		t.Fatalf("刷新失败: %v", err)
	}
	if !apiCalled {
		t.Fatal("应先尝试 API 路径")
	}
	if updated.Csesidx != "new-idx" {
		t.Fatalf("凭据未写回: %+v", updated)
	}
	if len(session.submitted) != 1 || session.submitted[0] != "778899" {
		t.Fatalf("应提交浏览器路径取到的验证码，实际 %v", session.submitted)
	}
}

func TestRefreshSkipsAPIWithoutEmbeddedToken(t *testing.T) {
	// 邮箱地址没有内嵌令牌时直接走浏览器路径。
	p := newTestPool(t, "https://tempmail.example/mailbox/abc")

	session := &fakeSession{creds: model.Credentials{
		SecureCSes: "new-ses",
		Csesidx:    "new-idx",
	}}
	browser := &fakeMailbox{rounds: []fakeRound{
		{},
		{msgs: []mailbox.Message{{ID: 1, Body: "验证码 190283"}}},
	}}

	pipe := New(Options{
		Pool:  p,
		Cfg:   testRefreshCfg(),
		Login: &fakeAutomator{session: session},
		APIMailbox: func(model.Account) (mailbox.Client, error) {
			t.Fatal("无内嵌令牌时不应构造 API 客户端")
			return nil, nil
		},
		BrowserMailbox: func(model.Account) (mailbox.Client, error) {
			return browser, nil
		},
	})

	if _, err := pipe.Refresh(context.Background(), 1); err != nil {
		t.Fatalf("刷新失败: %v", err)
	}
	if len(session.submitted) != 1 || session.submitted[0] != "190283" {
		t.Fatalf("提交的验证码不对: %v", session.submitted)
	}
}

func TestRefreshSingleFlightPerAccount(t *testing.T) {
	p := newTestPool(t, "https://tempmail.example/mailbox/abc")

	release := make(chan struct{})
	browser := &fakeMailbox{
		block: release,
		rounds: []fakeRound{
			{},
			{msgs: []mailbox.Message{{ID: 1, Body: "验证码 445566"}}},
			// 第二次刷新复用同一信箱，给更高的邮件 ID。
			{},
			{msgs: []mailbox.Message{{ID: 2, Body: "验证码 445577"}}},
		},
	}
	session := &fakeSession{creds: model.Credentials{
		SecureCSes: "new-ses",
		Csesidx:    "new-idx",
	}}

	pipe := New(Options{
		Pool:  p,
		Cfg:   testRefreshCfg(),
		Login: &fakeAutomator{session: session},
		BrowserMailbox: func(model.Account) (mailbox.Client, error) {
			return browser, nil
		},
	})

	done := make(chan error, 1)
	go func() {
		_, err := pipe.Refresh(context.Background(), 1)
		done <- err
	}()

	// 等第一个任务进入非终态。
	deadline := time.After(2 * time.Second)
	for {
		jobs := pipe.Jobs()
		if len(jobs) == 1 && !jobs[0].State.Terminal() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("等待刷新任务启动超时")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := pipe.Refresh(context.Background(), 1); !errors.Is(err, ErrRefreshInProgress) {
		t.Fatalf("并发刷新应报 ErrRefreshInProgress，实际 %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("第一个刷新应成功: %v", err)
	}

	// 终态之后可以再次刷新。
	if _, err := pipe.Refresh(context.Background(), 1); err != nil {
		t.Fatalf("终态后再次刷新应被允许: %v", err)
	}
}

func TestRefreshTimesOutWithoutCode(t *testing.T) {
	p := newTestPool(t, "https://tempmail.example/mailbox/abc")

	cfg := testRefreshCfg()
	cfg.BrowserTimeoutMs = 50

	pipe := New(Options{
		Pool:  p,
		Cfg:   cfg,
		Login: &fakeAutomator{session: &fakeSession{}},
		BrowserMailbox: func(model.Account) (mailbox.Client, error) {
			return &fakeMailbox{rounds: []fakeRound{{}}}, nil
		},
	})

	if _, err := pipe.Refresh(context.Background(), 1); !errors.Is(err, ErrNoVerificationCode) {
		t.Fatalf("超时应报 ErrNoVerificationCode，实际 %v", err)
	}
}

func TestRefreshCanceledReportsCancellation(t *testing.T) {
	p := newTestPool(t, "https://tempmail.example/mailbox/abc")

	pipe := New(Options{
		Pool:  p,
		Cfg:   testRefreshCfg(),
		Login: &fakeAutomator{session: &fakeSession{}},
		BrowserMailbox: func(model.Account) (mailbox.Client, error) {
			return &fakeMailbox{rounds: []fakeRound{{}}}, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := pipe.Refresh(ctx, 1)
		done <- err
	}()

	// 等任务进入轮询后再取消。
	deadline := time.After(2 * time.Second)
	for {
		jobs := pipe.Jobs()
		if len(jobs) > 0 && !jobs[0].State.Terminal() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("任务未进入运行状态")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	err := <-done
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("主动取消应上抛取消原因，实际 %v", err)
	}
	if errors.Is(err, ErrNoVerificationCode) {
		t.Fatalf("取消不应被当作验证码超时: %v", err)
	}
}
