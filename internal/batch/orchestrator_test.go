package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"gemini_pool/internal/model"
	"gemini_pool/internal/pool"
	"gemini_pool/internal/upstream"
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

func newBatchPool(t *testing.T, n int) *pool.Pool {
	t.Helper()
	p := pool.New(newMemStore(), nil, pool.Policy{})
	for i := 0; i < n; i++ {
		if _, err := p.Create(context.Background(), model.Account{
			Csesidx:    fmt.Sprintf("idx-%d", i),
			SecureCSes: fmt.Sprintf("ses-%d", i),
		}); err != nil {
			t.Fatalf("创建账号失败: %v", err)
		}
	}
	return p
}

type fakeRefresher struct {
	mu    sync.Mutex
	calls []int64
	errs  map[int64]error
	// block 非 nil 时每次调用都阻塞到通道关闭。
	block chan struct{}
}

func (f *fakeRefresher) Refresh(ctx context.Context, id int64) (model.Account, error) {
	f.mu.Lock()
	f.calls = append(f.calls, id)
	block := f.block
	err := f.errs[id]
	f.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return model.Account{}, ctx.Err()
		case <-block:
		}
	}
	if err != nil {
		return model.Account{}, err
	}
	return model.Account{ID: id}, nil
}

type fakeTester struct {
	mu       sync.Mutex
	calls    []int64
	outcomes map[int64]upstream.Outcome
	errs     map[int64]error
}

func (f *fakeTester) TestAccount(_ context.Context, acc model.Account) (upstream.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, acc.ID)
	return f.outcomes[acc.ID], f.errs[acc.ID]
}

func TestBatchRefreshProcessesAllSequentially(t *testing.T) {
	p := newBatchPool(t, 3)
	refresher := &fakeRefresher{}
	o := New(Options{Pool: p, Refresher: refresher})

	opID, err := o.Start(OperationRefresh, nil)
	if err != nil {
		t.Fatalf("启动批量刷新失败: %v", err)
	}
	if opID == "" {
		t.Fatal("应返回非空 opId")
	}
	o.Wait()

	st := o.State()
	if st.Running {
		t.Fatal("结束后不应仍在运行")
	}
	if st.Total != 3 || st.Succeeded != 3 || st.Failed != 0 || st.Skipped != 0 {
		t.Fatalf("统计错误: %+v", st)
	}
	if st.FinishedAtMs == 0 {
		t.Fatal("应记录结束时间")
	}

	want := []int64{1, 2, 3}
	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	if len(refresher.calls) != len(want) {
		t.Fatalf("调用次数错误: %v", refresher.calls)
	}
	for i := range want {
		if refresher.calls[i] != want[i] {
			t.Fatalf("应按池内顺序串行处理，期望 %v 实际 %v", want, refresher.calls)
		}
	}
}

func TestBatchTestAbortsOnAuthFailure(t *testing.T) {
	p := newBatchPool(t, 5)
	tester := &fakeTester{
		outcomes: map[int64]upstream.Outcome{
			1: {Status: 200},
			2: {Status: 200},
			3: {Status: 401},
		},
		errs: map[int64]error{
			3: fmt.Errorf("%w: status 401", upstream.ErrAuthenticationFailure),
		},
	}
	o := New(Options{Pool: p, Tester: tester})

	if _, err := o.Start(OperationTest, nil); err != nil {
		t.Fatalf("启动批量测试失败: %v", err)
	}
	o.Wait()

	st := o.State()
	if st.Succeeded != 2 || st.Failed != 1 || st.Skipped != 2 {
		t.Fatalf("鉴权失败后应中止并跳过剩余账号: %+v", st)
	}
	if len(st.Items) != 5 {
		t.Fatalf("每个账号都应有结果项: %+v", st.Items)
	}
	for _, item := range st.Items[3:] {
		if item.Status != ItemSkipped {
			t.Fatalf("中止后的账号应标记为跳过: %+v", item)
		}
	}

	tester.mu.Lock()
	calls := len(tester.calls)
	tester.mu.Unlock()
	if calls != 3 {
		t.Fatalf("中止后不应再调用上游，调用了 %d 次", calls)
	}

	// 401 的结果也要回灌到池里。
	acc, err := p.Get(3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !acc.CookieExpired {
		t.Fatal("401 后账号应标记 Cookie 过期")
	}
}

func TestBatchRejectsConcurrentRuns(t *testing.T) {
	p := newBatchPool(t, 2)
	release := make(chan struct{})
	refresher := &fakeRefresher{block: release}
	o := New(Options{Pool: p, Refresher: refresher})

	if _, err := o.Start(OperationRefresh, nil); err != nil {
		t.Fatalf("启动批量刷新失败: %v", err)
	}
	if _, err := o.Start(OperationRefresh, nil); !errors.Is(err, ErrBatchRunning) {
		t.Fatalf("并发启动应报 ErrBatchRunning，实际 %v", err)
	}

	o.Stop()
	o.Wait()

	st := o.State()
	if st.Running {
		t.Fatal("Stop 后任务应结束")
	}
	if st.Skipped == 0 {
		t.Fatal("中止后剩余账号应被跳过")
	}

	// 上一轮结束后可以再启动。
	refresher.mu.Lock()
	refresher.block = nil
	refresher.mu.Unlock()
	if _, err := o.Start(OperationRefresh, nil); err != nil {
		t.Fatalf("结束后再次启动应成功: %v", err)
	}
	o.Wait()
}

func TestBatchStartValidation(t *testing.T) {
	p := newBatchPool(t, 0)
	o := New(Options{Pool: p, Refresher: &fakeRefresher{}})

	if _, err := o.Start(OperationRefresh, nil); !errors.Is(err, ErrNoAccounts) {
		t.Fatalf("空池应报 ErrNoAccounts，实际 %v", err)
	}
	if _, err := o.Start(Operation("bogus"), []int64{1}); err == nil {
		t.Fatal("未知操作应报错")
	}
}

func TestBatchThrottleBetweenItems(t *testing.T) {
	p := newBatchPool(t, 3)
	refresher := &fakeRefresher{}
	o := New(Options{Pool: p, Refresher: refresher, Throttle: 30 * time.Millisecond})

	start := time.Now()
	if _, err := o.Start(OperationRefresh, nil); err != nil {
		t.Fatalf("启动批量刷新失败: %v", err)
	}
	o.Wait()

	// 3 个账号之间有 2 段间隔。
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Fatalf("账号之间应留节流间隔，实际耗时 %v", elapsed)
	}
}

func TestBatchRegisterRunsRefreshPipeline(t *testing.T) {
	p := newBatchPool(t, 2)
	refresher := &fakeRefresher{}
	o := New(Options{Pool: p, Refresher: refresher})

	if _, err := o.Start(OperationRegister, []int64{1, 2}); err != nil {
		t.Fatalf("启动批量注册失败: %v", err)
	}
	o.Wait()

	st := o.State()
	if st.Operation != OperationRegister {
		t.Fatalf("操作类型错误: %v", st.Operation)
	}
	if st.Succeeded != 2 {
		t.Fatalf("注册应逐账号走刷新流水线: %+v", st)
	}
	refresher.mu.Lock()
	defer refresher.mu.Unlock()
	if len(refresher.calls) != 2 {
		t.Fatalf("调用次数错误: %v", refresher.calls)
	}
}
