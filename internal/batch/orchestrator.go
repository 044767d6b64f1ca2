package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"gemini_pool/internal/logbus"
	"gemini_pool/internal/model"
	"gemini_pool/internal/notify"
	"gemini_pool/internal/pool"
	"gemini_pool/internal/upstream"
)

type Operation string

const (
	OperationRefresh Operation = "refresh"
	OperationTest    Operation = "test"
	// 注册与刷新走同一条流水线，登录流程里会自动完成新账号的注册分支。
	OperationRegister Operation = "register"
)

type ItemStatus string

const (
	ItemSuccess ItemStatus = "success"
	ItemFailed  ItemStatus = "failed"
	ItemSkipped ItemStatus = "skipped"
)

var (
	ErrBatchRunning = errors.New("a batch run is already in progress")
	ErrNoAccounts   = errors.New("no accounts to process")
)

type Item struct {
	AccountID int64      `json:"accountId"`
	Status    ItemStatus `json:"status"`
	Error     string     `json:"error,omitempty"`
}

type RunState struct {
	OpID         string    `json:"opId"`
	Operation    Operation `json:"operation"`
	Running      bool      `json:"running"`
	Total        int       `json:"total"`
	Succeeded    int       `json:"succeeded"`
	Failed       int       `json:"failed"`
	Skipped      int       `json:"skipped"`
	Items        []Item    `json:"items"`
	StartedAtMs  int64     `json:"startedAtMs"`
	FinishedAtMs int64     `json:"finishedAtMs,omitempty"`
}

// Refresher 单账号凭据刷新入口，由 refresh.Pipeline 提供。
type Refresher interface {
	Refresh(ctx context.Context, accountID int64) (model.Account, error)
}

// Tester 单账号有效性验证入口，由 upstream.Client 提供。
type Tester interface {
	TestAccount(ctx context.Context, acc model.Account) (upstream.Outcome, error)
}

type Options struct {
	Pool      *pool.Pool
	Refresher Refresher
	Tester    Tester
	Bus       *logbus.Bus
	Notifier  notify.Notifier
	Throttle  time.Duration
}

// Orchestrator 批量处理账号：严格串行，账号之间留间隔，
// 遇到上游鉴权失败立刻中止并把剩余账号标记为跳过。
// 同一时间只允许一个批量任务。
type Orchestrator struct {
	pool      *pool.Pool
	refresher Refresher
	tester    Tester
	bus       *logbus.Bus
	notif     notify.Notifier
	throttle  time.Duration

	mu     sync.Mutex
	state  *RunState
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	return &Orchestrator{
		pool:      opts.Pool,
		refresher: opts.Refresher,
		tester:    opts.Tester,
		bus:       opts.Bus,
		notif:     opts.Notifier,
		throttle:  opts.Throttle,
	}
}

// Start 启动一次批量任务。ids 为空时处理池里的全部账号。
func (o *Orchestrator) Start(op Operation, ids []int64) (string, error) {
	switch op {
	case OperationRefresh, OperationTest, OperationRegister:
	default:
		return "", errors.New("unknown batch operation")
	}

	if len(ids) == 0 {
		for _, acc := range o.pool.List() {
			ids = append(ids, acc.ID)
		}
	}
	if len(ids) == 0 {
		return "", ErrNoAccounts
	}

	o.mu.Lock()
	if o.state != nil && o.state.Running {
		o.mu.Unlock()
		return "", ErrBatchRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	state := &RunState{
		OpID:        uuid.NewString(),
		Operation:   op,
		Running:     true,
		Total:       len(ids),
		Items:       make([]Item, 0, len(ids)),
		StartedAtMs: time.Now().UnixMilli(),
	}
	o.state = state
	o.cancel = cancel
	throttle := o.throttle
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.run(ctx, state.OpID, op, ids, throttle)
	}()
	return state.OpID, nil
}

// SetThrottle 调整账号之间的处理间隔，对下一次启动的批量任务生效。
func (o *Orchestrator) SetThrottle(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d < 0 {
		d = 0
	}
	o.throttle = d
}

// Stop 请求中止当前批量任务，剩余账号会被标记为跳过。
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait 等待当前批量任务结束，优雅退出用。
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) State() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == nil {
		return RunState{}
	}
	out := *o.state
	out.Items = append([]Item(nil), o.state.Items...)
	return out
}

func (o *Orchestrator) run(ctx context.Context, opID string, op Operation, ids []int64, throttle time.Duration) {
	o.progress(opID, op, "start", "start", map[string]any{"total": len(ids)})

	aborted := false
	for i, id := range ids {
		if aborted || ctx.Err() != nil {
			o.record(Item{AccountID: id, Status: ItemSkipped})
			continue
		}
		if i > 0 && throttle > 0 {
			select {
			case <-ctx.Done():
				o.record(Item{AccountID: id, Status: ItemSkipped})
				continue
			case <-time.After(throttle):
			}
		}

		err := o.processOne(ctx, op, id)
		if err == nil {
			o.record(Item{AccountID: id, Status: ItemSuccess})
			continue
		}
		o.record(Item{AccountID: id, Status: ItemFailed, Error: err.Error()})
		if errors.Is(err, upstream.ErrAuthenticationFailure) {
			// 鉴权失败说明继续跑下去只会连环失败，立刻收手。
			if o.bus != nil {
				o.bus.Log("warn", "批量任务因鉴权失败中止", map[string]any{
					"opId":      opID,
					"accountId": id,
				})
			}
			aborted = true
		}
	}

	summary := o.finalize()
	o.progress(opID, op, "finish", "success", map[string]any{
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"skipped":   summary.Skipped,
	})
	if (op == OperationRefresh || op == OperationRegister) && o.bus != nil {
		o.bus.Publish("accounts_reload", nil)
	}
	if o.notif != nil {
		o.notif.NotifyBatchCompleted(context.Background(), notify.BatchCompletedEvent{
			At:        time.Now().UnixMilli(),
			OpID:      summary.OpID,
			Operation: string(summary.Operation),
			Total:     summary.Total,
			Succeeded: summary.Succeeded,
			Failed:    summary.Failed,
			Skipped:   summary.Skipped,
		})
	}
}

func (o *Orchestrator) processOne(ctx context.Context, op Operation, id int64) error {
	switch op {
	case OperationRefresh, OperationRegister:
		_, err := o.refresher.Refresh(ctx, id)
		return err
	case OperationTest:
		acc, err := o.pool.Get(id)
		if err != nil {
			return err
		}
		outcome, terr := o.tester.TestAccount(ctx, acc)
		if outcome.Status > 0 {
			_ = o.pool.ReportOutcome(ctx, id, model.CapabilityText, outcome.Status, outcome.RetryAfter, outcome.Message)
		}
		return terr
	}
	return errors.New("unknown batch operation")
}

func (o *Orchestrator) record(item Item) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == nil {
		return
	}
	o.state.Items = append(o.state.Items, item)
	switch item.Status {
	case ItemSuccess:
		o.state.Succeeded++
	case ItemFailed:
		o.state.Failed++
	case ItemSkipped:
		o.state.Skipped++
	}
}

func (o *Orchestrator) finalize() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.Running = false
	o.state.FinishedAtMs = time.Now().UnixMilli()
	o.cancel = nil
	out := *o.state
	out.Items = append([]Item(nil), o.state.Items...)
	return out
}

func (o *Orchestrator) progress(opID string, op Operation, step, phase string, fields map[string]any) {
	if o.bus == nil {
		return
	}
	o.bus.Publish("progress", logbus.ProgressData{
		OpID:    opID,
		Kind:    "batch_" + string(op),
		Step:    step,
		Phase:   phase,
		Fields:  fields,
		Message: "",
	})
}
