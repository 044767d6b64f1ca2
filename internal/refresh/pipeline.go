package refresh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"gemini_pool/internal/config"
	"gemini_pool/internal/logbus"
	"gemini_pool/internal/mailbox"
	"gemini_pool/internal/model"
	"gemini_pool/internal/notify"
	"gemini_pool/internal/pool"
)

type State string

const (
	StateIdle              State = "idle"
	StateStarting          State = "starting"
	StateAPIPolling        State = "api_polling"
	StateBrowserAutomation State = "browser_automation"
	StateSucceeded         State = "succeeded"
	StateFailed            State = "failed"
)

func (s State) Terminal() bool {
	return s == StateIdle || s == StateSucceeded || s == StateFailed
}

var (
	ErrRefreshInProgress  = errors.New("refresh already in progress for this account")
	ErrNoVerificationCode = errors.New("verification code not received in time")
)

// LoginSession 一次进行中的登录会话。Begin 之后页面停在验证码输入页，
// SubmitCode 完成剩余流程并提取新凭据。
type LoginSession interface {
	SubmitCode(ctx context.Context, code string) (model.Credentials, error)
	Close()
}

// LoginAutomator 打开登录页、填邮箱、点继续。这一步会触发上游发送验证码邮件。
type LoginAutomator interface {
	Begin(ctx context.Context, acc model.Account) (LoginSession, error)
}

type Job struct {
	AccountID   int64  `json:"accountId"`
	OpID        string `json:"opId"`
	State       State  `json:"state"`
	StartedAtMs int64  `json:"startedAtMs"`
	LastError   string `json:"lastError,omitempty"`
}

type Options struct {
	Pool  *pool.Pool
	Bus   *logbus.Bus
	Cfg   config.RefreshConfig
	Login LoginAutomator
	// Notifier 终态失败时通知，可为 nil。
	Notifier notify.Notifier
	// APIMailbox 按账号构造 API 轮询客户端；邮箱地址没有内嵌令牌时返回错误。
	APIMailbox func(acc model.Account) (mailbox.Client, error)
	// BrowserMailbox 按账号构造浏览器读信客户端。
	BrowserMailbox func(acc model.Account) (mailbox.Client, error)
}

// Pipeline 账号凭据刷新状态机。每个账号同一时间只允许一次刷新。
type Pipeline struct {
	pool  *pool.Pool
	bus   *logbus.Bus
	cfg   config.RefreshConfig
	login LoginAutomator
	notif notify.Notifier

	newAPIMailbox     func(acc model.Account) (mailbox.Client, error)
	newBrowserMailbox func(acc model.Account) (mailbox.Client, error)

	mu   sync.Mutex
	jobs map[int64]*Job
}

func New(opts Options) *Pipeline {
	return &Pipeline{
		pool:              opts.Pool,
		bus:               opts.Bus,
		cfg:               opts.Cfg,
		login:             opts.Login,
		notif:             opts.Notifier,
		newAPIMailbox:     opts.APIMailbox,
		newBrowserMailbox: opts.BrowserMailbox,
		jobs:              make(map[int64]*Job),
	}
}

// Jobs 返回当前所有刷新任务的快照。
func (p *Pipeline) Jobs() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, *j)
	}
	return out
}

// Refresh 同步刷新一个账号的凭据，成功后写回池并清除过期标记。
func (p *Pipeline) Refresh(ctx context.Context, accountID int64) (model.Account, error) {
	acc, err := p.pool.Get(accountID)
	if err != nil {
		return model.Account{}, err
	}

	job, err := p.begin(accountID)
	if err != nil {
		return model.Account{}, err
	}

	p.progress(job, "start", "start", "开始刷新账号凭据", nil)
	creds, err := p.run(ctx, job, acc)
	if err != nil {
		p.finish(job, StateFailed, err)
		p.progress(job, "finish", "error", err.Error(), nil)
		p.notifyFailed(acc, err)
		return model.Account{}, err
	}

	updated, err := p.pool.SetCredentials(ctx, accountID, creds)
	if err != nil {
		p.finish(job, StateFailed, err)
		p.progress(job, "persist", "error", err.Error(), nil)
		return model.Account{}, err
	}

	p.finish(job, StateSucceeded, nil)
	p.progress(job, "finish", "success", "凭据刷新成功", map[string]any{
		"teamId": updated.TeamID,
	})
	return updated, nil
}

func (p *Pipeline) begin(accountID int64) (*Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.jobs[accountID]; ok && !existing.State.Terminal() {
		return nil, ErrRefreshInProgress
	}
	job := &Job{
		AccountID:   accountID,
		OpID:        uuid.NewString(),
		State:       StateStarting,
		StartedAtMs: time.Now().UnixMilli(),
	}
	p.jobs[accountID] = job
	return job, nil
}

func (p *Pipeline) setState(job *Job, st State) {
	p.mu.Lock()
	job.State = st
	p.mu.Unlock()
}

func (p *Pipeline) finish(job *Job, st State, err error) {
	p.mu.Lock()
	job.State = st
	if err != nil {
		job.LastError = err.Error()
	}
	p.mu.Unlock()
}

// run 驱动状态机：Starting → (ApiPolling|BrowserAutomation)。
// API 路径任何一步失败都降级到浏览器路径，浏览器路径失败即终态。
func (p *Pipeline) run(ctx context.Context, job *Job, acc model.Account) (model.Credentials, error) {
	state := StateStarting
	for {
		if err := ctx.Err(); err != nil {
			return model.Credentials{}, err
		}
		switch state {
		case StateStarting:
			if mailbox.HasEmbeddedToken(acc.TempmailURL) {
				state = StateAPIPolling
			} else {
				state = StateBrowserAutomation
			}
		case StateAPIPolling:
			p.setState(job, StateAPIPolling)
			p.progress(job, "api_polling", "start", "尝试通过邮箱 API 获取验证码", nil)
			creds, err := p.runAPIPath(ctx, job, acc)
			if err == nil {
				return creds, nil
			}
			if p.bus != nil {
				p.bus.Log("warn", "API 刷新路径失败，降级到浏览器", map[string]any{
					"accountId": acc.ID,
					"error":     err.Error(),
				})
			}
			state = StateBrowserAutomation
		case StateBrowserAutomation:
			p.setState(job, StateBrowserAutomation)
			p.progress(job, "browser", "start", "通过浏览器自动化刷新", nil)
			return p.runBrowserPath(ctx, job, acc)
		default:
			return model.Credentials{}, errors.New("unexpected pipeline state")
		}
	}
}

func (p *Pipeline) runAPIPath(parent context.Context, job *Job, acc model.Account) (model.Credentials, error) {
	if p.newAPIMailbox == nil {
		return model.Credentials{}, errors.New("api mailbox unavailable")
	}
	ctx, cancel := context.WithTimeoutCause(parent, p.cfg.APITimeout(), ErrNoVerificationCode)
	defer cancel()

	client, err := p.newAPIMailbox(acc)
	if err != nil {
		return model.Credentials{}, err
	}
	return p.pollAndSubmit(ctx, job, acc, client)
}

func (p *Pipeline) runBrowserPath(parent context.Context, job *Job, acc model.Account) (model.Credentials, error) {
	if p.newBrowserMailbox == nil {
		return model.Credentials{}, errors.New("browser mailbox unavailable")
	}
	ctx, cancel := context.WithTimeoutCause(parent, p.cfg.BrowserTimeout(), ErrNoVerificationCode)
	defer cancel()

	client, err := p.newBrowserMailbox(acc)
	if err != nil {
		return model.Credentials{}, err
	}
	return p.pollAndSubmit(ctx, job, acc, client)
}

// pollAndSubmit 核心流程：先取一次水位线把旧邮件排除掉，再发起登录
// 触发验证码邮件，然后轮询新邮件直到提取出验证码并提交。
func (p *Pipeline) pollAndSubmit(ctx context.Context, job *Job, acc model.Account, client mailbox.Client) (model.Credentials, error) {
	highWater := int64(0)
	if baseline, err := client.FetchNewMessages(ctx, 0); err == nil {
		for _, m := range baseline {
			if m.ID > highWater {
				highWater = m.ID
			}
		}
	} else if errors.Is(err, mailbox.ErrUnreachable) {
		return model.Credentials{}, err
	}

	session, err := p.login.Begin(ctx, acc)
	if err != nil {
		return model.Credentials{}, err
	}
	defer session.Close()

	p.progress(job, "await_code", "running", "等待验证码邮件", nil)

	ticker := time.NewTicker(p.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			// 超时返回 ErrNoVerificationCode（见 WithTimeoutCause），
			// 调用方主动取消则原样上抛取消原因。
			return model.Credentials{}, context.Cause(ctx)
		case <-ticker.C:
		}

		msgs, err := client.FetchNewMessages(ctx, highWater)
		if err != nil {
			if ctx.Err() != nil {
				return model.Credentials{}, context.Cause(ctx)
			}
			continue
		}
		for _, m := range msgs {
			if m.ID > highWater {
				highWater = m.ID
			}
			code := mailbox.ExtractVerificationCode(m.Body)
			if code == "" {
				continue
			}
			p.progress(job, "submit_code", "running", "已提取验证码，正在提交", nil)
			creds, err := session.SubmitCode(ctx, code)
			if err != nil {
				return model.Credentials{}, err
			}
			return creds, nil
		}
	}
}

func (p *Pipeline) notifyFailed(acc model.Account, err error) {
	if p.notif == nil {
		return
	}
	p.notif.NotifyRefreshFailed(context.Background(), notify.RefreshFailedEvent{
		At:           time.Now().UnixMilli(),
		AccountID:    acc.ID,
		TempmailName: acc.TempmailName,
		Reason:       err.Error(),
	})
}

func (p *Pipeline) progress(job *Job, step, phase, message string, fields map[string]any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish("progress", logbus.ProgressData{
		OpID:      job.OpID,
		Kind:      "cookie_refresh",
		Step:      step,
		Phase:     phase,
		Message:   message,
		AccountID: job.AccountID,
		Fields:    fields,
	})
}
