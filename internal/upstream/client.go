package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"gemini_pool/internal/config"
	"gemini_pool/internal/logbus"
	"gemini_pool/internal/model"
	"gemini_pool/internal/utils"
)

var (
	ErrAuthenticationFailure = errors.New("upstream authentication failure")
	ErrRateLimited           = errors.New("upstream rate limited")
	ErrIncompleteCredentials = errors.New("account credentials are incomplete")
)

// Outcome 一次上游调用的结果，回报给池做被动配额判定。
type Outcome struct {
	Status     int
	RetryAfter time.Duration
	Message    string
}

// Client 用账号的 Cookie 三元组访问上游的 JWT 签发接口。
// 全局与按账号两级限速。
type Client struct {
	cfg    config.GeminiConfig
	proxy  string
	bus    *logbus.Bus
	http   *resty.Client
	global *rate.Limiter

	limits     config.LimitsConfig
	mu         sync.Mutex
	perAccount map[int64]*rate.Limiter
}

func New(cfg config.GeminiConfig, proxy config.ProxyConfig, limits config.LimitsConfig, bus *logbus.Bus) *Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")).
		SetTimeout(cfg.Timeout()).
		SetRetryCount(cfg.Retry.Count).
		SetRetryWaitTime(cfg.Retry.Wait()).
		SetRetryMaxWaitTime(cfg.Retry.MaxWait()).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			if r == nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	if p := strings.TrimSpace(proxy.Global); p != "" {
		client.SetProxy(p)
	}

	var global *rate.Limiter
	if limits.GlobalQPS > 0 {
		global = rate.NewLimiter(rate.Limit(limits.GlobalQPS), limits.GlobalBurst)
	}

	return &Client{
		cfg:        cfg,
		proxy:      strings.TrimSpace(proxy.Global),
		bus:        bus,
		http:       client,
		global:     global,
		limits:     limits,
		perAccount: make(map[int64]*rate.Limiter),
	}
}

func (c *Client) limiterFor(id int64) *rate.Limiter {
	if c.limits.PerAccountQPS <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.perAccount[id]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.limits.PerAccountQPS), c.limits.PerAccountBurst)
		c.perAccount[id] = l
	}
	return l
}

func (c *Client) wait(ctx context.Context, id int64) error {
	if c.global != nil {
		if err := c.global.Wait(ctx); err != nil {
			return err
		}
	}
	if l := c.limiterFor(id); l != nil {
		if err := l.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// FetchJWT 用账号凭据换取一个短期 JWT。鉴权类失败返回 ErrAuthenticationFailure，
// 不论成败都返回 Outcome 供调用方回报到池。
func (c *Client) FetchJWT(ctx context.Context, acc model.Account) (string, Outcome, error) {
	if acc.SecureCSes == "" || acc.Csesidx == "" {
		return "", Outcome{}, ErrIncompleteCredentials
	}
	if err := c.wait(ctx, acc.ID); err != nil {
		return "", Outcome{}, err
	}

	req := c.http.R().
		SetContext(ctx).
		SetQueryParam("csesidx", acc.Csesidx).
		SetCookie(&http.Cookie{Name: "__Secure-C_SES", Value: acc.SecureCSes})
	if acc.HostCOses != "" {
		req.SetCookie(&http.Cookie{Name: "__Host-C_OSES", Value: acc.HostCOses})
	}
	ua := strings.TrimSpace(acc.UserAgent)
	if ua == "" {
		ua = c.cfg.UserAgent
	}
	req.SetHeader("User-Agent", utils.NormalizeDesktopUserAgent(ua))

	resp, err := req.Get(c.cfg.JWTPath)
	if err != nil {
		return "", Outcome{Status: 0, Message: err.Error()}, fmt.Errorf("fetch jwt: %w", err)
	}

	outcome := Outcome{
		Status:     resp.StatusCode(),
		RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After")),
		Message:    strings.TrimSpace(resp.Status()),
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		return "", outcome, ErrAuthenticationFailure
	case resp.StatusCode() == http.StatusTooManyRequests:
		return "", outcome, ErrRateLimited
	case resp.StatusCode() >= 400:
		return "", outcome, fmt.Errorf("fetch jwt: status %d", resp.StatusCode())
	}

	token := extractToken(resp.Body())
	if token == "" {
		return "", outcome, errors.New("fetch jwt: empty response")
	}
	return token, outcome, nil
}

// extractToken 兼容 {"jwt":"..."} 和裸文本两种响应体。
func extractToken(body []byte) string {
	var payload struct {
		JWT string `json:"jwt"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && strings.TrimSpace(payload.JWT) != "" {
		return strings.TrimSpace(payload.JWT)
	}
	return strings.TrimSpace(string(body))
}

// TestAccount 验证账号凭据是否仍然有效。
func (c *Client) TestAccount(ctx context.Context, acc model.Account) (Outcome, error) {
	_, outcome, err := c.FetchJWT(ctx, acc)
	if c.bus != nil {
		fields := map[string]any{
			"accountId": acc.ID,
			"status":    outcome.Status,
		}
		if err != nil {
			fields["error"] = err.Error()
			c.bus.Log("warn", "账号测试失败", fields)
		} else {
			c.bus.Log("info", "账号测试通过", fields)
		}
	}
	return outcome, err
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
