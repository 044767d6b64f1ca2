package pool

import (
	"fmt"
	"strings"
	"time"
)

type EffectKind int

const (
	EffectNone EffectKind = iota
	// EffectSuccess 2xx：解除能力的错误态，不解除冷却。
	EffectSuccess
	// EffectAuthFailure 401/403：整账号冷却并标记 Cookie 过期。
	EffectAuthFailure
	// EffectRateLimited 429：该能力进入冷却。
	EffectRateLimited
	// EffectUpstreamError 其它 4xx/5xx：记入错误态，不影响可选性。
	EffectUpstreamError
)

type Effect struct {
	Kind            EffectKind
	CooldownUntilMs int64
	Reason          string
}

// Policy 被动配额判定策略：只看上游响应码，不主动探测。
type Policy struct {
	RateLimitCooldown time.Duration
	AuthErrorCooldown time.Duration
	ErrorLogSize      int
	// ResetLocation 上游配额按该时区零点重置，429 最少冷却到下一个零点。
	ResetLocation *time.Location
}

func (p Policy) normalized() Policy {
	if p.RateLimitCooldown <= 0 {
		p.RateLimitCooldown = 10 * time.Minute
	}
	if p.AuthErrorCooldown <= 0 {
		p.AuthErrorCooldown = 30 * time.Minute
	}
	if p.ErrorLogSize <= 0 {
		p.ErrorLogSize = 20
	}
	if p.ResetLocation == nil {
		if loc, err := time.LoadLocation("America/Los_Angeles"); err == nil {
			p.ResetLocation = loc
		} else {
			p.ResetLocation = time.UTC
		}
	}
	return p
}

// MapOutcome 把一次上游响应映射为对账号状态的影响。
// retryAfter 来自响应头提示，大于 0 时优先采用。
func (p Policy) MapOutcome(now time.Time, status int, retryAfter time.Duration, message string) Effect {
	p = p.normalized()
	switch {
	case status >= 200 && status < 300:
		return Effect{Kind: EffectSuccess}
	case status == 401 || status == 403:
		return Effect{
			Kind:            EffectAuthFailure,
			CooldownUntilMs: now.Add(p.AuthErrorCooldown).UnixMilli(),
			Reason:          reasonText(status, message),
		}
	case status == 429:
		d := retryAfter
		if d <= 0 {
			d = p.RateLimitCooldown
			if wait := untilNextReset(now, p.ResetLocation); wait > d {
				d = wait
			}
		}
		return Effect{
			Kind:            EffectRateLimited,
			CooldownUntilMs: now.Add(d).UnixMilli(),
			Reason:          reasonText(status, message),
		}
	case status >= 400:
		return Effect{
			Kind:   EffectUpstreamError,
			Reason: reasonText(status, message),
		}
	}
	return Effect{Kind: EffectNone}
}

func reasonText(status int, message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return fmt.Sprintf("upstream status %d", status)
	}
	return fmt.Sprintf("upstream status %d: %s", status, message)
}

// untilNextReset 距离重置时区下一个零点的时长。
func untilNextReset(now time.Time, loc *time.Location) time.Duration {
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
	return next.Sub(local)
}
