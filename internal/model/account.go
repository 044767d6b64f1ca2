package model

import "time"

// Capability 上游能力维度，配额状态按能力单独记录。
type Capability string

const (
	CapabilityText  Capability = "text"
	CapabilityImage Capability = "image"
	CapabilityVideo Capability = "video"
)

func Capabilities() []Capability {
	return []Capability{CapabilityText, CapabilityImage, CapabilityVideo}
}

func (c Capability) Valid() bool {
	switch c {
	case CapabilityText, CapabilityImage, CapabilityVideo:
		return true
	}
	return false
}

type QuotaStatus string

const (
	QuotaAvailable QuotaStatus = "available"
	QuotaCooldown  QuotaStatus = "cooldown"
	QuotaError     QuotaStatus = "error"
)

type QuotaErrorEvent struct {
	At         int64      `json:"atMs"`
	HTTPStatus int        `json:"httpStatus"`
	Capability Capability `json:"capability"`
	Message    string     `json:"message,omitempty"`
}

type QuotaState struct {
	Status          QuotaStatus       `json:"status"`
	CooldownUntilMs int64             `json:"cooldownUntilMs,omitempty"`
	StatusText      string            `json:"statusText,omitempty"`
	Errors          []QuotaErrorEvent `json:"errors,omitempty"`
}

// Credentials 登录成功后从页面提取出来的三元组（外加团队 ID）。
type Credentials struct {
	SecureCSes string `json:"secureCSes"`
	HostCOses  string `json:"hostCOses,omitempty"`
	Csesidx    string `json:"csesidx"`
	TeamID     string `json:"teamId,omitempty"`
}

func (c Credentials) Complete() bool {
	return c.SecureCSes != "" && c.Csesidx != ""
}

type Account struct {
	ID              int64                     `json:"id"`
	TeamID          string                    `json:"teamId,omitempty"`
	SecureCSes      string                    `json:"secureCSes,omitempty"`
	HostCOses       string                    `json:"hostCOses,omitempty"`
	Csesidx         string                    `json:"csesidx"`
	UserAgent       string                    `json:"userAgent,omitempty"`
	Available       bool                      `json:"available"`
	CookieExpired   bool                      `json:"cookieExpired"`
	CooldownUntilMs int64                     `json:"cooldownUntilMs,omitempty"`
	CooldownReason  string                    `json:"cooldownReason,omitempty"`
	TempmailName    string                    `json:"tempmailName,omitempty"`
	TempmailURL     string                    `json:"tempmailUrl,omitempty"`
	Quota           map[Capability]QuotaState `json:"quota,omitempty"`
	CreatedAt       time.Time                 `json:"createdAt"`
	UpdatedAt       time.Time                 `json:"updatedAt"`
}

// Clone 深拷贝，返回的副本可以安全地交给调用方。
func (a Account) Clone() Account {
	out := a
	if a.Quota != nil {
		out.Quota = make(map[Capability]QuotaState, len(a.Quota))
		for c, qs := range a.Quota {
			cp := qs
			if len(qs.Errors) > 0 {
				cp.Errors = append([]QuotaErrorEvent(nil), qs.Errors...)
			}
			out.Quota[c] = cp
		}
	}
	return out
}

// InCooldown 账号级冷却是否仍然生效。
func (a Account) InCooldown(nowMs int64) bool {
	return a.CooldownUntilMs > nowMs
}

func (a Account) Credentials() Credentials {
	return Credentials{
		SecureCSes: a.SecureCSes,
		HostCOses:  a.HostCOses,
		Csesidx:    a.Csesidx,
		TeamID:     a.TeamID,
	}
}
