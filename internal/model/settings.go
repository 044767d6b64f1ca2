package model

type EmailSettings struct {
	Enabled  bool   `json:"enabled"`
	Email    string `json:"email"`
	AuthCode string `json:"authCode,omitempty"`
}

type RefreshSettings struct {
	// AutoRefresh 检测到 Cookie 过期后是否自动触发刷新。
	AutoRefresh bool `json:"autoRefresh"`
	// ThrottleSeconds 批量操作时相邻两个账号之间的间隔秒数。
	ThrottleSeconds int `json:"throttleSeconds"`
}
