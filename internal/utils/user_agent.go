package utils

import "strings"

const defaultDesktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// DefaultDesktopUserAgent 返回默认的桌面 Chrome UA。
func DefaultDesktopUserAgent() string {
	return defaultDesktopUserAgent
}

// NormalizeDesktopUserAgent 把 UA 规范为桌面风格；登录页只适配桌面布局，
// 入参为空或像手机 UA 时返回默认 UA。
func NormalizeDesktopUserAgent(ua string) string {
	v := strings.TrimSpace(ua)
	if v == "" {
		return defaultDesktopUserAgent
	}
	if looksLikeMobileUA(v) {
		return defaultDesktopUserAgent
	}
	return v
}

func looksLikeMobileUA(ua string) bool {
	s := strings.ToLower(ua)
	if strings.Contains(s, "mobile") {
		return true
	}
	if strings.Contains(s, "iphone") || strings.Contains(s, "android") || strings.Contains(s, "ipad") {
		return true
	}
	return false
}
