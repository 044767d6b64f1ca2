package browser

import (
	"strings"
	"testing"

	"gemini_pool/internal/mailbox"
)

func TestDiffNewLinesOnlyReturnsFreshText(t *testing.T) {
	seen := make(map[uint64]struct{})

	first := "收件箱\n登录验证\n您的验证码是 111222，10 分钟内有效。"
	if got := diffNewLines(seen, first); got == "" {
		t.Fatal("首次快照应整体视为新内容")
	}

	// 页面未变化时不产生新邮件。
	if got := diffNewLines(seen, first); got != "" {
		t.Fatalf("重复快照应为空，实际 %q", got)
	}

	// 新邮件追加在旧邮件之后（收件箱按旧到新渲染）。
	second := first + "\n登录验证\n您的验证码是 654321，10 分钟内有效。"
	fresh := diffNewLines(seen, second)
	if fresh == "" {
		t.Fatal("新邮件内容应被识别为新增")
	}
	if strings.Contains(fresh, "111222") {
		t.Fatalf("旧邮件内容不应再次返回: %q", fresh)
	}
	if code := mailbox.ExtractVerificationCode(fresh); code != "654321" {
		t.Fatalf("应提取到新邮件的验证码，实际 %q", code)
	}
}

func TestNewMailboxReaderRequiresURL(t *testing.T) {
	if _, err := NewMailboxReader("  "); err == nil {
		t.Fatal("空地址应报错")
	}
	r, err := NewMailboxReader("https://tempmail.3d-tech.top/mailbox/alpha")
	if err != nil {
		t.Fatalf("创建读取器失败: %v", err)
	}
	if r.tempmailURL != "https://tempmail.3d-tech.top/mailbox/alpha" {
		t.Fatalf("地址未去除空白: %q", r.tempmailURL)
	}
}
