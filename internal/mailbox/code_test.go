package mailbox

import "testing"

func TestExtractVerificationCodeLabeled(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"中文标签", "您的验证码是 482913，10 分钟内有效。", "482913"},
		{"中文标签带冒号", "验证码：657201", "657201"},
		{"英文标签", "Your verification code is 104928.", "104928"},
		{"英文确认码", "Confirmation code: 5582", "5582"},
		{"your code 写法", "Here is your code: 998877", "998877"},
		{"西语标签", "Tu código es 314159", "314159"},
		{"俄语标签", "Ваш код 271828", "271828"},
		{"韩语标签", "인증번호 [775533]", "775533"},
		{"日语标签", "認証コードは 446688 です", "446688"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractVerificationCode(tc.body); got != tc.want {
				t.Fatalf("期望 %q 实际 %q", tc.want, got)
			}
		})
	}
}

func TestExtractVerificationCodeLabelBeatsEarlierNumber(t *testing.T) {
	// 正文前面出现的无关数字不应盖过带标签的验证码。
	body := "订单号 20250601，您的验证码是 736182。"
	if got := ExtractVerificationCode(body); got != "736182" {
		t.Fatalf("应优先匹配带标签的验证码，实际 %q", got)
	}
}

func TestExtractVerificationCodeIsolatedFallback(t *testing.T) {
	if got := ExtractVerificationCode("Use 7391842 to continue signing in."); got != "7391842" {
		t.Fatalf("兜底匹配孤立数字串失败，实际 %q", got)
	}
}

func TestExtractVerificationCodeRejectsShortIsolated(t *testing.T) {
	// 无标签时 4~5 位数字不够置信，不应命中兜底。
	if got := ExtractVerificationCode("please call 1234 for help"); got != "" {
		t.Fatalf("不应从短数字串提取验证码，实际 %q", got)
	}
}

func TestExtractVerificationCodeEmpty(t *testing.T) {
	if got := ExtractVerificationCode(""); got != "" {
		t.Fatalf("空正文应返回空串，实际 %q", got)
	}
	if got := ExtractVerificationCode("no digits here"); got != "" {
		t.Fatalf("无数字正文应返回空串，实际 %q", got)
	}
}
