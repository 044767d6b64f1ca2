package mailbox

import "regexp"

// 带标签的验证码写法优先匹配，覆盖上游邮件的常见多语言模板。
var labeledCodePatterns = []*regexp.Regexp{
	regexp.MustCompile(`验证码[^0-9]{0,12}([0-9]{4,8})`),
	regexp.MustCompile(`(?i)verification code[^0-9]{0,12}([0-9]{4,8})`),
	regexp.MustCompile(`(?i)confirmation code[^0-9]{0,12}([0-9]{4,8})`),
	regexp.MustCompile(`(?i)your code(?: is)?[^0-9]{0,12}([0-9]{4,8})`),
	regexp.MustCompile(`(?i)c[oó]digo[^0-9]{0,12}([0-9]{4,8})`),
	regexp.MustCompile(`(?i)код[^0-9]{0,12}([0-9]{4,8})`),
	regexp.MustCompile(`인증번호[^0-9]{0,12}([0-9]{4,8})`),
	regexp.MustCompile(`(?:代码|コード)[^0-9]{0,12}([0-9]{4,8})`),
}

// 兜底：孤立出现的 6~8 位数字串（前后都不是数字）。
var isolatedCodePattern = regexp.MustCompile(`(?:^|[^0-9])([0-9]{6,8})(?:[^0-9]|$)`)

// ExtractVerificationCode 从邮件正文提取验证码，找不到时返回空串。
// 纯函数，不做任何 IO。
func ExtractVerificationCode(body string) string {
	if body == "" {
		return ""
	}
	for _, re := range labeledCodePatterns {
		if m := re.FindStringSubmatch(body); m != nil {
			return m[1]
		}
	}
	if m := isolatedCodePattern.FindStringSubmatch(body); m != nil {
		return m[1]
	}
	return ""
}
