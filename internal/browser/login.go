package browser

import (
	"context"
	"errors"
	"math/rand"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-rod/rod"

	"gemini_pool/internal/model"
	"gemini_pool/internal/refresh"
)

const (
	emailInputSelector = `#email-input, input[name="loginHint"]`
	continueSelector   = `#log-in-button`
	pinInputSelector   = `input[name="pinInput"]`
	nameInputSelector  = `input[formcontrolname="fullName"]`
)

// 登录完成后地址形如 business.gemini.google/home/cid/<uuid>?csesidx=<n>
var (
	homeURLPattern = regexp.MustCompile(`business\.gemini\.google/home/cid/[a-f0-9-]+\?csesidx=\d+`)
	teamIDPattern  = regexp.MustCompile(`/cid/([a-f0-9-]+)`)
)

// Automator 驱动上游登录页完成邮箱验证码登录，实现 refresh.LoginAutomator。
type Automator struct {
	LoginURL string
}

func NewAutomator(loginURL string) *Automator {
	if strings.TrimSpace(loginURL) == "" {
		loginURL = "https://business.gemini.google"
	}
	return &Automator{LoginURL: loginURL}
}

func (a *Automator) Begin(ctx context.Context, acc model.Account) (refresh.LoginSession, error) {
	email := strings.TrimSpace(acc.TempmailName)
	if email == "" {
		return nil, errors.New("account has no tempmail address")
	}

	page, cleanup, err := newStealthPage(ctx, acc.UserAgent)
	if err != nil {
		return nil, err
	}

	if err := rod.Try(func() {
		page.MustNavigate(a.LoginURL)
		page.MustWaitLoad()
	}); err != nil {
		cleanup()
		return nil, err
	}

	input, err := page.Timeout(30 * time.Second).Element(emailInputSelector)
	if err != nil {
		cleanup()
		return nil, errors.New("email input not found on login page")
	}
	if err := rod.Try(func() {
		input.MustSelectAllText()
		input.MustInput(email)
	}); err != nil {
		cleanup()
		return nil, err
	}

	btn, err := page.Timeout(10 * time.Second).Element(continueSelector)
	if err != nil {
		cleanup()
		return nil, errors.New("continue button not found on login page")
	}
	if err := rod.Try(func() {
		btn.MustClick()
	}); err != nil {
		cleanup()
		return nil, err
	}

	// 验证码页渲染会比较慢，给足等待时间。
	if _, err := page.Timeout(60 * time.Second).Element(pinInputSelector); err != nil {
		cleanup()
		return nil, errors.New("verification code input did not appear")
	}

	return &Session{page: page, cleanup: cleanup}, nil
}

// Session 停在验证码输入页的登录会话。
type Session struct {
	page    *rod.Page
	cleanup func()
}

func (s *Session) Close() {
	if s.cleanup != nil {
		s.cleanup()
		s.cleanup = nil
	}
}

func (s *Session) SubmitCode(ctx context.Context, code string) (model.Credentials, error) {
	page := s.page.Context(ctx)

	pin, err := page.Timeout(10 * time.Second).Element(pinInputSelector)
	if err != nil {
		return model.Credentials{}, errors.New("verification code input not found")
	}
	if err := rod.Try(func() {
		pin.MustSelectAllText()
		pin.MustInput(code)
	}); err != nil {
		return model.Credentials{}, err
	}

	if err := clickVerifyButton(page); err != nil {
		return model.Credentials{}, err
	}

	if err := s.maybeCompleteSignup(ctx, page); err != nil {
		return model.Credentials{}, err
	}

	dismissWelcomeDialog(page)

	return extractCredentials(page)
}

// maybeCompleteSignup 新账号在验证码之后还有一步填姓名并同意条款，
// 已注册账号会直接跳到主页。两种情况都等到主页地址出现为止。
func (s *Session) maybeCompleteSignup(ctx context.Context, page *rod.Page) error {
	deadline := time.Now().Add(15 * time.Second)
	nameInputFound := false
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if onHomePage(page) {
			return nil
		}
		if el, err := page.Timeout(time.Second).Element(nameInputSelector); err == nil && el != nil {
			nameInputFound = true
			break
		}
	}

	if nameInputFound {
		name := randomName(5)
		el, err := page.Timeout(5 * time.Second).Element(nameInputSelector)
		if err != nil {
			return errors.New("name input disappeared during signup")
		}
		if err := rod.Try(func() {
			el.MustSelectAllText()
			el.MustInput(name)
		}); err != nil {
			return err
		}
		if err := clickAgreeButton(page); err != nil {
			return err
		}
		return waitForHomeURL(ctx, page, 90*time.Second)
	}

	return waitForHomeURL(ctx, page, 60*time.Second)
}

func clickVerifyButton(page *rod.Page) error {
	res, err := page.Timeout(10 * time.Second).Eval(`() => {
		const buttons = document.querySelectorAll('button');
		for (const btn of buttons) {
			if (btn.getAttribute('jsname') === 'XooR8e' ||
				btn.getAttribute('aria-label') === '验证' ||
				btn.innerText.includes('验证')) {
				btn.click();
				return true;
			}
		}
		return false;
	}`)
	if err != nil {
		return err
	}
	if !res.Value.Bool() {
		return errors.New("verify button not found")
	}
	return nil
}

func clickAgreeButton(page *rod.Page) error {
	res, err := page.Timeout(10 * time.Second).Eval(`() => {
		const buttons = document.querySelectorAll('button');
		for (const btn of buttons) {
			if (btn.className.includes('agree-button') || btn.innerText.includes('同意')) {
				btn.click();
				return true;
			}
		}
		return false;
	}`)
	if err != nil {
		return err
	}
	if !res.Value.Bool() {
		return errors.New("agree button not found")
	}
	return nil
}

// dismissWelcomeDialog 首次进入主页的欢迎弹窗藏在多层 shadow root 里，
// 只能用 JS 逐层点进去。弹窗不一定出现，失败可忽略。
func dismissWelcomeDialog(page *rod.Page) {
	_, _ = page.Timeout(5 * time.Second).Eval(`() => {
		const app = document.querySelector('ucs-standalone-app');
		if (!app || !app.shadowRoot) return false;
		const dialog = app.shadowRoot.querySelector('ucs-welcome-dialog');
		if (!dialog || !dialog.shadowRoot) return false;
		const btn = dialog.shadowRoot.querySelector('md-text-button');
		if (!btn) return false;
		if (btn.shadowRoot) {
			const inner = btn.shadowRoot.querySelector('button');
			if (inner) { inner.click(); return true; }
		}
		btn.click();
		return true;
	}`)
}

func onHomePage(page *rod.Page) bool {
	info, err := page.Info()
	if err != nil {
		return false
	}
	return homeURLPattern.MatchString(info.URL)
}

func waitForHomeURL(ctx context.Context, page *rod.Page, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if onHomePage(page) {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return errors.New("timed out waiting for home page redirect")
}

func extractCredentials(page *rod.Page) (model.Credentials, error) {
	cookies, err := page.Cookies(nil)
	if err != nil {
		return model.Credentials{}, err
	}

	var creds model.Credentials
	for _, c := range cookies {
		switch c.Name {
		case "__Secure-C_SES":
			creds.SecureCSes = c.Value
		case "__Host-C_OSES":
			creds.HostCOses = c.Value
		}
	}

	info, err := page.Info()
	if err != nil {
		return model.Credentials{}, err
	}
	u, err := url.Parse(info.URL)
	if err != nil {
		return model.Credentials{}, err
	}
	creds.Csesidx = u.Query().Get("csesidx")
	if m := teamIDPattern.FindStringSubmatch(u.Path); m != nil {
		creds.TeamID = m[1]
	}

	if !creds.Complete() {
		return model.Credentials{}, errors.New("extracted credentials are incomplete")
	}
	return creds, nil
}

func randomName(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
