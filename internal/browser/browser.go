package browser

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"gemini_pool/internal/utils"
)

// 无头模式开关：默认 true（生产环境）。
// 本地调试需要看到浏览器窗口时设置 GEMINI_POOL_HEADLESS=0。
var HeadlessMode = func() bool {
	v := strings.TrimSpace(os.Getenv("GEMINI_POOL_HEADLESS"))
	if v == "" {
		return true
	}
	v = strings.ToLower(v)
	return !(v == "0" || v == "false" || v == "no" || v == "off")
}()

// 全局浏览器单例，登录自动化和邮箱读取共用一个进程。
var (
	browserMu       sync.Mutex
	sharedBrowser   *rod.Browser
	sharedLauncher  *launcher.Launcher
	sharedProxyAddr string
)

// SetProxy 设置浏览器出口代理，必须在首次使用浏览器前调用。
func SetProxy(addr string) {
	browserMu.Lock()
	sharedProxyAddr = strings.TrimSpace(addr)
	browserMu.Unlock()
}

func getBrowser() (*rod.Browser, error) {
	browserMu.Lock()
	defer browserMu.Unlock()

	if sharedBrowser != nil {
		return sharedBrowser, nil
	}

	l := launcher.New().Headless(HeadlessMode)
	if sharedProxyAddr != "" {
		l = l.Proxy(sharedProxyAddr)
	}
	u, err := l.Launch()
	if err != nil {
		l.Kill()
		return nil, err
	}

	b := rod.New().ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		return nil, err
	}

	sharedBrowser = b
	sharedLauncher = l
	return sharedBrowser, nil
}

// Close 关闭全局浏览器，进程退出时调用。
func Close() error {
	browserMu.Lock()
	defer browserMu.Unlock()

	var firstErr error
	if sharedBrowser != nil {
		if err := sharedBrowser.Close(); err != nil {
			firstErr = err
		}
		sharedBrowser = nil
	}
	if sharedLauncher != nil {
		sharedLauncher.Kill()
		sharedLauncher = nil
	}
	return firstErr
}

// newStealthPage 在独立的隐身上下文里开一个反检测页面。
// 返回的 cleanup 会同时关掉页面和隐身上下文。
func newStealthPage(ctx context.Context, userAgent string) (*rod.Page, func(), error) {
	b, err := getBrowser()
	if err != nil {
		return nil, nil, err
	}

	incognito, err := b.Incognito()
	if err != nil {
		return nil, nil, err
	}

	var page *rod.Page
	if err := rod.Try(func() {
		page = stealth.MustPage(incognito)
		// 登录页只适配桌面布局，手机 UA 会被归一成桌面 UA。
		ua := utils.NormalizeDesktopUserAgent(userAgent)
		page.MustSetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua})
	}); err != nil {
		_ = incognito.Close()
		return nil, nil, err
	}

	cleanup := func() {
		_ = rod.Try(func() {
			page.MustClose()
		})
		_ = incognito.Close()
	}
	return page.Context(ctx), cleanup, nil
}
