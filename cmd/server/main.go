package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gemini_pool/internal/batch"
	"gemini_pool/internal/browser"
	"gemini_pool/internal/config"
	"gemini_pool/internal/httpapi"
	"gemini_pool/internal/logbus"
	"gemini_pool/internal/mailbox"
	"gemini_pool/internal/model"
	"gemini_pool/internal/notify"
	"gemini_pool/internal/pool"
	"gemini_pool/internal/refresh"
	"gemini_pool/internal/store/sqlite"
	"gemini_pool/internal/upstream"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	bus := logbus.New(300)
	bus.Log("info", "服务启动", map[string]any{"addr": cfg.Server.Addr})

	ctx := context.Background()
	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	resetLoc, err := time.LoadLocation(cfg.Quota.ResetTimezone)
	if err != nil {
		log.Fatalf("load reset timezone: %v", err)
	}

	accountPool := pool.New(store, bus, pool.Policy{
		RateLimitCooldown: cfg.Quota.RateLimitCooldown(),
		AuthErrorCooldown: cfg.Quota.AuthErrorCooldown(),
		ErrorLogSize:      cfg.Quota.ErrorLogSize,
		ResetLocation:     resetLoc,
	})
	if err := accountPool.Load(ctx); err != nil {
		log.Fatalf("load accounts: %v", err)
	}

	upstreamClient := upstream.New(cfg.Gemini, cfg.Proxy, cfg.Limits, bus)

	browser.SetProxy(cfg.Proxy.Global)
	notifier := notify.NewEmailNotifier(store, bus)

	pipeline := refresh.New(refresh.Options{
		Pool:     accountPool,
		Bus:      bus,
		Cfg:      cfg.Refresh,
		Login:    browser.NewAutomator(cfg.Gemini.BaseURL),
		Notifier: notifier,
		APIMailbox: func(acc model.Account) (mailbox.Client, error) {
			return mailbox.NewAPIClient(cfg.Mailbox, cfg.Proxy.Global, acc.TempmailURL)
		},
		BrowserMailbox: func(acc model.Account) (mailbox.Client, error) {
			return browser.NewMailboxReader(acc.TempmailURL)
		},
	})

	orchestrator := batch.New(batch.Options{
		Pool:      accountPool,
		Refresher: pipeline,
		Tester:    upstreamClient,
		Bus:       bus,
		Notifier:  notifier,
		Throttle:  cfg.Batch.Throttle(),
	})
	// 落库的节流设置优先于配置文件。
	if settings, ok, err := store.GetRefreshSettings(ctx); err == nil && ok {
		orchestrator.SetThrottle(time.Duration(settings.ThrottleSeconds) * time.Second)
	}

	watcherCtx, stopWatcher := context.WithCancel(ctx)
	go autoRefreshWatcher(watcherCtx, store, accountPool, orchestrator, bus)

	api := httpapi.New(httpapi.Options{
		Cfg:      cfg,
		Bus:      bus,
		Store:    store,
		Pool:     accountPool,
		Upstream: upstreamClient,
		Refresh:  pipeline,
		Batch:    orchestrator,
		Notifier: notifier,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		bus.Log("info", "收到退出信号", map[string]any{"signal": sig.String()})
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			bus.Log("error", "http server error", map[string]any{"error": err.Error()})
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	stopWatcher()
	orchestrator.Stop()
	orchestrator.Wait()
	_ = server.Shutdown(shutdownCtx)
	_ = browser.Close()
	_ = notifier.Close(shutdownCtx)
	bus.Log("info", "服务已停止", nil)
}

const autoRefreshInterval = time.Minute

// autoRefreshWatcher 开启自动刷新后，周期性为凭据过期的账号排一轮批量刷新。
func autoRefreshWatcher(ctx context.Context, store *sqlite.Store, accountPool *pool.Pool, orchestrator *batch.Orchestrator, bus *logbus.Bus) {
	ticker := time.NewTicker(autoRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		settings, ok, err := store.GetRefreshSettings(ctx)
		if err != nil {
			bus.Log("warn", "读取刷新设置失败", map[string]any{"error": err.Error()})
			continue
		}
		if !ok || !settings.AutoRefresh {
			continue
		}

		var expired []int64
		for _, acc := range accountPool.List() {
			if acc.Available && acc.CookieExpired {
				expired = append(expired, acc.ID)
			}
		}
		if len(expired) == 0 {
			continue
		}

		opID, err := orchestrator.Start(batch.OperationRefresh, expired)
		if err != nil {
			// 已有批量任务在跑，下一轮再试。
			continue
		}
		bus.Log("info", "自动刷新已排队", map[string]any{"opId": opID, "count": len(expired)})
	}
}
