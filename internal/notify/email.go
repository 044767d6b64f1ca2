package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/gomail.v2"

	"gemini_pool/internal/logbus"
	"gemini_pool/internal/model"
	"gemini_pool/internal/store/sqlite"
)

type emailEvent struct {
	batch   *BatchCompletedEvent
	refresh *RefreshFailedEvent
}

// EmailNotifier 异步发邮件，队列满时丢弃而不是阻塞调用方。
type EmailNotifier struct {
	store *sqlite.Store
	bus   *logbus.Bus

	queue  chan emailEvent
	ctx    context.Context
	cancel func()
	wg     sync.WaitGroup
}

func NewEmailNotifier(store *sqlite.Store, bus *logbus.Bus) *EmailNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	n := &EmailNotifier{
		store:  store,
		bus:    bus,
		queue:  make(chan emailEvent, 100),
		ctx:    ctx,
		cancel: cancel,
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *EmailNotifier) Close(ctx context.Context) error {
	n.cancel()
	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *EmailNotifier) NotifyBatchCompleted(_ context.Context, evt BatchCompletedEvent) {
	n.enqueue(emailEvent{batch: &evt})
}

func (n *EmailNotifier) NotifyRefreshFailed(_ context.Context, evt RefreshFailedEvent) {
	n.enqueue(emailEvent{refresh: &evt})
}

func (n *EmailNotifier) enqueue(evt emailEvent) {
	select {
	case n.queue <- evt:
	default:
		if n.bus != nil {
			n.bus.Log("warn", "邮件通知丢弃：队列已满", nil)
		}
	}
}

func (n *EmailNotifier) loop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case evt := <-n.queue:
			n.handle(evt)
		}
	}
}

func (n *EmailNotifier) handle(evt emailEvent) {
	if n.store == nil {
		return
	}
	settings, ok, err := n.store.GetEmailSettings(n.ctx)
	if err != nil {
		if n.bus != nil {
			n.bus.Log("warn", "读取邮件配置失败", map[string]any{"error": err.Error()})
		}
		return
	}
	if !ok || !settings.Enabled {
		return
	}
	if err := validateEmailSettings(settings); err != nil {
		if n.bus != nil {
			n.bus.Log("warn", "邮件配置无效", map[string]any{"error": err.Error()})
		}
		return
	}

	switch {
	case evt.batch != nil:
		err = SendBatchSummaryEmail(n.ctx, settings, *evt.batch)
	case evt.refresh != nil:
		err = SendRefreshFailedEmail(n.ctx, settings, *evt.refresh)
	default:
		return
	}
	if err != nil {
		if n.bus != nil {
			n.bus.Log("warn", "邮件发送失败", map[string]any{"error": err.Error()})
		}
		return
	}
	if n.bus != nil {
		n.bus.Log("info", "通知邮件已发送", map[string]any{"to": strings.TrimSpace(settings.Email)})
	}
}

func validateEmailSettings(s model.EmailSettings) error {
	email := strings.TrimSpace(s.Email)
	if email == "" {
		return errors.New("email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return errors.New("invalid email")
	}
	if strings.TrimSpace(s.AuthCode) == "" {
		return errors.New("authCode is required")
	}
	return nil
}

func send(ctx context.Context, settings model.EmailSettings, subject, htmlBody, textBody string) error {
	if err := validateEmailSettings(settings); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	email := strings.TrimSpace(settings.Email)
	host, port, useSSL, err := smtpConfigForEmail(email)
	if err != nil {
		return err
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", msg.FormatAddress(email, "账号池助手"))
	msg.SetHeader("To", email)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", textBody)
	msg.AddAlternative("text/html", htmlBody)

	d := gomail.NewDialer(host, port, email, strings.TrimSpace(settings.AuthCode))
	d.SSL = useSSL
	return d.DialAndSend(msg)
}

// SendTestEmail 发送一封测试邮件验证配置可用。
func SendTestEmail(ctx context.Context, settings model.EmailSettings) error {
	return SendBatchSummaryEmail(ctx, settings, BatchCompletedEvent{
		At:        time.Now().UnixMilli(),
		OpID:      "TEST-" + strconv.FormatInt(time.Now().Unix(), 10),
		Operation: "test",
		Total:     1,
		Succeeded: 1,
	})
}

func SendBatchSummaryEmail(ctx context.Context, settings model.EmailSettings, evt BatchCompletedEvent) error {
	subject := fmt.Sprintf("批量%s完成：成功 %d / 失败 %d / 跳过 %d",
		operationLabel(evt.Operation), evt.Succeeded, evt.Failed, evt.Skipped)

	at := time.Now()
	if evt.At > 0 {
		at = time.UnixMilli(evt.At)
	}
	rows := []rowKV{
		{K: "时间", V: at.Format("2006-01-02 15:04:05")},
		{K: "操作", V: operationLabel(evt.Operation)},
		{K: "总数", V: strconv.Itoa(evt.Total)},
		{K: "成功", V: strconv.Itoa(evt.Succeeded)},
		{K: "失败", V: strconv.Itoa(evt.Failed)},
		{K: "跳过", V: strconv.Itoa(evt.Skipped)},
	}

	htmlBody, textBody, err := buildNoticeBody("批量任务完成", subject, rows)
	if err != nil {
		return err
	}
	return send(ctx, settings, subject, htmlBody, textBody)
}

func SendRefreshFailedEmail(ctx context.Context, settings model.EmailSettings, evt RefreshFailedEvent) error {
	name := strings.TrimSpace(evt.TempmailName)
	if name == "" {
		name = "#" + strconv.FormatInt(evt.AccountID, 10)
	}
	subject := fmt.Sprintf("账号凭据刷新失败：%s", name)

	at := time.Now()
	if evt.At > 0 {
		at = time.UnixMilli(evt.At)
	}
	rows := []rowKV{
		{K: "时间", V: at.Format("2006-01-02 15:04:05")},
		{K: "账号", V: name},
		{K: "原因", V: strings.TrimSpace(evt.Reason)},
	}

	htmlBody, textBody, err := buildNoticeBody("凭据刷新失败", subject, rows)
	if err != nil {
		return err
	}
	return send(ctx, settings, subject, htmlBody, textBody)
}

func smtpConfigForEmail(email string) (host string, port int, useSSL bool, err error) {
	parts := strings.Split(strings.TrimSpace(email), "@")
	if len(parts) != 2 || strings.TrimSpace(parts[1]) == "" {
		return "", 0, false, errors.New("invalid email format")
	}
	domain := strings.ToLower(strings.TrimSpace(parts[1]))

	switch {
	case domain == "qq.com" || strings.HasSuffix(domain, ".qq.com") || domain == "foxmail.com":
		return "smtp.qq.com", 465, true, nil
	case domain == "163.com" || domain == "126.com" || domain == "yeah.net":
		return "smtp.163.com", 465, true, nil
	case domain == "gmail.com":
		return "smtp.gmail.com", 587, false, nil
	case domain == "outlook.com" || domain == "hotmail.com" || domain == "live.com":
		return "smtp.office365.com", 587, false, nil
	default:
		return "smtp." + domain, 465, true, nil
	}
}

type rowKV struct {
	K string
	V string
}

var noticeHTMLTpl = template.Must(template.New("notice").Parse(`
<!doctype html>
<html lang="zh-CN">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width" />
    <title>{{ .Title }}</title>
  </head>
  <body style="margin:0;padding:0;background:#f6f8fb;font-family:-apple-system,BlinkMacSystemFont,'Segoe UI',Roboto,'Helvetica Neue',Arial,'PingFang SC','Hiragino Sans GB','Microsoft YaHei',sans-serif;">
    <div style="max-width:720px;margin:0 auto;padding:24px;">
      <div style="background:#ffffff;border:1px solid #e6e8ef;border-radius:14px;overflow:hidden;">
        <div style="padding:18px 22px;background:linear-gradient(135deg,#0ea5e9,#6366f1);color:#ffffff;">
          <div style="font-size:16px;font-weight:700;letter-spacing:.2px;">{{ .Title }}</div>
          <div style="margin-top:6px;font-size:12px;opacity:.95;">账号池助手通知</div>
        </div>

        <div style="padding:22px;">
          <div style="font-size:15px;font-weight:600;color:#111827;line-height:1.35;">{{ .Subject }}</div>

          <div style="margin-top:16px;border:1px solid #eef0f6;border-radius:12px;overflow:hidden;">
            <table role="presentation" cellspacing="0" cellpadding="0" border="0" style="width:100%;border-collapse:collapse;">
              <tbody>
                {{ range .Rows }}
                <tr>
                  <td style="width:160px;padding:12px 14px;background:#fafbff;border-bottom:1px solid #eef0f6;color:#6b7280;font-size:12px;">{{ .K }}</td>
                  <td style="padding:12px 14px;border-bottom:1px solid #eef0f6;color:#111827;font-size:12px;font-weight:600;">{{ .V }}</td>
                </tr>
                {{ end }}
              </tbody>
            </table>
          </div>

          <div style="margin-top:14px;color:#9ca3af;font-size:12px;line-height:1.6;">
            此邮件由系统自动发送
          </div>
        </div>
      </div>
      <div style="text-align:center;margin-top:12px;color:#9ca3af;font-size:12px;">
        © 账号池助手
      </div>
    </div>
  </body>
</html>
`))

func buildNoticeBody(title, subject string, rows []rowKV) (htmlBody string, textBody string, err error) {
	data := struct {
		Title   string
		Subject string
		Rows    []rowKV
	}{
		Title:   title,
		Subject: subject,
		Rows:    rows,
	}

	var buf bytes.Buffer
	if err := noticeHTMLTpl.Execute(&buf, data); err != nil {
		return "", "", err
	}

	text := new(strings.Builder)
	text.WriteString(title + "\n")
	text.WriteString(subject + "\n")
	for _, r := range rows {
		text.WriteString(r.K + "：" + r.V + "\n")
	}
	return buf.String(), text.String(), nil
}

func operationLabel(op string) string {
	switch strings.ToLower(strings.TrimSpace(op)) {
	case "refresh":
		return "刷新"
	case "test":
		return "测试"
	default:
		return "处理"
	}
}
