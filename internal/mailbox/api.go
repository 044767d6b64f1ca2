package mailbox

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"

	"gemini_pool/internal/config"
)

var ErrNoEmbeddedToken = errors.New("tempmail url has no embedded token")

// TokenFromURL 从临时邮箱地址里解出内嵌的访问令牌（?jwt=...）。
func TokenFromURL(tempmailURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(tempmailURL))
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(u.Query().Get("jwt"))
	if token == "" {
		return "", ErrNoEmbeddedToken
	}
	return token, nil
}

// HasEmbeddedToken 该邮箱地址是否可以走 API 轮询。
func HasEmbeddedToken(tempmailURL string) bool {
	_, err := TokenFromURL(tempmailURL)
	return err == nil
}

// APIClient 通过临时邮箱服务的 HTTP API 拉取邮件。
type APIClient struct {
	http    *resty.Client
	baseURL string
}

func NewAPIClient(cfg config.MailboxConfig, proxy string, tempmailURL string) (*APIClient, error) {
	token, err := TokenFromURL(tempmailURL)
	if err != nil {
		return nil, err
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if u, err := url.Parse(strings.TrimSpace(tempmailURL)); err == nil && u.Host != "" {
		// 邮箱地址自带服务域名时，优先用它，配置里的 baseURL 只做缺省。
		base = u.Scheme + "://" + u.Host
	}

	client := resty.New().
		SetBaseURL(base).
		SetTimeout(cfg.Timeout()).
		SetAuthToken(token)
	if p := strings.TrimSpace(proxy); p != "" {
		client.SetProxy(p)
	}

	return &APIClient{http: client, baseURL: base}, nil
}

type apiMessage struct {
	ID      int64  `json:"id"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
}

func (m apiMessage) body() string {
	if strings.TrimSpace(m.Text) != "" {
		return m.Text
	}
	return m.HTML
}

func (c *APIClient) FetchNewMessages(ctx context.Context, sinceID int64) ([]Message, error) {
	var list []apiMessage
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&list).
		Get("/api/mails")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode())
	}

	var out []Message
	for _, m := range list {
		if m.ID <= sinceID {
			continue
		}
		out = append(out, Message{ID: m.ID, Subject: m.Subject, Body: m.body()})
	}
	return out, nil
}
