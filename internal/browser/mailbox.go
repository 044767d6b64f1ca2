package browser

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"

	"gemini_pool/internal/mailbox"
)

// MailboxReader 打开临时邮箱页面读取收件箱文本，实现 mailbox.Client。
// 页面没有稳定的邮件 ID，这里对页面文本做逐行去重，
// 每次只把新出现的行作为一封新邮件返回，旧邮件里的验证码不会被重复提取。
// sinceID 对调用方表现出和 API 客户端一致的水位线语义。
type MailboxReader struct {
	tempmailURL string

	mu        sync.Mutex
	seenLines map[uint64]struct{}
	nextID    int64
}

func NewMailboxReader(tempmailURL string) (*MailboxReader, error) {
	if strings.TrimSpace(tempmailURL) == "" {
		return nil, errors.New("tempmail url is required")
	}
	return &MailboxReader{
		tempmailURL: strings.TrimSpace(tempmailURL),
		seenLines:   make(map[uint64]struct{}),
	}, nil
}

func (r *MailboxReader) FetchNewMessages(ctx context.Context, sinceID int64) ([]mailbox.Message, error) {
	page, cleanup, err := newStealthPage(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mailbox.ErrUnreachable, err)
	}
	defer cleanup()

	if err := rod.Try(func() {
		page.MustNavigate(r.tempmailURL)
		page.MustWaitLoad()
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", mailbox.ErrUnreachable, err)
	}

	res, err := page.Timeout(15 * time.Second).Eval(`() => {
		return document.body ? document.body.innerText : '';
	}`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", mailbox.ErrUnreachable, err)
	}
	text := strings.TrimSpace(res.Value.Str())

	r.mu.Lock()
	defer r.mu.Unlock()
	fresh := diffNewLines(r.seenLines, text)
	if fresh == "" {
		return nil, nil
	}
	r.nextID++
	id := r.nextID
	if id <= sinceID {
		id = sinceID + 1
		r.nextID = id
	}
	return []mailbox.Message{{ID: id, Body: fresh}}, nil
}

// diffNewLines 把本次快照里首次出现的行拼成一段文本返回，并记入 seen。
// 页面新收到一封邮件时，旧邮件的行已在 seen 里，返回的只有新邮件的内容。
func diffNewLines(seen map[uint64]struct{}, text string) string {
	var fresh []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		h := fnv.New64a()
		_, _ = h.Write([]byte(line))
		sum := h.Sum64()
		if _, ok := seen[sum]; ok {
			continue
		}
		seen[sum] = struct{}{}
		fresh = append(fresh, line)
	}
	return strings.Join(fresh, "\n")
}
