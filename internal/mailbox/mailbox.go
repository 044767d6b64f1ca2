package mailbox

import (
	"context"
	"errors"
)

var ErrUnreachable = errors.New("mailbox unreachable")

type Message struct {
	ID      int64  `json:"id"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// Client 临时邮箱的读端。sinceID 之前（含）的邮件不再返回，
// 调用方拿最大 ID 作为下一次的水位线。
type Client interface {
	FetchNewMessages(ctx context.Context, sinceID int64) ([]Message, error)
}
