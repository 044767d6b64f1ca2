package notify

import "context"

type BatchCompletedEvent struct {
	At        int64  `json:"atMs"`
	OpID      string `json:"opId"`
	Operation string `json:"operation"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
	Skipped   int    `json:"skipped"`
}

type RefreshFailedEvent struct {
	At           int64  `json:"atMs"`
	AccountID    int64  `json:"accountId"`
	TempmailName string `json:"tempmailName,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

type Notifier interface {
	NotifyBatchCompleted(ctx context.Context, evt BatchCompletedEvent)
	NotifyRefreshFailed(ctx context.Context, evt RefreshFailedEvent)
}
