package logbus

import (
	"sync"
	"time"
)

type Message struct {
	Type string `json:"type"`
	Time int64  `json:"time"`
	Data any    `json:"data"`
}

type LogData struct {
	Level  string         `json:"level"`
	Msg    string         `json:"msg"`
	Fields map[string]any `json:"fields,omitempty"`
}

// ProgressData 长操作（Cookie 刷新、批量处理）的进度事件。
type ProgressData struct {
	OpID      string         `json:"opId"`
	Kind      string         `json:"kind"`
	Step      string         `json:"step"`
	Phase     string         `json:"phase"`
	Message   string         `json:"message,omitempty"`
	AccountID int64          `json:"accountId,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Bus 有界环形缓冲 + 非阻塞扇出。订阅方跟不上时丢消息，不反压。
type Bus struct {
	mu     sync.RWMutex
	buf    []Message
	head   int
	size   int
	subs   map[chan Message]struct{}
	closed bool
}

func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 300
	}
	return &Bus{
		buf:  make([]Message, capacity),
		subs: make(map[chan Message]struct{}),
	}
}

func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
	b.buf = nil
	b.size = 0
}

func (b *Bus) Snapshot() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Message, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.buf[(b.head+i)%len(b.buf)])
	}
	return out
}

func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Message, buffer)
	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if b.subs != nil {
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Bus) Publish(typ string, data any) {
	msg := Message{
		Type: typ,
		Time: time.Now().UnixMilli(),
		Data: data,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.size < len(b.buf) {
		b.buf[(b.head+b.size)%len(b.buf)] = msg
		b.size++
	} else {
		b.buf[b.head] = msg
		b.head = (b.head + 1) % len(b.buf)
	}
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	b.mu.Unlock()
}

func (b *Bus) Log(level, message string, fields map[string]any) {
	b.Publish("log", LogData{Level: level, Msg: message, Fields: fields})
}
