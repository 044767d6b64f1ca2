// 本地联调用的假上游：模拟 Gemini 的 JWT 签发接口和临时邮箱 API。
// 通过 csesidx 前缀控制行为：exp- 返回 401，rl- 返回 429（带 Retry-After）。
package main

import (
	crand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/mock/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	mux.HandleFunc("/auth/jwt", handleJWT)

	box := &mockMailbox{}
	mux.HandleFunc("/api/mails", box.handleList)
	mux.HandleFunc("/mock/mails", box.handleInject)

	log.Printf("mock upstream listening on %s", *addr)
	server := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Fatal(server.ListenAndServe())
}

func handleJWT(w http.ResponseWriter, r *http.Request) {
	csesidx := strings.TrimSpace(r.URL.Query().Get("csesidx"))
	if csesidx == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "csesidx is required"})
		return
	}
	if c, err := r.Cookie("__Secure-C_SES"); err != nil || c.Value == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "missing session cookie"})
		return
	}

	switch {
	case strings.HasPrefix(csesidx, "exp-"):
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "session expired"})
	case strings.HasPrefix(csesidx, "rl-"):
		w.Header().Set("Retry-After", "120")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "quota exceeded"})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"jwt": fakeJWT()})
	}
}

// mockMailbox 内存信箱。往 /mock/mails POST 一封带验证码的邮件，
// 刷新流水线就能从 /api/mails 轮询到它。
type mockMailbox struct {
	mu     sync.Mutex
	nextID int64
	mails  []mockMail
}

type mockMail struct {
	ID      int64  `json:"id"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

func (b *mockMailbox) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b.mu.Lock()
	out := append([]mockMail(nil), b.mails...)
	b.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (b *mockMailbox) handleInject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Subject string `json:"subject"`
		Code    string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if body.Code == "" {
		body.Code = "654321"
	}
	if body.Subject == "" {
		body.Subject = "登录验证"
	}

	b.mu.Lock()
	b.nextID++
	mail := mockMail{
		ID:      b.nextID,
		Subject: body.Subject,
		Text:    "您的验证码是 " + body.Code + "，10 分钟内有效。",
	}
	b.mails = append(b.mails, mail)
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, mail)
}

func fakeJWT() string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(
		`{"iss":"mock","exp":` + strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10) + `}`))
	return header + "." + payload + "." + randString(16)
}

func randString(n int) string {
	buf := make([]byte, n)
	_, _ = crand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)[:n]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
