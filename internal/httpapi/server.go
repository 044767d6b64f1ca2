package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"gemini_pool/internal/batch"
	"gemini_pool/internal/config"
	"gemini_pool/internal/logbus"
	"gemini_pool/internal/model"
	"gemini_pool/internal/notify"
	"gemini_pool/internal/pool"
	"gemini_pool/internal/refresh"
	"gemini_pool/internal/store/sqlite"
	"gemini_pool/internal/upstream"
	"gemini_pool/internal/ws"
)

const refreshRequestTimeout = 5 * time.Minute

type Options struct {
	Cfg      config.Config
	Bus      *logbus.Bus
	Store    *sqlite.Store
	Pool     *pool.Pool
	Upstream *upstream.Client
	Refresh  *refresh.Pipeline
	Batch    *batch.Orchestrator
	Notifier notify.Notifier
}

type Server struct {
	cfg      config.Config
	bus      *logbus.Bus
	store    *sqlite.Store
	pool     *pool.Pool
	upstream *upstream.Client
	refresh  *refresh.Pipeline
	batch    *batch.Orchestrator
	notif    notify.Notifier
	ws       *ws.Handler
}

func New(opts Options) *Server {
	return &Server{
		cfg:      opts.Cfg,
		bus:      opts.Bus,
		store:    opts.Store,
		pool:     opts.Pool,
		upstream: opts.Upstream,
		refresh:  opts.Refresh,
		batch:    opts.Batch,
		notif:    opts.Notifier,
		ws:       ws.NewHandler(opts.Bus, opts.Cfg.Server.Cors.AllowOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/ws", s.ws)

	api := http.NewServeMux()
	api.HandleFunc("/api/v1/accounts", s.handleAccounts)
	api.HandleFunc("/api/v1/accounts/toggle", s.handleAccountToggle)
	api.HandleFunc("/api/v1/accounts/credentials", s.handleAccountCredentials)
	api.HandleFunc("/api/v1/accounts/quota", s.handleAccountQuota)
	api.HandleFunc("/api/v1/accounts/test", s.handleAccountTest)
	api.HandleFunc("/api/v1/accounts/refresh", s.handleAccountRefresh)
	api.HandleFunc("/api/v1/accounts/select", s.handleAccountSelect)
	api.HandleFunc("/api/v1/accounts/outcome", s.handleAccountOutcome)
	api.HandleFunc("/api/v1/refresh/jobs", s.handleRefreshJobs)
	api.HandleFunc("/api/v1/batch/refresh", s.handleBatchRefresh)
	api.HandleFunc("/api/v1/batch/test", s.handleBatchTest)
	api.HandleFunc("/api/v1/batch/register", s.handleBatchRegister)
	api.HandleFunc("/api/v1/batch/state", s.handleBatchState)
	api.HandleFunc("/api/v1/batch/stop", s.handleBatchStop)
	api.HandleFunc("/api/v1/settings/email", s.handleEmailSettings)
	api.HandleFunc("/api/v1/settings/email/test", s.handleEmailTest)
	api.HandleFunc("/api/v1/settings/refresh", s.handleRefreshSettings)

	mux.Handle("/api/", corsMiddleware(s.cfg.Server.Cors, api))
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"data": s.pool.List()})
	case http.MethodPost:
		type accountCreatePayload struct {
			Csesidx      string `json:"csesidx"`
			SecureCSes   string `json:"secureCSes,omitempty"`
			HostCOses    string `json:"hostCOses,omitempty"`
			TeamID       string `json:"teamId,omitempty"`
			UserAgent    string `json:"userAgent,omitempty"`
			TempmailName string `json:"tempmailName,omitempty"`
			TempmailURL  string `json:"tempmailUrl,omitempty"`
		}

		var body accountCreatePayload
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if strings.TrimSpace(body.Csesidx) == "" && strings.TrimSpace(body.TempmailName) == "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "csesidx or tempmailName is required"})
			return
		}

		acc, err := s.pool.Create(r.Context(), model.Account{
			Csesidx:      strings.TrimSpace(body.Csesidx),
			SecureCSes:   strings.TrimSpace(body.SecureCSes),
			HostCOses:    strings.TrimSpace(body.HostCOses),
			TeamID:       strings.TrimSpace(body.TeamID),
			UserAgent:    strings.TrimSpace(body.UserAgent),
			TempmailName: strings.TrimSpace(body.TempmailName),
			TempmailURL:  strings.TrimSpace(body.TempmailURL),
		})
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, pool.ErrDuplicateAccount) {
				status = http.StatusConflict
			}
			writeJSON(w, status, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": acc})
	case http.MethodDelete:
		id, err := parseID(r.URL.Query().Get("id"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if err := s.pool.Delete(r.Context(), id); err != nil {
			writeJSON(w, statusForPoolErr(err), map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type accountIDPayload struct {
	ID int64 `json:"id"`
}

func (s *Server) handleAccountToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body accountIDPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	acc, err := s.pool.Toggle(r.Context(), body.ID)
	if err != nil {
		writeJSON(w, statusForPoolErr(err), map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": acc})
}

func (s *Server) handleAccountCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type credentialsPayload struct {
		ID         int64  `json:"id"`
		SecureCSes string `json:"secureCSes"`
		HostCOses  string `json:"hostCOses,omitempty"`
		Csesidx    string `json:"csesidx"`
		TeamID     string `json:"teamId,omitempty"`
	}
	var body credentialsPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	acc, err := s.pool.SetCredentials(r.Context(), body.ID, model.Credentials{
		SecureCSes: strings.TrimSpace(body.SecureCSes),
		HostCOses:  strings.TrimSpace(body.HostCOses),
		Csesidx:    strings.TrimSpace(body.Csesidx),
		TeamID:     strings.TrimSpace(body.TeamID),
	})
	if err != nil {
		writeJSON(w, statusForPoolErr(err), map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": acc})
}

func (s *Server) handleAccountQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := parseID(r.URL.Query().Get("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	acc, err := s.pool.Get(id)
	if err != nil {
		writeJSON(w, statusForPoolErr(err), map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
		"id":              acc.ID,
		"cookieExpired":   acc.CookieExpired,
		"cooldownUntilMs": acc.CooldownUntilMs,
		"cooldownReason":  acc.CooldownReason,
		"quota":           acc.Quota,
	}})
}

func (s *Server) handleAccountTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body accountIDPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	acc, err := s.pool.Get(body.ID)
	if err != nil {
		writeJSON(w, statusForPoolErr(err), map[string]any{"error": err.Error()})
		return
	}

	outcome, testErr := s.upstream.TestAccount(r.Context(), acc)
	if outcome.Status > 0 {
		if err := s.pool.ReportOutcome(r.Context(), acc.ID, model.CapabilityText, outcome.Status, outcome.RetryAfter, outcome.Message); err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
	}

	data := map[string]any{
		"id":     acc.ID,
		"ok":     testErr == nil,
		"status": outcome.Status,
	}
	if testErr != nil {
		data["error"] = testErr.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": data})
}

func (s *Server) handleAccountRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body accountIDPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), refreshRequestTimeout)
	defer cancel()

	acc, err := s.refresh.Refresh(ctx, body.ID)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, pool.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, refresh.ErrRefreshInProgress):
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": acc})
}

func (s *Server) handleAccountSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	capability := model.CapabilityText
	if v := strings.TrimSpace(r.URL.Query().Get("capability")); v != "" {
		capability = model.Capability(v)
		if !capability.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown capability " + v})
			return
		}
	}
	acc, err := s.pool.SelectForRequest(capability)
	if err != nil {
		if errors.Is(err, pool.ErrNoEligibleAccount) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": acc})
}

func (s *Server) handleAccountOutcome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type outcomePayload struct {
		AccountID    int64  `json:"accountId"`
		Capability   string `json:"capability,omitempty"`
		Status       int    `json:"status"`
		RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
		Message      string `json:"message,omitempty"`
	}
	var body outcomePayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if body.Status <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "status is required"})
		return
	}
	capability := model.CapabilityText
	if v := strings.TrimSpace(body.Capability); v != "" {
		capability = model.Capability(v)
		if !capability.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown capability " + v})
			return
		}
	}
	if err := s.pool.ReportOutcome(r.Context(), body.AccountID, capability, body.Status, time.Duration(body.RetryAfterMs)*time.Millisecond, body.Message); err != nil {
		writeJSON(w, statusForPoolErr(err), map[string]any{"error": err.Error()})
		return
	}
	acc, err := s.pool.Get(body.AccountID)
	if err != nil {
		writeJSON(w, statusForPoolErr(err), map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": acc})
}

func (s *Server) handleRefreshJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.refresh.Jobs()})
}

type batchStartPayload struct {
	IDs []int64 `json:"ids,omitempty"`
}

func (s *Server) handleBatchRefresh(w http.ResponseWriter, r *http.Request) {
	s.startBatch(w, r, batch.OperationRefresh)
}

func (s *Server) handleBatchTest(w http.ResponseWriter, r *http.Request) {
	s.startBatch(w, r, batch.OperationTest)
}

func (s *Server) handleBatchRegister(w http.ResponseWriter, r *http.Request) {
	s.startBatch(w, r, batch.OperationRegister)
}

func (s *Server) startBatch(w http.ResponseWriter, r *http.Request, op batch.Operation) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body batchStartPayload
	if err := readJSON(r, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	opID, err := s.batch.Start(op, body.IDs)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, batch.ErrBatchRunning) {
			status = http.StatusConflict
		}
		writeJSON(w, status, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"opId": opID}})
}

func (s *Server) handleBatchState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": s.batch.State()})
}

func (s *Server) handleBatchStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.batch.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type emailSettingsPayload struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	Email    *string `json:"email,omitempty"`
	AuthCode *string `json:"authCode,omitempty"`
}

const maskedAuthCode = "******"

func (s *Server) handleEmailSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		val, ok, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if !ok {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"enabled":  false,
					"email":    "",
					"authCode": "",
				},
			})
			return
		}
		if val.AuthCode != "" {
			val.AuthCode = maskedAuthCode
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": val})
	case http.MethodPost:
		var body emailSettingsPayload
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}

		current, _, err := s.store.GetEmailSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}

		next := current
		if body.Enabled != nil {
			next.Enabled = *body.Enabled
		}
		if body.Email != nil {
			next.Email = strings.TrimSpace(*body.Email)
		}
		if body.AuthCode != nil {
			ac := strings.TrimSpace(*body.AuthCode)
			if ac != maskedAuthCode {
				next.AuthCode = ac
			}
		}

		saved, err := s.store.UpsertEmailSettings(r.Context(), next)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if saved.AuthCode != "" {
			saved.AuthCode = maskedAuthCode
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": saved})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEmailTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	type emailTestPayload struct {
		Email    string `json:"email,omitempty"`
		AuthCode string `json:"authCode,omitempty"`
	}
	var body emailTestPayload
	if err := readJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	val, _, err := s.store.GetEmailSettings(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if strings.TrimSpace(body.Email) != "" {
		val.Email = strings.TrimSpace(body.Email)
	}
	if strings.TrimSpace(body.AuthCode) != "" {
		val.AuthCode = strings.TrimSpace(body.AuthCode)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	if err := notify.SendTestEmail(ctx, val); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type refreshSettingsPayload struct {
	AutoRefresh     *bool `json:"autoRefresh,omitempty"`
	ThrottleSeconds *int  `json:"throttleSeconds,omitempty"`
}

func (s *Server) handleRefreshSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		val, ok, err := s.store.GetRefreshSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if !ok {
			val = model.RefreshSettings{
				AutoRefresh:     false,
				ThrottleSeconds: int(s.cfg.Batch.Throttle() / time.Second),
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"data": val})
	case http.MethodPost:
		var body refreshSettingsPayload
		if err := readJSON(r, &body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}

		current, ok, err := s.store.GetRefreshSettings(r.Context())
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}
		if !ok {
			current.ThrottleSeconds = int(s.cfg.Batch.Throttle() / time.Second)
		}

		next := current
		if body.AutoRefresh != nil {
			next.AutoRefresh = *body.AutoRefresh
		}
		if body.ThrottleSeconds != nil {
			next.ThrottleSeconds = *body.ThrottleSeconds
		}
		if next.ThrottleSeconds < 0 {
			next.ThrottleSeconds = 0
		}
		if next.ThrottleSeconds > 600 {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "throttleSeconds is too large"})
			return
		}

		saved, err := s.store.UpsertRefreshSettings(r.Context(), next)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
			return
		}

		if s.batch != nil {
			s.batch.SetThrottle(time.Duration(saved.ThrottleSeconds) * time.Second)
		}

		writeJSON(w, http.StatusOK, map[string]any{"data": saved})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func statusForPoolErr(err error) int {
	if errors.Is(err, pool.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
