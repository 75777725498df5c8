package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tunaaoguzhann/sign-access/audit"
	"github.com/tunaaoguzhann/sign-access/core"
	"github.com/tunaaoguzhann/sign-access/logging"
	"github.com/tunaaoguzhann/sign-access/metrics"
)

const (
	endpointSignatureView = "signature_view"
	endpointSignature     = "signature"

	relatedModel = "signature.request"

	defaultStatsDays   = 30
	defaultEventsLimit = 50
	maxEventsLimit     = 500
)

// pinger reports backend health; nil entries are skipped.
type pinger func(ctx context.Context) error

type server struct {
	manager       *core.Manager
	store         core.Store
	throttle      *core.Throttle
	audit         *audit.Service
	events        audit.Lister
	logger        *slog.Logger
	now           func() time.Time
	jwtSecret     string
	publicBaseURL string
	retentionDays int
	trustProxy    bool
	health        map[string]pinger
}

func (s *server) clientIP(r *http.Request) string {
	return clientIP(r, s.trustProxy)
}

func (s *server) routes(reg prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware)
	r.Use(requestLogger(s.logger, s.clientIP))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler(reg))

	r.Get("/sign/{token}", s.handleView)
	r.Post("/sign/{token}", s.handleSign)

	r.Group(func(staff chi.Router) {
		staff.Use(jwtAuth(s.jwtSecret))
		staff.Post("/requests", s.handleCreateRequest)
		staff.Get("/security/stats", s.handleStats)
		staff.Post("/security/purge", s.handlePurge)
		staff.Get("/security/events", s.handleEvents)
	})
	return r
}

type createRequest struct {
	ResourceID int64  `json:"resource_id"`
	Type       string `json:"type"`
}

type createResponse struct {
	Token      string         `json:"token"`
	ResourceID int64          `json:"resource_id"`
	Type       core.TokenType `json:"type"`
	ExpiresAt  time.Time      `json:"expires_at"`
	URL        string         `json:"url"`
}

// handleCreateRequest issues a fresh token and re-opens the request slot.
// Posting again for the same resource and type is a resend.
func (s *server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	staffID, _ := r.Context().Value(staffIDKey).(string)

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	t := core.TokenType(req.Type)
	issued, err := s.manager.Issue(r.Context(), req.ResourceID, t)
	switch {
	case errors.Is(err, core.ErrUnknownTokenType), errors.Is(err, core.ErrInvalidResource), errors.Is(err, core.ErrInvalidTTL):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("issue signature token", "resource_id", req.ResourceID, "type", t, "err", err)
		writeError(w, http.StatusInternalServerError, core.MessageGenericError)
		return
	}

	now := s.now()
	if err := s.store.Save(r.Context(), core.NewSignatureRequest(issued, now), issued.ExpiresAt.Sub(now)); err != nil {
		s.logger.Error("save signature request", "resource_id", req.ResourceID, "type", t, "err", err)
		writeError(w, http.StatusInternalServerError, core.MessageGenericError)
		return
	}
	s.logger.Info("signature request issued",
		"resource_id", issued.ResourceID,
		"type", issued.Type,
		"token", logging.MaskToken(issued.Token),
		"staff_id", staffID,
		"expires_at", issued.ExpiresAt,
	)

	writeJSON(w, http.StatusCreated, createResponse{
		Token:      issued.Token,
		ResourceID: issued.ResourceID,
		Type:       issued.Type,
		ExpiresAt:  issued.ExpiresAt,
		URL:        s.signURL(issued.Token),
	})
}

func (s *server) signURL(token string) string {
	return strings.TrimRight(s.publicBaseURL, "/") + "/sign/" + url.PathEscape(token)
}

type statusResponse struct {
	Status     string         `json:"status"`
	Message    string         `json:"message,omitempty"`
	ResourceID int64          `json:"resource_id,omitempty"`
	Type       core.TokenType `json:"type,omitempty"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

func (s *server) handleView(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, endpointSignatureView) {
		return
	}
	check, req, result, err := s.classify(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, core.MessageGenericError)
		return
	}
	if result != core.ResultValid {
		writeResult(w, result)
		return
	}
	expires := req.ExpiresAt
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     string(result),
		ResourceID: check.ResourceID,
		Type:       check.Type,
		ExpiresAt:  &expires,
	})
}

type signRequest struct {
	// Decision is "sign" (default) or "decline"; decline is only offered on approvals.
	Decision   string `json:"decision"`
	SignerName string `json:"signer_name"`
}

func (s *server) handleSign(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r, endpointSignature) {
		return
	}

	var body signRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.validationFailed(r, "malformed signature body")
		writeError(w, http.StatusBadRequest, core.MessageInvalid)
		return
	}

	check, _, result, err := s.classify(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, core.MessageGenericError)
		return
	}
	if result != core.ResultValid {
		writeResult(w, result)
		return
	}

	to, ok := targetStatus(check.Type, body.Decision)
	if !ok {
		s.validationFailed(r, fmt.Sprintf("decision %q not allowed for %s", body.Decision, check.Type))
		writeError(w, http.StatusBadRequest, core.MessageInvalid)
		return
	}

	err = s.store.Complete(r.Context(), check.ResourceID, check.Type, check.Presented, to, s.now())
	switch {
	case errors.Is(err, core.ErrUsed):
		// lost a race with a concurrent submission
		s.audit.Record(r.Context(), core.EventFor(check, core.ResultUsed))
		writeResult(w, core.ResultUsed)
		return
	case errors.Is(err, core.ErrNotFound):
		s.audit.Record(r.Context(), core.EventFor(check, core.ResultInvalid))
		writeResult(w, core.ResultInvalid)
		return
	case err != nil:
		s.logger.Error("complete signature request",
			"resource_id", check.ResourceID, "type", check.Type,
			"token", logging.MaskToken(check.Presented), "err", err)
		event := core.EventFor(check, core.ResultInvalid)
		event.Type = audit.EventSignatureFailed
		event.ErrorMessage = "could not record signature"
		s.audit.Record(r.Context(), event)
		writeError(w, http.StatusInternalServerError, core.MessageGenericError)
		return
	}

	event := core.EventFor(check, core.ResultValid)
	event.AdditionalInfo = signInfo(to, body.SignerName)
	s.audit.Record(r.Context(), event)

	writeJSON(w, http.StatusOK, statusResponse{
		Status:     string(to),
		ResourceID: check.ResourceID,
		Type:       check.Type,
	})
}

func targetStatus(t core.TokenType, decision string) (core.RequestStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(decision)) {
	case "", "sign":
		return core.StatusSigned, true
	case "decline":
		return core.StatusDeclined, t == core.TokenApproval
	}
	return "", false
}

func signInfo(to core.RequestStatus, signer string) string {
	info, _ := json.Marshal(map[string]string{
		"decision": string(to),
		"signer":   signer,
	})
	return string(info)
}

// admit runs the throttle and writes the 429 itself when the caller is over.
func (s *server) admit(w http.ResponseWriter, r *http.Request, endpoint string) bool {
	d := s.throttle.CheckAndRecord(r.Context(), s.clientIP(r), endpoint)
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	if d.Allowed {
		return true
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(s.throttle.Window().Seconds())))
	if d.Degraded {
		writeError(w, http.StatusServiceUnavailable, core.MessageGenericError)
		return false
	}
	writeError(w, http.StatusTooManyRequests, core.MessageTooManyAttempts)
	return false
}

// classify resolves the request slot a token points at and classifies the
// token against it. Rejections other than tampering are audited here; the
// manager audits tampering itself.
func (s *server) classify(r *http.Request) (core.Check, *core.SignatureRequest, core.Result, error) {
	token, err := url.PathUnescape(chi.URLParam(r, "token"))
	if err != nil {
		token = chi.URLParam(r, "token")
	}

	check := core.Check{
		Presented:    token,
		ResourceID:   -1,
		ClientIP:     s.clientIP(r),
		UserAgent:    r.UserAgent(),
		RelatedModel: relatedModel,
	}

	var req *core.SignatureRequest
	if id, t, ok := core.PeekTarget(token); ok {
		check.ResourceID, check.Type = id, t
		req, err = s.store.Get(r.Context(), id, t)
		switch {
		case errors.Is(err, core.ErrNotFound):
			req = nil
		case err != nil:
			s.logger.Error("load signature request",
				"resource_id", id, "type", t, "token", logging.MaskToken(token), "err", err)
			return check, nil, core.ResultInvalid, err
		default:
			check.Stored = req.Stored()
		}
	}

	result, err := s.manager.Classify(r.Context(), check)
	if err != nil {
		return check, req, result, err
	}
	if result != core.ResultValid && result != core.ResultTampered {
		s.audit.Record(r.Context(), core.EventFor(check, result))
	}
	return check, req, result, nil
}

func (s *server) validationFailed(r *http.Request, msg string) {
	s.audit.Record(r.Context(), audit.Event{
		Type:         audit.EventValidationFailed,
		IPAddress:    s.clientIP(r),
		UserAgent:    r.UserAgent(),
		RelatedModel: relatedModel,
		ErrorMessage: msg,
	})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	days, ok := intQuery(w, r, "days", defaultStatsDays)
	if !ok {
		return
	}
	summary, err := s.audit.Summarize(r.Context(), days)
	if errors.Is(err, audit.ErrInvalidDays) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("summarize audit events", "days", days, "err", err)
		writeError(w, http.StatusInternalServerError, core.MessageGenericError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *server) handlePurge(w http.ResponseWriter, r *http.Request) {
	days, ok := intQuery(w, r, "days", s.retentionDays)
	if !ok {
		return
	}
	removed, err := s.audit.PurgeOlderThan(r.Context(), days)
	if errors.Is(err, audit.ErrInvalidDays) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("purge audit events", "days", days, "err", err)
		writeError(w, http.StatusInternalServerError, core.MessageGenericError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed, "retention_days": days})
}

func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotImplemented, "event listing is not available")
		return
	}
	limit, ok := intQuery(w, r, "limit", defaultEventsLimit)
	if !ok {
		return
	}
	if limit <= 0 || limit > maxEventsLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxEventsLimit))
		return
	}
	eventType := audit.EventType(r.URL.Query().Get("type"))
	if eventType != "" && !eventType.Valid() {
		writeError(w, http.StatusBadRequest, "unknown event type")
		return
	}
	events, err := s.events.List(r.Context(), eventType, limit)
	if err != nil {
		s.logger.Error("list audit events", "err", err)
		writeError(w, http.StatusInternalServerError, core.MessageGenericError)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{}
	for name, ping := range s.health {
		if ping == nil {
			continue
		}
		if err := ping(ctx); err != nil {
			checks[name] = "unavailable"
			if name == "database" {
				status = http.StatusServiceUnavailable
			}
			continue
		}
		checks[name] = "ok"
	}
	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{"status": overall, "checks": checks})
}

func intQuery(w http.ResponseWriter, r *http.Request, key string, def int) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, key+" must be an integer")
		return 0, false
	}
	return n, true
}

func resultStatus(r core.Result) int {
	switch r {
	case core.ResultValid:
		return http.StatusOK
	case core.ResultUsed:
		return http.StatusConflict
	case core.ResultExpired:
		return http.StatusGone
	case core.ResultTampered:
		return http.StatusForbidden
	default:
		return http.StatusNotFound
	}
}

func writeResult(w http.ResponseWriter, r core.Result) {
	writeJSON(w, resultStatus(r), statusResponse{Status: string(r), Message: r.PublicMessage()})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
