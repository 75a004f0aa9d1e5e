package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"disputeflow/artifact"
	"disputeflow/auth"
	"disputeflow/dispute"
	"disputeflow/entity"
	"disputeflow/escalation"
	"disputeflow/examiner"
	"disputeflow/fault"
	"disputeflow/ledger"
	"disputeflow/reinsertion"
	"disputeflow/tier2"
	"disputeflow/violation"
)

type disputeService interface {
	CreateDispute(ctx context.Context, params dispute.CreateParams) (dispute.Aggregate, error)
	Get(ctx context.Context, disputeID string) (dispute.Aggregate, error)
	StartTracking(ctx context.Context, disputeID string, mailedDate time.Time, trackingRef string) (dispute.Dispute, error)
	LogResponse(ctx context.Context, params dispute.LogResponseParams) (violation.Record, error)
	SubmitFindings(ctx context.Context, disputeID, violationID string, findings violation.Findings) (examiner.Result, error)
	MarkTier2NoticeSent(ctx context.Context, disputeID string) (time.Time, error)
	LogTier2Response(ctx context.Context, disputeID string, final tier2.FinalResponse, responseDate time.Time) (dispute.Tier2Result, error)
	RequestEscalation(ctx context.Context, disputeID string, target escalation.State, reason string) (dispute.Dispute, error)
	Withdraw(ctx context.Context, disputeID, reason string) (dispute.Dispute, error)
	GetState(ctx context.Context, disputeID string) (dispute.StateView, error)
	GetTimeline(ctx context.Context, disputeID string) (ledger.Timeline, error)
	Audit(ctx context.Context, disputeID string) (dispute.AuditReport, error)
	RequestArtifact(ctx context.Context, disputeID string, t artifact.Type) (artifact.Document, error)
	RecordContradiction(ctx context.Context, o reinsertion.Observation) error
	ReportTradelineFact(ctx context.Context, f reinsertion.Fact) ([]string, error)
}

type accountService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (auth.Principal, error)
}

type entityLister interface {
	List(ctx context.Context, kind entity.Type, limit int) ([]entity.Profile, error)
}

// Server exposes the dispute operations over HTTP.
type Server struct {
	disputes disputeService
	accounts accountService
	entities entityLister
	logger   logrus.FieldLogger
	validate *validator.Validate
}

func NewServer(disputes disputeService, accounts accountService, entities entityLister, logger logrus.FieldLogger) *Server {
	return &Server{
		disputes: disputes,
		accounts: accounts,
		entities: entities,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.accounts))

			r.Get("/entities", s.handleEntities)
			r.Post("/contradictions", s.handleContradiction)
			r.Post("/tradeline-facts", s.handleTradelineFact)

			r.Post("/disputes", s.handleCreateDispute)
			r.Route("/disputes/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetState)
				r.Delete("/", s.handleWithdraw)
				r.Get("/timeline", s.handleTimeline)
				r.Get("/audit", s.handleAudit)
				r.Post("/tracking", s.handleStartTracking)
				r.Post("/responses", s.handleLogResponse)
				r.Post("/findings", s.handleFindings)
				r.Post("/tier2/notice", s.handleTier2Notice)
				r.Post("/tier2/response", s.handleTier2Response)
				r.Post("/escalations", s.handleEscalation)
				r.Post("/artifacts/{type}", s.handleArtifact)
			})
		})
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"request_id": middleware.GetReqID(r.Context()),
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
		}).Debug("http request")
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	req.Role = auth.RoleConsumer
	user, err := s.accounts.Register(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.accounts.Login(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.Format(time.RFC3339),
		User:      newUserResponse(res.User),
	})
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	var kind entity.Type
	if raw := r.URL.Query().Get("type"); raw != "" {
		t, ok := entity.ParseType(raw)
		if !ok {
			s.writeError(w, fault.New(fault.InvalidInput, "unknown entity type %q", raw))
			return
		}
		kind = t
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	profiles, err := s.entities.List(r.Context(), kind, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": profiles})
}

func (s *Server) handleCreateDispute(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.FromContext(r.Context())
	var req createDisputeRequest
	if !s.decode(w, r, &req) {
		return
	}
	params := dispute.CreateParams{
		OwnerID:    p.UserID,
		EntityType: req.EntityType,
		EntityName: req.EntityName,
		Source:     req.Source,
		CycleID:    req.CycleID,
	}
	for _, v := range req.Violations {
		params.Violations = append(params.Violations, violation.Detected{
			ViolationID:         v.ViolationID,
			ViolationType:       v.ViolationType,
			Severity:            violation.Severity(v.Severity),
			CreditorName:        v.CreditorName,
			AccountNumberMasked: v.AccountNumberMasked,
		})
	}
	agg, err := s.disputes.CreateDispute(r.Context(), params)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAggregateResponse(agg))
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, false)
	if !ok {
		return
	}
	view, err := s.disputes.GetState(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, false)
	if !ok {
		return
	}
	tl, err := s.disputes.GetTimeline(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dispute_id": id, "entries": tl.Entries()})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, false)
	if !ok {
		return
	}
	rep, err := s.disputes.Audit(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleStartTracking(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	var req trackingRequest
	if !s.decode(w, r, &req) {
		return
	}
	mailed, err := parseDate("mailed_date", req.MailedDate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	d, err := s.disputes.StartTracking(r.Context(), id, mailed, req.TrackingRef)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeResponse(d))
}

func (s *Server) handleLogResponse(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	var req responseRequest
	if !s.decode(w, r, &req) {
		return
	}
	rt, valid := violation.ParseResponseType(req.Response)
	if !valid {
		s.writeError(w, fault.New(fault.InvalidInput, "unknown response type %q", req.Response))
		return
	}
	day, err := parseDate("response_date", req.ResponseDate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.disputes.LogResponse(r.Context(), dispute.LogResponseParams{
		DisputeID:    id,
		ViolationID:  req.ViolationID,
		Response:     rt,
		ResponseDate: day,
		Findings:     req.Findings,
		EvidenceHash: req.EvidenceHash,
		Supersede:    req.Supersede,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.disputes.GetState(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"violation": newViolationResponse(rec),
		"state":     view,
	})
}

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	var req findingsRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.disputes.SubmitFindings(r.Context(), id, req.ViolationID, req.Findings)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newExaminerResponse(res))
}

func (s *Server) handleTier2Notice(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	sent, err := s.disputes.MarkTier2NoticeSent(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.disputes.GetState(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"notice_sent_at": sent.Format(time.RFC3339),
		"state":          view,
	})
}

func (s *Server) handleTier2Response(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	var req tier2ResponseRequest
	if !s.decode(w, r, &req) {
		return
	}
	final, valid := tier2.ParseFinalResponse(req.Response)
	if !valid {
		s.writeError(w, fault.New(fault.InvalidInput, "unknown final response %q", req.Response))
		return
	}
	day, err := parseDate("response_date", req.ResponseDate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.disputes.LogTier2Response(r.Context(), id, final, day)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEscalation(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	var req escalationRequest
	if !s.decode(w, r, &req) {
		return
	}
	target, valid := escalation.ParseState(req.Target)
	if !valid {
		s.writeError(w, fault.New(fault.InvalidInput, "unknown target state %q", req.Target))
		return
	}
	d, err := s.disputes.RequestEscalation(r.Context(), id, target, req.Reason)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeResponse(d))
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, true)
	if !ok {
		return
	}
	d, err := s.disputes.Withdraw(r.Context(), id, r.URL.Query().Get("reason"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeResponse(d))
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authorize(w, r, false)
	if !ok {
		return
	}
	raw := chi.URLParam(r, "type")
	t, valid := artifact.ParseType(raw)
	if !valid {
		s.writeError(w, fault.New(fault.InvalidInput, "unknown artifact type %q", raw))
		return
	}
	doc, err := s.disputes.RequestArtifact(r.Context(), id, t)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("X-Artifact-Type", string(doc.Type))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Body)
}

func (s *Server) handleContradiction(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}
	var req contradictionRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.disputes.RecordContradiction(r.Context(), reinsertion.Observation{
		CycleID:       req.CycleID,
		Tradeline:     violation.Tradeline{Creditor: req.CreditorName, Account: req.AccountNumberMasked},
		Contradiction: req.Contradiction,
		EntityName:    req.EntityName,
		EntityType:    entity.Type(req.EntityType),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTradelineFact(w http.ResponseWriter, r *http.Request) {
	if !s.requireOperator(w, r) {
		return
	}
	var req tradelineFactRequest
	if !s.decode(w, r, &req) {
		return
	}
	observed := time.Now().UTC()
	if req.ObservedAt != "" {
		t, err := time.Parse(time.RFC3339, req.ObservedAt)
		if err != nil {
			s.writeError(w, fault.New(fault.InvalidInput, "observed_at must be RFC 3339"))
			return
		}
		observed = t
	}
	reopened, err := s.disputes.ReportTradelineFact(r.Context(), reinsertion.Fact{
		Tradeline:  violation.Tradeline{Creditor: req.CreditorName, Account: req.AccountNumberMasked},
		EntityName: req.EntityName,
		ObservedAt: observed,
		Certified:  req.Certified,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	if reopened == nil {
		reopened = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"reopened": reopened})
}

// authorize loads the dispute named in the path and checks the caller may
// read it, or act on it when write is set. A dispute the caller may not read
// is reported as unknown.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, write bool) (string, bool) {
	id := chi.URLParam(r, "id")
	p, ok := auth.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Code: "UNAUTHENTICATED", Error: "missing principal"})
		return "", false
	}
	agg, err := s.disputes.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return "", false
	}
	owner := agg.Dispute.OwnerID
	if !p.CanRead(owner) {
		s.writeError(w, fault.New(fault.UnknownDispute, "dispute %s not found", id))
		return "", false
	}
	if write && !p.CanWrite(owner) {
		writeJSON(w, http.StatusForbidden, errorResponse{Code: "FORBIDDEN", Error: "only the owner can act on a dispute"})
		return "", false
	}
	return id, true
}

func (s *Server) requireOperator(w http.ResponseWriter, r *http.Request) bool {
	p, _ := auth.FromContext(r.Context())
	if p.Role != auth.RoleOperator {
		writeJSON(w, http.StatusForbidden, errorResponse{Code: "FORBIDDEN", Error: "operator role required"})
		return false
	}
	return true
}

// decode reads a single JSON value into dst and validates it. It writes the
// error response itself and reports whether the handler may continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: string(fault.InvalidInput), Error: "invalid JSON body: " + err.Error()})
		return false
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Code: string(fault.InvalidInput), Error: "request body must contain a single JSON value"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		resp := errorResponse{Code: string(fault.InvalidInput), Error: "validation failed"}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			resp.Fields = make(map[string]string, len(verrs))
			for _, fe := range verrs {
				resp.Fields[fe.Field()] = fe.Tag()
			}
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	msg := fault.ReasonOf(err)
	if status == http.StatusInternalServerError {
		s.logger.WithError(err).Error("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Code: code, Error: msg})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict, "DUPLICATE_EMAIL"
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS"
	case errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest, string(fault.InvalidInput)
	}
	code := fault.CodeOf(err)
	switch code {
	case fault.UnknownDispute, fault.UnknownViolation:
		return http.StatusNotFound, string(code)
	case fault.DisputeLocked, fault.IllegalTransition, fault.AlreadySent, fault.AlreadyAdjudicated,
		fault.NoticeNotSent, fault.DuplicateResponse:
		return http.StatusConflict, string(code)
	case fault.InvalidInput, fault.InvalidAnchorDate:
		return http.StatusBadRequest, string(code)
	case fault.ArtifactUnavailable:
		return http.StatusUnprocessableEntity, string(code)
	}
	return http.StatusInternalServerError, "INTERNAL"
}

func parseDate(field, raw string) (time.Time, error) {
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fault.New(fault.InvalidInput, "%s must be YYYY-MM-DD", field)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
