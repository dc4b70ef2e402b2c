package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gian-gg/sabot-sub002/deliverable"
	"github.com/gian-gg/sabot-sub002/escrow"
	"github.com/gian-gg/sabot-sub002/fault"
	"github.com/gian-gg/sabot-sub002/identity"
	"github.com/gian-gg/sabot-sub002/oracle"
	"github.com/gian-gg/sabot-sub002/proof"
)

type ctxKey string

const ctxKeyUserID ctxKey = "user_id"

type escrowService interface {
	Create(ctx context.Context, params escrow.CreateParams) (escrow.Escrow, error)
	Join(ctx context.Context, escrowID, userID string) (escrow.Escrow, error)
	Confirm(ctx context.Context, escrowID, callerID, notes string) (escrow.Escrow, error)
	Dispute(ctx context.Context, params escrow.DisputeParams) (escrow.Escrow, error)
	Cancel(ctx context.Context, escrowID, callerID string) (escrow.Escrow, error)
	Expire(ctx context.Context, escrowID string) (escrow.Escrow, error)
}

type statusService interface {
	GetStatus(ctx context.Context, ref string) (escrow.StatusView, error)
}

type proofService interface {
	Submit(ctx context.Context, params proof.SubmitParams) (proof.Proof, error)
}

type arbiterService interface {
	Propose(ctx context.Context, escrowID, arbiterID, proposerID string) (escrow.Escrow, error)
	Approve(ctx context.Context, escrowID, callerID string) (escrow.Escrow, error)
	Reject(ctx context.Context, escrowID, callerID string) (escrow.Escrow, error)
	Resolve(ctx context.Context, escrowID, callerID string, decision escrow.Decision, notes string) (escrow.Escrow, error)
}

type reviewService interface {
	RecordManualReview(ctx context.Context, params oracle.ManualReviewParams) (oracle.Verification, error)
}

type identityService interface {
	Register(ctx context.Context, req identity.RegisterRequest) (*identity.User, error)
	Login(ctx context.Context, req identity.LoginRequest) (identity.LoginResult, error)
	VerifyToken(token string) (string, error)
}

// Server routes HTTP requests to the domain services.
type Server struct {
	escrowService   escrowService
	statusService   statusService
	proofService    proofService
	arbiterService  arbiterService
	reviewService   reviewService
	identityService identityService
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", s.handleRegister)
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/escrows", s.requireAuth(s.handleEscrows))
	mux.HandleFunc("/api/escrows/", s.requireAuth(s.handleEscrowDetail))
	mux.HandleFunc("/api/proofs", s.requireAuth(s.handleProofs))
	mux.HandleFunc("/api/reviews", s.requireAuth(s.handleReviews))
	return mux
}

// requireAuth resolves the bearer token into a user id on the context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := s.identityService.VerifyToken(token)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKeyUserID, userID)))
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req identity.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.identityService.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponseFrom(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req identity.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.identityService.Login(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user":  userResponseFrom(result.User),
	})
}

type createEscrowRequest struct {
	TransactionType      string                   `json:"transactionType"`
	Deliverables         []deliverableSpecRequest `json:"deliverables"`
	Amount               *float64                 `json:"amount"`
	Currency             *string                  `json:"currency"`
	VerificationRequired bool                     `json:"verificationRequired"`
	ExpiresAt            *time.Time               `json:"expiresAt"`
}

type deliverableSpecRequest struct {
	Type        string   `json:"type"`
	Party       string   `json:"party"`
	Description string   `json:"description"`
	Value       *float64 `json:"value"`
	Currency    *string  `json:"currency"`
	Quantity    *int     `json:"quantity"`
}

func (s *Server) handleEscrows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := escrow.CreateParams{
		InitiatorID:          userID(r),
		TransactionType:      req.TransactionType,
		Amount:               req.Amount,
		Currency:             req.Currency,
		VerificationRequired: req.VerificationRequired,
		ExpiresAt:            req.ExpiresAt,
	}
	for _, d := range req.Deliverables {
		params.Deliverables = append(params.Deliverables, escrow.DeliverableSpec{
			Type:        deliverable.Type(d.Type),
			Party:       deliverable.Party(d.Party),
			Description: d.Description,
			Value:       d.Value,
			Currency:    d.Currency,
			Quantity:    d.Quantity,
		})
	}

	created, err := s.escrowService.Create(r.Context(), params)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, escrowResponseFrom(created))
}

// handleEscrowDetail serves /api/escrows/{ref} and the POST actions below
// it: join, confirm, dispute, cancel, expire, and arbiter/{propose,approve,
// reject,resolve}.
func (s *Server) handleEscrowDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/escrows/"), "/")
	if rest == "" {
		writeJSONError(w, http.StatusBadRequest, "escrow reference required")
		return
	}
	segments := strings.Split(rest, "/")
	ref := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		view, err := s.statusService.GetStatus(r.Context(), ref)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statusResponseFrom(view))
		return
	}

	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	action := segments[1]
	if action == "arbiter" {
		if len(segments) != 3 {
			writeJSONError(w, http.StatusBadRequest, "arbiter action required")
			return
		}
		s.handleArbiterAction(w, r, ref, segments[2])
		return
	}
	if len(segments) != 2 {
		writeJSONError(w, http.StatusBadRequest, "unknown escrow action")
		return
	}

	var e escrow.Escrow
	var err error
	switch action {
	case "join":
		e, err = s.escrowService.Join(r.Context(), ref, userID(r))
	case "confirm":
		var body struct {
			Notes string `json:"notes"`
		}
		decodeOptional(r, &body)
		e, err = s.escrowService.Confirm(r.Context(), ref, userID(r), body.Notes)
	case "dispute":
		var body struct {
			Reason  string `json:"reason"`
			Details string `json:"details"`
		}
		if derr := json.NewDecoder(r.Body).Decode(&body); derr != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		e, err = s.escrowService.Dispute(r.Context(), escrow.DisputeParams{
			EscrowID: ref,
			CallerID: userID(r),
			Reason:   escrow.DisputeReason(body.Reason),
			Details:  body.Details,
		})
	case "cancel":
		e, err = s.escrowService.Cancel(r.Context(), ref, userID(r))
	case "expire":
		e, err = s.escrowService.Expire(r.Context(), ref)
	default:
		writeJSONError(w, http.StatusBadRequest, "unknown escrow action")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowResponseFrom(e))
}

func (s *Server) handleArbiterAction(w http.ResponseWriter, r *http.Request, ref, action string) {
	var e escrow.Escrow
	var err error
	switch action {
	case "propose":
		var body struct {
			ArbiterID string `json:"arbiterId"`
		}
		if derr := json.NewDecoder(r.Body).Decode(&body); derr != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		e, err = s.arbiterService.Propose(r.Context(), ref, body.ArbiterID, userID(r))
	case "approve":
		e, err = s.arbiterService.Approve(r.Context(), ref, userID(r))
	case "reject":
		e, err = s.arbiterService.Reject(r.Context(), ref, userID(r))
	case "resolve":
		var body struct {
			Decision string `json:"decision"`
			Notes    string `json:"notes"`
		}
		if derr := json.NewDecoder(r.Body).Decode(&body); derr != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		e, err = s.arbiterService.Resolve(r.Context(), ref, userID(r), escrow.Decision(body.Decision), body.Notes)
	default:
		writeJSONError(w, http.StatusBadRequest, "unknown arbiter action")
		return
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowResponseFrom(e))
}

type submitProofRequest struct {
	DeliverableID string             `json:"deliverableId"`
	Type          string             `json:"type"`
	Description   string             `json:"description"`
	Files         []proofFileRequest `json:"files"`
}

type proofFileRequest struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

func (s *Server) handleProofs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req submitProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := proof.SubmitParams{
		DeliverableID: req.DeliverableID,
		SubmitterID:   userID(r),
		Type:          proof.ProofType(req.Type),
		Description:   req.Description,
	}
	for _, f := range req.Files {
		data, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "file data must be base64")
			return
		}
		params.Files = append(params.Files, proof.File{Name: f.Name, Data: data})
	}

	created, err := s.proofService.Submit(r.Context(), params)
	if err != nil && !fault.IsKind(err, fault.KindExternal) {
		writeDomainError(w, err)
		return
	}
	// An external verification failure still persisted the proof; report
	// the record and let verification retry out of band.
	writeJSON(w, http.StatusCreated, proofResponseFrom(created))
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		ProofID        string `json:"proofId"`
		Approved       bool   `json:"approved"`
		Notes          string `json:"notes"`
		IdempotencyKey string `json:"idempotencyKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	v, err := s.reviewService.RecordManualReview(r.Context(), oracle.ManualReviewParams{
		ProofID:        body.ProofID,
		ReviewerID:     userID(r),
		Approved:       body.Approved,
		Notes:          body.Notes,
		IdempotencyKey: body.IdempotencyKey,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verificationResponseFrom(v))
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

// decodeOptional tolerates an empty body for actions whose payload is
// entirely optional.
func decodeOptional(r *http.Request, dst any) {
	_ = json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the error taxonomy onto HTTP statuses. Conflict
// responses carry the current authoritative status so clients can resync
// without a second read.
func writeDomainError(w http.ResponseWriter, err error) {
	var fe *fault.Error
	if errors.As(err, &fe) {
		body := map[string]string{"error": fe.Msg, "kind": string(fe.Kind)}
		if fe.CurrentStatus != "" {
			body["currentStatus"] = fe.CurrentStatus
		}
		writeJSON(w, statusForKind(fe.Kind), body)
		return
	}

	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, identity.ErrDuplicateEmail):
		writeJSONError(w, http.StatusConflict, "email already registered")
	case errors.Is(err, identity.ErrWeakPassword):
		writeJSONError(w, http.StatusBadRequest, "password must be at least 8 characters")
	case errors.Is(err, identity.ErrUserNotFound):
		writeJSONError(w, http.StatusNotFound, "user not found")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func statusForKind(kind fault.Kind) int {
	switch kind {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindAuthorization:
		return http.StatusForbidden
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict:
		return http.StatusConflict
	case fault.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
