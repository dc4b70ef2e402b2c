package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gian-gg/sabot-sub002/audit"
	"github.com/gian-gg/sabot-sub002/confirmation"
	"github.com/gian-gg/sabot-sub002/deliverable"
	"github.com/gian-gg/sabot-sub002/fault"
)

// TimelineWriter appends an immutable audit event inside the transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, escrowID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues a transactional outbox message.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Capability is what the engine consumes from the external identity system.
type Capability struct {
	IsAuthenticated bool
	IsVerified      bool
}

// IdentityChecker resolves a user's identity capability.
type IdentityChecker interface {
	Capability(ctx context.Context, userID string) (Capability, error)
}

// Reconciler recomputes the unified confirmation view and writes it back.
type Reconciler interface {
	Reconcile(ctx context.Context, q confirmation.Querier, transactionID string) (confirmation.Unified, error)
}

// Service owns the escrow state machine.
type Service struct {
	pool        *pgxpool.Pool
	repo        *Repository
	delivs      *deliverable.Repository
	reconciler  Reconciler
	identity    IdentityChecker
	timeline    TimelineWriter
	outbox      OutboxWriter
	idGenerator func() string
	now         func() time.Time
}

func NewService(pool *pgxpool.Pool, repo *Repository, delivs *deliverable.Repository, reconciler Reconciler, identity IdentityChecker, timeline TimelineWriter, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	if delivs == nil {
		delivs = deliverable.NewRepository(pool)
	}
	if reconciler == nil {
		reconciler = confirmation.NewAggregator()
	}
	return &Service{
		pool:        pool,
		repo:        repo,
		delivs:      delivs,
		reconciler:  reconciler,
		identity:    identity,
		timeline:    timeline,
		outbox:      outbox,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// DeliverableSpec describes one obligation at escrow creation time.
type DeliverableSpec struct {
	Type        deliverable.Type
	Party       deliverable.Party
	Description string
	Value       *float64
	Currency    *string
	Quantity    *int
}

// CreateParams carries everything needed to open an escrow around a new
// transaction.
type CreateParams struct {
	InitiatorID          string
	TransactionType      string
	Deliverables         []DeliverableSpec
	Amount               *float64
	Currency             *string
	VerificationRequired bool
	ExpiresAt            *time.Time
}

// Create opens the transaction, its participant row, the escrow, and all
// deliverables in a single transaction.
func (s *Service) Create(ctx context.Context, params CreateParams) (Escrow, error) {
	if params.InitiatorID == "" {
		return Escrow{}, fault.Validation("initiator id required")
	}
	if params.TransactionType == "" {
		return Escrow{}, fault.Validation("transaction type required")
	}
	if len(params.Deliverables) == 0 {
		return Escrow{}, fault.Validation("escrow requires at least one deliverable")
	}
	for i, d := range params.Deliverables {
		if !d.Type.Valid() {
			return Escrow{}, fault.Validation("deliverable %d: invalid type %q", i, d.Type)
		}
		if d.Party != deliverable.PartyInitiator && d.Party != deliverable.PartyParticipant {
			return Escrow{}, fault.Validation("deliverable %d: invalid responsible party %q", i, d.Party)
		}
		if d.Type.PaymentShaped() && (d.Value == nil || d.Currency == nil) {
			return Escrow{}, fault.Validation("deliverable %d: %s deliverables require value and currency", i, d.Type)
		}
	}

	if params.VerificationRequired && s.identity != nil {
		cap, err := s.identity.Capability(ctx, params.InitiatorID)
		if err != nil {
			return Escrow{}, fault.External(err, "resolve identity capability")
		}
		if !cap.IsVerified {
			return Escrow{}, fault.Authorization("initiator identity is not verified")
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var transactionID string
	if err := tx.QueryRow(ctx,
		`INSERT INTO transactions (type) VALUES ($1) RETURNING id`, params.TransactionType,
	).Scan(&transactionID); err != nil {
		return Escrow{}, fmt.Errorf("escrow: insert transaction: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO transaction_participants (transaction_id, user_id, role)
		VALUES ($1, $2, 'initiator')
	`, transactionID, params.InitiatorID); err != nil {
		return Escrow{}, fmt.Errorf("escrow: insert initiator participant: %w", err)
	}

	const insertSQL = `
		INSERT INTO escrows (transaction_id, initiator_id, amount, currency, verification_required, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + columns

	created, err := scanEscrow(tx.QueryRow(ctx, insertSQL,
		transactionID, params.InitiatorID, params.Amount, params.Currency, params.VerificationRequired, params.ExpiresAt))
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: insert: %w", err)
	}

	for _, spec := range params.Deliverables {
		if _, err := s.delivs.CreateTx(ctx, tx, deliverable.Deliverable{
			EscrowID:         created.ID,
			Type:             spec.Type,
			PartyResponsible: spec.Party,
			Description:      spec.Description,
			Value:            spec.Value,
			Currency:         spec.Currency,
			Quantity:         spec.Quantity,
		}); err != nil {
			return Escrow{}, err
		}
	}

	if err := s.appendEvent(ctx, tx, created.ID, "ESCROW_CREATED", params.InitiatorID, map[string]any{
		"transaction_id": transactionID,
		"deliverables":   len(params.Deliverables),
	}); err != nil {
		return Escrow{}, err
	}
	if err := s.enqueue(ctx, tx, audit.TopicEscrowCreated, map[string]any{
		"escrow_id":      created.ID,
		"transaction_id": transactionID,
	}); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit create: %w", err)
	}
	return created, nil
}

// Join moves a pending escrow to active once the counterparty arrives.
// Re-joining by the same participant is a no-op.
func (s *Service) Join(ctx context.Context, escrowID, userID string) (Escrow, error) {
	if userID == "" {
		return Escrow{}, fault.Validation("user id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return Escrow{}, err
	}

	if e.ParticipantID != nil && *e.ParticipantID == userID {
		return e, nil
	}
	if userID == e.InitiatorID {
		return Escrow{}, fault.Validation("initiator cannot join own escrow as participant")
	}
	if e.Status != StatusPending {
		return Escrow{}, fault.Conflict(string(e.Status), "escrow is not open for joining")
	}
	if e.ParticipantID != nil {
		return Escrow{}, fault.Conflict(string(e.Status), "escrow already has a participant")
	}

	if e.VerificationRequired && s.identity != nil {
		cap, err := s.identity.Capability(ctx, userID)
		if err != nil {
			return Escrow{}, fault.External(err, "resolve identity capability")
		}
		if !cap.IsVerified {
			return Escrow{}, fault.Authorization("participant identity is not verified")
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE escrows SET participant_id = $2, updated_at = get_tx_timestamp() WHERE id = $1
	`, e.ID, userID); err != nil {
		return Escrow{}, fmt.Errorf("escrow: set participant: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO transaction_participants (transaction_id, user_id, role)
		VALUES ($1, $2, 'participant')
		ON CONFLICT (transaction_id, role) DO NOTHING
	`, e.TransactionID, userID); err != nil {
		return Escrow{}, fmt.Errorf("escrow: insert participant row: %w", err)
	}

	if err := s.repo.UpdateStatusTx(ctx, tx, e.ID, e.Status, StatusActive); err != nil {
		return Escrow{}, err
	}

	if err := s.appendEvent(ctx, tx, e.ID, "PARTICIPANT_JOINED", userID, map[string]any{
		"participant_id": userID,
	}); err != nil {
		return Escrow{}, err
	}
	if err := s.enqueue(ctx, tx, audit.TopicEscrowJoined, map[string]any{
		"escrow_id":      e.ID,
		"participant_id": userID,
	}); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit join: %w", err)
	}
	return s.repo.Get(ctx, e.ID)
}

// manualConfirmable reports whether the type completes through a party's
// confirmation rather than an oracle verdict.
func manualConfirmable(t deliverable.Type) bool {
	switch t {
	case deliverable.TypeCash, deliverable.TypeItem, deliverable.TypeDigitalTransfer, deliverable.TypeMixed:
		return true
	}
	return false
}

// Confirm records a party's completion confirmation. Calling it twice with
// the same caller is a no-op. Once the escrow is disputed, confirmation is
// frozen and only the active arbiter's resolution is accepted.
func (s *Service) Confirm(ctx context.Context, escrowID, callerID, notes string) (Escrow, error) {
	if callerID == "" {
		return Escrow{}, fault.Validation("caller id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return Escrow{}, err
	}
	if !e.IsParty(callerID) {
		return Escrow{}, fault.Authorization("caller is not a party to this escrow")
	}
	if e.Status == StatusDisputed {
		return Escrow{}, fault.Conflict(string(e.Status), "escrow is disputed; awaiting arbiter resolution")
	}
	if e.Status.Terminal() {
		return Escrow{}, fault.Conflict(string(e.Status), "escrow is closed")
	}
	if e.Status == StatusPending {
		return Escrow{}, fault.Conflict(string(e.Status), "escrow has no participant yet")
	}

	role := deliverable.PartyInitiator
	confirmed := e.InitiatorConfirmation
	if e.ParticipantID != nil && callerID == *e.ParticipantID {
		role = deliverable.PartyParticipant
		confirmed = e.ParticipantConfirmation
	}
	if confirmed {
		// Idempotent replay: identical to having called once.
		return e, nil
	}

	// A party's confirmation completes their own manually confirmable
	// deliverables; oracle-routed types only complete through verification.
	deliverables, err := s.delivs.ListByEscrowTx(ctx, tx, e.ID)
	if err != nil {
		return Escrow{}, err
	}
	for _, d := range deliverables {
		if d.PartyResponsible == role && manualConfirmable(d.Type) {
			if _, err := s.delivs.Advance(ctx, tx, d.ID, deliverable.StatusCompleted); err != nil &&
				!errors.Is(err, deliverable.ErrNoForwardProgress) {
				return Escrow{}, err
			}
		}
	}

	column := "initiator_confirmation"
	if role == deliverable.PartyParticipant {
		column = "participant_confirmation"
	}
	if _, err := tx.Exec(ctx,
		`UPDATE escrows SET `+column+` = true, updated_at = get_tx_timestamp() WHERE id = $1`, e.ID); err != nil {
		return Escrow{}, fmt.Errorf("escrow: set confirmation: %w", err)
	}

	if _, err := s.reconciler.Reconcile(ctx, tx, e.TransactionID); err != nil {
		return Escrow{}, err
	}

	if _, err := s.deriveStatusTx(ctx, tx, e.ID); err != nil {
		return Escrow{}, err
	}

	payload := map[string]any{"role": role}
	if trimmed := strings.TrimSpace(notes); trimmed != "" {
		payload["notes"] = trimmed
	}
	if err := s.appendEvent(ctx, tx, e.ID, "COMPLETION_CONFIRMED", callerID, payload); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit confirm: %w", err)
	}
	return s.repo.Get(ctx, e.ID)
}

// DisputeParams raises a dispute and requests an arbiter.
type DisputeParams struct {
	EscrowID string
	CallerID string
	Reason   DisputeReason
	Details  string
}

// Dispute moves any non-terminal escrow to disputed. The free-text
// explanation must be at least MinDisputeDetails characters.
func (s *Service) Dispute(ctx context.Context, params DisputeParams) (Escrow, error) {
	if !params.Reason.Valid() {
		return Escrow{}, fault.Validation("invalid dispute reason %q", params.Reason)
	}
	details := strings.TrimSpace(params.Details)
	if utf8.RuneCountInString(details) < MinDisputeDetails {
		return Escrow{}, fault.Validation("dispute details must be at least %d characters", MinDisputeDetails)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.lockEscrow(ctx, tx, params.EscrowID)
	if err != nil {
		return Escrow{}, err
	}
	if !e.IsParty(params.CallerID) {
		return Escrow{}, fault.Authorization("caller is not a party to this escrow")
	}
	if e.Status == StatusDisputed {
		return Escrow{}, fault.Conflict(string(e.Status), "escrow is already disputed")
	}
	if e.Status.Terminal() {
		return Escrow{}, fault.Conflict(string(e.Status), "escrow is closed")
	}

	if _, err := tx.Exec(ctx, `
		UPDATE escrows
		SET dispute_reason = $2, dispute_details = $3, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, e.ID, string(params.Reason), details); err != nil {
		return Escrow{}, fmt.Errorf("escrow: set dispute reason: %w", err)
	}
	if err := s.repo.UpdateStatusTx(ctx, tx, e.ID, e.Status, StatusDisputed); err != nil {
		return Escrow{}, err
	}

	if err := s.appendEvent(ctx, tx, e.ID, "DISPUTE_RAISED", params.CallerID, map[string]any{
		"reason":  params.Reason,
		"details": details,
	}); err != nil {
		return Escrow{}, err
	}
	if err := s.enqueue(ctx, tx, audit.TopicEscrowDisputed, map[string]any{
		"escrow_id": e.ID,
		"reason":    params.Reason,
	}); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit dispute: %w", err)
	}
	return s.repo.Get(ctx, e.ID)
}

// Cancel closes a pending escrow before the counterparty joins. Initiator
// only.
func (s *Service) Cancel(ctx context.Context, escrowID, callerID string) (Escrow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return Escrow{}, err
	}
	if callerID != e.InitiatorID {
		return Escrow{}, fault.Authorization("only the initiator may cancel")
	}
	if e.Status != StatusPending {
		return Escrow{}, fault.Conflict(string(e.Status), "only pending escrows can be cancelled")
	}

	if err := s.repo.UpdateStatusTx(ctx, tx, e.ID, e.Status, StatusCancelled); err != nil {
		return Escrow{}, err
	}
	if err := s.appendEvent(ctx, tx, e.ID, "ESCROW_CANCELLED", callerID, nil); err != nil {
		return Escrow{}, err
	}
	if err := s.enqueue(ctx, tx, audit.TopicEscrowStatus, map[string]any{
		"escrow_id": e.ID,
		"previous":  e.Status,
		"next":      StatusCancelled,
	}); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit cancel: %w", err)
	}
	return s.repo.Get(ctx, e.ID)
}

// Expire closes a stalled escrow past its expiry. Deliberately callable by
// anyone, not just the parties, so a stalled counterparty cannot block it.
func (s *Service) Expire(ctx context.Context, escrowID string) (Escrow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.lockEscrow(ctx, tx, escrowID)
	if err != nil {
		return Escrow{}, err
	}
	if e.Status.Terminal() {
		return Escrow{}, fault.Conflict(string(e.Status), "escrow is closed")
	}
	if e.ExpiresAt == nil || s.now().Before(*e.ExpiresAt) {
		return Escrow{}, fault.Validation("escrow is not past expiry")
	}

	if err := s.repo.UpdateStatusTx(ctx, tx, e.ID, e.Status, StatusExpired); err != nil {
		return Escrow{}, err
	}
	if err := s.appendEvent(ctx, tx, e.ID, "ESCROW_EXPIRED", "", map[string]any{
		"expired_at": s.now().UTC(),
	}); err != nil {
		return Escrow{}, err
	}
	if err := s.enqueue(ctx, tx, audit.TopicEscrowStatus, map[string]any{
		"escrow_id": e.ID,
		"previous":  e.Status,
		"next":      StatusExpired,
	}); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit expire: %w", err)
	}
	return s.repo.Get(ctx, e.ID)
}

// deriveStatusTx applies the derived transitions inside the caller's
// transaction: active -> awaiting_confirmation once every deliverable is
// unified-complete, then awaiting_confirmation -> completed once both
// parties have confirmed. Completion enqueues the settlement hook.
func (s *Service) deriveStatusTx(ctx context.Context, tx pgx.Tx, escrowID string) (Status, error) {
	e, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		return "", err
	}
	deliverables, err := s.delivs.ListByEscrowTx(ctx, tx, e.ID)
	if err != nil {
		return "", err
	}

	allDone := len(deliverables) > 0
	for _, d := range deliverables {
		if !d.Status.Done() {
			allDone = false
			break
		}
	}

	status := e.Status
	if status == StatusActive && allDone {
		if err := s.repo.UpdateStatusTx(ctx, tx, e.ID, status, StatusAwaitingConfirmation); err != nil {
			return "", err
		}
		if err := s.appendEvent(ctx, tx, e.ID, "AWAITING_CONFIRMATION", "", nil); err != nil {
			return "", err
		}
		status = StatusAwaitingConfirmation
	}

	if status == StatusAwaitingConfirmation && allDone && e.InitiatorConfirmation && e.ParticipantConfirmation {
		if err := s.repo.UpdateStatusTx(ctx, tx, e.ID, status, StatusCompleted); err != nil {
			return "", err
		}
		if err := s.appendEvent(ctx, tx, e.ID, "ESCROW_COMPLETED", "", nil); err != nil {
			return "", err
		}
		if err := s.enqueue(ctx, tx, audit.TopicEscrowStatus, map[string]any{
			"escrow_id": e.ID,
			"previous":  StatusAwaitingConfirmation,
			"next":      StatusCompleted,
		}); err != nil {
			return "", err
		}
		status = StatusCompleted
	}

	return status, nil
}

func (s *Service) lockEscrow(ctx context.Context, tx pgx.Tx, escrowID string) (Escrow, error) {
	e, err := s.repo.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Escrow{}, fault.NotFound("escrow %s", escrowID)
		}
		return Escrow{}, err
	}
	return e, nil
}

func (s *Service) appendEvent(ctx context.Context, tx pgx.Tx, escrowID, eventType, actorID string, payload map[string]any) error {
	if s.timeline == nil {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return s.timeline.Append(ctx, tx, escrowID, eventType, actorID, payload)
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Enqueue(ctx, tx, topic, payload)
}
