package escrow

import "time"

// Status is the escrow-level lifecycle state.
type Status string

const (
	StatusPending              Status = "pending"
	StatusActive               Status = "active"
	StatusAwaitingConfirmation Status = "awaiting_confirmation"
	StatusCompleted            Status = "completed"
	StatusDisputed             Status = "disputed"
	StatusCancelled            Status = "cancelled"
	StatusExpired              Status = "expired"
)

// DisputeReason is the fixed enumerated set accepted by dispute transitions.
type DisputeReason string

const (
	ReasonNonDelivery DisputeReason = "non_delivery"
	ReasonQuality     DisputeReason = "quality"
	ReasonPayment     DisputeReason = "payment"
	ReasonFraud       DisputeReason = "fraud"
	ReasonDeadline    DisputeReason = "deadline"
	ReasonOther       DisputeReason = "other"
)

// MinDisputeDetails is the minimum free-text explanation length for a
// dispute or arbiter request. Shorter text is rejected with a validation
// error, never silently truncated.
const MinDisputeDetails = 20

func (r DisputeReason) Valid() bool {
	switch r {
	case ReasonNonDelivery, ReasonQuality, ReasonPayment, ReasonFraud, ReasonDeadline, ReasonOther:
		return true
	}
	return false
}

// Escrow mirrors the escrows table.
type Escrow struct {
	ID                         string
	TransactionID              string
	InitiatorID                string
	ParticipantID              *string
	Status                     Status
	Amount                     *float64
	Currency                   *string
	VerificationRequired       bool
	InitiatorConfirmation      bool
	ParticipantConfirmation    bool
	ProposedArbiterID          *string
	ProposerID                 *string
	InitiatorApprovedArbiter   bool
	ParticipantApprovedArbiter bool
	ActiveArbiterID            *string
	DisputeReason              *string
	DisputeDetails             *string
	Resolution                 *string
	ExpiresAt                  *time.Time
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// IsParty reports whether userID is the initiator or the joined participant.
func (e Escrow) IsParty(userID string) bool {
	if userID == "" {
		return false
	}
	if userID == e.InitiatorID {
		return true
	}
	return e.ParticipantID != nil && userID == *e.ParticipantID
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}
