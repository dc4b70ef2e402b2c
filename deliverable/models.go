package deliverable

import "time"

// Type classifies what a party owes.
type Type string

const (
	TypeCash            Type = "cash"
	TypeItem            Type = "item"
	TypeService         Type = "service"
	TypeDigital         Type = "digital"
	TypeDocument        Type = "document"
	TypeDigitalTransfer Type = "digital_transfer"
	TypeMixed           Type = "mixed"
)

// Party identifies which side of the escrow is responsible.
type Party string

const (
	PartyInitiator   Party = "initiator"
	PartyParticipant Party = "participant"
)

// Status is the deliverable-level view of completion. Transitions only move
// forward; failed is terminal and requires a fresh proof, not a rewind.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSubmitted  Status = "submitted"
	StatusVerified   Status = "verified"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Deliverable mirrors the deliverables table.
type Deliverable struct {
	ID               string
	EscrowID         string
	Type             Type
	PartyResponsible Party
	Description      string
	Value            *float64
	Currency         *string
	Quantity         *int
	Status           Status
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PaymentShaped reports whether the type represents money changing hands and
// therefore requires value/currency at creation.
func (t Type) PaymentShaped() bool {
	return t == TypeCash
}

// Valid reports whether the type is a known deliverable type.
func (t Type) Valid() bool {
	switch t {
	case TypeCash, TypeItem, TypeService, TypeDigital, TypeDocument, TypeDigitalTransfer, TypeMixed:
		return true
	}
	return false
}

// allowedPriors maps a target status to the statuses it may be reached
// from. Transitions are monotonic forward; failed never regresses a
// verified or completed deliverable, and leaves failed only through a
// fresh proof submission.
var allowedPriors = map[Status][]string{
	StatusInProgress: {string(StatusPending)},
	StatusSubmitted:  {string(StatusPending), string(StatusInProgress), string(StatusFailed)},
	StatusVerified:   {string(StatusPending), string(StatusInProgress), string(StatusSubmitted)},
	StatusCompleted:  {string(StatusPending), string(StatusInProgress), string(StatusSubmitted), string(StatusVerified)},
	StatusFailed:     {string(StatusPending), string(StatusInProgress), string(StatusSubmitted)},
}

// CanAdvance reports whether a transition from prev to next honours the
// monotonic-forward rule.
func CanAdvance(prev, next Status) bool {
	for _, s := range allowedPriors[next] {
		if s == string(prev) {
			return true
		}
	}
	return false
}

// priorStatuses lists the statuses next may be reached from, used to
// express the monotonic guard as a single conditional UPDATE.
func priorStatuses(next Status) []string {
	return allowedPriors[next]
}

// Done reports whether the status counts as completion for the unified
// confirmation view.
func (s Status) Done() bool {
	return s == StatusVerified || s == StatusCompleted
}
