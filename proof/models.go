package proof

import "time"

// ProofType classifies the evidence payload.
type ProofType string

const (
	TypeImage    ProofType = "image"
	TypeDocument ProofType = "document"
	TypeText     ProofType = "text"
)

// VerificationStatus tracks what the oracle (or a human reviewer) concluded
// about a proof. It never moves a proof back to pending.
type VerificationStatus string

const (
	VerificationPending     VerificationStatus = "pending"
	VerificationUnderReview VerificationStatus = "under_review"
	VerificationAccepted    VerificationStatus = "accepted"
	VerificationRejected    VerificationStatus = "rejected"
)

// Proof mirrors the escrow_proofs table. Rows are immutable once created;
// only verification_status is ever updated, and rows are never deleted.
type Proof struct {
	ID                 string
	EscrowID           string
	DeliverableID      string
	VirtualID          *string
	SubmitterID        string
	Type               ProofType
	FileURL            *string
	FilePath           *string
	Description        string
	VerificationStatus VerificationStatus
	SubmittedAt        time.Time
}

func (t ProofType) Valid() bool {
	switch t {
	case TypeImage, TypeDocument, TypeText:
		return true
	}
	return false
}
