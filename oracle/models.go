package oracle

import "time"

// Type names the verification strategy that produced a record.
type Type string

const (
	TypeIPFS   Type = "ipfs"
	TypeAI     Type = "ai"
	TypeManual Type = "manual"
)

// ConfidenceThreshold is the policy constant above which an automated
// confidence score counts as verified.
const ConfidenceThreshold = 80

// ContentCheckTimeout bounds the content-addressable retrievability probe.
// On expiry the check fails closed (verified=false) instead of hanging the
// caller or leaving the verification pending forever.
const ContentCheckTimeout = 10 * time.Second

// Verification mirrors the oracle_verifications table. Rows are append-only;
// a verification for a newer proof supersedes, never mutates, an earlier one.
type Verification struct {
	ID            string
	EscrowID      string
	DeliverableID string
	ProofID       string
	OracleType    Type
	Verified      bool
	Confidence    int
	Notes         string
	CreatedAt     time.Time
}

// Result is what a strategy concludes about a single proof.
type Result struct {
	OracleType Type
	Verified   bool
	Confidence int
	Notes      string
	// Manual results leave the proof pending for a human verdict.
	Manual bool
}
