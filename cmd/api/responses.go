package main

import (
	"time"

	"github.com/gian-gg/sabot-sub002/escrow"
	"github.com/gian-gg/sabot-sub002/identity"
	"github.com/gian-gg/sabot-sub002/oracle"
	"github.com/gian-gg/sabot-sub002/proof"
)

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Verified  bool   `json:"verified"`
	CreatedAt string `json:"createdAt"`
}

func userResponseFrom(u identity.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Verified:  u.Verified,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

type escrowResponse struct {
	ID                string   `json:"id"`
	TransactionID     string   `json:"transactionId"`
	InitiatorID       string   `json:"initiatorId"`
	ParticipantID     *string  `json:"participantId,omitempty"`
	Status            string   `json:"status"`
	Amount            *float64 `json:"amount,omitempty"`
	Currency          *string  `json:"currency,omitempty"`
	DisputeReason     *string  `json:"disputeReason,omitempty"`
	Resolution        *string  `json:"resolution,omitempty"`
	ProposedArbiterID *string  `json:"proposedArbiterId,omitempty"`
	ActiveArbiterID   *string  `json:"activeArbiterId,omitempty"`
	ExpiresAt         *string  `json:"expiresAt,omitempty"`
	CreatedAt         string   `json:"createdAt"`
}

func escrowResponseFrom(e escrow.Escrow) escrowResponse {
	resp := escrowResponse{
		ID:                e.ID,
		TransactionID:     e.TransactionID,
		InitiatorID:       e.InitiatorID,
		ParticipantID:     e.ParticipantID,
		Status:            string(e.Status),
		Amount:            e.Amount,
		Currency:          e.Currency,
		DisputeReason:     e.DisputeReason,
		Resolution:        e.Resolution,
		ProposedArbiterID: e.ProposedArbiterID,
		ActiveArbiterID:   e.ActiveArbiterID,
		CreatedAt:         e.CreatedAt.Format(time.RFC3339),
	}
	if e.ExpiresAt != nil {
		v := e.ExpiresAt.Format(time.RFC3339)
		resp.ExpiresAt = &v
	}
	return resp
}

type deliverableResponse struct {
	ID               string   `json:"id"`
	Type             string   `json:"type"`
	PartyResponsible string   `json:"partyResponsible"`
	Description      string   `json:"description"`
	Status           string   `json:"status"`
	Value            *float64 `json:"value,omitempty"`
	Currency         *string  `json:"currency,omitempty"`
}

type verificationResponse struct {
	ID            string `json:"id"`
	DeliverableID string `json:"deliverableId"`
	ProofID       string `json:"proofId"`
	OracleType    string `json:"oracleType"`
	Verified      bool   `json:"verified"`
	Confidence    int    `json:"confidence"`
	Notes         string `json:"notes"`
	CreatedAt     string `json:"createdAt"`
}

func verificationResponseFrom(v oracle.Verification) verificationResponse {
	return verificationResponse{
		ID:            v.ID,
		DeliverableID: v.DeliverableID,
		ProofID:       v.ProofID,
		OracleType:    string(v.OracleType),
		Verified:      v.Verified,
		Confidence:    v.Confidence,
		Notes:         v.Notes,
		CreatedAt:     v.CreatedAt.Format(time.RFC3339),
	}
}

type statusResponse struct {
	Escrow             escrowResponse         `json:"escrow"`
	Deliverables       []deliverableResponse  `json:"deliverables"`
	Verifications      []verificationResponse `json:"verifications"`
	ItemConfirmed      bool                   `json:"itemConfirmed"`
	PaymentConfirmed   bool                   `json:"paymentConfirmed"`
	IsReadyForNextStep bool                   `json:"isReadyForNextStep"`
}

func statusResponseFrom(view escrow.StatusView) statusResponse {
	resp := statusResponse{
		Escrow:             escrowResponseFrom(view.Escrow),
		Deliverables:       make([]deliverableResponse, 0, len(view.Deliverables)),
		Verifications:      make([]verificationResponse, 0, len(view.Verifications)),
		ItemConfirmed:      view.Unified.Item,
		PaymentConfirmed:   view.Unified.Payment,
		IsReadyForNextStep: view.IsReadyForNextStep,
	}
	for _, d := range view.Deliverables {
		resp.Deliverables = append(resp.Deliverables, deliverableResponse{
			ID:               d.ID,
			Type:             string(d.Type),
			PartyResponsible: string(d.PartyResponsible),
			Description:      d.Description,
			Status:           string(d.Status),
			Value:            d.Value,
			Currency:         d.Currency,
		})
	}
	for _, v := range view.Verifications {
		resp.Verifications = append(resp.Verifications, verificationResponseFrom(v))
	}
	return resp
}

type proofResponse struct {
	ID                 string  `json:"id"`
	EscrowID           string  `json:"escrowId"`
	DeliverableID      string  `json:"deliverableId"`
	VirtualID          *string `json:"virtualId,omitempty"`
	Type               string  `json:"type"`
	Description        string  `json:"description"`
	FileURL            *string `json:"fileUrl,omitempty"`
	VerificationStatus string  `json:"verificationStatus"`
	SubmittedAt        string  `json:"submittedAt"`
}

func proofResponseFrom(p proof.Proof) proofResponse {
	return proofResponse{
		ID:                 p.ID,
		EscrowID:           p.EscrowID,
		DeliverableID:      p.DeliverableID,
		VirtualID:          p.VirtualID,
		Type:               string(p.Type),
		Description:        p.Description,
		FileURL:            p.FileURL,
		VerificationStatus: string(p.VerificationStatus),
		SubmittedAt:        p.SubmittedAt.Format(time.RFC3339),
	}
}
