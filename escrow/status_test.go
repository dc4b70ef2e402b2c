package escrow

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		prev, next Status
		want       bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusDisputed, true},
		{StatusPending, StatusExpired, true},
		{StatusPending, StatusAwaitingConfirmation, false},
		{StatusPending, StatusCompleted, false},

		{StatusActive, StatusAwaitingConfirmation, true},
		{StatusActive, StatusDisputed, true},
		{StatusActive, StatusExpired, true},
		{StatusActive, StatusCompleted, false},
		{StatusActive, StatusCancelled, false},
		{StatusActive, StatusPending, false},

		{StatusAwaitingConfirmation, StatusCompleted, true},
		{StatusAwaitingConfirmation, StatusDisputed, true},
		{StatusAwaitingConfirmation, StatusExpired, true},
		{StatusAwaitingConfirmation, StatusActive, false},

		// Dispute resolution reaches both terminal flavours; expiry stays
		// available so an absent arbiter cannot stall the escrow forever.
		{StatusDisputed, StatusCompleted, true},
		{StatusDisputed, StatusCancelled, true},
		{StatusDisputed, StatusExpired, true},
		{StatusDisputed, StatusActive, false},
		{StatusDisputed, StatusAwaitingConfirmation, false},

		// Terminal states are absorbing.
		{StatusCompleted, StatusDisputed, false},
		{StatusCompleted, StatusExpired, false},
		{StatusCancelled, StatusActive, false},
		{StatusExpired, StatusCompleted, false},
	}

	for _, tc := range cases {
		if got := CanTransition(tc.prev, tc.next); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.prev, tc.next, got, tc.want)
		}
	}
}

func TestCanTransition_SelfIsNoop(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusActive, StatusAwaitingConfirmation, StatusCompleted, StatusDisputed, StatusCancelled, StatusExpired} {
		if !CanTransition(s, s) {
			t.Errorf("self transition for %s should be admitted as a no-op", s)
		}
	}
}

func TestTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusExpired} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusActive, StatusAwaitingConfirmation, StatusDisputed} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestDisputeReasonValid(t *testing.T) {
	for _, r := range []DisputeReason{ReasonNonDelivery, ReasonQuality, ReasonPayment, ReasonFraud, ReasonDeadline, ReasonOther} {
		if !r.Valid() {
			t.Errorf("%s should be a valid reason", r)
		}
	}
	if DisputeReason("vibes").Valid() {
		t.Fatal("unknown reason must be rejected")
	}
}

func TestIsParty(t *testing.T) {
	participant := "u2"
	e := Escrow{InitiatorID: "u1", ParticipantID: &participant}

	if !e.IsParty("u1") || !e.IsParty("u2") {
		t.Fatal("both parties should match")
	}
	if e.IsParty("u3") || e.IsParty("") {
		t.Fatal("strangers and empty ids are not parties")
	}

	unjoined := Escrow{InitiatorID: "u1"}
	if unjoined.IsParty("u2") {
		t.Fatal("no participant yet, only the initiator is a party")
	}
}
