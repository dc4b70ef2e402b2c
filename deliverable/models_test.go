package deliverable

import "testing"

func TestCanAdvance_ForwardOnly(t *testing.T) {
	cases := []struct {
		prev, next Status
		want       bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusPending, StatusSubmitted, true},
		{StatusPending, StatusCompleted, true},
		{StatusInProgress, StatusSubmitted, true},
		{StatusSubmitted, StatusVerified, true},
		{StatusSubmitted, StatusCompleted, true},
		{StatusVerified, StatusCompleted, true},

		// No regression.
		{StatusVerified, StatusSubmitted, false},
		{StatusCompleted, StatusVerified, false},
		{StatusCompleted, StatusSubmitted, false},
		{StatusSubmitted, StatusInProgress, false},

		// A stale rejection can never fail a deliverable that has since
		// been verified or completed by a newer proof.
		{StatusVerified, StatusFailed, false},
		{StatusCompleted, StatusFailed, false},
		{StatusSubmitted, StatusFailed, true},

		// Failed leaves only through resubmission.
		{StatusFailed, StatusSubmitted, true},
		{StatusFailed, StatusVerified, false},
		{StatusFailed, StatusCompleted, false},
	}

	for _, tc := range cases {
		if got := CanAdvance(tc.prev, tc.next); got != tc.want {
			t.Errorf("CanAdvance(%s, %s) = %v, want %v", tc.prev, tc.next, got, tc.want)
		}
	}
}

func TestDone(t *testing.T) {
	done := []Status{StatusVerified, StatusCompleted}
	for _, s := range done {
		if !s.Done() {
			t.Errorf("%s should count as done", s)
		}
	}
	notDone := []Status{StatusPending, StatusInProgress, StatusSubmitted, StatusFailed}
	for _, s := range notDone {
		if s.Done() {
			t.Errorf("%s should not count as done", s)
		}
	}
}

func TestPaymentShaped(t *testing.T) {
	if !TypeCash.PaymentShaped() {
		t.Fatal("cash is the payment-shaped type")
	}
	for _, typ := range []Type{TypeItem, TypeService, TypeDigital, TypeDocument, TypeDigitalTransfer, TypeMixed} {
		if typ.PaymentShaped() {
			t.Errorf("%s must not be payment-shaped", typ)
		}
	}
}

func TestIsVirtualID(t *testing.T) {
	if !IsVirtualID("item-tx-123") || !IsVirtualID("payment-tx-123") {
		t.Fatal("prefixed ids are virtual")
	}
	if IsVirtualID("550e8400-e29b-41d4-a716-446655440000") {
		t.Fatal("plain uuid is not virtual")
	}
}
