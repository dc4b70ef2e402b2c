package deliverable

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Virtual deliverable ids accommodate legacy transactions created before
// explicit deliverable rows existed. The boundary synthesizes
// "item-<transaction_id>" and "payment-<transaction_id>" identifiers; this
// adapter resolves them to the concrete responsible deliverable before any
// write, keeping the state machine itself agnostic to virtual ids.

const (
	virtualItemPrefix    = "item-"
	virtualPaymentPrefix = "payment-"
)

// ErrVirtualUnresolvable is returned when a virtual id names a transaction
// without a matching concrete deliverable.
var ErrVirtualUnresolvable = errors.New("deliverable: virtual id has no concrete deliverable")

// IsVirtualID reports whether id carries one of the legacy prefixes.
func IsVirtualID(id string) bool {
	return strings.HasPrefix(id, virtualItemPrefix) || strings.HasPrefix(id, virtualPaymentPrefix)
}

// ResolveVirtualID maps a virtual id to the concrete deliverable of the
// owning escrow: payment-* resolves to the payment-shaped deliverable,
// item-* to the earliest non-payment one. Non-virtual ids pass through via
// a plain lookup so callers can treat every inbound id uniformly.
func (r *Repository) ResolveVirtualID(ctx context.Context, id string) (Deliverable, error) {
	var (
		txID    string
		payment bool
	)
	switch {
	case strings.HasPrefix(id, virtualItemPrefix):
		txID = strings.TrimPrefix(id, virtualItemPrefix)
	case strings.HasPrefix(id, virtualPaymentPrefix):
		txID = strings.TrimPrefix(id, virtualPaymentPrefix)
		payment = true
	default:
		return r.Get(ctx, id)
	}
	if txID == "" {
		return Deliverable{}, ErrVirtualUnresolvable
	}

	query := `
		SELECT ` + columns + `
		FROM deliverables
		WHERE escrow_id = (SELECT id FROM escrows WHERE transaction_id = $1)
		  AND (type = 'cash') = $2
		ORDER BY created_at ASC
		LIMIT 1
	`

	d, err := scanDeliverable(r.pool.QueryRow(ctx, query, txID, payment))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deliverable{}, ErrVirtualUnresolvable
		}
		return Deliverable{}, fmt.Errorf("deliverable: resolve virtual id: %w", err)
	}
	return d, nil
}
