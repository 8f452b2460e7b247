package store

import (
	"context"
	"time"

	"ticket-marketplace/models"
)

// ConfirmedPayment is the result of a ConfirmPayment attempt.
//
// Claimed reports whether this caller won the PENDING -> SUCCESS
// transition. When false the payment was already confirmed by an earlier
// (or concurrent) reconciliation and nothing was written.
type ConfirmedPayment struct {
	Claimed bool
	Payment *models.Payment
	Order   *models.Order
	Tickets []*models.Ticket
}

// Store persists the three record collections of the payment core.
//
// ConfirmPayment is the single serialization point contended by racing
// reconciliation attempts: the claim, the order transition and the ticket
// inserts commit atomically, so a SUCCESS payment always has its full
// ticket set and concurrent callers for the same tx_ref can never
// double-issue.
type Store interface {
	OrderByID(ctx context.Context, id string) (*models.Order, error)

	CreatePayment(ctx context.Context, p *models.Payment) error
	PaymentByTxRef(ctx context.Context, txRef string) (*models.Payment, error)

	// ConfirmPayment claims the PENDING payment for txRef, marks the
	// referenced order paid and issues order.Quantity coded tickets, all
	// in one transaction.
	ConfirmPayment(ctx context.Context, txRef, gatewayRef string) (*ConfirmedPayment, error)

	// FailPayment records an explicit gateway failure verdict:
	// payment PENDING -> FAILED, order pending -> failed. No-op when the
	// payment already left PENDING.
	FailPayment(ctx context.Context, txRef string) error

	// StalePendingTxRefs lists tx_refs of PENDING payments created more
	// than olderThan ago, oldest first.
	StalePendingTxRefs(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)

	TicketCountByOrder(ctx context.Context, orderID string) (int, error)
	PaymentStatusCounts(ctx context.Context) (map[models.PaymentStatus]int, error)
}
