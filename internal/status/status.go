package status

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidRequest is returned when a payment request is rejected
	// before any record is created or any gateway call is made.
	ErrInvalidRequest = errors.New("payment: invalid request")

	ErrOrderNotFound   = errors.New("order: order not found")
	ErrOrderNotPending = errors.New("order: order is not pending payment")

	// ErrPaymentRecordNotFound signals a tx_ref this system never issued.
	ErrPaymentRecordNotFound = errors.New("payment: payment record not found")

	// ErrGatewayUnavailable covers transport failures and gateway 5xx
	// responses. Safe to retry; no local state is mutated.
	ErrGatewayUnavailable = errors.New("gateway: gateway unavailable")

	// ErrGatewayRejected covers gateway-side validation refusals
	// (malformed phone, email, amount). Not retryable as-is.
	ErrGatewayRejected = errors.New("gateway: request rejected")

	// ErrNotYetConfirmed means the gateway reports the transaction as
	// still pending. A valid intermediate state, callable again later.
	ErrNotYetConfirmed = errors.New("payment: not yet confirmed by gateway")

	ErrPaymentFailed = errors.New("payment: payment failed")

	ErrAmountMismatch = errors.New("payment: gateway amount does not match order total")
)

// Outcome is the closed set of states the gateway can report for a
// transaction. Transport errors are surfaced separately as
// ErrGatewayUnavailable, never folded into an Outcome.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePending Outcome = "pending"
	OutcomeFailed  Outcome = "failed"
)

// Transaction is the authoritative transaction state reported by the
// payment gateway's verify endpoint.
type Transaction struct {
	TxRef      string          `json:"tx_ref"`
	GatewayRef string          `json:"gateway_ref"`
	Outcome    Outcome         `json:"outcome"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	ChargedAt  time.Time       `json:"charged_at"`
}
