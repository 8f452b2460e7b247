package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentSuccess PaymentStatus = "SUCCESS"
	PaymentFailed  PaymentStatus = "FAILED"
)

// Payment is one payment attempt tied 1:1 to an order. TxRef is generated
// exactly once at initialization and is the idempotency key for the whole
// reconciliation flow: at most one payment per order ever reaches SUCCESS,
// and PENDING -> SUCCESS is the only success transition.
type Payment struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	BuyerID     string          `json:"buyer_id"`
	TxRef       string          `json:"tx_ref"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Status      PaymentStatus   `json:"status"`
	GatewayRef  string          `json:"gateway_ref,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}
