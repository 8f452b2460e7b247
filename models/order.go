package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderPaymentStatus string

const (
	OrderPaymentPending OrderPaymentStatus = "pending"
	OrderPaymentPaid    OrderPaymentStatus = "paid"
	OrderPaymentFailed  OrderPaymentStatus = "failed"
)

type TicketType string

const (
	TicketTypeNormal TicketType = "normal"
	TicketTypeVIP    TicketType = "vip"
)

// Order is a buyer's intent to purchase N tickets of one type for an
// event. It is created by the ordering flow and mutated here only by the
// payment reconciliation: payment_status moves pending -> paid or
// pending -> failed, never back.
type Order struct {
	ID            string             `json:"id"`
	EventID       string             `json:"event_id"`
	BuyerID       string             `json:"buyer_id"`
	TicketType    TicketType         `json:"ticket_type"`
	Quantity      int                `json:"quantity"`
	UnitPrice     decimal.Decimal    `json:"unit_price"`
	TotalAmount   decimal.Decimal    `json:"total_amount"`
	PaymentStatus OrderPaymentStatus `json:"payment_status"`
	CreatedAt     time.Time          `json:"created_at"`
}
