package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticket is an individually coded admission right, created only as a side
// effect of an order's first transition into paid. Exactly order.Quantity
// tickets exist per paid order. Immutable afterwards except for IsUsed,
// which the check-in flow toggles.
type Ticket struct {
	ID         string          `json:"id"`
	EventID    string          `json:"event_id"`
	BuyerID    string          `json:"buyer_id"`
	OrderID    string          `json:"order_id"`
	TicketType TicketType      `json:"ticket_type"`
	Price      decimal.Decimal `json:"price"`
	Code       string          `json:"code"`
	IsUsed     bool            `json:"is_used"`
	CreatedAt  time.Time       `json:"created_at"`
}
