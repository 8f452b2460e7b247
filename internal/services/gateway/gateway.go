package gateway

import (
	"context"

	"github.com/shopspring/decimal"

	"ticket-marketplace/internal/status"
)

// Provider represents a payment gateway vendor.
type Provider string

const (
	ProviderChapa Provider = "chapa"
)

// InitializeRequest carries everything the gateway needs to open a hosted
// checkout session. TxRef must be pre-generated by the caller and globally
// unique; the gateway echoes it back on both completion channels.
type InitializeRequest struct {
	TxRef       string          `json:"tx_ref"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	FirstName   string          `json:"first_name"`
	LastName    string          `json:"last_name"`
	Email       string          `json:"email"`
	Phone       string          `json:"phone_number"`
	CallbackURL string          `json:"callback_url"`
	ReturnURL   string          `json:"return_url,omitempty"`
}

// InitializeResult is the gateway's answer to a successful initialize.
type InitializeResult struct {
	CheckoutURL string `json:"checkout_url"`
}

// Gateway defines the common interface for payment gateway providers.
//
// Initialize fails with status.ErrGatewayUnavailable on transport/5xx
// errors and status.ErrGatewayRejected on provider-side validation
// refusals; neither is retried internally.
//
// Verify is a read-only query against the gateway. A pending or failed
// transaction is reported through Transaction.Outcome, not as an error;
// only transport failures surface as status.ErrGatewayUnavailable.
type Gateway interface {
	Provider() Provider
	Initialize(ctx context.Context, req *InitializeRequest) (*InitializeResult, error)
	Verify(ctx context.Context, txRef string) (*status.Transaction, error)
}
