package services

import (
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// InitiatePaymentRequest is the body of POST /api/payment. All contact
// fields are required by the gateway, so a missing one is rejected before
// any record is created.
type InitiatePaymentRequest struct {
	OrderID     string `json:"order_id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Email       string `json:"email"`
	PhoneNumber string `json:"phone_number"`
	ReturnURL   string `json:"return_url"`
}

func (r InitiatePaymentRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.OrderID, validation.Required),
		validation.Field(&r.FirstName, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.LastName, validation.Required, validation.Length(1, 100)),
		validation.Field(&r.Email, validation.Required, is.EmailFormat),
		validation.Field(&r.PhoneNumber, validation.Required, validation.Length(6, 20)),
		validation.Field(&r.ReturnURL, is.URL),
	)
}
