package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/redis/go-redis/v9"

	"ticket-marketplace/internal/services"
	"ticket-marketplace/internal/services/gateway/chapa"
	"ticket-marketplace/internal/status"
)

const maxWebhookBody = 1 << 16

type PaymentHandler struct {
	app            *pocketbase.PocketBase
	paymentService *services.PaymentService
	chapa          *chapa.Chapa
	redis          *redis.Client
}

func NewPaymentHandler(app *pocketbase.PocketBase, paymentService *services.PaymentService, ch *chapa.Chapa, redisClient *redis.Client) *PaymentHandler {
	return &PaymentHandler{
		app:            app,
		paymentService: paymentService,
		chapa:          ch,
		redis:          redisClient,
	}
}

// InitiatePayment - Open a hosted checkout session for a pending order
func (h *PaymentHandler) InitiatePayment(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	var req services.InitiatePaymentRequest
	if err := e.BindBody(&req); err != nil {
		return apis.NewBadRequestError("Invalid request body", err)
	}

	res, err := h.paymentService.InitiatePayment(e.Request.Context(), e.Auth.Id, req)
	if err != nil {
		return h.mapServiceError(err)
	}

	return e.JSON(http.StatusOK, res)
}

// VerifyPayment - Synchronous confirmation path, hit when the buyer
// returns from the checkout page
func (h *PaymentHandler) VerifyPayment(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	txRef := e.Request.PathValue("txRef")
	if txRef == "" {
		return apis.NewBadRequestError("Missing transaction reference", nil)
	}

	res, err := h.paymentService.VerifyAndReconcile(e.Request.Context(), txRef)
	if err != nil {
		if errors.Is(err, status.ErrNotYetConfirmed) {
			return e.JSON(http.StatusOK, map[string]any{
				"status":  "pending",
				"message": "Payment not yet confirmed. Please try again shortly.",
			})
		}
		return h.mapServiceError(err)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"status":  "success",
		"message": "Payment confirmed",
		"tx_ref":  res.TxRef,
	})
}

// PaymentCallback - Webhook path, called by the gateway. A 200 reply
// (including the idempotent no-op) stops the provider's retries; a 5xx
// asks it to try again.
func (h *PaymentHandler) PaymentCallback(e *core.RequestEvent) error {
	txRef := e.Request.PathValue("txRef")
	if txRef == "" {
		return apis.NewBadRequestError("Missing transaction reference", nil)
	}

	if sig := e.Request.Header.Get("Chapa-Signature"); sig != "" || e.Request.Method == http.MethodPost {
		body, err := io.ReadAll(io.LimitReader(e.Request.Body, maxWebhookBody))
		if err != nil {
			return apis.NewBadRequestError("Unreadable body", err)
		}
		if !h.chapa.VerifySignature(body, sig) {
			return apis.NewForbiddenError("Invalid signature", nil)
		}
	}

	_, err := h.paymentService.HandleWebhook(e.Request.Context(), txRef)
	if err != nil {
		switch {
		case errors.Is(err, status.ErrNotYetConfirmed):
			// Not confirmed yet; the provider should retry later.
			return apis.NewApiError(http.StatusServiceUnavailable, "Payment not yet confirmed", nil)
		case errors.Is(err, status.ErrPaymentFailed):
			// Terminal verdict was recorded; nothing left to retry.
			return e.JSON(http.StatusOK, map[string]string{"status": "ok"})
		case errors.Is(err, status.ErrPaymentRecordNotFound):
			return apis.NewNotFoundError("Unknown transaction reference", nil)
		case errors.Is(err, status.ErrGatewayUnavailable):
			return apis.NewApiError(http.StatusServiceUnavailable, "Gateway unavailable", nil)
		default:
			return apis.NewApiError(http.StatusInternalServerError, "Reconciliation failed", nil)
		}
	}

	return e.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// PaymentStatus - Buyer-facing status poll backed by the redis session
// cache with the payment record as fallback
func (h *PaymentHandler) PaymentStatus(e *core.RequestEvent) error {
	if e.Auth == nil {
		return apis.NewUnauthorizedError("Unauthorized", nil)
	}

	txRef := e.Request.PathValue("txRef")
	ctx := e.Request.Context()

	if h.redis != nil {
		cached := h.redis.HGetAll(ctx, fmt.Sprintf("payment:%s", txRef)).Val()
		if len(cached) > 0 {
			if cached["buyer_id"] != e.Auth.Id {
				return apis.NewForbiddenError("Access denied", nil)
			}
			return e.JSON(http.StatusOK, map[string]any{
				"tx_ref":   txRef,
				"status":   cached["status"],
				"amount":   cached["amount"],
				"currency": cached["currency"],
			})
		}
	}

	payment, err := h.paymentService.PaymentStatus(ctx, txRef)
	if err != nil {
		return h.mapServiceError(err)
	}
	if payment.BuyerID != e.Auth.Id {
		return apis.NewForbiddenError("Access denied", nil)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"tx_ref":   payment.TxRef,
		"status":   string(payment.Status),
		"amount":   payment.Amount.String(),
		"currency": payment.Currency,
	})
}

func (h *PaymentHandler) mapServiceError(err error) error {
	switch {
	case errors.Is(err, status.ErrInvalidRequest):
		return apis.NewBadRequestError(err.Error(), nil)
	case errors.Is(err, status.ErrOrderNotFound), errors.Is(err, status.ErrPaymentRecordNotFound):
		return apis.NewNotFoundError(err.Error(), nil)
	case errors.Is(err, status.ErrOrderNotPending):
		return apis.NewApiError(http.StatusConflict, err.Error(), nil)
	case errors.Is(err, status.ErrGatewayRejected):
		return apis.NewBadRequestError("Payment gateway rejected the request", err)
	case errors.Is(err, status.ErrGatewayUnavailable):
		return apis.NewApiError(http.StatusServiceUnavailable, "Payment gateway unavailable", nil)
	case errors.Is(err, status.ErrPaymentFailed):
		return apis.NewBadRequestError("Payment failed", nil)
	case errors.Is(err, status.ErrAmountMismatch):
		return apis.NewApiError(http.StatusConflict, "Payment amount mismatch", nil)
	default:
		return apis.NewApiError(http.StatusInternalServerError, "Something went wrong", nil)
	}
}
