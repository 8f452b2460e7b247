package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"ticket-marketplace/internal/services/gateway"
	"ticket-marketplace/internal/status"
	"ticket-marketplace/internal/store"
	"ticket-marketplace/models"
	"ticket-marketplace/monitoring"
	"ticket-marketplace/utils"
)

// ReconcileSource labels which entry point drove a reconciliation attempt.
type ReconcileSource string

const (
	SourceVerify  ReconcileSource = "verify"
	SourceWebhook ReconcileSource = "webhook"
	SourceSweeper ReconcileSource = "sweeper"
)

// Notifier pushes a payment-success event to the buyer's channel.
type Notifier interface {
	NotifyPaymentSuccess(ctx context.Context, buyerID string, payload map[string]any)
}

// Options carries the optional collaborators of the payment service. Any
// of them may be nil; the service degrades to store+gateway only.
type Options struct {
	Redis    *redis.Client
	Notifier Notifier
	Monitor  *monitoring.Monitor

	// SessionTTL bounds the redis status-cache entry created at
	// initiation. Defaults to 30 minutes.
	SessionTTL time.Duration
}

type PaymentService struct {
	store    store.Store
	gateway  gateway.Gateway
	redis    *redis.Client
	notifier Notifier
	monitor  *monitoring.Monitor
	breaker  *utils.CircuitBreaker

	currency      string
	publicBaseURL string
	sessionTTL    time.Duration
}

func NewPaymentService(st store.Store, gw gateway.Gateway, publicBaseURL, currency string, opts Options) *PaymentService {
	if opts.SessionTTL == 0 {
		opts.SessionTTL = 30 * time.Minute
	}

	return &PaymentService{
		store:         st,
		gateway:       gw,
		redis:         opts.Redis,
		notifier:      opts.Notifier,
		monitor:       opts.Monitor,
		breaker:       utils.NewCircuitBreaker(string(gw.Provider())),
		currency:      currency,
		publicBaseURL: publicBaseURL,
		sessionTTL:    opts.SessionTTL,
	}
}

type InitiatePaymentResult struct {
	CheckoutURL string `json:"checkout_url"`
	TxRef       string `json:"tx_ref"`
}

// InitiatePayment opens a hosted checkout session for a pending order.
//
// The payment record is created PENDING before the gateway call; when the
// call fails the record stays PENDING, which is safe: tickets are only
// ever issued on a confirmed claim, so an orphaned PENDING row costs
// nothing and the buyer can retry.
func (s *PaymentService) InitiatePayment(ctx context.Context, buyerID string, req InitiatePaymentRequest) (*InitiatePaymentResult, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrInvalidRequest, err)
	}

	order, err := s.store.OrderByID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if buyerID != "" && order.BuyerID != buyerID {
		// Do not leak other buyers' orders.
		return nil, status.ErrOrderNotFound
	}
	if order.PaymentStatus != models.OrderPaymentPending {
		return nil, fmt.Errorf("%w: order %s is %s", status.ErrOrderNotPending, order.ID, order.PaymentStatus)
	}

	txRef, err := utils.GenerateTxRef()
	if err != nil {
		return nil, fmt.Errorf("generate tx_ref: %w", err)
	}

	payment := &models.Payment{
		OrderID:  order.ID,
		BuyerID:  order.BuyerID,
		TxRef:    txRef,
		Amount:   order.TotalAmount,
		Currency: s.currency,
		Status:   models.PaymentPending,
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	initReq := &gateway.InitializeRequest{
		TxRef:       txRef,
		Amount:      order.TotalAmount,
		Currency:    s.currency,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		Email:       req.Email,
		Phone:       req.PhoneNumber,
		CallbackURL: fmt.Sprintf("%s/api/payment/callback/%s", s.publicBaseURL, txRef),
		ReturnURL:   req.ReturnURL,
	}

	started := time.Now()
	res, err := s.breaker.Execute(ctx, func() (interface{}, error) {
		return s.gateway.Initialize(ctx, initReq)
	})
	s.trackGatewayCall("initialize", started)
	if err != nil {
		if errors.Is(err, utils.ErrBreakerOpen) {
			err = fmt.Errorf("%w: %v", status.ErrGatewayUnavailable, err)
		}
		s.trackInitiation("error")
		slog.Error("payment initialization failed at gateway",
			"tx_ref", txRef, "order_id", order.ID, "err", err)
		return nil, err
	}
	checkout := res.(*gateway.InitializeResult)

	s.cacheSession(ctx, payment, checkout.CheckoutURL)
	s.trackInitiation("ok")

	slog.Info("payment initiated",
		"tx_ref", txRef, "order_id", order.ID, "amount", order.TotalAmount.String())

	return &InitiatePaymentResult{
		CheckoutURL: checkout.CheckoutURL,
		TxRef:       txRef,
	}, nil
}

type ReconcileResult struct {
	TxRef            string
	Payment          *models.Payment
	Order            *models.Order
	TicketsIssued    int
	AlreadyConfirmed bool
}

// Reconcile drives a payment to its terminal state from the gateway's
// authoritative answer. It is safe to call concurrently and repeatedly
// for the same tx_ref from any entry point: exactly one caller wins the
// storage-level claim and issues tickets, every other caller observes the
// confirmed state and returns the same success.
func (s *PaymentService) Reconcile(ctx context.Context, txRef string, source ReconcileSource) (*ReconcileResult, error) {
	started := time.Now()
	res, err := s.breaker.Execute(ctx, func() (interface{}, error) {
		return s.gateway.Verify(ctx, txRef)
	})
	s.trackGatewayCall("verify", started)
	if err != nil {
		if errors.Is(err, utils.ErrBreakerOpen) {
			err = fmt.Errorf("%w: %v", status.ErrGatewayUnavailable, err)
		}
		s.trackReconciliation(source, "gateway_unavailable")
		return nil, err
	}
	tx := res.(*status.Transaction)

	payment, err := s.store.PaymentByTxRef(ctx, txRef)
	if err != nil {
		if errors.Is(err, status.ErrPaymentRecordNotFound) {
			// A tx_ref this system never issued; worth flagging.
			slog.Warn("reconcile for unknown tx_ref", "tx_ref", txRef, "source", source)
			s.trackReconciliation(source, "unknown_tx_ref")
		}
		return nil, err
	}

	// Fast idempotency gate. Duplicate webhook deliveries and late verify
	// calls end here without touching the gateway-reported state again.
	if payment.Status == models.PaymentSuccess {
		s.trackDuplicate(source)
		return s.alreadyConfirmed(ctx, txRef, payment)
	}

	switch tx.Outcome {
	case status.OutcomePending:
		s.trackReconciliation(source, "pending")
		return nil, status.ErrNotYetConfirmed

	case status.OutcomeFailed:
		if err := s.store.FailPayment(ctx, txRef); err != nil {
			return nil, err
		}
		s.cacheStatus(ctx, txRef, models.PaymentFailed)
		s.trackReconciliation(source, "failed")
		slog.Info("payment reported failed by gateway", "tx_ref", txRef, "source", source)
		return nil, status.ErrPaymentFailed
	}

	if !tx.Amount.IsZero() && !tx.Amount.Equal(payment.Amount) {
		slog.Error("gateway amount does not match payment record",
			"tx_ref", txRef, "gateway_amount", tx.Amount.String(), "amount", payment.Amount.String())
		s.trackReconciliation(source, "amount_mismatch")
		return nil, status.ErrAmountMismatch
	}

	confirmed, err := s.store.ConfirmPayment(ctx, txRef, tx.GatewayRef)
	if err != nil {
		if errors.Is(err, status.ErrPaymentFailed) {
			s.trackReconciliation(source, "failed")
		} else {
			s.trackReconciliation(source, "error")
		}
		return nil, err
	}

	if !confirmed.Claimed {
		// Lost the race to a concurrent reconcile.
		s.trackDuplicate(source)
		return s.alreadyConfirmed(ctx, txRef, confirmed.Payment)
	}

	s.cacheStatus(ctx, txRef, models.PaymentSuccess)
	s.trackReconciliation(source, "confirmed")
	if s.monitor != nil {
		s.monitor.TrackTicketsIssued(string(confirmed.Order.TicketType), len(confirmed.Tickets))
	}
	if s.notifier != nil {
		s.notifier.NotifyPaymentSuccess(ctx, confirmed.Payment.BuyerID, map[string]any{
			"type":     "payment_success",
			"tx_ref":   txRef,
			"order_id": confirmed.Order.ID,
			"tickets":  len(confirmed.Tickets),
		})
	}

	slog.Info("payment confirmed",
		"tx_ref", txRef, "order_id", confirmed.Order.ID,
		"tickets", len(confirmed.Tickets), "source", source)

	return &ReconcileResult{
		TxRef:         txRef,
		Payment:       confirmed.Payment,
		Order:         confirmed.Order,
		TicketsIssued: len(confirmed.Tickets),
	}, nil
}

// VerifyAndReconcile is the synchronous path, hit when the buyer's browser
// returns from the hosted checkout page.
func (s *PaymentService) VerifyAndReconcile(ctx context.Context, txRef string) (*ReconcileResult, error) {
	return s.Reconcile(ctx, txRef, SourceVerify)
}

// HandleWebhook is the asynchronous path, hit by the gateway's
// server-to-server callback. The idempotent short-circuit counts as
// processed so the provider stops retrying.
func (s *PaymentService) HandleWebhook(ctx context.Context, txRef string) (*ReconcileResult, error) {
	return s.Reconcile(ctx, txRef, SourceWebhook)
}

// PaymentStatus answers the buyer-facing status poll, preferring the
// redis cache and falling back to the payment record.
func (s *PaymentService) PaymentStatus(ctx context.Context, txRef string) (*models.Payment, error) {
	return s.store.PaymentByTxRef(ctx, txRef)
}

// RunPendingSweeper periodically re-reconciles PENDING payments older
// than minAge, so a lost webhook plus a never-returning browser still
// converges. Blocks until ctx is cancelled.
func (s *PaymentService) RunPendingSweeper(ctx context.Context, interval, minAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepPending(ctx, minAge)
		}
	}
}

func (s *PaymentService) sweepPending(ctx context.Context, minAge time.Duration) {
	refs, err := s.store.StalePendingTxRefs(ctx, minAge, 50)
	if err != nil {
		slog.Error("pending sweep: list stale payments", "err", err)
		return
	}

	for _, ref := range refs {
		if _, err := s.Reconcile(ctx, ref, SourceSweeper); err != nil {
			switch {
			case errors.Is(err, status.ErrNotYetConfirmed),
				errors.Is(err, status.ErrPaymentFailed):
				// Expected terminal/intermediate answers for stale refs.
			case errors.Is(err, status.ErrGatewayUnavailable):
				// Gateway is down; the rest of the batch will fare no
				// better.
				return
			default:
				slog.Error("pending sweep: reconcile", "tx_ref", ref, "err", err)
			}
		}
	}
}

func (s *PaymentService) alreadyConfirmed(ctx context.Context, txRef string, payment *models.Payment) (*ReconcileResult, error) {
	res := &ReconcileResult{
		TxRef:            txRef,
		Payment:          payment,
		AlreadyConfirmed: true,
	}
	if order, err := s.store.OrderByID(ctx, payment.OrderID); err == nil {
		res.Order = order
	}
	return res, nil
}

func (s *PaymentService) cacheSession(ctx context.Context, p *models.Payment, checkoutURL string) {
	if s.redis == nil {
		return
	}

	key := sessionKey(p.TxRef)
	s.redis.HSet(ctx, key, map[string]any{
		"order_id":     p.OrderID,
		"buyer_id":     p.BuyerID,
		"amount":       p.Amount.String(),
		"currency":     p.Currency,
		"status":       string(p.Status),
		"checkout_url": checkoutURL,
	})
	s.redis.Expire(ctx, key, s.sessionTTL)
}

func (s *PaymentService) cacheStatus(ctx context.Context, txRef string, st models.PaymentStatus) {
	if s.redis == nil {
		return
	}
	if err := s.redis.HSet(ctx, sessionKey(txRef), "status", string(st)).Err(); err != nil {
		slog.Warn("payment status cache update failed", "tx_ref", txRef, "err", err)
	}
}

func sessionKey(txRef string) string {
	return fmt.Sprintf("payment:%s", txRef)
}

func (s *PaymentService) trackInitiation(outcome string) {
	if s.monitor != nil {
		s.monitor.TrackInitiation(outcome)
	}
}

func (s *PaymentService) trackReconciliation(source ReconcileSource, outcome string) {
	if s.monitor != nil {
		s.monitor.TrackReconciliation(string(source), outcome)
	}
}

func (s *PaymentService) trackDuplicate(source ReconcileSource) {
	if s.monitor != nil {
		s.monitor.TrackDuplicateReconciliation()
		s.monitor.TrackReconciliation(string(source), "duplicate")
	}
}

func (s *PaymentService) trackGatewayCall(op string, started time.Time) {
	if s.monitor != nil {
		s.monitor.TrackGatewayCall(op, time.Since(started))
	}
}
