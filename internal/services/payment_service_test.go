package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-marketplace/internal/services/gateway"
	"ticket-marketplace/internal/status"
	"ticket-marketplace/internal/store"
	"ticket-marketplace/models"
	"ticket-marketplace/utils"
)

// memStore is an in-memory Store with the same claim semantics as the
// real one: the PENDING -> SUCCESS transition and the ticket inserts
// happen under one lock, so exactly one concurrent caller can claim.
type memStore struct {
	mu       sync.Mutex
	orders   map[string]*models.Order
	payments map[string]*models.Payment // keyed by tx_ref
	tickets  []*models.Ticket
	nextID   int
}

func newMemStore() *memStore {
	return &memStore{
		orders:   map[string]*models.Order{},
		payments: map[string]*models.Payment{},
	}
}

func (m *memStore) addOrder(o *models.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
}

func (m *memStore) OrderByID(ctx context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, status.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.TxRef]; ok {
		return fmt.Errorf("duplicate tx_ref %s", p.TxRef)
	}
	m.nextID++
	p.ID = fmt.Sprintf("pay%d", m.nextID)
	p.CreatedAt = time.Now()
	cp := *p
	m.payments[p.TxRef] = &cp
	return nil
}

func (m *memStore) PaymentByTxRef(ctx context.Context, txRef string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[txRef]
	if !ok {
		return nil, status.ErrPaymentRecordNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ConfirmPayment(ctx context.Context, txRef, gatewayRef string) (*store.ConfirmedPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[txRef]
	if !ok {
		return nil, status.ErrPaymentRecordNotFound
	}

	switch p.Status {
	case models.PaymentSuccess:
		pc, oc := *p, *m.orders[p.OrderID]
		return &store.ConfirmedPayment{Claimed: false, Payment: &pc, Order: &oc}, nil
	case models.PaymentFailed:
		return nil, status.ErrPaymentFailed
	}

	now := time.Now()
	p.Status = models.PaymentSuccess
	p.GatewayRef = gatewayRef
	p.CompletedAt = &now

	order := m.orders[p.OrderID]
	order.PaymentStatus = models.OrderPaymentPaid

	out := &store.ConfirmedPayment{Claimed: true}
	pc, oc := *p, *order
	out.Payment, out.Order = &pc, &oc

	for i := 0; i < order.Quantity; i++ {
		code, err := utils.GenerateTicketCode()
		if err != nil {
			return nil, err
		}
		ticket := &models.Ticket{
			ID:         fmt.Sprintf("tkt%d", len(m.tickets)+1),
			EventID:    order.EventID,
			BuyerID:    order.BuyerID,
			OrderID:    order.ID,
			TicketType: order.TicketType,
			Price:      order.UnitPrice,
			Code:       code,
			CreatedAt:  now,
		}
		m.tickets = append(m.tickets, ticket)
		out.Tickets = append(out.Tickets, ticket)
	}

	return out, nil
}

func (m *memStore) FailPayment(ctx context.Context, txRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[txRef]
	if !ok || p.Status != models.PaymentPending {
		return nil
	}
	p.Status = models.PaymentFailed
	if order := m.orders[p.OrderID]; order != nil && order.PaymentStatus == models.OrderPaymentPending {
		order.PaymentStatus = models.OrderPaymentFailed
	}
	return nil
}

func (m *memStore) StalePendingTxRefs(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var refs []string
	cutoff := time.Now().Add(-olderThan)
	for ref, p := range m.payments {
		if p.Status == models.PaymentPending && p.CreatedAt.Before(cutoff) {
			refs = append(refs, ref)
			if len(refs) == limit {
				break
			}
		}
	}
	return refs, nil
}

func (m *memStore) TicketCountByOrder(ctx context.Context, orderID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, t := range m.tickets {
		if t.OrderID == orderID {
			count++
		}
	}
	return count, nil
}

func (m *memStore) PaymentStatusCounts(ctx context.Context) (map[models.PaymentStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[models.PaymentStatus]int{}
	for _, p := range m.payments {
		counts[p.Status]++
	}
	return counts, nil
}

var _ store.Store = (*memStore)(nil)

// fakeGateway serves canned transactions. Verify for a tx_ref it never
// saw reports a failed outcome, which is how the real provider answers
// for unknown references.
type fakeGateway struct {
	mu        sync.Mutex
	lastInit  *gateway.InitializeRequest
	initErr   error
	verifyErr error
	tx        map[string]*status.Transaction
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{tx: map[string]*status.Transaction{}}
}

func (f *fakeGateway) Provider() gateway.Provider { return "fake" }

func (f *fakeGateway) Initialize(ctx context.Context, req *gateway.InitializeRequest) (*gateway.InitializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return nil, f.initErr
	}
	f.lastInit = req
	return &gateway.InitializeResult{CheckoutURL: "https://checkout.example/" + req.TxRef}, nil
}

func (f *fakeGateway) Verify(ctx context.Context, txRef string) (*status.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	if tx, ok := f.tx[txRef]; ok {
		cp := *tx
		return &cp, nil
	}
	return &status.Transaction{TxRef: txRef, Outcome: status.OutcomeFailed}, nil
}

func (f *fakeGateway) reportSuccess(txRef string, amount decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tx[txRef] = &status.Transaction{
		TxRef:      txRef,
		GatewayRef: "GW-" + txRef,
		Outcome:    status.OutcomeSuccess,
		Amount:     amount,
		Currency:   "ETB",
		ChargedAt:  time.Now(),
	}
}

func (f *fakeGateway) reportPending(txRef string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tx[txRef] = &status.Transaction{TxRef: txRef, Outcome: status.OutcomePending}
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) NotifyPaymentSuccess(ctx context.Context, buyerID string, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, buyerID)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func newTestService(t *testing.T) (*PaymentService, *memStore, *fakeGateway, *recordingNotifier) {
	t.Helper()
	st := newMemStore()
	gw := newFakeGateway()
	notifier := &recordingNotifier{}
	svc := NewPaymentService(st, gw, "https://tickets.example", "ETB", Options{Notifier: notifier})
	return svc, st, gw, notifier
}

func pendingOrder(id string, quantity int, total float64) *models.Order {
	return &models.Order{
		ID:            id,
		EventID:       "event1",
		BuyerID:       "buyer1",
		TicketType:    models.TicketTypeVIP,
		Quantity:      quantity,
		UnitPrice:     decimal.NewFromFloat(total / float64(quantity)),
		TotalAmount:   decimal.NewFromFloat(total),
		PaymentStatus: models.OrderPaymentPending,
	}
}

func validRequest(orderID string) InitiatePaymentRequest {
	return InitiatePaymentRequest{
		OrderID:     orderID,
		FirstName:   "Abel",
		LastName:    "Tesfaye",
		Email:       "abel@example.com",
		PhoneNumber: "0911223344",
	}
}

func TestPaymentService_InitiatePayment_Success(t *testing.T) {
	svc, st, gw, _ := newTestService(t)
	st.addOrder(pendingOrder("order1", 2, 200))

	res, err := svc.InitiatePayment(context.Background(), "buyer1", validRequest("order1"))
	require.NoError(t, err)

	assert.NotEmpty(t, res.TxRef)
	assert.Equal(t, "https://checkout.example/"+res.TxRef, res.CheckoutURL)

	payment, err := st.PaymentByTxRef(context.Background(), res.TxRef)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPending, payment.Status)
	assert.Equal(t, "order1", payment.OrderID)
	assert.True(t, payment.Amount.Equal(decimal.NewFromInt(200)))

	// The callback URL handed to the gateway must embed the tx_ref.
	require.NotNil(t, gw.lastInit)
	assert.Equal(t, "https://tickets.example/api/payment/callback/"+res.TxRef, gw.lastInit.CallbackURL)
	assert.Equal(t, "0911223344", gw.lastInit.Phone)
}

func TestPaymentService_InitiatePayment_MissingPhone(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	st.addOrder(pendingOrder("order1", 1, 100))

	req := validRequest("order1")
	req.PhoneNumber = ""

	_, err := svc.InitiatePayment(context.Background(), "buyer1", req)
	require.ErrorIs(t, err, status.ErrInvalidRequest)

	counts, _ := st.PaymentStatusCounts(context.Background())
	assert.Empty(t, counts, "no payment record may exist after a validation failure")
}

func TestPaymentService_InitiatePayment_OrderNotFound(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.InitiatePayment(context.Background(), "buyer1", validRequest("missing"))
	assert.ErrorIs(t, err, status.ErrOrderNotFound)
}

func TestPaymentService_InitiatePayment_ForeignOrder(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	st.addOrder(pendingOrder("order1", 1, 100))

	_, err := svc.InitiatePayment(context.Background(), "someone-else", validRequest("order1"))
	assert.ErrorIs(t, err, status.ErrOrderNotFound)
}

func TestPaymentService_InitiatePayment_OrderNotPending(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	order := pendingOrder("order1", 1, 100)
	order.PaymentStatus = models.OrderPaymentPaid
	st.addOrder(order)

	_, err := svc.InitiatePayment(context.Background(), "buyer1", validRequest("order1"))
	assert.ErrorIs(t, err, status.ErrOrderNotPending)
}

func TestPaymentService_InitiatePayment_GatewayDown(t *testing.T) {
	svc, st, gw, _ := newTestService(t)
	st.addOrder(pendingOrder("order1", 1, 100))
	gw.initErr = status.ErrGatewayUnavailable

	_, err := svc.InitiatePayment(context.Background(), "buyer1", validRequest("order1"))
	require.ErrorIs(t, err, status.ErrGatewayUnavailable)

	// The PENDING record stays behind; it is harmless and re-drivable.
	counts, _ := st.PaymentStatusCounts(context.Background())
	assert.Equal(t, 1, counts[models.PaymentPending])
	ticketCount, _ := st.TicketCountByOrder(context.Background(), "order1")
	assert.Zero(t, ticketCount)
}

func TestPaymentService_Reconcile_EndToEnd(t *testing.T) {
	svc, st, gw, notifier := newTestService(t)
	st.addOrder(pendingOrder("order1", 3, 300))

	res, err := svc.InitiatePayment(context.Background(), "buyer1", validRequest("order1"))
	require.NoError(t, err)

	gw.reportSuccess(res.TxRef, decimal.NewFromInt(300))

	// First reconcile wins the claim and issues the tickets.
	first, err := svc.VerifyAndReconcile(context.Background(), res.TxRef)
	require.NoError(t, err)
	assert.False(t, first.AlreadyConfirmed)
	assert.Equal(t, 3, first.TicketsIssued)
	assert.Equal(t, models.PaymentSuccess, first.Payment.Status)
	assert.Equal(t, "GW-"+res.TxRef, first.Payment.GatewayRef)
	assert.Equal(t, models.OrderPaymentPaid, first.Order.PaymentStatus)

	codes := map[string]bool{}
	st.mu.Lock()
	for _, ticket := range st.tickets {
		codes[ticket.Code] = true
	}
	st.mu.Unlock()
	assert.Len(t, codes, 3, "ticket codes must be distinct")

	// Duplicate webhook retry short-circuits on the idempotency gate.
	second, err := svc.HandleWebhook(context.Background(), res.TxRef)
	require.NoError(t, err)
	assert.True(t, second.AlreadyConfirmed)

	ticketCount, _ := st.TicketCountByOrder(context.Background(), "order1")
	assert.Equal(t, 3, ticketCount)
	assert.Equal(t, 1, notifier.count(), "buyer is notified exactly once")
}

func TestPaymentService_Reconcile_Pending_NoMutation(t *testing.T) {
	svc, st, gw, _ := newTestService(t)
	st.addOrder(pendingOrder("order1", 2, 200))

	res, err := svc.InitiatePayment(context.Background(), "buyer1", validRequest("order1"))
	require.NoError(t, err)
	gw.reportPending(res.TxRef)

	_, err = svc.Reconcile(context.Background(), res.TxRef, SourceWebhook)
	require.ErrorIs(t, err, status.ErrNotYetConfirmed)

	payment, _ := st.PaymentByTxRef(context.Background(), res.TxRef)
	assert.Equal(t, models.PaymentPending, payment.Status)
	order, _ := st.OrderByID(context.Background(), "order1")
	assert.Equal(t, models.OrderPaymentPending, order.PaymentStatus)
	ticketCount, _ := st.TicketCountByOrder(context.Background(), "order1")
	assert.Zero(t, ticketCount)

	// A later success still goes through.
	gw.reportSuccess(res.TxRef, decimal.NewFromInt(200))
	result, err := svc.Reconcile(context.Background(), res.TxRef, SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TicketsIssued)
}

func TestPaymentService_Reconcile_UnknownTxRef(t *testing.T) {
	svc, st, _, _ := newTestService(t)

	_, err := svc.Reconcile(context.Background(), "TX-NEVER-ISSUED", SourceWebhook)
	require.ErrorIs(t, err, status.ErrPaymentRecordNotFound)

	counts, _ := st.PaymentStatusCounts(context.Background())
	assert.Empty(t, counts)
	st.mu.Lock()
	assert.Empty(t, st.tickets)
	st.mu.Unlock()
}

func TestPaymentService_Reconcile_GatewayFailedVerdict(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	st.addOrder(pendingOrder("order1", 1, 100))

	res, err := svc.InitiatePayment(context.Background(), "buyer1", validRequest("order1"))
	require.NoError(t, err)
	// Unknown to the fake gateway => failed outcome.

	_, err = svc.Reconcile(context.Background(), res.TxRef, SourceVerify)
	require.ErrorIs(t, err, status.ErrPaymentFailed)

	payment, _ := st.PaymentByTxRef(context.Background(), res.TxRef)
	assert.Equal(t, models.PaymentFailed, payment.Status)
	order, _ := st.OrderByID(context.Background(), "order1")
	assert.Equal(t, models.OrderPaymentFailed, order.PaymentStatus)
	ticketCount, _ := st.TicketCountByOrder(context.Background(), "order1")
	assert.Zero(t, ticketCount)
}

func TestPaymentService_Reconcile_GatewayUnavailable(t *testing.T) {
	svc, st, gw, _ := newTestService(t)
	st.addOrder(pendingOrder("order1", 1, 100))

	res, err := svc.InitiatePayment(context.Background(), "buyer1", validRequest("order1"))
	require.NoError(t, err)
	gw.verifyErr = status.ErrGatewayUnavailable

	_, err = svc.Reconcile(context.Background(), res.TxRef, SourceWebhook)
	require.ErrorIs(t, err, status.ErrGatewayUnavailable)

	payment, _ := st.PaymentByTxRef(context.Background(), res.TxRef)
	assert.Equal(t, models.PaymentPending, payment.Status)
}

func TestPaymentService_Reconcile_AmountMismatch(t *testing.T) {
	svc, st, gw, _ := newTestService(t)
	st.addOrder(pendingOrder("order1", 1, 100))

	res, err := svc.InitiatePayment(context.Background(), "buyer1", validRequest("order1"))
	require.NoError(t, err)
	gw.reportSuccess(res.TxRef, decimal.NewFromInt(1))

	_, err = svc.Reconcile(context.Background(), res.TxRef, SourceWebhook)
	require.ErrorIs(t, err, status.ErrAmountMismatch)

	payment, _ := st.PaymentByTxRef(context.Background(), res.TxRef)
	assert.Equal(t, models.PaymentPending, payment.Status)
	ticketCount, _ := st.TicketCountByOrder(context.Background(), "order1")
	assert.Zero(t, ticketCount)
}

func TestPaymentService_Reconcile_ConcurrentCallers(t *testing.T) {
	svc, st, gw, notifier := newTestService(t)
	st.addOrder(pendingOrder("order1", 4, 400))

	res, err := svc.InitiatePayment(context.Background(), "buyer1", validRequest("order1"))
	require.NoError(t, err)
	gw.reportSuccess(res.TxRef, decimal.NewFromInt(400))

	const callers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	results := make([]*ReconcileResult, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			source := SourceVerify
			if i%2 == 0 {
				source = SourceWebhook
			}
			<-start
			results[i], errs[i] = svc.Reconcile(context.Background(), res.TxRef, source)
		}(i)
	}

	close(start)
	wg.Wait()

	claimed := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		if !results[i].AlreadyConfirmed {
			claimed++
		}
	}

	assert.Equal(t, 1, claimed, "exactly one caller may win the claim")
	ticketCount, _ := st.TicketCountByOrder(context.Background(), "order1")
	assert.Equal(t, 4, ticketCount, "tickets must never be double-issued")
	assert.Equal(t, 1, notifier.count())

	counts, _ := st.PaymentStatusCounts(context.Background())
	assert.Equal(t, 1, counts[models.PaymentSuccess])
}

func TestPaymentService_Reconcile_UniqueCodesAcrossOrders(t *testing.T) {
	svc, st, gw, _ := newTestService(t)

	for i := 0; i < 25; i++ {
		orderID := fmt.Sprintf("order%d", i)
		order := pendingOrder(orderID, 4, 400)
		st.addOrder(order)

		res, err := svc.InitiatePayment(context.Background(), "buyer1", validRequest(orderID))
		require.NoError(t, err)
		gw.reportSuccess(res.TxRef, decimal.NewFromInt(400))

		_, err = svc.Reconcile(context.Background(), res.TxRef, SourceWebhook)
		require.NoError(t, err)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	codes := map[string]bool{}
	for _, ticket := range st.tickets {
		assert.False(t, codes[ticket.Code], "duplicate ticket code %s", ticket.Code)
		codes[ticket.Code] = true
	}
	assert.Len(t, codes, 100)
}

func TestPaymentService_SweepPending(t *testing.T) {
	svc, st, gw, _ := newTestService(t)
	st.addOrder(pendingOrder("order1", 2, 200))

	res, err := svc.InitiatePayment(context.Background(), "buyer1", validRequest("order1"))
	require.NoError(t, err)
	gw.reportSuccess(res.TxRef, decimal.NewFromInt(200))

	// Backdate the record so the sweeper picks it up.
	st.mu.Lock()
	st.payments[res.TxRef].CreatedAt = time.Now().Add(-time.Hour)
	st.mu.Unlock()

	svc.sweepPending(context.Background(), 5*time.Minute)

	payment, err := st.PaymentByTxRef(context.Background(), res.TxRef)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentSuccess, payment.Status)
	ticketCount, _ := st.TicketCountByOrder(context.Background(), "order1")
	assert.Equal(t, 2, ticketCount)
}

func TestPaymentService_SweepPending_GatewayDownStopsBatch(t *testing.T) {
	svc, st, gw, _ := newTestService(t)
	st.addOrder(pendingOrder("order1", 1, 100))

	res, err := svc.InitiatePayment(context.Background(), "buyer1", validRequest("order1"))
	require.NoError(t, err)

	st.mu.Lock()
	st.payments[res.TxRef].CreatedAt = time.Now().Add(-time.Hour)
	st.mu.Unlock()

	gw.mu.Lock()
	gw.verifyErr = fmt.Errorf("%w: connection refused", status.ErrGatewayUnavailable)
	gw.mu.Unlock()

	svc.sweepPending(context.Background(), 5*time.Minute)

	payment, _ := st.PaymentByTxRef(context.Background(), res.TxRef)
	assert.Equal(t, models.PaymentPending, payment.Status)
}
