package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/types"
	"github.com/shopspring/decimal"

	"ticket-marketplace/internal/status"
	"ticket-marketplace/models"
	"ticket-marketplace/utils"
)

// PBStore persists orders, payments and tickets as PocketBase collections.
// payments.tx_ref and tickets.code carry unique indexes (see migrations).
type PBStore struct {
	app core.App
}

func NewPBStore(app core.App) *PBStore {
	return &PBStore{app: app}
}

var _ Store = (*PBStore)(nil)

func (s *PBStore) OrderByID(ctx context.Context, id string) (*models.Order, error) {
	rec, err := s.app.FindRecordById("orders", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, status.ErrOrderNotFound
		}
		return nil, fmt.Errorf("OrderByID: %w", err)
	}
	return orderFromRecord(rec), nil
}

func (s *PBStore) CreatePayment(ctx context.Context, p *models.Payment) error {
	col, err := s.app.FindCollectionByNameOrId("payments")
	if err != nil {
		return fmt.Errorf("CreatePayment: %w", err)
	}

	rec := core.NewRecord(col)
	rec.Set("order_id", p.OrderID)
	rec.Set("buyer_id", p.BuyerID)
	rec.Set("tx_ref", p.TxRef)
	rec.Set("amount", p.Amount.InexactFloat64())
	rec.Set("currency", p.Currency)
	rec.Set("status", string(p.Status))

	if err := s.app.SaveWithContext(ctx, rec); err != nil {
		return fmt.Errorf("CreatePayment: %w", err)
	}

	p.ID = rec.Id
	p.CreatedAt = rec.GetDateTime("created").Time()
	return nil
}

func (s *PBStore) PaymentByTxRef(ctx context.Context, txRef string) (*models.Payment, error) {
	rec, err := s.findPaymentRecord(s.app, txRef)
	if err != nil {
		return nil, err
	}
	return paymentFromRecord(rec), nil
}

func (s *PBStore) findPaymentRecord(app core.App, txRef string) (*core.Record, error) {
	rec, err := app.FindFirstRecordByFilter("payments", "tx_ref = {:ref}", dbx.Params{"ref": txRef})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, status.ErrPaymentRecordNotFound
		}
		return nil, fmt.Errorf("findPaymentRecord: %w", err)
	}
	return rec, nil
}

// ConfirmPayment runs the whole confirmation as one transaction. The claim
// is a conditional UPDATE guarded on status = PENDING; only the caller
// whose UPDATE touched exactly one row proceeds to the order transition and
// the ticket inserts, so the read-check-act sequence cannot interleave with
// a concurrent reconcile of the same tx_ref.
func (s *PBStore) ConfirmPayment(ctx context.Context, txRef, gatewayRef string) (*ConfirmedPayment, error) {
	out := &ConfirmedPayment{}

	txErr := s.app.RunInTransaction(func(txApp core.App) error {
		res, err := txApp.DB().NewQuery(
			"UPDATE payments SET status = {:success}, gateway_ref = {:gref}, completed_at = {:now} WHERE tx_ref = {:ref} AND status = {:pending}",
		).Bind(dbx.Params{
			"success": string(models.PaymentSuccess),
			"gref":    gatewayRef,
			"now":     types.NowDateTime(),
			"ref":     txRef,
			"pending": string(models.PaymentPending),
		}).Execute()
		if err != nil {
			return fmt.Errorf("claim payment: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim payment: rows affected: %w", err)
		}

		payRec, err := s.findPaymentRecord(txApp, txRef)
		if err != nil {
			return err
		}
		out.Payment = paymentFromRecord(payRec)

		if rows == 0 {
			// Lost the race or a duplicate callback: nothing to do as
			// long as the payment really is confirmed.
			switch out.Payment.Status {
			case models.PaymentSuccess:
				out.Claimed = false
				return nil
			case models.PaymentFailed:
				return status.ErrPaymentFailed
			default:
				return fmt.Errorf("claim payment: tx_ref %s still %s after zero-row claim", txRef, out.Payment.Status)
			}
		}

		out.Claimed = true

		orderRec, err := txApp.FindRecordById("orders", out.Payment.OrderID)
		if err != nil {
			return fmt.Errorf("load order %s: %w", out.Payment.OrderID, err)
		}
		orderRec.Set("payment_status", string(models.OrderPaymentPaid))
		if err := txApp.Save(orderRec); err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}
		out.Order = orderFromRecord(orderRec)

		ticketCol, err := txApp.FindCollectionByNameOrId("tickets")
		if err != nil {
			return fmt.Errorf("load tickets collection: %w", err)
		}

		for i := 0; i < out.Order.Quantity; i++ {
			code, err := utils.GenerateTicketCode()
			if err != nil {
				return fmt.Errorf("generate ticket code: %w", err)
			}

			rec := core.NewRecord(ticketCol)
			rec.Set("event_id", out.Order.EventID)
			rec.Set("buyer_id", out.Order.BuyerID)
			rec.Set("order_id", out.Order.ID)
			rec.Set("ticket_type", string(out.Order.TicketType))
			rec.Set("price", out.Order.UnitPrice.InexactFloat64())
			rec.Set("code", code)
			rec.Set("is_used", false)

			// A code collision trips the unique index, rolls the whole
			// confirmation back and leaves the payment PENDING for the
			// next retry.
			if err := txApp.Save(rec); err != nil {
				return fmt.Errorf("issue ticket %d/%d: %w", i+1, out.Order.Quantity, err)
			}

			out.Tickets = append(out.Tickets, ticketFromRecord(rec))
		}

		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	if !out.Claimed && out.Order == nil {
		orderRec, err := s.app.FindRecordById("orders", out.Payment.OrderID)
		if err == nil {
			out.Order = orderFromRecord(orderRec)
		}
	}

	return out, nil
}

func (s *PBStore) FailPayment(ctx context.Context, txRef string) error {
	return s.app.RunInTransaction(func(txApp core.App) error {
		res, err := txApp.DB().NewQuery(
			"UPDATE payments SET status = {:failed} WHERE tx_ref = {:ref} AND status = {:pending}",
		).Bind(dbx.Params{
			"failed":  string(models.PaymentFailed),
			"ref":     txRef,
			"pending": string(models.PaymentPending),
		}).Execute()
		if err != nil {
			return fmt.Errorf("fail payment: %w", err)
		}

		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("fail payment: rows affected: %w", err)
		}
		if rows == 0 {
			// Already confirmed or already failed.
			return nil
		}

		payRec, err := s.findPaymentRecord(txApp, txRef)
		if err != nil {
			return err
		}

		orderRec, err := txApp.FindRecordById("orders", payRec.GetString("order_id"))
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		if orderRec.GetString("payment_status") == string(models.OrderPaymentPending) {
			orderRec.Set("payment_status", string(models.OrderPaymentFailed))
			if err := txApp.Save(orderRec); err != nil {
				return fmt.Errorf("mark order failed: %w", err)
			}
		}
		return nil
	})
}

func (s *PBStore) StalePendingTxRefs(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	cutoff, err := types.ParseDateTime(time.Now().Add(-olderThan))
	if err != nil {
		return nil, fmt.Errorf("StalePendingTxRefs: %w", err)
	}

	var records []dbx.NullStringMap
	if err := s.app.DB().NewQuery(
		"SELECT tx_ref FROM payments WHERE status = {:pending} AND created < {:cutoff} ORDER BY created ASC LIMIT {:limit}",
	).Bind(dbx.Params{
		"pending": string(models.PaymentPending),
		"cutoff":  cutoff,
		"limit":   limit,
	}).All(&records); err != nil {
		return nil, fmt.Errorf("StalePendingTxRefs: %w", err)
	}

	refs := make([]string, 0, len(records))
	for _, record := range records {
		if ref := record["tx_ref"].String; ref != "" {
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (s *PBStore) TicketCountByOrder(ctx context.Context, orderID string) (int, error) {
	var records []dbx.NullStringMap
	if err := s.app.DB().NewQuery(
		"SELECT COUNT(*) AS total FROM tickets WHERE order_id = {:id}",
	).Bind(dbx.Params{"id": orderID}).All(&records); err != nil {
		return 0, fmt.Errorf("TicketCountByOrder: %w", err)
	}
	if len(records) == 0 {
		return 0, nil
	}
	total, _ := strconv.Atoi(records[0]["total"].String)
	return total, nil
}

func (s *PBStore) PaymentStatusCounts(ctx context.Context) (map[models.PaymentStatus]int, error) {
	var records []dbx.NullStringMap
	if err := s.app.DB().NewQuery(
		"SELECT status, COUNT(*) AS total FROM payments GROUP BY status",
	).All(&records); err != nil {
		return nil, fmt.Errorf("PaymentStatusCounts: %w", err)
	}

	counts := make(map[models.PaymentStatus]int, len(records))
	for _, record := range records {
		total, _ := strconv.Atoi(record["total"].String)
		counts[models.PaymentStatus(record["status"].String)] = total
	}
	return counts, nil
}

func orderFromRecord(rec *core.Record) *models.Order {
	return &models.Order{
		ID:            rec.Id,
		EventID:       rec.GetString("event_id"),
		BuyerID:       rec.GetString("buyer_id"),
		TicketType:    models.TicketType(rec.GetString("ticket_type")),
		Quantity:      rec.GetInt("quantity"),
		UnitPrice:     decimal.NewFromFloat(rec.GetFloat("unit_price")),
		TotalAmount:   decimal.NewFromFloat(rec.GetFloat("total_amount")),
		PaymentStatus: models.OrderPaymentStatus(rec.GetString("payment_status")),
		CreatedAt:     rec.GetDateTime("created").Time(),
	}
}

func paymentFromRecord(rec *core.Record) *models.Payment {
	p := &models.Payment{
		ID:         rec.Id,
		OrderID:    rec.GetString("order_id"),
		BuyerID:    rec.GetString("buyer_id"),
		TxRef:      rec.GetString("tx_ref"),
		Amount:     decimal.NewFromFloat(rec.GetFloat("amount")),
		Currency:   rec.GetString("currency"),
		Status:     models.PaymentStatus(rec.GetString("status")),
		GatewayRef: rec.GetString("gateway_ref"),
		CreatedAt:  rec.GetDateTime("created").Time(),
	}
	if completed := rec.GetDateTime("completed_at").Time(); !completed.IsZero() {
		p.CompletedAt = &completed
	}
	return p
}

func ticketFromRecord(rec *core.Record) *models.Ticket {
	return &models.Ticket{
		ID:         rec.Id,
		EventID:    rec.GetString("event_id"),
		BuyerID:    rec.GetString("buyer_id"),
		OrderID:    rec.GetString("order_id"),
		TicketType: models.TicketType(rec.GetString("ticket_type")),
		Price:      decimal.NewFromFloat(rec.GetFloat("price")),
		Code:       rec.GetString("code"),
		IsUsed:     rec.GetBool("is_used"),
		CreatedAt:  rec.GetDateTime("created").Time(),
	}
}
