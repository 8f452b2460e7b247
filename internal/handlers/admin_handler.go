package handlers

import (
	"net/http"
	"time"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"ticket-marketplace/internal/store"
	"ticket-marketplace/models"
)

type AdminHandler struct {
	app   *pocketbase.PocketBase
	store store.Store
}

func NewAdminHandler(app *pocketbase.PocketBase, st store.Store) *AdminHandler {
	return &AdminHandler{
		app:   app,
		store: st,
	}
}

// GetPaymentsDashboard - Aggregate payment health data for operators
func (h *AdminHandler) GetPaymentsDashboard(e *core.RequestEvent) error {
	if e.Auth == nil || e.Auth.Collection().Name != core.CollectionNameSuperusers {
		return apis.NewUnauthorizedError("Admin access required", nil)
	}
	ctx := e.Request.Context()

	counts, err := h.store.PaymentStatusCounts(ctx)
	if err != nil {
		return apis.NewApiError(http.StatusInternalServerError, "Failed to load payment counts", nil)
	}

	stale, err := h.store.StalePendingTxRefs(ctx, 15*time.Minute, 20)
	if err != nil {
		return apis.NewApiError(http.StatusInternalServerError, "Failed to load stale payments", nil)
	}

	return e.JSON(http.StatusOK, map[string]any{
		"payments": map[string]int{
			"pending": counts[models.PaymentPending],
			"success": counts[models.PaymentSuccess],
			"failed":  counts[models.PaymentFailed],
		},
		"stale_pending_tx_refs": stale,
		"generated_at":          time.Now().UTC(),
	})
}
