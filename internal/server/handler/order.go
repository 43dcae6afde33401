package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polymirror/internal/domain"
)

// OrderHandler serves the copy-order ledger read-only.
type OrderHandler struct {
	ledger domain.CopyOrderStore
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(ledger domain.CopyOrderStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{ledger: ledger, logger: logger.With(slog.String("handler", "orders"))}
}

type orderJSON struct {
	ID            string    `json:"id"`
	SignalID      string    `json:"signal_id"`
	SourceAddress string    `json:"source_address"`
	Market        string    `json:"market"`
	Outcome       string    `json:"outcome,omitempty"`
	Side          string    `json:"side"`
	SignalSize    string    `json:"signal_size"`
	SignalPrice   string    `json:"signal_price"`
	Size          string    `json:"size"`
	LimitPrice    string    `json:"limit_price"`
	Status        string    `json:"status"`
	VenueOrderID  string    `json:"venue_order_id,omitempty"`
	FilledSize    string    `json:"filled_size"`
	Attempts      int       `json:"attempts"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toOrderJSON(o domain.CopyOrder) orderJSON {
	return orderJSON{
		ID:            o.ID,
		SignalID:      o.SignalID,
		SourceAddress: o.SourceAddress,
		Market:        o.Market,
		Outcome:       o.Outcome,
		Side:          string(o.Side),
		SignalSize:    o.SignalSize.String(),
		SignalPrice:   o.SignalPrice.String(),
		Size:          o.ComputedSize.String(),
		LimitPrice:    o.LimitPrice.String(),
		Status:        string(o.Status),
		VenueOrderID:  o.VenueOrderID,
		FilledSize:    o.FilledSize.String(),
		Attempts:      o.Attempts,
		Reason:        o.Reason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
}

// ListOrders returns recent copy orders, newest first.
// GET /api/orders?limit=50&offset=0&since=RFC3339&until=RFC3339
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	orders, err := h.ledger.List(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list orders", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}
	out := make([]orderJSON, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderJSON(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

// GetOrder returns the copy order for one signal.
// GET /api/orders/{signal_id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("signal_id")
	o, err := h.ledger.GetBySignalID(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "get order", slog.String("signal_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get order")
	default:
		writeJSON(w, http.StatusOK, toOrderJSON(o))
	}
}
