package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ursadefi/ursapay/pkg/core"
	"github.com/ursadefi/ursapay/pkg/events"
	"github.com/ursadefi/ursapay/pkg/storage"
	"github.com/ursadefi/ursapay/pkg/tagging"
	"github.com/ursadefi/ursapay/pkg/xrpl"
)

// Notarizer is the optional metadata path; nil when no wallet is configured.
type Notarizer interface {
	Notarize(ctx context.Context, inv *core.Invoice) (string, error)
}

// Handler serves the invoice API. It never polls the ledger itself: status
// comes from the store and reconciliation outcomes from the event feed.
type Handler struct {
	logger     *zap.Logger
	store      storage.Store
	allocator  *tagging.Allocator
	dispatcher *events.Dispatcher
	notary     Notarizer
	receiver   string
	issuerName string
	now        func() time.Time
}

func NewHandler(logger *zap.Logger, store storage.Store, allocator *tagging.Allocator, dispatcher *events.Dispatcher, notary Notarizer, receiver, issuerName string) *Handler {
	return &Handler{
		logger:     logger,
		store:      store,
		allocator:  allocator,
		dispatcher: dispatcher,
		notary:     notary,
		receiver:   receiver,
		issuerName: issuerName,
		now:        time.Now,
	}
}

func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/invoices", h.createInvoice)
		r.Get("/invoices", h.listInvoices)
		r.Get("/invoices/{id}", h.getInvoice)
		r.Get("/events", h.streamEvents)
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createInvoiceRequest struct {
	ClientName  string          `json:"client_name"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	DueAt       time.Time       `json:"due_at"`
}

type invoiceView struct {
	ID                   string          `json:"id"`
	CorrelationTag       uint32          `json:"correlation_tag"`
	ExpectedAmount       decimal.Decimal `json:"expected_amount"`
	Status               string          `json:"status"`
	ClientName           string          `json:"client_name"`
	Description          string          `json:"description"`
	CreatedAt            time.Time       `json:"created_at"`
	DueAt                time.Time       `json:"due_at"`
	MatchedTransactionID string          `json:"matched_transaction_id,omitempty"`
	NotaryTransactionID  string          `json:"notary_transaction_id,omitempty"`
	PaymentURI           string          `json:"payment_uri"`
}

func (h *Handler) view(inv *core.Invoice) invoiceView {
	return invoiceView{
		ID:                   inv.ID.String(),
		CorrelationTag:       inv.CorrelationTag,
		ExpectedAmount:       inv.ExpectedAmount,
		Status:               string(inv.Status),
		ClientName:           inv.ClientName,
		Description:          inv.Description,
		CreatedAt:            inv.CreatedAt,
		DueAt:                inv.DueAt,
		MatchedTransactionID: inv.MatchedTransactionID,
		NotaryTransactionID:  inv.NotaryTransactionID,
		PaymentURI:           xrpl.PaymentURI(h.receiver, inv.CorrelationTag, inv.ExpectedAmount),
	}
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if req.DueAt.IsZero() || req.DueAt.Before(h.now()) {
		writeError(w, http.StatusBadRequest, "due_at must be in the future")
		return
	}
	var inv *core.Invoice
	for attempt := 0; ; attempt++ {
		tag, err := h.allocator.Allocate(r.Context())
		if err != nil {
			h.logger.Error("tag allocation failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		inv = &core.Invoice{
			ID:             uuid.New(),
			CorrelationTag: tag,
			ExpectedAmount: req.Amount,
			Status:         core.StatusPending,
			IssuerName:     h.issuerName,
			ClientName:     req.ClientName,
			Description:    req.Description,
			CreatedAt:      h.now(),
			DueAt:          req.DueAt,
		}
		err = h.store.Create(r.Context(), inv)
		if errors.Is(err, core.ErrConflict) && attempt < 2 {
			// a concurrent create claimed the same tag first, draw again
			continue
		}
		if err != nil {
			h.logger.Error("create invoice", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "create failed")
			return
		}
		break
	}
	if h.notary != nil {
		go h.notarize(inv)
	}
	writeJSON(w, http.StatusCreated, h.view(inv))
}

// notarize runs the best-effort metadata path. A failure here leaves the
// invoice valid and payable.
func (h *Handler) notarize(inv *core.Invoice) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	txID, err := h.notary.Notarize(ctx, inv)
	if err != nil {
		h.logger.Warn("notarization failed",
			zap.String("invoice", inv.ID.String()), zap.Error(err))
		return
	}
	if err := h.store.SetNotaryTransaction(ctx, inv.ID, txID); err != nil {
		h.logger.Error("record notary tx",
			zap.String("invoice", inv.ID.String()), zap.Error(err))
	}
}

func (h *Handler) listInvoices(w http.ResponseWriter, r *http.Request) {
	invoices, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("list invoices", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	views := make([]invoiceView, 0, len(invoices))
	for _, inv := range invoices {
		views = append(views, h.view(inv))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid invoice id")
		return
	}
	inv, err := h.store.Get(r.Context(), id)
	if errors.Is(err, core.ErrEntityNotFound) {
		writeError(w, http.StatusNotFound, "invoice not found")
		return
	}
	if err != nil {
		h.logger.Error("get invoice", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "get failed")
		return
	}
	writeJSON(w, http.StatusOK, h.view(inv))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
