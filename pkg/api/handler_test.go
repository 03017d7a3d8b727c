package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ursadefi/ursapay/pkg/core"
	"github.com/ursadefi/ursapay/pkg/events"
	"github.com/ursadefi/ursapay/pkg/storage"
	"github.com/ursadefi/ursapay/pkg/tagging"
)

const receiver = "rNb4AKqA6QwhD8Nfff7rVxg5RPmyTE1vVn"

type recordingNotary struct {
	mu       sync.Mutex
	invoices []string
	txID     string
}

func (n *recordingNotary) Notarize(ctx context.Context, inv *core.Invoice) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.invoices = append(n.invoices, inv.ID.String())
	return n.txID, nil
}

func newTestHandler(t *testing.T, store storage.Store, notarizer Notarizer) *Handler {
	t.Helper()
	logger := zap.NewNop()
	return NewHandler(logger, store, tagging.NewAllocator(store), events.NewDispatcher(logger), notarizer, receiver, "UrsaDeFi")
}

// conflictOnceStore loses the first tag race, as if a concurrent create
// claimed the same tag between allocation and persistence.
type conflictOnceStore struct {
	storage.Store
	conflicts int
}

func (s *conflictOnceStore) Create(ctx context.Context, inv *core.Invoice) error {
	if s.conflicts > 0 {
		s.conflicts--
		return core.ErrConflict
	}
	return s.Store.Create(ctx, inv)
}

func createBody(t *testing.T, amount string) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"client_name": "Acme Corp",
		"description": "site redesign",
		"amount":      amount,
		"due_at":      time.Now().Add(72 * time.Hour).Format(time.RFC3339),
	})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestCreateInvoice(t *testing.T) {
	store := storage.NewMemStore()
	h := newTestHandler(t, store, nil)
	router := h.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/invoices", createBody(t, "150.25")))
	require.Equal(t, http.StatusCreated, rec.Code)

	var view invoiceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "pending", view.Status)
	require.Equal(t, "Acme Corp", view.ClientName)
	require.NotZero(t, view.CorrelationTag)
	require.Contains(t, view.PaymentURI, receiver)
	require.Contains(t, view.PaymentURI, "amount=150.25")

	pending, err := store.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestCreateInvoiceRetriesLostTagRace(t *testing.T) {
	store := &conflictOnceStore{Store: storage.NewMemStore(), conflicts: 1}
	h := newTestHandler(t, store, nil)
	router := h.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/invoices", createBody(t, "10")))
	require.Equal(t, http.StatusCreated, rec.Code)

	pending, err := store.ListPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestCreateInvoiceValidation(t *testing.T) {
	tests := []struct {
		name string
		body func(t *testing.T) *bytes.Buffer
	}{
		{
			name: "garbage body",
			body: func(t *testing.T) *bytes.Buffer { return bytes.NewBufferString("{") },
		},
		{
			name: "zero amount",
			body: func(t *testing.T) *bytes.Buffer { return createBody(t, "0") },
		},
		{
			name: "negative amount",
			body: func(t *testing.T) *bytes.Buffer { return createBody(t, "-5") },
		},
		{
			name: "past due date",
			body: func(t *testing.T) *bytes.Buffer {
				body, err := json.Marshal(map[string]interface{}{
					"client_name": "Acme",
					"amount":      "10",
					"due_at":      time.Now().Add(-time.Hour).Format(time.RFC3339),
				})
				require.NoError(t, err)
				return bytes.NewBuffer(body)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, storage.NewMemStore(), nil)
			rec := httptest.NewRecorder()
			h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/invoices", tt.body(t)))
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCreateInvoiceTriggersNotary(t *testing.T) {
	store := storage.NewMemStore()
	notarizer := &recordingNotary{txID: "NOTARYHASH"}
	h := newTestHandler(t, store, notarizer)

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/invoices", createBody(t, "10")))
	require.Equal(t, http.StatusCreated, rec.Code)

	var view invoiceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))

	// notarization is asynchronous and best-effort
	require.Eventually(t, func() bool {
		inv, err := store.List(context.Background())
		if err != nil || len(inv) != 1 {
			return false
		}
		return inv[0].NotaryTransactionID == "NOTARYHASH"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetInvoice(t *testing.T) {
	store := storage.NewMemStore()
	h := newTestHandler(t, store, nil)
	router := h.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/invoices", createBody(t, "10")))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created invoiceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/invoices/"+created.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/invoices/not-a-uuid", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/invoices/00000000-0000-0000-0000-000000000000", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListInvoices(t *testing.T) {
	store := storage.NewMemStore()
	h := newTestHandler(t, store, nil)
	router := h.Router()

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/invoices", createBody(t, "10")))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/invoices", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var views []invoiceView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 3)

	// every invoice holds a distinct tag while pending
	tags := map[uint32]struct{}{}
	for _, v := range views {
		tags[v.CorrelationTag] = struct{}{}
	}
	require.Len(t, tags, 3)
}

func TestHealthz(t *testing.T) {
	h := newTestHandler(t, storage.NewMemStore(), nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}
