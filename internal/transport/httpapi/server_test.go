package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/assignment"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/audit"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/ledger"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/pricing"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/reconciliation"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/stock"
	"github.com/vladislavdragonenkov/fulfillment/internal/storage/memory"
	"github.com/vladislavdragonenkov/fulfillment/internal/transport/httpapi"
)

type envelope struct {
	Success bool               `json:"success"`
	Data    json.RawMessage    `json:"data"`
	Error   *httpapi.ErrorBody `json:"error"`
}

type fixture struct {
	handler http.Handler
	store   *memory.Store
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger.WithField("component", "test")
}

func newFixture(t *testing.T, opts ...memory.Option) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore(opts...)

	require.NoError(t, store.Articles().Create(ctx, domain.Article{ID: "X", SKU: "X", BasePriceMinor: 1000, StockQuantity: 10}))
	require.NoError(t, store.Articles().Create(ctx, domain.Article{ID: "Y", SKU: "Y", BasePriceMinor: 500, StockQuantity: 3}))
	for _, op := range []domain.Operator{
		{ID: "admin", Role: domain.RoleAdmin, Active: true},
		{ID: "conf-1", Role: domain.RoleConfirmation, Active: true},
		{ID: "conf-2", Role: domain.RoleConfirmation, Active: true},
	} {
		require.NoError(t, store.Operators().Save(ctx, op))
	}

	logger := quietLogger()
	states := ledger.New(store, logger, nil)
	prices := pricing.NewEngine(pricing.FeePolicy{DefaultMinor: 490})
	stockLedger := stock.New(store, logger, nil)

	srv := httpapi.NewServer(httpapi.Services{
		Basket:         pricing.NewBasket(store, states, prices, logger),
		States:         states,
		Assignment:     assignment.NewEngine(store, states, logger, nil),
		Reconciliation: reconciliation.NewEngine(store, states, stockLedger, prices, logger, nil),
		Stock:          stockLedger,
		Audit:          audit.New(store, logger),
		Idempotency:    memory.NewIdempotencyRepository(),
	}, logger, httpapi.Options{})

	return &fixture{handler: srv.Handler(), store: store}
}

func (f *fixture) do(t *testing.T, method, path, actor string, body any, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(httpapi.HeaderOperatorID, actor)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), "body: %s", rec.Body.String())
	return rec, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out))
	return out
}

func (f *fixture) createOrder(t *testing.T) httpapi.OrderDTO {
	t.Helper()
	rec, env := f.do(t, http.MethodPost, "/api/v1/orders", "admin", map[string]any{
		"client_ref":  "client-1",
		"destination": "FR",
		"lines":       []map[string]any{{"article_id": "X", "quantity": 2}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[httpapi.OrderDTO](t, env)
}

func TestCreateOrderAndReadBack(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)

	assert.NotEmpty(t, order.ID)
	assert.Equal(t, int64(2000+490), order.TotalMinor)
	require.Len(t, order.Lines, 1)

	rec, env := f.do(t, http.MethodGet, "/api/v1/orders/"+order.ID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, order.ID, decode[httpapi.OrderDTO](t, env).ID)

	rec, env = f.do(t, http.MethodGet, "/api/v1/orders/"+order.ID+"/state", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	current := decode[httpapi.StateDTO](t, env)
	assert.Equal(t, string(domain.StateNew), current.Kind)
	assert.True(t, current.Open)

	rec, env = f.do(t, http.MethodGet, "/api/v1/orders/"+order.ID+"/states", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]httpapi.StateDTO](t, env), 1)
}

func TestBasketEditsThroughAPI(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)
	lineID := order.Lines[0].ID

	rec, env := f.do(t, http.MethodPatch, "/api/v1/orders/"+order.ID+"/lines/"+lineID, "admin", map[string]any{"quantity": 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decode[httpapi.OrderDTO](t, env).Lines[0].Quantity)

	rec, env = f.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/lines", "admin", map[string]any{"article_id": "Y", "quantity": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[httpapi.OrderDTO](t, env)
	require.Len(t, updated.Lines, 2)

	rec, _ = f.do(t, http.MethodDelete, "/api/v1/orders/"+order.ID+"/lines/"+updated.Lines[1].ID, "admin", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = f.do(t, http.MethodPatch, "/api/v1/orders/"+order.ID+"/lines/"+lineID, "admin", map[string]any{"quantity": 0})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, httpapi.CodeQuantityMismatch, env.Error.Code)
	assert.Equal(t, lineID, env.Error.LineID)
}

func TestMutationsRequireOperator(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodPost, "/api/v1/orders", "", map[string]any{"client_ref": "c"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, env.Success)
	require.NotNil(t, env.Error)
	assert.Equal(t, httpapi.CodeUnauthorized, env.Error.Code)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodGet, "/api/v1/orders/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, httpapi.CodeNotFound, env.Error.Code)

	rec, env = f.do(t, http.MethodPost, "/api/v1/orders", "admin", map[string]any{"client_ref": "c"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, httpapi.CodeValidation, env.Error.Code)
	assert.Equal(t, "lines", env.Error.Field)

	order := f.createOrder(t)
	rec, env = f.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/transitions", "admin", map[string]any{"to": "partially_delivered"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, httpapi.CodeInvalidTransition, env.Error.Code)
	assert.Equal(t, order.ID, env.Error.OrderID)

	rec, env = f.do(t, http.MethodGet, "/api/v1/pools/admin/load", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "role", env.Error.Field)

	rec, env = f.do(t, http.MethodGet, "/api/v1/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, httpapi.CodeNotFound, env.Error.Code)
}

func TestIdempotentCreateReplaysResponse(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{
		"client_ref": "client-1",
		"lines":      []map[string]any{{"article_id": "X", "quantity": 1}},
	}

	first, firstEnv := f.do(t, http.MethodPost, "/api/v1/orders", "admin", body, httpapi.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	second, secondEnv := f.do(t, http.MethodPost, "/api/v1/orders", "admin", body, httpapi.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get(httpapi.HeaderIdempotentReplay))
	assert.Equal(t, decode[httpapi.OrderDTO](t, firstEnv).ID, decode[httpapi.OrderDTO](t, secondEnv).ID)

	created := 0
	for _, msg := range f.store.AllPending() {
		if msg.EventType == "order.created" {
			created++
		}
	}
	assert.Equal(t, 1, created)

	body["client_ref"] = "client-2"
	rec, env := f.do(t, http.MethodPost, "/api/v1/orders", "admin", body, httpapi.HeaderIdempotencyKey, "k-1")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, httpapi.CodeConflict, env.Error.Code)
}

func TestIdempotentFailureIsReplayed(t *testing.T) {
	f := newFixture(t)
	body := map[string]any{"client_ref": "client-1"}

	first, _ := f.do(t, http.MethodPost, "/api/v1/orders", "admin", body, httpapi.HeaderIdempotencyKey, "k-fail")
	require.Equal(t, http.StatusBadRequest, first.Code)

	second, env := f.do(t, http.MethodPost, "/api/v1/orders", "admin", body, httpapi.HeaderIdempotencyKey, "k-fail")
	assert.Equal(t, http.StatusBadRequest, second.Code)
	assert.Equal(t, "true", second.Header().Get(httpapi.HeaderIdempotentReplay))
	assert.Equal(t, httpapi.CodeValidation, env.Error.Code)
}

func TestIdempotentContentionReleasesKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memory.WithLockTimeout(30*time.Millisecond))
	path := "/api/v1/articles/X/stock/adjustments"
	body := map[string]any{"delta": 5, "kind": "receipt"}

	hold := make(chan struct{})
	locked := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.store.InTx(ctx, domain.LockScope{Articles: []string{"X"}}, func(context.Context, domain.Tx) error {
			close(locked)
			<-hold
			return nil
		})
	}()
	<-locked

	first, env := f.do(t, http.MethodPost, path, "admin", body, httpapi.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusServiceUnavailable, first.Code, first.Body.String())
	assert.Equal(t, httpapi.CodeContention, env.Error.Code)
	assert.True(t, env.Error.Retryable)

	close(hold)
	require.NoError(t, <-done)

	second, env := f.do(t, http.MethodPost, path, "admin", body, httpapi.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())
	assert.Empty(t, second.Header().Get(httpapi.HeaderIdempotentReplay))
	assert.Equal(t, 15, decode[httpapi.MovementDTO](t, env).Resulting)

	third, _ := f.do(t, http.MethodPost, path, "admin", body, httpapi.HeaderIdempotencyKey, "k-1")
	require.Equal(t, http.StatusCreated, third.Code)
	assert.Equal(t, "true", third.Header().Get(httpapi.HeaderIdempotentReplay))

	qty, err := f.store.Articles().Get(ctx, "X")
	require.NoError(t, err)
	assert.Equal(t, 15, qty.StockQuantity)
}

func TestIdempotencyKeyIsScopedByOperatorAndRoute(t *testing.T) {
	f := newFixture(t)
	path := "/api/v1/articles/Y/stock/adjustments"
	body := map[string]any{"delta": 1, "kind": "receipt"}

	first, _ := f.do(t, http.MethodPost, path, "admin", body, httpapi.HeaderIdempotencyKey, "shared")
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	// тот же ключ другого оператора выполняет операцию заново
	second, env := f.do(t, http.MethodPost, path, "conf-1", body, httpapi.HeaderIdempotencyKey, "shared")
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())
	assert.Empty(t, second.Header().Get(httpapi.HeaderIdempotentReplay))
	assert.Equal(t, 5, decode[httpapi.MovementDTO](t, env).Resulting)

	order, _ := f.do(t, http.MethodPost, "/api/v1/orders", "admin", map[string]any{
		"client_ref": "client-1",
		"lines":      []map[string]any{{"article_id": "X", "quantity": 1}},
	}, httpapi.HeaderIdempotencyKey, "shared")
	require.Equal(t, http.StatusCreated, order.Code, order.Body.String())
	assert.Empty(t, order.Header().Get(httpapi.HeaderIdempotentReplay))
}

func TestAssignmentRoutes(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)

	rec, env := f.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/assign", "admin", map[string]any{"operator_id": "conf-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[struct {
		State httpapi.StateDTO  `json:"state"`
		Audit *httpapi.AuditDTO `json:"audit"`
	}](t, env)
	assert.Equal(t, string(domain.StateToConfirm), res.State.Kind)
	assert.Equal(t, "conf-1", res.State.OperatorID)
	require.NotNil(t, res.Audit)

	rec, env = f.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/assign", "admin", map[string]any{"operator_id": "conf-2"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, httpapi.CodeInvalidTransition, env.Error.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/orders/"+order.ID+"/reassign", "admin", map[string]any{"operator_id": "conf-2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec, env = f.do(t, http.MethodGet, "/api/v1/pools/confirmation/load", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"conf-1": 0, "conf-2": 1}, decode[map[string]int](t, env))

	rec, env = f.do(t, http.MethodGet, "/api/v1/orders/"+order.ID+"/audit", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audits := decode[[]httpapi.AuditDTO](t, env)
	require.Len(t, audits, 2)

	rec, env = f.do(t, http.MethodPatch, "/api/v1/audit/"+audits[0].ID+"/conclusion", "admin", map[string]any{"conclusion": "confirmed by phone"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	edited := decode[httpapi.AuditDTO](t, env)
	assert.Equal(t, "confirmed by phone", edited.Conclusion)
	assert.Equal(t, audits[0].Conclusion, edited.PreviousConclusion)
}

func TestBulkAssignReportsPartialFailure(t *testing.T) {
	f := newFixture(t)
	order := f.createOrder(t)

	rec, env := f.do(t, http.MethodPost, "/api/v1/assignments/bulk", "admin", map[string]any{
		"order_ids":   []string{order.ID, "missing"},
		"operator_id": "conf-1",
	})
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())
	res := decode[assignment.BulkResult](t, env)
	assert.Equal(t, []string{order.ID}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "missing", res.Failed[0].OrderID)
}

func TestStockRoutes(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodPost, "/api/v1/articles/Y/stock/adjustments", "admin", map[string]any{"delta": 5, "kind": "receipt"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	mv := decode[httpapi.MovementDTO](t, env)
	assert.Equal(t, 8, mv.Resulting)
	assert.Equal(t, "admin", mv.OperatorID)

	rec, env = f.do(t, http.MethodPost, "/api/v1/articles/Y/stock/adjustments", "admin", map[string]any{"delta": -20})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, httpapi.CodeInsufficientStock, env.Error.Code)
	require.Len(t, env.Error.Shortfalls, 1)

	rec, env = f.do(t, http.MethodGet, "/api/v1/articles/Y/stock?limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	level := decode[struct {
		Quantity  int                   `json:"quantity"`
		Movements []httpapi.MovementDTO `json:"movements"`
	}](t, env)
	assert.Equal(t, 8, level.Quantity)
	assert.Len(t, level.Movements, 1)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/articles/Y/stock?limit=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
