package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testSecret = "test-secret"

type apiFixture struct {
	store     *memory.Store
	validator *auth.Validator
	router    *gin.Engine
	registry  *prometheus.Registry
}

type fixtureOptions struct {
	checkout httpapi.CheckoutService
	limiter  *httpapi.RateLimiter
}

func newAPI(t *testing.T, opts fixtureOptions) *apiFixture {
	t.Helper()

	registry := prometheus.NewRegistry()
	outbox := memory.NewOutboxRepository()
	store := memory.NewStore(memory.WithOutbox(outbox), memory.WithLockTimeout(200*time.Millisecond))
	timeline := memory.NewTimelineRepository()
	checkoutMetrics := metrics.NewCheckoutMetricsWithRegisterer(registry)

	validator, err := auth.NewValidator(testSecret)
	require.NoError(t, err)

	var svc httpapi.CheckoutService = checkout.NewService(store, checkout.WithTimeline(timeline), checkout.WithMetrics(checkoutMetrics))
	if opts.checkout != nil {
		svc = opts.checkout
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Checkout:    svc,
		Orders:      orders.NewService(store, timeline, orders.WithOutbox(outbox), orders.WithMetrics(checkoutMetrics)),
		Products:    store,
		Idempotency: idempotency.NewGuard(memory.NewIdempotencyRepository()),
		Auth:        validator,
		Limiter:     opts.limiter,
		Metrics:     metrics.NewHTTPMetrics(registry),
	})

	return &apiFixture{store: store, validator: validator, router: router, registry: registry}
}

func (f *apiFixture) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	token, err := f.validator.Issue(userID, roles, time.Minute)
	require.NoError(t, err)
	return token
}

func (f *apiFixture) product(t *testing.T, stock int, price string) domain.Product {
	t.Helper()
	p, err := f.store.Create(context.Background(), domain.Product{
		Name:          "Widget",
		Price:         decimal.RequireFromString(price),
		StockQuantity: stock,
	})
	require.NoError(t, err)
	return p
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(v))
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func checkoutBody(lines ...[2]int64) map[string]any {
	items := make([]map[string]any, 0, len(lines))
	for _, l := range lines {
		items = append(items, map[string]any{"product_id": l[0], "quantity": l[1]})
	}
	return map[string]any{
		"items":            items,
		"shipping_address": "1 Main St",
		"shipping_city":    "Springfield",
		"shipping_state":   "IL",
		"shipping_zip":     "62701",
		"shipping_country": "US",
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestCreateOrder_Succeeds(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	a := f.product(t, 10, "5.00")
	b := f.product(t, 3, "2.50")

	w := f.do(t, http.MethodPost, "/api/v1/orders", f.token(t, "alice"), checkoutBody([2]int64{a.ID, 2}, [2]int64{b.ID, 1}), nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "12.50", body["total_amount"])
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "alice", body["user_id"])
	assert.Regexp(t, `^ORD-[0-9A-F]{8}$`, body["order_number"])
	assert.Len(t, body["items"], 2)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	got, err := f.store.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, got.StockQuantity)
}

func TestCreateOrder_ErrorMapping(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	p := f.product(t, 2, "1.00")
	token := f.token(t, "alice")

	t.Run("validation", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/orders", token, checkoutBody([2]int64{p.ID, 0}), nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		assert.NotEmpty(t, decode(t, w)["details"])
	})

	t.Run("malformed json", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/orders", token, `{"items":`, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing product", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/orders", token, checkoutBody([2]int64{9999, 1}), nil)
		require.Equal(t, http.StatusNotFound, w.Code)
		assert.EqualValues(t, 9999, decode(t, w)["product_id"])
	})

	t.Run("insufficient stock", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/orders", token, checkoutBody([2]int64{p.ID, 5}), nil)
		require.Equal(t, http.StatusConflict, w.Code)
		body := decode(t, w)
		assert.EqualValues(t, 2, body["available"])
		assert.EqualValues(t, 5, body["requested"])
	})

	t.Run("unauthenticated", func(t *testing.T) {
		w := f.do(t, http.MethodPost, "/api/v1/orders", "", checkoutBody([2]int64{p.ID, 1}), nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

type stubCheckout struct {
	err error
}

func (s stubCheckout) Checkout(context.Context, domain.CheckoutRequest) (*domain.Order, error) {
	return nil, s.err
}

func TestCreateOrder_LockTimeoutIsRetryable(t *testing.T) {
	f := newAPI(t, fixtureOptions{checkout: stubCheckout{err: domain.ErrLockTimeout}})
	token := f.token(t, "alice")
	headers := map[string]string{"Idempotency-Key": "retry-me"}

	w := f.do(t, http.MethodPost, "/api/v1/orders", token, checkoutBody([2]int64{1, 1}), headers)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	// Ключ освобождён, повтор снова доходит до оформления.
	w = f.do(t, http.MethodPost, "/api/v1/orders", token, checkoutBody([2]int64{1, 1}), headers)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, w.Header().Get("Idempotent-Replayed"))
}

func TestCreateOrder_OrderCreationFailedIs500(t *testing.T) {
	f := newAPI(t, fixtureOptions{checkout: stubCheckout{err: domain.ErrOrderCreationFailed}})

	w := f.do(t, http.MethodPost, "/api/v1/orders", f.token(t, "alice"), checkoutBody([2]int64{1, 1}), nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, domain.ErrOrderCreationFailed.Error(), decode(t, w)["error"])
}

func TestCreateOrder_IdempotentReplay(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	p := f.product(t, 10, "3.00")
	token := f.token(t, "alice")
	headers := map[string]string{"Idempotency-Key": "order-1"}
	body := checkoutBody([2]int64{p.ID, 2})

	first := f.do(t, http.MethodPost, "/api/v1/orders", token, body, headers)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())

	second := f.do(t, http.MethodPost, "/api/v1/orders", token, body, headers)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())

	got, err := f.store.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, got.StockQuantity, "replay must not decrement stock twice")

	mismatch := f.do(t, http.MethodPost, "/api/v1/orders", token, checkoutBody([2]int64{p.ID, 1}), headers)
	require.Equal(t, http.StatusUnprocessableEntity, mismatch.Code)

	// Тот же ключ у другого пользователя независим.
	other := f.do(t, http.MethodPost, "/api/v1/orders", f.token(t, "bob"), body, headers)
	require.Equal(t, http.StatusCreated, other.Code)
	assert.Empty(t, other.Header().Get("Idempotent-Replayed"))
}

type blockingCheckout struct {
	entered chan struct{}
	release chan struct{}
}

func (b blockingCheckout) Checkout(context.Context, domain.CheckoutRequest) (*domain.Order, error) {
	close(b.entered)
	<-b.release
	return nil, domain.ErrOrderCreationFailed
}

func TestCreateOrder_SameKeyInProgress(t *testing.T) {
	stub := blockingCheckout{entered: make(chan struct{}), release: make(chan struct{})}
	f := newAPI(t, fixtureOptions{checkout: stub})
	token := f.token(t, "alice")
	headers := map[string]string{"Idempotency-Key": "slow"}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		f.do(t, http.MethodPost, "/api/v1/orders", token, checkoutBody([2]int64{1, 1}), headers)
	}()
	<-stub.entered

	w := f.do(t, http.MethodPost, "/api/v1/orders", token, checkoutBody([2]int64{1, 1}), headers)
	require.Equal(t, http.StatusConflict, w.Code)

	close(stub.release)
	wg.Wait()
}

func TestCreateOrder_RateLimited(t *testing.T) {
	f := newAPI(t, fixtureOptions{limiter: httpapi.NewRateLimiter(0.001, 1)})
	p := f.product(t, 10, "1.00")
	token := f.token(t, "alice")

	w := f.do(t, http.MethodPost, "/api/v1/orders", token, checkoutBody([2]int64{p.ID, 1}), nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(t, http.MethodPost, "/api/v1/orders", token, checkoutBody([2]int64{p.ID, 1}), nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	w = f.do(t, http.MethodPost, "/api/v1/orders", f.token(t, "bob"), checkoutBody([2]int64{p.ID, 1}), nil)
	require.Equal(t, http.StatusCreated, w.Code, "limits are per user")
}

func TestOrders_ReadAndAdminStatus(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	p := f.product(t, 10, "4.00")
	alice := f.token(t, "alice")

	created := f.do(t, http.MethodPost, "/api/v1/orders", alice, checkoutBody([2]int64{p.ID, 1}), nil)
	require.Equal(t, http.StatusCreated, created.Code)
	number := decode(t, created)["order_number"].(string)

	list := f.do(t, http.MethodGet, "/api/v1/orders", alice, nil, nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Len(t, decode(t, list)["orders"], 1)

	got := f.do(t, http.MethodGet, "/api/v1/orders/"+number, alice, nil, nil)
	require.Equal(t, http.StatusOK, got.Code)

	foreign := f.do(t, http.MethodGet, "/api/v1/orders/"+number, f.token(t, "bob"), nil, nil)
	require.Equal(t, http.StatusNotFound, foreign.Code)

	forbidden := f.do(t, http.MethodPut, "/api/v1/admin/orders/"+number+"/status", alice, map[string]string{"status": "confirmed"}, nil)
	require.Equal(t, http.StatusForbidden, forbidden.Code)

	admin := f.token(t, "ops", auth.RoleAdmin)
	updated := f.do(t, http.MethodPut, "/api/v1/admin/orders/"+number+"/status", admin, map[string]string{"status": "confirmed"}, nil)
	require.Equal(t, http.StatusOK, updated.Code, updated.Body.String())
	assert.Equal(t, "confirmed", decode(t, updated)["status"])

	invalid := f.do(t, http.MethodPut, "/api/v1/admin/orders/"+number+"/status", admin, map[string]string{"status": "delivered"}, nil)
	require.Equal(t, http.StatusConflict, invalid.Code)

	unknown := f.do(t, http.MethodPut, "/api/v1/admin/orders/"+number+"/status", admin, map[string]string{"status": "lost"}, nil)
	require.Equal(t, http.StatusBadRequest, unknown.Code)

	timeline := f.do(t, http.MethodGet, "/api/v1/orders/"+number+"/timeline", alice, nil, nil)
	require.Equal(t, http.StatusOK, timeline.Code)
	assert.Len(t, decode(t, timeline)["events"], 2)
}

func TestAdmin_ListAllOrders(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	p := f.product(t, 10, "4.00")

	for _, user := range []string{"alice", "bob"} {
		w := f.do(t, http.MethodPost, "/api/v1/orders", f.token(t, user), checkoutBody([2]int64{p.ID, 1}), nil)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	forbidden := f.do(t, http.MethodGet, "/api/v1/admin/orders", f.token(t, "alice"), nil, nil)
	require.Equal(t, http.StatusForbidden, forbidden.Code)

	admin := f.token(t, "ops", auth.RoleAdmin)
	w := f.do(t, http.MethodGet, "/api/v1/admin/orders", admin, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	listed := decode(t, w)["orders"].([]any)
	require.Len(t, listed, 2)

	users := make([]string, 0, len(listed))
	for _, raw := range listed {
		users = append(users, raw.(map[string]any)["user_id"].(string))
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, users)

	limited := f.do(t, http.MethodGet, "/api/v1/admin/orders?limit=1", admin, nil, nil)
	require.Equal(t, http.StatusOK, limited.Code)
	assert.Len(t, decode(t, limited)["orders"], 1)

	bad := f.do(t, http.MethodGet, "/api/v1/admin/orders?limit=0", admin, nil, nil)
	require.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestGetProduct(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	p := f.product(t, 4, "19.90")
	token := f.token(t, "alice")

	w := f.do(t, http.MethodGet, "/api/v1/products/"+strconv.FormatInt(p.ID, 10), token, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "19.90", body["price"])
	assert.Equal(t, "low_stock", body["stock_status"])

	w = f.do(t, http.MethodGet, "/api/v1/products/abc", token, nil, nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/api/v1/products/777", token, nil, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRouter_RecordsHTTPMetrics(t *testing.T) {
	f := newAPI(t, fixtureOptions{})
	f.do(t, http.MethodGet, "/api/v1/orders", f.token(t, "alice"), nil, nil)

	families, err := f.registry.Gather()
	require.NoError(t, err)

	found := false
	for _, family := range families {
		if family.GetName() != "storefront_http_requests_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "route" && label.GetValue() == "/api/v1/orders" {
					found = true
				}
			}
		}
	}
	assert.True(t, found, "expected request counter for /api/v1/orders")
}
