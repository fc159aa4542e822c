package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quipu-pos/quipu/internal/stock"
)

type fakeStock struct {
	mu       sync.Mutex
	products map[string]stock.Product
	adjusts  int
}

func newFakeStock() *fakeStock {
	return &fakeStock{products: map[string]stock.Product{}}
}

func (f *fakeStock) Create(_ context.Context, in stock.NewProduct) (stock.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.products[in.SKU]; exists {
		return stock.Product{}, fmt.Errorf("%w: %s", stock.ErrDuplicateSKU, in.SKU)
	}
	p := stock.Product{SKU: in.SKU, Barcode: in.Barcode, Name: in.Name, Price: in.Price, VATCode: in.VATCode, Qty: in.Qty, Location: in.Location}
	f.products[in.SKU] = p
	return p, nil
}

func (f *fakeStock) Search(_ context.Context, _ string, _ int) ([]stock.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []stock.Product{}
	for _, p := range f.products {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStock) Lookup(_ context.Context, code string) (stock.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.products {
		if p.SKU == code || p.Barcode == code {
			return p, nil
		}
	}
	return stock.Product{}, stock.ErrNotFound
}

func (f *fakeStock) Adjust(_ context.Context, sku, mode string, qty float64, location string) (stock.Product, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.products[sku]
	if !ok {
		return stock.Product{}, stock.ErrNotFound
	}
	f.adjusts++
	switch mode {
	case stock.ModeSet:
		p.Qty = qty
	case stock.ModeDelta:
		p.Qty += qty
		if p.Qty < 0 {
			p.Qty = 0
		}
	default:
		return stock.Product{}, stock.ErrValidation
	}
	if location != "" {
		p.Location = location
	}
	f.products[sku] = p
	return p, nil
}

type bridgeFixture struct {
	server   *httptest.Server
	sessions *SessionManager
	queue    *ScanQueue
	stock    *fakeStock
	token    string
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := NewSessionManager(rdb, time.Hour)
	queue := NewScanQueue(rdb)
	st := newFakeStock()
	handler := NewHandler(logger, sessions, st, queue, nil, 10000)

	server := httptest.NewServer(handler.Router())
	t.Cleanup(server.Close)

	sess, err := sessions.Pair(context.Background(), "warehouse-tablet")
	require.NoError(t, err)

	return &bridgeFixture{server: server, sessions: sessions, queue: queue, stock: st, token: sess.Token}
}

func (f *bridgeFixture) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestStatusIsOpen(t *testing.T) {
	f := newBridgeFixture(t)
	resp := f.do(t, http.MethodGet, "/api/status", "", nil)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBadTokenIsRejectedWithoutMutation(t *testing.T) {
	f := newBridgeFixture(t)
	_, err := f.stock.Create(context.Background(), stock.NewProduct{SKU: "A-1", Name: "x", Qty: 5})
	require.NoError(t, err)

	for _, token := range []string{"", "deadbeef"} {
		resp := f.do(t, http.MethodPost, "/api/stock", token, stockRequest{SKU: "A-1", Quantity: 99, Type: stock.ModeSet})
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		resp.Body.Close()
	}

	p, err := f.stock.Lookup(context.Background(), "A-1")
	require.NoError(t, err)
	require.Equal(t, 5.0, p.Qty, "rejected calls must not touch stock")
	require.Zero(t, f.stock.adjusts)
}

func TestRevokedTokenStopsWorking(t *testing.T) {
	f := newBridgeFixture(t)

	resp := f.do(t, http.MethodGet, "/api/inventory", f.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	require.NoError(t, f.sessions.Revoke(context.Background(), "warehouse-tablet"))

	resp = f.do(t, http.MethodGet, "/api/inventory", f.token, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestRepairingReplacesToken(t *testing.T) {
	f := newBridgeFixture(t)

	sess, err := f.sessions.Pair(context.Background(), "warehouse-tablet")
	require.NoError(t, err)
	require.NotEqual(t, f.token, sess.Token)

	resp := f.do(t, http.MethodGet, "/api/inventory", f.token, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "old token must die on re-pair")
	resp.Body.Close()

	resp = f.do(t, http.MethodGet, "/api/inventory", sess.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestStockAdjustment(t *testing.T) {
	f := newBridgeFixture(t)
	_, err := f.stock.Create(context.Background(), stock.NewProduct{SKU: "A-1", Name: "x", Qty: 5})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/api/stock", f.token, stockRequest{SKU: "A-1", Quantity: -2, Type: stock.ModeDelta})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p stock.Product
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	resp.Body.Close()
	require.Equal(t, 3.0, p.Qty)

	// Adjusting a SKU the catalog has never seen is a bad payload.
	resp = f.do(t, http.MethodPost, "/api/stock", f.token, stockRequest{SKU: "NOPE", Quantity: 1})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestStockAdjustmentRelabelsLocation(t *testing.T) {
	f := newBridgeFixture(t)
	_, err := f.stock.Create(context.Background(), stock.NewProduct{SKU: "A-1", Name: "x", Qty: 5, Location: "bodega"})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/api/stock", f.token, stockRequest{SKU: "A-1", Quantity: 8, Type: stock.ModeSet, Location: "percha-4"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var p stock.Product
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	resp.Body.Close()
	require.Equal(t, 8.0, p.Qty)
	require.Equal(t, "percha-4", p.Location)

	// Counting without a location keeps the last label.
	resp = f.do(t, http.MethodPost, "/api/stock", f.token, stockRequest{SKU: "A-1", Quantity: -1, Type: stock.ModeDelta})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	resp.Body.Close()
	require.Equal(t, "percha-4", p.Location)
}

func TestCreateProductConflict(t *testing.T) {
	f := newBridgeFixture(t)

	resp := f.do(t, http.MethodPost, "/api/products", f.token, stock.NewProduct{SKU: "A-1", Name: "Nuevo", Price: 2, VATCode: "0"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = f.do(t, http.MethodPost, "/api/products", f.token, stock.NewProduct{SKU: "A-1", Name: "Nuevo", Price: 2, VATCode: "0"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateProductCarriesLocation(t *testing.T) {
	f := newBridgeFixture(t)

	payload := map[string]any{
		"sku": "A-9", "name": "Harina", "price": 1.2, "vatCode": "0", "qty": 10, "location": "bodega-2",
	}
	resp := f.do(t, http.MethodPost, "/api/products", f.token, payload)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var p stock.Product
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&p))
	resp.Body.Close()
	require.Equal(t, "bodega-2", p.Location)
}

func TestScanQueuesIntent(t *testing.T) {
	f := newBridgeFixture(t)
	_, err := f.stock.Create(context.Background(), stock.NewProduct{SKU: "A-1", Barcode: "7861001234567", Name: "Avena", Price: 1.5, Qty: 5})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/api/pos/scan", f.token, scanRequest{Code: "7861001234567", Qty: 2})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var intent SaleIntent
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&intent))
	resp.Body.Close()
	require.Equal(t, "A-1", intent.SKU)
	require.NotEmpty(t, intent.ID)
	require.Equal(t, "warehouse-tablet", intent.Device)

	drained, err := f.queue.Drain(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, drained, 1)
	require.Equal(t, intent.ID, drained[0].ID)

	// Unknown code queues nothing.
	resp = f.do(t, http.MethodPost, "/api/pos/scan", f.token, scanRequest{Code: "0000000"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
	depth, err := f.queue.Pending(context.Background())
	require.NoError(t, err)
	require.Zero(t, depth)
}
