package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otclabs/premarket/internal/bank"
	"github.com/otclabs/premarket/internal/service"
	"github.com/otclabs/premarket/internal/store/memory"
)

const (
	operatorAddr = "0x0000000000000000000000000000000000000001"
	custodyAddr  = "0x0000000000000000000000000000000000000002"
	platformAddr = "0x0000000000000000000000000000000000000003"
	sellerAddr   = "0x00000000000000000000000000000000000000aa"
	buyerAddr    = "0x00000000000000000000000000000000000000bb"
	tokenAddr    = "0x00000000000000000000000000000000000000cc"
)

// apiFixture runs the market and order handlers on a real ServeMux over
// in-memory backends.
type apiFixture struct {
	mux      *http.ServeMux
	registry *bank.Registry
	currency *bank.Bank
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := bank.NewRegistry()
	currency := registry.Bank(common.Address{})

	marketStore := memory.NewMarketStore()
	orderStore := memory.NewOrderStore()
	locks := memory.NewLockManager()
	sink := service.NewEventSink(nil, nil, nil, logger)

	markets := service.NewMarketService(
		common.HexToAddress(operatorAddr), common.HexToAddress(custodyAddr),
		marketStore, orderStore, nil, locks, currency, registry, sink, logger,
	)
	orders := service.NewOrderService(
		common.HexToAddress(custodyAddr), common.HexToAddress(platformAddr),
		marketStore, orderStore, nil, locks, nil, currency, registry, sink, logger,
	)

	mh := NewMarketHandler(markets, logger)
	oh := NewOrderHandler(orders, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/markets", mh.ListMarkets)
	mux.HandleFunc("GET /api/markets/{id}", mh.GetMarket)
	mux.HandleFunc("POST /api/markets", mh.CreateMarket)
	mux.HandleFunc("PUT /api/markets/{id}/token-details", mh.SetTokenDetails)
	mux.HandleFunc("POST /api/markets/{id}/deadline", mh.SetDeadline)
	mux.HandleFunc("GET /api/orders", oh.ListOrders)
	mux.HandleFunc("POST /api/orders", oh.CreateOrder)
	mux.HandleFunc("POST /api/orders/hash", oh.ComputeHash)
	mux.HandleFunc("GET /api/orders/{hash}", oh.GetOrder)
	mux.HandleFunc("POST /api/orders/{hash}/match", oh.MatchOrder)
	mux.HandleFunc("POST /api/orders/{hash}/fulfill", oh.FulfillOrder)
	mux.HandleFunc("POST /api/orders/{hash}/default", oh.ClaimDefault)
	mux.HandleFunc("DELETE /api/orders/{hash}", oh.CancelOrder)
	mux.HandleFunc("GET /api/users/{address}/orders", oh.ListUserOrders)

	return &apiFixture{mux: mux, registry: registry, currency: currency}
}

// do sends a request with an optional JSON body and decodes the response.
func (f *apiFixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	out := map[string]any{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

// createMarket provisions a standard 24h market through the API.
func (f *apiFixture) createMarket(t *testing.T) {
	t.Helper()
	code, _ := f.do(t, http.MethodPost, "/api/markets", map[string]any{
		"caller":                    operatorAddr,
		"settlement_window_seconds": 86400,
		"platform_fee_bps":          1000,
		"default_fee_bps":           1000,
		"metadata":                  "TEST pre-market",
	})
	require.Equal(t, http.StatusCreated, code)
}

// createOrder funds the seller and places an order at price 10.
func (f *apiFixture) createOrder(t *testing.T) string {
	t.Helper()
	f.currency.Mint(common.HexToAddress(sellerAddr), big.NewInt(10))
	code, body := f.do(t, http.MethodPost, "/api/orders", map[string]any{
		"maker":     sellerAddr,
		"market_id": 1,
		"price":     "10",
		"salt":      "1",
		"payment":   "10",
	})
	require.Equal(t, http.StatusCreated, code)
	hash, ok := body["Hash"].(string)
	require.True(t, ok)
	return hash
}

func TestCreateMarketEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	// Non-operator callers are rejected.
	code, _ := f.do(t, http.MethodPost, "/api/markets", map[string]any{
		"caller":                    sellerAddr,
		"settlement_window_seconds": 86400,
	})
	assert.Equal(t, http.StatusForbidden, code)

	// Invalid window is a client error.
	code, _ = f.do(t, http.MethodPost, "/api/markets", map[string]any{
		"caller":                    operatorAddr,
		"settlement_window_seconds": 0,
	})
	assert.Equal(t, http.StatusBadRequest, code)

	f.createMarket(t)

	code, body := f.do(t, http.MethodGet, "/api/markets/1", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["ID"])

	code, _ = f.do(t, http.MethodGet, "/api/markets/99", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.do(t, http.MethodGet, "/api/markets/abc", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListMarketsEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.createMarket(t)
	f.createMarket(t)

	code, body := f.do(t, http.MethodGet, "/api/markets?limit=1", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(2), body["total"])
	assert.Len(t, body["markets"], 1)
}

func TestOrderLifecycleEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.createMarket(t)
	hash := f.createOrder(t)

	// The hash endpoint reproduces the stored identity.
	code, body := f.do(t, http.MethodPost, "/api/orders/hash", map[string]any{
		"maker":     sellerAddr,
		"market_id": 1,
		"price":     "10",
		"salt":      "1",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, hash, body["hash"])

	// Replaying the same terms is a conflict.
	f.currency.Mint(common.HexToAddress(sellerAddr), big.NewInt(10))
	code, _ = f.do(t, http.MethodPost, "/api/orders", map[string]any{
		"maker":     sellerAddr,
		"market_id": 1,
		"price":     "10",
		"salt":      "1",
		"payment":   "10",
	})
	assert.Equal(t, http.StatusConflict, code)

	code, body = f.do(t, http.MethodGet, "/api/orders/"+hash, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "active", body["Status"])

	// Match.
	f.currency.Mint(common.HexToAddress(buyerAddr), big.NewInt(10))
	code, body = f.do(t, http.MethodPost, "/api/orders/"+hash+"/match", map[string]any{
		"taker":   buyerAddr,
		"payment": "10",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "matched", body["Status"])

	// A matched order cannot be cancelled.
	code, _ = f.do(t, http.MethodDelete, "/api/orders/"+hash, map[string]any{
		"caller": sellerAddr,
	})
	assert.Equal(t, http.StatusConflict, code)

	// Fulfillment needs the armed settlement window.
	code, _ = f.do(t, http.MethodPost, "/api/orders/"+hash+"/fulfill", map[string]any{
		"caller": sellerAddr,
	})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = f.do(t, http.MethodPut, "/api/markets/1/token-details", map[string]any{
		"caller": operatorAddr,
		"token":  tokenAddr,
		"amount": "100",
	})
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodPost, "/api/markets/1/deadline", map[string]any{
		"caller": operatorAddr,
	})
	require.Equal(t, http.StatusOK, code)

	// A default claim before the deadline lapses is rejected.
	code, _ = f.do(t, http.MethodPost, "/api/orders/"+hash+"/default", map[string]any{
		"caller": buyerAddr,
	})
	assert.Equal(t, http.StatusConflict, code)

	f.registry.Bank(common.HexToAddress(tokenAddr)).Mint(common.HexToAddress(sellerAddr), big.NewInt(100))
	code, body = f.do(t, http.MethodPost, "/api/orders/"+hash+"/fulfill", map[string]any{
		"caller": sellerAddr,
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "fulfilled", body["Status"])
}

func TestOrderEndpointValidation(t *testing.T) {
	f := newAPIFixture(t)
	f.createMarket(t)

	// market_id is required for listing.
	code, _ := f.do(t, http.MethodGet, "/api/orders", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodGet, "/api/orders?market_id=1", nil)
	assert.Equal(t, http.StatusOK, code)

	// Malformed hash and address are client errors.
	code, _ = f.do(t, http.MethodGet, "/api/orders/nothex", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodPost, "/api/orders", map[string]any{
		"maker":     "bogus",
		"market_id": 1,
		"price":     "10",
		"salt":      "1",
		"payment":   "10",
	})
	assert.Equal(t, http.StatusBadRequest, code)

	// Negative amounts never parse.
	code, _ = f.do(t, http.MethodPost, "/api/orders", map[string]any{
		"maker":     sellerAddr,
		"market_id": 1,
		"price":     "-10",
		"salt":      "1",
		"payment":   "-10",
	})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestUserOrdersEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	f.createMarket(t)
	hash := f.createOrder(t)

	code, body := f.do(t, http.MethodGet, "/api/users/"+sellerAddr+"/orders", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["total"])

	hashes, ok := body["hashes"].([]any)
	require.True(t, ok)
	require.Len(t, hashes, 1)
	assert.Equal(t, hash, hashes[0])
}
