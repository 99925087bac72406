package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/otclabs/premarket/internal/domain"
	"github.com/otclabs/premarket/internal/service"
)

// OrderService defines the methods the order handler requires from the
// service layer.
type OrderService interface {
	ComputeOrderHash(maker common.Address, marketID uint64, price, salt *big.Int) common.Hash
	CreateOrder(ctx context.Context, p service.CreateOrderParams) (domain.Order, error)
	MatchOrder(ctx context.Context, p service.MatchOrderParams) (domain.Order, error)
	FulfillOrder(ctx context.Context, caller common.Address, hash common.Hash) (domain.Order, error)
	ClaimDefault(ctx context.Context, caller common.Address, hash common.Hash) (domain.Order, error)
	CancelOrder(ctx context.Context, caller common.Address, hash common.Hash) (domain.Order, error)
	GetOrder(ctx context.Context, hash common.Hash) (domain.Order, error)
	ListByMarket(ctx context.Context, marketID uint64, opts domain.ListOpts) ([]domain.Order, error)
	UserOrderCount(ctx context.Context, user common.Address) (int64, error)
	UserOrderAt(ctx context.Context, user common.Address, index int64) (common.Hash, error)
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logHandler(logger, "order"),
	}
}

// createOrderRequest is the JSON body for placing a sell order. Price and
// salt travel as decimal strings; payment must equal price exactly.
type createOrderRequest struct {
	Maker    string `json:"maker"`
	MarketID uint64 `json:"market_id"`
	Price    string `json:"price"`
	Salt     string `json:"salt"`
	Payment  string `json:"payment"`
}

// CreateOrder places a collateralized sell order.
// POST /api/orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	maker, err := parseAddress("maker", req.Maker)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := parseAmount("price", req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	salt, err := parseAmount("salt", req.Salt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payment, err := parseAmount("payment", req.Payment)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.orders.CreateOrder(r.Context(), service.CreateOrderParams{
		Maker:    maker,
		MarketID: req.MarketID,
		Price:    price,
		Salt:     salt,
		Payment:  payment,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "create order", err)
		return
	}

	writeJSON(w, http.StatusCreated, order)
}

// hashRequest is the JSON body for computing an order hash without placing
// the order.
type hashRequest struct {
	Maker    string `json:"maker"`
	MarketID uint64 `json:"market_id"`
	Price    string `json:"price"`
	Salt     string `json:"salt"`
}

// ComputeHash returns the content hash an order with these parameters would
// be stored under.
// POST /api/orders/hash
func (h *OrderHandler) ComputeHash(w http.ResponseWriter, r *http.Request) {
	var req hashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	maker, err := parseAddress("maker", req.Maker)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := parseAmount("price", req.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	salt, err := parseAmount("salt", req.Salt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	hash := h.orders.ComputeOrderHash(maker, req.MarketID, price, salt)
	writeJSON(w, http.StatusOK, map[string]string{"hash": hash.Hex()})
}

// matchOrderRequest is the JSON body for taking an order.
type matchOrderRequest struct {
	Taker   string `json:"taker"`
	Payment string `json:"payment"`
}

// MatchOrder takes an active order, depositing the taker's collateral.
// POST /api/orders/{hash}/match
func (h *OrderHandler) MatchOrder(w http.ResponseWriter, r *http.Request) {
	hash, err := parseOrderHash(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req matchOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	taker, err := parseAddress("taker", req.Taker)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payment, err := parseAmount("payment", req.Payment)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.orders.MatchOrder(r.Context(), service.MatchOrderParams{
		Taker:     taker,
		OrderHash: hash,
		Payment:   payment,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "match order", err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// FulfillOrder settles a matched order. Maker only, on or before deadline.
// POST /api/orders/{hash}/fulfill
func (h *OrderHandler) FulfillOrder(w http.ResponseWriter, r *http.Request) {
	h.callerOp(w, r, "fulfill order", h.orders.FulfillOrder)
}

// ClaimDefault resolves a matched order after the deadline lapsed unfilled.
// Taker only, strictly after deadline.
// POST /api/orders/{hash}/default
func (h *OrderHandler) ClaimDefault(w http.ResponseWriter, r *http.Request) {
	h.callerOp(w, r, "claim default", h.orders.ClaimDefault)
}

// CancelOrder withdraws an unmatched order and refunds the maker.
// DELETE /api/orders/{hash}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	h.callerOp(w, r, "cancel order", h.orders.CancelOrder)
}

// callerOp runs an order transition that needs only the caller address.
func (h *OrderHandler) callerOp(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, common.Address, common.Hash) (domain.Order, error)) {
	hash, err := parseOrderHash(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req callerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := fn(r.Context(), caller, hash)
	if err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// GetOrder returns a single order by its content hash.
// GET /api/orders/{hash}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	hash, err := parseOrderHash(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	order, err := h.orders.GetOrder(r.Context(), hash)
	if err != nil {
		writeDomainError(w, r, h.logger, "get order", err)
		return
	}

	writeJSON(w, http.StatusOK, order)
}

// listOrdersResponse wraps the list orders response.
type listOrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// ListOrders returns a market's orders in creation order.
// GET /api/orders?market_id=1&limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("market_id")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "market_id query parameter required")
		return
	}
	marketID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid market_id")
		return
	}

	orders, err := h.orders.ListByMarket(r.Context(), marketID, parseListOpts(r))
	if err != nil {
		writeDomainError(w, r, h.logger, "list orders", err)
		return
	}
	if orders == nil {
		orders = []domain.Order{}
	}

	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}

// userOrdersResponse carries a page of a user's order hashes.
type userOrdersResponse struct {
	User   string   `json:"user"`
	Total  int64    `json:"total"`
	Hashes []string `json:"hashes"`
	Offset int      `json:"offset"`
}

// ListUserOrders pages through the append-only per-user order index.
// GET /api/users/{address}/orders?limit=50&offset=0
func (h *OrderHandler) ListUserOrders(w http.ResponseWriter, r *http.Request) {
	user, err := parseAddress("address", pathParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	total, err := h.orders.UserOrderCount(r.Context(), user)
	if err != nil {
		writeDomainError(w, r, h.logger, "count user orders", err)
		return
	}

	opts := parseListOpts(r)
	hashes := []string{}
	for i := int64(opts.Offset); i < total && len(hashes) < opts.Limit; i++ {
		hash, err := h.orders.UserOrderAt(r.Context(), user, i)
		if err != nil {
			writeDomainError(w, r, h.logger, "read user order index", err)
			return
		}
		hashes = append(hashes, hash.Hex())
	}

	writeJSON(w, http.StatusOK, userOrdersResponse{
		User:   user.Hex(),
		Total:  total,
		Hashes: hashes,
		Offset: opts.Offset,
	})
}
