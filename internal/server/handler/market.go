package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/otclabs/premarket/internal/domain"
	"github.com/otclabs/premarket/internal/service"
)

// MarketService defines the methods the market handler requires from the
// service layer. It is declared locally so the handler package does not
// depend on the concrete service implementation beyond its parameter types.
type MarketService interface {
	CreateMarket(ctx context.Context, caller common.Address, p service.CreateMarketParams) (domain.Market, error)
	GetMarket(ctx context.Context, id uint64) (domain.Market, error)
	ListMarkets(ctx context.Context, opts domain.ListOpts) ([]domain.Market, error)
	CountMarkets(ctx context.Context) (int64, error)

	SetTokenDetails(ctx context.Context, caller common.Address, marketID uint64, token common.Address, amount *big.Int) error
	OverrideTokenDetails(ctx context.Context, caller common.Address, marketID uint64, token common.Address, amount *big.Int) error
	SetDeadline(ctx context.Context, caller common.Address, marketID uint64) error
	SetDefaultFeeRate(ctx context.Context, caller common.Address, marketID uint64, rateBps uint64) error
	SetDefaultCollateralRecipient(ctx context.Context, caller common.Address, marketID uint64, toBuyer bool) error
	StopMarket(ctx context.Context, caller common.Address, marketID uint64) error
	StartMarket(ctx context.Context, caller common.Address, marketID uint64) error

	RecoverCurrency(ctx context.Context, caller, to common.Address, amount *big.Int) error
	RecoverToken(ctx context.Context, caller, to, token common.Address) error
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	markets MarketService
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given service and logger.
func NewMarketHandler(markets MarketService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets: markets,
		logger:  logHandler(logger, "market"),
	}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []domain.Market `json:"markets"`
	Total   int64           `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// ListMarkets returns markets with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	markets, err := h.markets.ListMarkets(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "list markets", err)
		return
	}
	if markets == nil {
		markets = []domain.Market{}
	}

	total, err := h.markets.CountMarkets(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "count markets", err)
		return
	}

	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: markets,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// GetMarket returns a single market by its id.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := parseMarketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	market, err := h.markets.GetMarket(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get market", err)
		return
	}

	writeJSON(w, http.StatusOK, market)
}

// createMarketRequest is the JSON body for market creation.
type createMarketRequest struct {
	Caller                  string `json:"caller"`
	SettlementWindowSeconds int64  `json:"settlement_window_seconds"`
	PlatformFeeBps          uint64 `json:"platform_fee_bps"`
	DefaultFeeBps           uint64 `json:"default_fee_bps"`
	Metadata                string `json:"metadata"`
	DefaultToBuyer          bool   `json:"default_to_buyer"`
}

// CreateMarket registers a new market. Operator only.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	market, err := h.markets.CreateMarket(r.Context(), caller, service.CreateMarketParams{
		SettlementWindow: time.Duration(req.SettlementWindowSeconds) * time.Second,
		PlatformFeeBps:   req.PlatformFeeBps,
		DefaultFeeBps:    req.DefaultFeeBps,
		Metadata:         req.Metadata,
		DefaultToBuyer:   req.DefaultToBuyer,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "create market", err)
		return
	}

	writeJSON(w, http.StatusCreated, market)
}

// tokenDetailsRequest is the JSON body for setting token details.
type tokenDetailsRequest struct {
	Caller   string `json:"caller"`
	Token    string `json:"token"`
	Amount   string `json:"amount"`
	Override bool   `json:"override"`
}

// SetTokenDetails binds the token address and amount to a market. The
// details are one-shot unless override is set. Operator only.
// PUT /api/markets/{id}/token-details
func (h *MarketHandler) SetTokenDetails(w http.ResponseWriter, r *http.Request) {
	id, err := parseMarketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req tokenDetailsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if req.Override {
		err = h.markets.OverrideTokenDetails(r.Context(), caller, id, token, amount)
	} else {
		err = h.markets.SetTokenDetails(r.Context(), caller, id, token, amount)
	}
	if err != nil {
		writeDomainError(w, r, h.logger, "set token details", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "market_id": id})
}

// callerRequest is the JSON body for operations that only carry the caller.
type callerRequest struct {
	Caller string `json:"caller"`
}

// SetDeadline arms the settlement window, fixing the deadline to now plus
// the market's window. Matching closes at this point. Operator only.
// POST /api/markets/{id}/deadline
func (h *MarketHandler) SetDeadline(w http.ResponseWriter, r *http.Request) {
	h.callerOp(w, r, "set deadline", h.markets.SetDeadline)
}

// StopMarket suspends a market.
// POST /api/markets/{id}/stop
func (h *MarketHandler) StopMarket(w http.ResponseWriter, r *http.Request) {
	h.callerOp(w, r, "stop market", h.markets.StopMarket)
}

// StartMarket reactivates a suspended market.
// POST /api/markets/{id}/start
func (h *MarketHandler) StartMarket(w http.ResponseWriter, r *http.Request) {
	h.callerOp(w, r, "start market", h.markets.StartMarket)
}

// callerOp runs a market operation that needs only the caller address.
func (h *MarketHandler) callerOp(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context, common.Address, uint64) error) {
	id, err := parseMarketID(r)
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

	if err := fn(r.Context(), caller, id); err != nil {
		writeDomainError(w, r, h.logger, op, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "market_id": id})
}

// defaultFeeRequest is the JSON body for updating the default fee rate.
type defaultFeeRequest struct {
	Caller  string `json:"caller"`
	RateBps uint64 `json:"rate_bps"`
}

// SetDefaultFeeRate updates the slice of forfeited maker collateral the
// platform keeps on buyer-favored defaults. Operator only.
// PUT /api/markets/{id}/default-fee
func (h *MarketHandler) SetDefaultFeeRate(w http.ResponseWriter, r *http.Request) {
	id, err := parseMarketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req defaultFeeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.markets.SetDefaultFeeRate(r.Context(), caller, id, req.RateBps); err != nil {
		writeDomainError(w, r, h.logger, "set default fee rate", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "market_id": id})
}

// defaultRecipientRequest is the JSON body for switching the default payout
// policy.
type defaultRecipientRequest struct {
	Caller  string `json:"caller"`
	ToBuyer bool   `json:"to_buyer"`
}

// SetDefaultCollateralRecipient switches where forfeited maker collateral
// goes on default: the buyer (minus the default fee) or the platform.
// PUT /api/markets/{id}/default-recipient
func (h *MarketHandler) SetDefaultCollateralRecipient(w http.ResponseWriter, r *http.Request) {
	id, err := parseMarketID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req defaultRecipientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.markets.SetDefaultCollateralRecipient(r.Context(), caller, id, req.ToBuyer); err != nil {
		writeDomainError(w, r, h.logger, "set default recipient", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "market_id": id})
}

// recoverRequest is the JSON body for emergency recovery operations.
type recoverRequest struct {
	Caller string `json:"caller"`
	To     string `json:"to"`
	Amount string `json:"amount"` // currency recovery only
	Token  string `json:"token"`  // token recovery only
}

// RecoverCurrency sweeps unaccounted native currency out of custody. The
// amount may not dip into collateral still backing live orders.
// POST /api/recover/currency
func (h *MarketHandler) RecoverCurrency(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.markets.RecoverCurrency(r.Context(), caller, to, amount); err != nil {
		writeDomainError(w, r, h.logger, "recover currency", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// RecoverToken sweeps a stray token balance out of custody. Tokens are never
// held as collateral, so the full custody balance is recoverable.
// POST /api/recover/token
func (h *MarketHandler) RecoverToken(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := parseAddress("token", req.Token)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.markets.RecoverToken(r.Context(), caller, to, token); err != nil {
		writeDomainError(w, r, h.logger, "recover token", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
