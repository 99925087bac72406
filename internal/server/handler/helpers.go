package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/otclabs/premarket/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps a service error onto an HTTP status and sends it.
// Unknown errors are logged and reported as a generic 500.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "handler: "+op+" failed",
			slog.String("error", err.Error()),
		)
		writeError(w, status, "failed to "+op)
		return
	}
	writeError(w, status, err.Error())
}

// statusFor maps domain sentinels to HTTP status codes. Precondition
// failures are 409 because the request was well-formed but the record is in
// the wrong state for it.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrMarketNotFound),
		errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotOperator),
		errors.Is(err, domain.ErrNotMaker),
		errors.Is(err, domain.ErrNotTaker),
		errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrZeroWindow),
		errors.Is(err, domain.ErrFeeRateTooHigh),
		errors.Is(err, domain.ErrBadTokenDetails),
		errors.Is(err, domain.ErrWrongPayment),
		errors.Is(err, domain.ErrTransferFailed),
		errors.Is(err, domain.ErrSelfTrade):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderExists),
		errors.Is(err, domain.ErrLockHeld),
		errors.Is(err, domain.ErrTokenDetailsSet),
		errors.Is(err, domain.ErrTokenDetailsMissing),
		errors.Is(err, domain.ErrDeadlineMissing),
		errors.Is(err, domain.ErrMatchingClosed),
		errors.Is(err, domain.ErrMarketInactive),
		errors.Is(err, domain.ErrMarketAlreadyActive),
		errors.Is(err, domain.ErrMarketAlreadyStopped),
		errors.Is(err, domain.ErrOrderNotActive),
		errors.Is(err, domain.ErrOrderNotMatched),
		errors.Is(err, domain.ErrDeadlinePassed),
		errors.Is(err, domain.ErrDeadlineNotReached),
		errors.Is(err, domain.ErrNothingToRecover):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// parseListOpts extracts standard pagination parameters from the query
// string. Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{
		Limit:  limit,
		Offset: offset,
	}
}

// pathParam extracts a named path parameter from the request using Go 1.22+
// built-in routing (http.Request.PathValue).
func pathParam(r *http.Request, name string) string {
	return r.PathValue(name)
}

// parseMarketID parses the {id} path parameter as a market id.
func parseMarketID(r *http.Request) (uint64, error) {
	raw := pathParam(r, "id")
	if raw == "" {
		return 0, fmt.Errorf("missing market id")
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid market id %q", raw)
	}
	return id, nil
}

// parseOrderHash parses the {hash} path parameter as a 32-byte hash.
func parseOrderHash(r *http.Request) (common.Hash, error) {
	raw := pathParam(r, "hash")
	if len(raw) != 2+common.HashLength*2 || raw[:2] != "0x" {
		return common.Hash{}, fmt.Errorf("invalid order hash %q", raw)
	}
	return common.HexToHash(raw), nil
}

// parseAddress parses a hex address from a request field.
func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s is not a valid address: %q", field, raw)
	}
	return common.HexToAddress(raw), nil
}

// parseAmount parses a non-negative decimal integer amount from a request
// field. Amounts travel as strings so full 256-bit values survive JSON.
func parseAmount(field, raw string) (*big.Int, error) {
	if raw == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s is not a valid amount: %q", field, raw)
	}
	return v, nil
}

// logHandler is a convenience to attach slog fields in handler code.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
