package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType enumerates the observable occurrences of the venue. Each fires
// exactly once per corresponding successful transition.
type EventType string

const (
	EventMarketCreated           EventType = "market_created"
	EventMarketStarted           EventType = "market_started"
	EventMarketStopped           EventType = "market_stopped"
	EventMarketTokenDetailsSet   EventType = "market_token_details_set"
	EventMarketDeadlineSet       EventType = "market_deadline_set"
	EventDefaultFeeUpdated       EventType = "market_default_fee_updated"
	EventDefaultRecipientUpdated EventType = "market_default_recipient_updated"

	EventOrderCreated   EventType = "order_created"
	EventOrderMatched   EventType = "order_matched"
	EventOrderFulfilled EventType = "order_fulfilled"
	EventOrderCancelled EventType = "order_cancelled"
	EventOrderDefaulted EventType = "order_defaulted"

	EventFundsRecovered EventType = "funds_recovered"
)

// Event is a single observable occurrence. MarketID is always set; OrderHash
// is the zero hash for market-level events.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	MarketID  uint64         `json:"market_id"`
	OrderHash common.Hash    `json:"order_hash"`
	At        time.Time      `json:"at"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// EventChannel is the pub/sub channel and EventStream the durable stream on
// which venue events are published.
const (
	EventChannel = "venue:events"
	EventStream  = "venue:events:log"
)
