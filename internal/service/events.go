package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/otclabs/premarket/internal/domain"
	"github.com/otclabs/premarket/internal/notify"
)

// EventSink fans a venue event out to the bus (pub/sub + durable stream),
// the audit log, and the notifier. It is invoked only after the transition
// it reports has been committed, so each event fires once per success.
// Fan-out failures are logged, never propagated: the transition already
// happened and must not appear to fail.
type EventSink struct {
	bus      domain.EventBus
	audit    domain.AuditStore
	notifier *notify.Notifier
	logger   *slog.Logger
}

func NewEventSink(bus domain.EventBus, audit domain.AuditStore, notifier *notify.Notifier, logger *slog.Logger) *EventSink {
	return &EventSink{
		bus:      bus,
		audit:    audit,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "events")),
	}
}

// emit publishes evt everywhere. The ID and timestamp are assigned here.
func (e *EventSink) emit(ctx context.Context, evt domain.Event) {
	evt.ID = uuid.New().String()
	evt.At = time.Now().UTC()

	if e.audit != nil {
		detail := map[string]any{
			"event_id":   evt.ID,
			"market_id":  evt.MarketID,
			"order_hash": evt.OrderHash.Hex(),
		}
		for k, v := range evt.Detail {
			detail[k] = v
		}
		if err := e.audit.Log(ctx, string(evt.Type), detail); err != nil {
			e.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		}
	}

	if e.bus != nil {
		payload, err := json.Marshal(evt)
		if err != nil {
			e.logger.WarnContext(ctx, "event marshal failed",
				slog.String("event", string(evt.Type)),
				slog.String("error", err.Error()),
			)
			return
		}
		if err := e.bus.Publish(ctx, domain.EventChannel, payload); err != nil {
			e.logger.WarnContext(ctx, "event publish failed",
				slog.String("event", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		}
		if err := e.bus.StreamAppend(ctx, domain.EventStream, payload); err != nil {
			e.logger.WarnContext(ctx, "event stream append failed",
				slog.String("event", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		}
	}

	if e.notifier != nil {
		title := fmt.Sprintf("premarket: %s", evt.Type)
		message := fmt.Sprintf("market %d, order %s", evt.MarketID, evt.OrderHash.Hex())
		if err := e.notifier.Notify(ctx, string(evt.Type), title, message); err != nil {
			e.logger.WarnContext(ctx, "notify failed",
				slog.String("event", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}
