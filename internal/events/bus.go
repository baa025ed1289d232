package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents different types of events in the system
type EventType string

const (
	EventBotStarted         EventType = "BOT_STARTED"
	EventBotStopped         EventType = "BOT_STOPPED"
	EventCycleStarted       EventType = "CYCLE_STARTED"
	EventCycleFinished      EventType = "CYCLE_FINISHED"
	EventTradeOpened        EventType = "TRADE_OPENED"
	EventTradeClosed        EventType = "TRADE_CLOSED"
	EventDecisionMade       EventType = "DECISION_MADE"
	EventRiskBreakerTripped EventType = "RISK_BREAKER_TRIPPED"
	EventSubscriptionFailed EventType = "SUBSCRIPTION_FAILED"
	EventError              EventType = "ERROR"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	BotID     int64                  `json:"bot_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events
type Subscriber func(Event)

// EventBus manages event publishing and subscriptions
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]Subscriber
	allSubs     []Subscriber
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]Subscriber),
		allSubs:     make([]Subscriber, 0),
	}
}

// Subscribe registers a subscriber for a specific event type
func (eb *EventBus) Subscribe(eventType EventType, subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.subscribers[eventType] = append(eb.subscribers[eventType], subscriber)
}

// SubscribeAll registers a subscriber for all events
func (eb *EventBus) SubscribeAll(subscriber Subscriber) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.allSubs = append(eb.allSubs, subscriber)
}

// Publish sends an event to all subscribers. Delivery is asynchronous so a
// slow subscriber cannot stall a trading cycle.
func (eb *EventBus) Publish(event Event) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if subs, ok := eb.subscribers[event.Type]; ok {
		for _, sub := range subs {
			go sub(event)
		}
	}

	for _, sub := range eb.allSubs {
		go sub(event)
	}
}

// PublishBotStarted publishes a bot lifecycle start event
func (eb *EventBus) PublishBotStarted(botID int64, mode string) {
	eb.Publish(Event{
		Type:  EventBotStarted,
		BotID: botID,
		Data: map[string]interface{}{
			"trading_mode": mode,
		},
	})
}

// PublishBotStopped publishes a bot lifecycle stop event
func (eb *EventBus) PublishBotStopped(botID int64, reason string) {
	eb.Publish(Event{
		Type:  EventBotStopped,
		BotID: botID,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishCycleStarted publishes the start of one decision cycle
func (eb *EventBus) PublishCycleStarted(botID, cycleID int64) {
	eb.Publish(Event{
		Type:  EventCycleStarted,
		BotID: botID,
		Data: map[string]interface{}{
			"cycle_id": cycleID,
		},
	})
}

// PublishCycleFinished publishes the end of one decision cycle
func (eb *EventBus) PublishCycleFinished(botID, cycleID int64, elapsed time.Duration, errCount int) {
	eb.Publish(Event{
		Type:  EventCycleFinished,
		BotID: botID,
		Data: map[string]interface{}{
			"cycle_id": cycleID,
			"elapsed":  elapsed.String(),
			"errors":   errCount,
		},
	})
}

// PublishTradeOpened publishes a trade opened event
func (eb *EventBus) PublishTradeOpened(botID int64, symbol, side string, entryPrice, amount, leverage float64) {
	eb.Publish(Event{
		Type:  EventTradeOpened,
		BotID: botID,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"side":        side,
			"entry_price": entryPrice,
			"amount":      amount,
			"leverage":    leverage,
		},
	})
}

// PublishTradeClosed publishes a trade closed event
func (eb *EventBus) PublishTradeClosed(botID int64, symbol string, entryPrice, exitPrice, pnl, pnlPercent float64) {
	eb.Publish(Event{
		Type:  EventTradeClosed,
		BotID: botID,
		Data: map[string]interface{}{
			"symbol":      symbol,
			"entry_price": entryPrice,
			"exit_price":  exitPrice,
			"pnl":         pnl,
			"pnl_percent": pnlPercent,
		},
	})
}

// PublishDecisionMade publishes one per-symbol debate verdict
func (eb *EventBus) PublishDecisionMade(botID int64, symbol, action string, allocationPct, confidence float64) {
	eb.Publish(Event{
		Type:  EventDecisionMade,
		BotID: botID,
		Data: map[string]interface{}{
			"symbol":         symbol,
			"action":         action,
			"allocation_pct": allocationPct,
			"confidence":     confidence,
		},
	})
}

// PublishRiskBreaker publishes a tripped risk breaker
func (eb *EventBus) PublishRiskBreaker(botID int64, check, detail string) {
	eb.Publish(Event{
		Type:  EventRiskBreakerTripped,
		BotID: botID,
		Data: map[string]interface{}{
			"check":  check,
			"detail": detail,
		},
	})
}

// PublishSubscriptionFailed publishes a dead market data subscription
func (eb *EventBus) PublishSubscriptionFailed(symbol, channel string, attempts int) {
	eb.Publish(Event{
		Type: EventSubscriptionFailed,
		Data: map[string]interface{}{
			"symbol":   symbol,
			"channel":  channel,
			"attempts": attempts,
		},
	})
}

// PublishError publishes an error event
func (eb *EventBus) PublishError(botID int64, source, message string, err error) {
	data := map[string]interface{}{
		"source":  source,
		"message": message,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	eb.Publish(Event{
		Type:  EventError,
		BotID: botID,
		Data:  data,
	})
}

// LogSink returns a subscriber that mirrors every event into the log.
// Cycle ticks land at debug so steady-state bots stay quiet, faults at warn.
func LogSink(log zerolog.Logger) Subscriber {
	return func(e Event) {
		lvl := zerolog.InfoLevel
		switch e.Type {
		case EventCycleStarted, EventCycleFinished:
			lvl = zerolog.DebugLevel
		case EventError, EventRiskBreakerTripped, EventSubscriptionFailed:
			lvl = zerolog.WarnLevel
		}
		evt := log.WithLevel(lvl).Str("event", string(e.Type))
		if e.BotID != 0 {
			evt = evt.Int64("bot_id", e.BotID)
		}
		evt.Fields(e.Data).Msg("event")
	}
}
