package events

import (
	"github.com/google/uuid"

	"cosmossdk.io/math"

	"github.com/openalpha/simexchange/exchange/types"
)

// EventType tags an event with its dispatch class.
type EventType string

const (
	EventMarket        EventType = "MARKET"
	EventSignal        EventType = "SIGNAL"
	EventOrder         EventType = "ORDER"
	EventFill          EventType = "FILL"
	EventAccount       EventType = "ACCOUNT"
	EventSystemStart   EventType = "SYSTEM_START"
	EventSystemStop    EventType = "SYSTEM_STOP"
	EventSystemError   EventType = "SYSTEM_ERROR"
	EventStrategyStart EventType = "STRATEGY_START"
	EventStrategyStop  EventType = "STRATEGY_STOP"
	EventStrategyError EventType = "STRATEGY_ERROR"
	EventDataStart     EventType = "DATA_START"
	EventDataEnd       EventType = "DATA_END"
	EventDataError     EventType = "DATA_ERROR"
	EventTimeTick      EventType = "TIME_TICK"
	EventTimeBar       EventType = "TIME_BAR"
	EventRiskWarning   EventType = "RISK_WARNING"
	EventRiskLimit     EventType = "RISK_LIMIT"
	EventCustom        EventType = "CUSTOM"

	// Wildcard subscribes to every event type. Internal consumers only; the
	// public API never exposes it.
	Wildcard EventType = "*"
)

// Priority orders dispatch within the bus queue. Lower is sooner.
type Priority int

const (
	PriorityCritical   Priority = 1
	PriorityHigh       Priority = 2
	PriorityNormal     Priority = 3
	PriorityLow        Priority = 4
	PriorityBackground Priority = 5
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	case PriorityBackground:
		return "BACKGROUND"
	default:
		return "UNKNOWN"
	}
}

// Event is the unit carried by the bus. Payload is one of the *Payload types
// below, switched on by subscribers.
type Event struct {
	ID            string
	Type          EventType
	Timestamp     int64 // ms, exchange clock
	Priority      Priority
	Source        string
	CorrelationID string
	Metadata      map[string]string
	Payload       any
}

// New creates an event with a fresh short id.
func New(t EventType, priority Priority, source string, payload any, nowMS int64) *Event {
	return &Event{
		ID:        uuid.NewString()[:8],
		Type:      t,
		Timestamp: nowMS,
		Priority:  priority,
		Source:    source,
		Payload:   payload,
	}
}

// MarketPayload carries a tick or synthesized market data point.
type MarketPayload struct {
	Symbol   string
	Price    math.LegacyDec
	Quantity math.LegacyDec
}

// OrderPayload carries an order state change. The order is a snapshot copy,
// safe to read from any goroutine.
type OrderPayload struct {
	Order types.Order
}

// FillPayload carries an executed trade.
type FillPayload struct {
	Trade types.Trade
}

// AccountPayload carries one user's balance change for one asset.
type AccountPayload struct {
	UserID string
	Asset  string
	Free   math.LegacyDec
	Locked math.LegacyDec
}

// SignalPayload carries a strategy signal.
type SignalPayload struct {
	Symbol    string
	Direction string
	Strength  math.LegacyDec
}
