package events

import (
	"sync"
	"time"
)

// Tag classifies a telemetry event for the external UI.
type Tag string

const (
	TagAccount          Tag = "ACCOUNT"
	TagPositions        Tag = "POSITIONS"
	TagMarketUpdate     Tag = "MARKET_UPDATE"
	TagTradeEvent       Tag = "TRADE_EVENT"
	TagActivity         Tag = "ACTIVITY"
	TagSystemStatus     Tag = "SYSTEM_STATUS"
	TagProfitTargets    Tag = "PROFIT_TARGETS"
	TagBotStatus        Tag = "BOT_STATUS"
	TagOrderUpdate      Tag = "ORDER_UPDATE"
	TagPhase3Event      Tag = "PHASE3_EVENT"
	TagProcessingStatus Tag = "PROCESSING_STATUS"
)

// ActivityLevel grades a user-visible activity message.
type ActivityLevel string

const (
	LevelInfo    ActivityLevel = "INFO"
	LevelSuccess ActivityLevel = "SUCCESS"
	LevelWarn    ActivityLevel = "WARN"
	LevelError   ActivityLevel = "ERROR"
)

// Event is one telemetry push. The engine produces events; it does not own
// the transport.
type Event struct {
	Tag       Tag                    `json:"tag"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Subscriber is a function that handles events. Subscribers must not block;
// slow consumers should buffer on their side.
type Subscriber func(Event)

// Bus manages event publishing and subscriptions.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Tag][]Subscriber
	allSubs     []Subscriber
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Tag][]Subscriber),
	}
}

// Subscribe registers a subscriber for one tag.
func (b *Bus) Subscribe(tag Tag, subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[tag] = append(b.subscribers[tag], subscriber)
}

// SubscribeAll registers a subscriber for every event.
func (b *Bus) SubscribeAll(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allSubs = append(b.allSubs, subscriber)
}

// Publish delivers an event to tag and catch-all subscribers.
func (b *Bus) Publish(tag Tag, data map[string]interface{}) {
	event := Event{Tag: tag, Timestamp: time.Now(), Data: data}

	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subscribers[tag]...)
	subs = append(subs, b.allSubs...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub(event)
	}
}

// Activity publishes a user-visible message at the given level.
func (b *Bus) Activity(level ActivityLevel, message string, fields map[string]interface{}) {
	data := map[string]interface{}{
		"level":   string(level),
		"message": message,
	}
	for k, v := range fields {
		data[k] = v
	}
	b.Publish(TagActivity, data)
}
