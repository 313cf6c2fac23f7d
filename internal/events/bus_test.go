package events

import "testing"

func TestPublishReachesTagSubscribers(t *testing.T) {
	b := NewBus()
	var got []Event
	b.Subscribe(TagTradeEvent, func(e Event) { got = append(got, e) })
	b.Subscribe(TagAccount, func(e Event) { t.Error("Should not deliver to other tags") })

	b.Publish(TagTradeEvent, map[string]interface{}{"symbol": "BTC/USD"})

	if len(got) != 1 {
		t.Fatalf("Should deliver one event, got %d", len(got))
	}
	if got[0].Data["symbol"] != "BTC/USD" {
		t.Errorf("Should carry the payload, got %v", got[0].Data)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("Should stamp events")
	}
}

func TestSubscribeAllSeesEverything(t *testing.T) {
	b := NewBus()
	count := 0
	b.SubscribeAll(func(Event) { count++ })

	b.Publish(TagAccount, nil)
	b.Publish(TagBotStatus, nil)
	b.Activity(LevelWarn, "test warning", nil)

	if count != 3 {
		t.Errorf("Should see all 3 events, got %d", count)
	}
}

func TestActivityCarriesLevel(t *testing.T) {
	b := NewBus()
	var got Event
	b.Subscribe(TagActivity, func(e Event) { got = e })

	b.Activity(LevelError, "broker down", map[string]interface{}{"component": "crypto_loop"})

	if got.Data["level"] != "ERROR" || got.Data["message"] != "broker down" {
		t.Errorf("Should carry level and message, got %v", got.Data)
	}
	if got.Data["component"] != "crypto_loop" {
		t.Errorf("Should merge extra fields, got %v", got.Data)
	}
}
