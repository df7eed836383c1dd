package stream

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// ConnState describes the client's view of the connection.
type ConnState string

const (
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
	StateDegraded     ConnState = "degraded"
)

// Event is one parsed market-feed event. The concrete types below are
// the only implementations.
type Event interface {
	eventType() string
}

// MarketTrade is a fill observed on the market channel.
type MarketTrade struct {
	AssetID      string
	Side         string // "buy" or "sell"
	Size         decimal.Decimal
	Price        decimal.Decimal
	Timestamp    time.Time
	TakerAddress string
}

// PriceChange carries the new top of book for one asset.
type PriceChange struct {
	AssetID   string
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	Timestamp time.Time
}

// PriceLevel is one side level of the book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderbookDelta is a book snapshot or incremental update.
type OrderbookDelta struct {
	AssetID   string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// Heartbeat is emitted for every PONG received from the broker.
type Heartbeat struct {
	Timestamp time.Time
}

// ConnectionStateChange reports connect/disconnect/degraded transitions.
type ConnectionStateChange struct {
	State  ConnState
	Reason string
}

func (MarketTrade) eventType() string           { return "trade" }
func (PriceChange) eventType() string           { return "price_change" }
func (OrderbookDelta) eventType() string        { return "book" }
func (Heartbeat) eventType() string             { return "heartbeat" }
func (ConnectionStateChange) eventType() string { return "state" }

// Handler consumes parsed events. It is mandatory at construction so a
// client can never run with an unset consumer.
type Handler interface {
	HandleEvent(Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(e Event) { f(e) }

// Wire shapes. Frames arrive as a single object or an array of objects;
// each object carries an event_type discriminator.

type wireEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Market    string `json:"market"`
	Timestamp string `json:"timestamp"`

	// trade
	Side         string `json:"side"`
	Size         string `json:"size"`
	Price        string `json:"price"`
	TakerAddress string `json:"taker_address"`

	// price_change
	BestBid      string          `json:"best_bid"`
	BestAsk      string          `json:"best_ask"`
	PriceChanges []wirePriceItem `json:"price_changes"`

	// book
	Bids []wireLevel `json:"bids"`
	Asks []wireLevel `json:"asks"`
}

type wirePriceItem struct {
	AssetID string `json:"asset_id"`
	BestBid string `json:"best_bid"`
	BestAsk string `json:"best_ask"`
}

type wireLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// parseFrame decodes one text frame into zero or more events, in broker
// order. Arrays fan out one event at a time.
func parseFrame(data []byte) ([]Event, error) {
	trimmed := skipSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var raw []wireEvent
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, err
		}
		var out []Event
		for i := range raw {
			out = append(out, raw[i].toEvents()...)
		}
		return out, nil
	}

	var raw wireEvent
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, err
	}
	return raw.toEvents(), nil
}

func (w *wireEvent) toEvents() []Event {
	ts := parseWireTime(w.Timestamp)

	switch w.EventType {
	case "trade":
		return []Event{MarketTrade{
			AssetID:      w.AssetID,
			Side:         normalizeSide(w.Side),
			Size:         parseWireDecimal(w.Size),
			Price:        parseWireDecimal(w.Price),
			Timestamp:    ts,
			TakerAddress: w.TakerAddress,
		}}

	case "price_change":
		// Either a flat event or a batch keyed by price_changes.
		if len(w.PriceChanges) > 0 {
			out := make([]Event, 0, len(w.PriceChanges))
			for _, pc := range w.PriceChanges {
				out = append(out, PriceChange{
					AssetID:   pc.AssetID,
					BestBid:   parseWireDecimal(pc.BestBid),
					BestAsk:   parseWireDecimal(pc.BestAsk),
					Timestamp: ts,
				})
			}
			return out
		}
		return []Event{PriceChange{
			AssetID:   w.AssetID,
			BestBid:   parseWireDecimal(w.BestBid),
			BestAsk:   parseWireDecimal(w.BestAsk),
			Timestamp: ts,
		}}

	case "book":
		delta := OrderbookDelta{
			AssetID:   w.AssetID,
			Bids:      toLevels(w.Bids),
			Asks:      toLevels(w.Asks),
			Timestamp: ts,
		}
		return []Event{delta}
	}

	// Unknown event types are not an error; the broker adds new ones.
	return nil
}

func toLevels(in []wireLevel) []PriceLevel {
	out := make([]PriceLevel, 0, len(in))
	for _, l := range in {
		out = append(out, PriceLevel{
			Price: parseWireDecimal(l.Price),
			Size:  parseWireDecimal(l.Size),
		})
	}
	return out
}

func normalizeSide(s string) string {
	switch s {
	case "BUY", "buy":
		return "buy"
	case "SELL", "sell":
		return "sell"
	}
	return s
}

func parseWireDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// parseWireTime handles the broker's millisecond-epoch string stamps.
func parseWireTime(s string) time.Time {
	if s == "" {
		return time.Now().UTC()
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		if t, terr := time.Parse(time.RFC3339, s); terr == nil {
			return t.UTC()
		}
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func skipSpace(b []byte) []byte {
	for len(b) > 0 && (b[0] == ' ' || b[0] == '\t' || b[0] == '\n' || b[0] == '\r') {
		b = b[1:]
	}
	return b
}
