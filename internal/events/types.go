package events

import "time"

// Event enumerates high-level topics inside the signal core.
type Event string

const (
	EventOrderOpened     Event = "order.opened"
	EventOrderClosed     Event = "order.closed"
	EventRiskRejected    Event = "risk.violation_rejected"
	EventSignalGenerated Event = "signal.generated"
	EventTickFailed      Event = "tick.failed"
)

// Envelope tags a payload with its topic.
type Envelope struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}

// OrderEvent is published when an order opens or closes.
type OrderEvent struct {
	OrderID       string    `json:"order_id"`
	PairKey       string    `json:"pair_key"`
	Direction     string    `json:"direction"`
	Status        string    `json:"status"`
	Outcome       string    `json:"outcome,omitempty"`
	EntryPrice    float64   `json:"entry_price"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	Size          float64   `json:"size"`
	ExitPrice     float64   `json:"exit_price,omitempty"`
	ResultUnits   float64   `json:"result_units,omitempty"`
	ResultValue   float64   `json:"result_value,omitempty"`
	IsReal        bool      `json:"is_real"`
	FailureReason string    `json:"failure_reason,omitempty"`
	At            time.Time `json:"at"`
}

// RiskRejected is published with the full violation list of a rejected proposal.
type RiskRejected struct {
	PairKey    string    `json:"pair_key"`
	Direction  string    `json:"direction"`
	EntryPrice float64   `json:"entry_price"`
	RiskAmount float64   `json:"risk_amount"`
	Codes      []string  `json:"codes"`
	Messages   []string  `json:"messages"`
	At         time.Time `json:"at"`
}

// SignalGenerated is published for every scored snapshot.
type SignalGenerated struct {
	PairKey    string    `json:"pair_key"`
	Direction  string    `json:"direction"`
	Confidence float64   `json:"confidence"`
	Reasons    []string  `json:"reasons"`
	At         time.Time `json:"at"`
}

// TickFailed is published when a pair's evaluation tick fails or panics.
type TickFailed struct {
	PairKey string    `json:"pair_key"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}
