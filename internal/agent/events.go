package agent

import "time"

// EventType classifies agent lifecycle events.
type EventType string

const (
	EventChannelOpening EventType = "channel_opening"
	EventChannelOpened  EventType = "channel_opened"
	EventChannelClosing EventType = "channel_closing"
	EventChannelClosed  EventType = "channel_closed"
	EventOpenFailed     EventType = "open_failed"
	EventCloseFailed    EventType = "close_failed"
	EventPaymentSent    EventType = "payment_sent"
	EventPaymentAccept  EventType = "payment_accepted"
)

// Event is one typed status change, delivered on the agent's bounded event
// channel to a single consumer. There are no global listeners: whoever owns
// the agent owns the channel.
type Event struct {
	Type     EventType
	Endpoint string
	Amount   string
	TxHash   string
	Err      error
	Time     time.Time
}
