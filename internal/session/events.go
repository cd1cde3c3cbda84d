package session

import (
	"encoding/json"

	"github.com/strangercam/matchmaker/internal/pairing"
)

// Kind is the relay message vocabulary. The server never looks inside a relay
// payload; Kind only selects the wire name the partner receives.
type Kind string

const (
	KindChat      Kind = "chat-message"
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"
)

func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindOffer, KindAnswer, KindCandidate:
		return true
	default:
		return false
	}
}

// Message is a relay message: a kind plus an opaque payload that is forwarded
// byte for byte.
type Message struct {
	Kind    Kind
	Payload json.RawMessage
}

// Event is an inbound event from one connection. The set of implementations is
// closed; Dispatcher.Handle switches over all of them.
type Event interface {
	isEvent()
}

type (
	// StartSearch asks to enter the waiting queue.
	StartSearch struct{}
	// EndSearch leaves the waiting queue or the current pair without requeue.
	EndSearch struct{}
	// Next abandons the current partner and requeues the sender only.
	Next struct{}
	// Relay forwards Message to the sender's current partner.
	Relay struct{ Message Message }
	// ChannelLost reports that the transport channel closed.
	ChannelLost struct{}
)

func (StartSearch) isEvent() {}
func (EndSearch) isEvent()   {}
func (Next) isEvent()        {}
func (Relay) isEvent()       {}
func (ChannelLost) isEvent() {}

// Notification is an outbound message to one connection. The set of
// implementations is closed.
type Notification interface {
	isNotification()
}

type (
	// Paired tells a connection it has been matched with Partner. Initiator is
	// set on the side dequeued first, which conventionally creates the offer.
	Paired struct {
		Partner   pairing.ConnID
		Initiator bool
	}
	// PartnerDisconnected tells a connection its partner left, skipped or was
	// lost.
	PartnerDisconnected struct{}
	// Relayed carries a relay message from the partner, unchanged.
	Relayed struct{ Message Message }
)

func (Paired) isNotification()              {}
func (PartnerDisconnected) isNotification() {}
func (Relayed) isNotification()             {}

// Sender delivers notifications to connections.
//
// Send is called while the dispatcher holds its lock, so it must not block on
// network I/O: implementations enqueue and return. Delivery is best effort and
// failures are never reported back to the dispatcher.
type Sender interface {
	Send(to pairing.ConnID, n Notification)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(to pairing.ConnID, n Notification)

func (f SenderFunc) Send(to pairing.ConnID, n Notification) { f(to, n) }
