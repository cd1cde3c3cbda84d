package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/strangercam/matchmaker/internal/pairing"
	"github.com/strangercam/matchmaker/internal/session"
)

type MessageType string

const (
	MessageTypeStartSearch MessageType = "start-search"
	MessageTypeEndSearch   MessageType = "end-search"
	MessageTypeNext        MessageType = "next"

	MessageTypeChat      MessageType = "chat-message"
	MessageTypeOffer     MessageType = "offer"
	MessageTypeAnswer    MessageType = "answer"
	MessageTypeCandidate MessageType = "candidate"

	MessageTypeWelcome             MessageType = "welcome"
	MessageTypePaired              MessageType = "paired"
	MessageTypePartnerDisconnected MessageType = "partner-disconnected"
	MessageTypeError               MessageType = "error"
)

// Names used by older browser clients. They are accepted inbound only;
// outbound frames always use the canonical names.
const (
	legacyMessageTypeChat      MessageType = "chat message"
	legacyMessageTypeCandidate MessageType = "ice-candidate"
)

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type WelcomePayload struct {
	ID string `json:"id"`
}

type PairedPayload struct {
	PartnerID string `json:"partnerId"`
	Initiator bool   `json:"initiator"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// protocolError is a recoverable client mistake. It is reported to the client
// as an error frame and the connection stays open.
type protocolError struct {
	Code    string
	Message string
}

func (e *protocolError) Error() string { return e.Code + ": " + e.Message }

func badMessage(format string, args ...any) *protocolError {
	return &protocolError{Code: "bad_message", Message: fmt.Sprintf(format, args...)}
}

// ParseClientMessage decodes one inbound text frame into a session event.
func ParseClientMessage(data []byte) (session.Event, error) {
	var env Envelope
	if err := decodeStrictJSON(data, &env); err != nil {
		return nil, badMessage("invalid envelope: %v", err)
	}

	switch env.Type {
	case MessageTypeStartSearch:
		return session.StartSearch{}, nil
	case MessageTypeEndSearch:
		return session.EndSearch{}, nil
	case MessageTypeNext:
		return session.Next{}, nil
	}

	kind, ok := relayKind(env.Type)
	if !ok {
		if env.Type == "" {
			return nil, badMessage("missing message type")
		}
		return nil, &protocolError{Code: "unknown_type", Message: fmt.Sprintf("unknown message type %q", env.Type)}
	}
	return session.Relay{Message: session.Message{Kind: kind, Payload: env.Payload}}, nil
}

func relayKind(t MessageType) (session.Kind, bool) {
	switch t {
	case MessageTypeChat, legacyMessageTypeChat:
		return session.KindChat, true
	case MessageTypeOffer:
		return session.KindOffer, true
	case MessageTypeAnswer:
		return session.KindAnswer, true
	case MessageTypeCandidate, legacyMessageTypeCandidate:
		return session.KindCandidate, true
	default:
		return "", false
	}
}

// EncodeNotification renders a dispatcher notification as a wire frame.
//
// Relayed payloads are spliced in unchanged rather than re-marshaled, so the
// partner receives exactly the bytes the sender produced.
func EncodeNotification(n session.Notification) ([]byte, error) {
	switch n := n.(type) {
	case session.Paired:
		return encodeFrame(MessageTypePaired, PairedPayload{PartnerID: string(n.Partner), Initiator: n.Initiator})
	case session.PartnerDisconnected:
		return json.Marshal(Envelope{Type: MessageTypePartnerDisconnected})
	case session.Relayed:
		return encodeRelayed(n.Message)
	default:
		return nil, fmt.Errorf("unsupported notification %T", n)
	}
}

func encodeWelcome(id pairing.ConnID) ([]byte, error) {
	return encodeFrame(MessageTypeWelcome, WelcomePayload{ID: string(id)})
}

func encodeError(code, message string) ([]byte, error) {
	return encodeFrame(MessageTypeError, ErrorPayload{Code: code, Message: message})
}

func encodeFrame(t MessageType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Payload: raw})
}

func encodeRelayed(m session.Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("invalid relay kind %q", m.Kind)
	}
	typ, err := json.Marshal(string(m.Kind))
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(len(typ) + len(m.Payload) + 24)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(m.Payload) > 0 {
		buf.WriteString(`,"payload":`)
		buf.Write(m.Payload)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	var extra json.RawMessage
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("unexpected trailing data")
		}
		return err
	}
	return nil
}
