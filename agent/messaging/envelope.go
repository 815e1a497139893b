package messaging

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Performative is the speech act of an envelope.
type Performative string

const (
	CallForProposal Performative = "CallForProposal"
	Proposal        Performative = "Proposal"
	Refusal         Performative = "Refusal"
	RefuseProposal  Performative = "RefuseProposal"
	AcceptProposal  Performative = "AcceptProposal"
	Consent         Performative = "Consent"
	InformConfirm   Performative = "InformConfirm"
	Inform          Performative = "Inform"
)

// IsRefusal reports whether p declines a request.
func (p Performative) IsRefusal() bool {
	return p == Refusal || p == RefuseProposal
}

// Message types carried in Envelope.Type.
const (
	TypeProcessChain = "ProcessChain"
	TypeOffer        = "Offer"
	TypeRegistration = "Registration"
	TypeInventory    = "Inventory"
	TypeTransport    = "TransportPlan"

	// SubTypeTransportRequest marks envelopes belonging to a transport
	// sub-negotiation.
	SubTypeTransportRequest = "TransportRequest"
)

var (
	// ErrInvalidEnvelope is returned for envelopes that cannot be decoded or
	// lack required fields.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Envelope is the wire message exchanged between agents.
type Envelope struct {
	ID             string          `json:"id"`
	Performative   Performative    `json:"performative"`
	Type           string          `json:"type,omitempty"`
	SubType        string          `json:"subType,omitempty"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	ReceiverID     string          `json:"receiverId,omitempty"`
	Topic          string          `json:"topic,omitempty"`
	ReplyTo        string          `json:"replyTo,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewEnvelope builds an envelope with a fresh id and the payload encoded as JSON.
func NewEnvelope(perf Performative, senderID, conversationID string, payload any) (*Envelope, error) {
	env := &Envelope{
		ID:             uuid.NewString(),
		Performative:   perf,
		ConversationID: conversationID,
		SenderID:       senderID,
		Timestamp:      time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		env.Payload = data
	}
	return env, nil
}

// Reply builds a response in the same conversation addressed to the sender.
func (e *Envelope) Reply(perf Performative, senderID string, payload any) (*Envelope, error) {
	r, err := NewEnvelope(perf, senderID, e.ConversationID, payload)
	if err != nil {
		return nil, err
	}
	r.Type = e.Type
	r.SubType = e.SubType
	r.ReceiverID = e.SenderID
	return r, nil
}

// WithType sets the message type and subtype and returns e.
func (e *Envelope) WithType(typ, subType string) *Envelope {
	e.Type = typ
	e.SubType = subType
	return e
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}

// Validate checks the fields every envelope must carry.
func (e *Envelope) Validate() error {
	switch {
	case e.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidEnvelope)
	case e.Performative == "":
		return fmt.Errorf("%w: missing performative", ErrInvalidEnvelope)
	case e.ConversationID == "":
		return fmt.Errorf("%w: missing conversation id", ErrInvalidEnvelope)
	}
	return nil
}

// Encode serializes the envelope.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses and validates a serialized envelope.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
