package streams

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Payload kinds carried in an envelope
const (
	KindMessage           = "message"
	KindMembership        = "membership"
	KindUsername          = "username"
	KindDisplayName       = "displayName"
	KindChannelProperties = "channelProperties"
	KindMiniblockHeader   = "miniblockHeader"
)

// Envelope is the wire form of a single signed event
type Envelope struct {
	Hash      string          `json:"hash"`
	Signature []byte          `json:"signature"`
	CreatorId string          `json:"creatorId"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// Payload is a closed union of event payload variants
type Payload interface {
	payloadKind() string
}

type MembershipOp string

const (
	MembershipJoin   MembershipOp = "join"
	MembershipLeave  MembershipOp = "leave"
	MembershipInvite MembershipOp = "invite"
)

type MessagePayload struct {
	Algorithm  string `json:"algorithm"`
	SessionId  string `json:"sessionId"`
	Ciphertext []byte `json:"ciphertext"`
	SenderKey  string `json:"senderKey"`
}

type MembershipPayload struct {
	UserId string       `json:"userId"`
	Op     MembershipOp `json:"op"`
}

type UsernamePayload struct {
	UserId     string `json:"userId"`
	Algorithm  string `json:"algorithm"`
	SessionId  string `json:"sessionId"`
	Ciphertext []byte `json:"ciphertext"`
}

type DisplayNamePayload struct {
	UserId     string `json:"userId"`
	Algorithm  string `json:"algorithm"`
	SessionId  string `json:"sessionId"`
	Ciphertext []byte `json:"ciphertext"`
}

type ChannelPropertiesPayload struct {
	Algorithm  string `json:"algorithm"`
	SessionId  string `json:"sessionId"`
	Ciphertext []byte `json:"ciphertext"`
}

type MiniblockHeaderPayload struct {
	MiniblockNum             int64     `json:"miniblockNum"`
	MiniblockHash            string    `json:"miniblockHash"`
	PrevSnapshotMiniblockNum int64     `json:"prevSnapshotMiniblockNum"`
	EventHashes              []string  `json:"eventHashes"`
	Snapshot                 *Snapshot `json:"snapshot,omitempty"`
}

func (*MessagePayload) payloadKind() string           { return KindMessage }
func (*MembershipPayload) payloadKind() string        { return KindMembership }
func (*UsernamePayload) payloadKind() string          { return KindUsername }
func (*DisplayNamePayload) payloadKind() string       { return KindDisplayName }
func (*ChannelPropertiesPayload) payloadKind() string { return KindChannelProperties }
func (*MiniblockHeaderPayload) payloadKind() string   { return KindMiniblockHeader }

// ParsedEvent is an envelope with its payload decoded
type ParsedEvent struct {
	Hash      string
	Signature []byte
	CreatorId string
	Payload   Payload

	// Number of the miniblock this event got sealed into, -1 while in the minipool
	MiniblockNum int64
}

const MiniblockNumNone = int64(-1)

func (self *ParsedEvent) IsConfirmed() bool {
	return self.MiniblockNum != MiniblockNumNone
}

// Parse decodes the payload into its concrete variant
func (self *Envelope) Parse() (parsed *ParsedEvent, err error) {
	if self.Hash == "" {
		return nil, errors.New("envelope without hash")
	}

	var payload Payload
	switch self.Kind {
	case KindMessage:
		payload = new(MessagePayload)
	case KindMembership:
		payload = new(MembershipPayload)
	case KindUsername:
		payload = new(UsernamePayload)
	case KindDisplayName:
		payload = new(DisplayNamePayload)
	case KindChannelProperties:
		payload = new(ChannelPropertiesPayload)
	case KindMiniblockHeader:
		payload = new(MiniblockHeaderPayload)
	default:
		return nil, fmt.Errorf("unknown payload kind: %s", self.Kind)
	}

	err = json.Unmarshal(self.Payload, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s payload of event %s: %w", self.Kind, self.Hash, err)
	}

	parsed = &ParsedEvent{
		Hash:         self.Hash,
		Signature:    self.Signature,
		CreatorId:    self.CreatorId,
		Payload:      payload,
		MiniblockNum: MiniblockNumNone,
	}
	return
}

// Envelope converts the event back to its wire form
func (self *ParsedEvent) Envelope() (envelope *Envelope, err error) {
	data, err := json.Marshal(self.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", self.Payload.payloadKind(), err)
	}
	envelope = &Envelope{
		Hash:      self.Hash,
		Signature: self.Signature,
		CreatorId: self.CreatorId,
		Kind:      self.Payload.payloadKind(),
		Payload:   data,
	}
	return
}

func ParseEnvelopes(envelopes []*Envelope) (parsed []*ParsedEvent, err error) {
	parsed = make([]*ParsedEvent, 0, len(envelopes))
	for _, envelope := range envelopes {
		event, err := envelope.Parse()
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, event)
	}
	return
}
