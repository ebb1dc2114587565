// Package protocol defines the wire schema shared by the signaling relay
// and the call engine. Every message is a self-describing Envelope whose
// Type discriminates the payload shape.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Type identifies the payload shape of an Envelope.
type Type string

const (
	TypeJoin         Type = "join"
	TypeLeave        Type = "leave"
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeChat         Type = "chat"
	TypePeerJoined   Type = "peer-joined"
	TypePeerLeft     Type = "peer-left"
	TypeMembers      Type = "members"
	TypeError        Type = "error"
)

// Envelope is the uniform message wrapper exchanged between client and relay.
type Envelope struct {
	Type     Type            `json:"type"`
	RoomID   string          `json:"roomId,omitempty"`
	SenderID string          `json:"senderId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SentAt   time.Time       `json:"sentAt,omitempty"`
}

// Member describes one room participant as reported to a joiner.
type Member struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// JoinPayload is carried by a join envelope.
type JoinPayload struct {
	DisplayName string `json:"displayName,omitempty"`
}

// MembersPayload answers a join with the current room roster,
// excluding the joiner itself.
type MembersPayload struct {
	Members []Member `json:"members"`
}

// OfferPayload and AnswerPayload are routed point-to-point.
type OfferPayload struct {
	TargetID string                    `json:"targetId"`
	SDP      webrtc.SessionDescription `json:"sdp"`
}

type AnswerPayload struct {
	TargetID string                    `json:"targetId"`
	SDP      webrtc.SessionDescription `json:"sdp"`
}

// CandidatePayload carries one ICE candidate, routed point-to-point.
type CandidatePayload struct {
	TargetID  string                  `json:"targetId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ChatPayload is broadcast to all other room members; the relay stamps
// the envelope's SentAt.
type ChatPayload struct {
	Body string `json:"body"`
}

// PeerPayload is carried by peer-joined and peer-left presence events.
type PeerPayload struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName,omitempty"`
}

// Rejection codes returned in ErrorPayload. Relay failures are reported
// to the sender only, never fanned out.
const (
	ErrRoomNotFound   = "room-not-found"
	ErrTargetNotFound = "target-not-found"
	ErrNotAMember     = "not-a-member"
	ErrAlreadyInRoom  = "already-in-room"
	ErrBadEnvelope    = "bad-envelope"
)

// ErrorPayload is a typed rejection sent back to the offending sender.
type ErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
	Ref    Type   `json:"ref,omitempty"`
}

// targetOnly is used by the relay to peek at the routing target without
// decoding the full payload.
type targetOnly struct {
	TargetID string `json:"targetId"`
}

// New builds an envelope with the given payload marshalled in place.
func New(t Type, roomID, senderID string, payload any) (Envelope, error) {
	env := Envelope{Type: t, RoomID: roomID, SenderID: senderID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// MustNew is New for payload types that cannot fail to marshal.
func MustNew(t Type, roomID, senderID string, payload any) Envelope {
	env, err := New(t, roomID, senderID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope payload into dst.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Target returns the point-to-point routing target, or "" for
// broadcast envelope types.
func (e Envelope) Target() string {
	switch e.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
	default:
		return ""
	}
	var t targetOnly
	if err := json.Unmarshal(e.Payload, &t); err != nil {
		return ""
	}
	return t.TargetID
}

// IsPointToPoint reports whether the envelope type requires a target.
func (e Envelope) IsPointToPoint() bool {
	switch e.Type {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}
