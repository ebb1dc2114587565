package relay

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/wavechat/callcore/internal/protocol"
)

// Presence is notified of membership changes so a directory service can
// mirror live occupancy. Both hooks must be non-blocking.
type Presence interface {
	PeerJoined(roomID, peerID string)
	PeerLeft(roomID, peerID string)
}

// Relay routes envelopes between participants of the same room. It is
// stateless with respect to media: membership lives in the Registry and
// the relay only reads it to route. A bad message is answered with a
// typed rejection to its sender and never disturbs the rest of the room.
type Relay struct {
	reg      *Registry
	presence Presence
	log      zerolog.Logger
}

func New(reg *Registry, presence Presence, log zerolog.Logger) *Relay {
	return &Relay{reg: reg, presence: presence, log: log}
}

// Join admits the participant into the room: the joiner receives the
// current roster, existing members receive peer-joined. Join failures
// are reported to the joiner only.
func (r *Relay) Join(roomID string, p *Participant) {
	members, err := r.reg.Join(roomID, p)
	if err != nil {
		code := protocol.ErrBadEnvelope
		if errors.Is(err, ErrIdentityBusy) {
			code = protocol.ErrAlreadyInRoom
		}
		r.reject(p, roomID, code, err.Error(), protocol.TypeJoin)
		return
	}

	roster := protocol.MustNew(protocol.TypeMembers, roomID, "", protocol.MembersPayload{Members: members})
	if err := p.Transport.Send(roster); err != nil {
		r.log.Warn().Err(err).Str("participant", p.ID).Msg("failed to deliver roster")
	}

	joined := protocol.MustNew(protocol.TypePeerJoined, roomID, p.ID, protocol.PeerPayload{
		PeerID:      p.ID,
		DisplayName: p.DisplayName,
	})
	r.fanOut(roomID, p.ID, joined)

	if r.presence != nil {
		r.presence.PeerJoined(roomID, p.ID)
	}
	r.log.Info().Str("room", roomID).Str("participant", p.ID).Msg("participant joined")
}

// Leave removes the participant and tells the remaining members. Safe to
// call for identities that already left; the double leave is a no-op.
func (r *Relay) Leave(roomID string, p *Participant) {
	if !r.reg.Leave(roomID, p.ID) {
		return
	}

	left := protocol.MustNew(protocol.TypePeerLeft, roomID, p.ID, protocol.PeerPayload{PeerID: p.ID})
	r.fanOut(roomID, p.ID, left)

	if r.presence != nil {
		r.presence.PeerLeft(roomID, p.ID)
	}
	r.log.Info().Str("room", roomID).Str("participant", p.ID).Msg("participant left")
}

// Route delivers one envelope from an admitted sender. Point-to-point
// types go to their target; broadcast types fan out to every other
// member. Messages referencing rooms the sender does not belong to are
// dropped with a rejection to the sender only.
func (r *Relay) Route(sender *Participant, env protocol.Envelope) {
	env.SenderID = sender.ID

	if _, ok := r.reg.Lookup(env.RoomID, sender.ID); !ok {
		code, reason := protocol.ErrNotAMember, "sender is not a member of this room"
		if !r.reg.HasRoom(env.RoomID) {
			code, reason = protocol.ErrRoomNotFound, "room does not exist"
		}
		r.log.Warn().
			Str("room", env.RoomID).
			Str("sender", sender.ID).
			Str("type", string(env.Type)).
			Str("code", code).
			Msg("dropping envelope from non-member")
		r.reject(sender, env.RoomID, code, reason, env.Type)
		return
	}
	r.reg.Touch(env.RoomID)

	switch env.Type {
	case protocol.TypeOffer, protocol.TypeAnswer, protocol.TypeICECandidate:
		targetID := env.Target()
		if targetID == "" {
			r.reject(sender, env.RoomID, protocol.ErrBadEnvelope, "point-to-point envelope without targetId", env.Type)
			return
		}
		target, ok := r.reg.Lookup(env.RoomID, targetID)
		if !ok {
			r.reject(sender, env.RoomID, protocol.ErrTargetNotFound, "target is not in the room", env.Type)
			return
		}
		if err := target.Transport.Send(env); err != nil {
			r.log.Warn().Err(err).Str("target", targetID).Msg("failed to deliver envelope")
		}

	case protocol.TypeChat:
		env.SentAt = time.Now().UTC()
		r.fanOut(env.RoomID, sender.ID, env)

	case protocol.TypeLeave:
		r.Leave(env.RoomID, sender)

	default:
		r.reject(sender, env.RoomID, protocol.ErrBadEnvelope, "unroutable envelope type", env.Type)
	}
}

func (r *Relay) fanOut(roomID, excludeID string, env protocol.Envelope) {
	for _, member := range r.reg.Others(roomID, excludeID) {
		if err := member.Transport.Send(env); err != nil {
			r.log.Warn().Err(err).Str("target", member.ID).Msg("failed to deliver envelope")
		}
	}
}

// reject reports a relay failure to the sender only.
func (r *Relay) reject(p *Participant, roomID, code, reason string, ref protocol.Type) {
	env := protocol.MustNew(protocol.TypeError, roomID, "", protocol.ErrorPayload{
		Code:   code,
		Reason: reason,
		Ref:    ref,
	})
	if err := p.Transport.Send(env); err != nil {
		r.log.Warn().Err(err).Str("participant", p.ID).Msg("failed to deliver rejection")
	}
}
