// Package call is the client-side call engine: it joins a room through
// the signaling relay and drives one negotiation state machine per
// remote peer to a live media connection, handling offer glare,
// out-of-order candidates, reconnection and mid-call media toggling.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/wavechat/callcore/internal/protocol"
)

// ErrRelayUnreachable is the single room-scoped failure: the relay
// session dropped and the whole call needs a manual retry.
var ErrRelayUnreachable = errors.New("relay unreachable")

// Timing bounds the negotiation and reconnection machinery. Zero fields
// take the defaults; tests shrink them.
type Timing struct {
	NegotiationTimeout time.Duration
	HealthInterval     time.Duration
	RetryBackoff       []time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		NegotiationTimeout: 10 * time.Second,
		HealthInterval:     2 * time.Second,
		RetryBackoff:       []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
	}
}

func (t Timing) withDefaults() Timing {
	def := DefaultTiming()
	if t.NegotiationTimeout == 0 {
		t.NegotiationTimeout = def.NegotiationTimeout
	}
	if t.HealthInterval == 0 {
		t.HealthInterval = def.HealthInterval
	}
	if t.RetryBackoff == nil {
		t.RetryBackoff = def.RetryBackoff
	}
	return t
}

// PeerStateEvent reports a peer session transition to the observer.
type PeerStateEvent struct {
	PeerID string
	State  PeerState
	Err    error
}

// ChatEvent is a chat message relayed from another room member.
type ChatEvent struct {
	SenderID string
	Body     string
	SentAt   time.Time
}

// Config wires a Call to its collaborators. Transport, Media and Links
// are required; SelfID is the opaque, already-authenticated participant
// identity.
type Config struct {
	RoomID      string
	SelfID      string
	DisplayName string

	Transport Transport
	Media     MediaSource
	Links     LinkFactory
	Timing    Timing

	OnPeerState func(PeerStateEvent)
	OnChat      func(ChatEvent)
	OnError     func(error)
}

// Call owns the transport session, the shared media session and one
// peer session per remote peer. All negotiation transitions execute on
// a single event loop, in response to discrete events, and never block
// the caller.
type Call struct {
	cfg    Config
	timing Timing

	mu    sync.RWMutex
	media *MediaSession
	peers map[string]*peerSession

	// Pending state while the shared media is being re-acquired off the
	// loop: remote peers waiting for their session (value records
	// whether we owe them an offer) plus any offers and candidates that
	// arrived for them in the meantime. Loop-owned.
	acquiring     bool
	pendingPeers  map[string]bool
	pendingOffers map[string]webrtc.SessionDescription
	pendingCands  map[string][]webrtc.ICECandidateInit

	events  chan any
	done    chan struct{}
	endOnce sync.Once
	started bool
}

// New creates a call session for one room. Start must be called before
// anything flows.
func New(cfg Config) (*Call, error) {
	if cfg.Transport == nil || cfg.Media == nil || cfg.Links == nil {
		return nil, errors.New("call: Transport, Media and Links are required")
	}
	if cfg.SelfID == "" || cfg.RoomID == "" {
		return nil, errors.New("call: SelfID and RoomID are required")
	}
	return &Call{
		cfg:           cfg,
		timing:        cfg.Timing.withDefaults(),
		peers:         make(map[string]*peerSession),
		pendingPeers:  make(map[string]bool),
		pendingOffers: make(map[string]webrtc.SessionDescription),
		pendingCands:  make(map[string][]webrtc.ICECandidateInit),
		events:        make(chan any, 64),
		done:          make(chan struct{}),
	}, nil
}

// Start acquires the local media and joins the room. Media acquisition
// waits on user permission with no implicit timeout but honours ctx if
// the call is aborted first. A device failure is terminal for the call
// attempt: no retry.
func (c *Call) Start(ctx context.Context) error {
	if c.started {
		return errors.New("call already started")
	}

	media, err := c.cfg.Media.Acquire(ctx)
	if err != nil {
		if !errors.Is(err, ErrMediaUnavailable) && !errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		return err
	}
	c.mu.Lock()
	c.media = media
	c.mu.Unlock()

	join := protocol.MustNew(protocol.TypeJoin, c.cfg.RoomID, c.cfg.SelfID,
		protocol.JoinPayload{DisplayName: c.cfg.DisplayName})
	if err := c.cfg.Transport.Send(join); err != nil {
		media.Close()
		return fmt.Errorf("join room: %w", err)
	}

	c.started = true
	go c.run()
	return nil
}

// Hangup ends the call: every peer session is released, the media
// session closed and the transport shut.
func (c *Call) Hangup() {
	c.endOnce.Do(func() { close(c.done) })
}

// Done is closed once the call has ended.
func (c *Call) Done() <-chan struct{} { return c.done }

// SendChat broadcasts a chat message to the other room members. The
// relay stamps the delivery time.
func (c *Call) SendChat(body string) error {
	select {
	case <-c.done:
		return ErrCallEnded
	default:
	}
	env := protocol.MustNew(protocol.TypeChat, c.cfg.RoomID, c.cfg.SelfID,
		protocol.ChatPayload{Body: body})
	return c.cfg.Transport.Send(env)
}

// SetTrackEnabled flips local audio/video enablement without touching
// any peer session: no offer/answer cycle, ever.
func (c *Call) SetTrackEnabled(kind TrackKind, enabled bool) error {
	c.mu.RLock()
	media := c.media
	c.mu.RUnlock()
	if media == nil {
		return errors.New("no active media session")
	}
	return media.SetTrackEnabled(kind, enabled)
}

// PeerState returns the current negotiation state for a remote peer.
func (c *Call) PeerState(peerID string) (PeerState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.peers[peerID]
	if !ok {
		return StateIdle, false
	}
	return p.state, true
}

// Peers lists the remote peers with live sessions.
func (c *Call) Peers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.peers))
	for id := range c.peers {
		out = append(out, id)
	}
	return out
}

// internal loop events

type localCandidate struct {
	peerID string
	cand   webrtc.ICECandidateInit
}

type linkState struct {
	peerID string
	state  webrtc.PeerConnectionState
}

type negotiationTimeout struct {
	peerID string
	round  int
}

type retryAttempt struct {
	peerID  string
	attempt int
}

type connectivityLost struct {
	peerID string
}

type mediaAcquired struct {
	media *MediaSession
	err   error
}

// post hands an event to the loop without ever blocking past call end.
func (c *Call) post(ev any) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Call) run() {
	defer c.shutdown()

	for {
		select {
		case <-c.done:
			return
		case env, ok := <-c.cfg.Transport.Inbound():
			if !ok {
				c.relayLost()
				return
			}
			c.handleEnvelope(env)
		case ev := <-c.events:
			c.handleEvent(ev)
		}
	}
}

// shutdown releases every peer session, the media and the transport.
func (c *Call) shutdown() {
	c.endOnce.Do(func() { close(c.done) })

	leave := protocol.MustNew(protocol.TypeLeave, c.cfg.RoomID, c.cfg.SelfID, nil)
	c.cfg.Transport.Send(leave)

	for _, p := range c.snapshotPeers() {
		if !p.state.Terminal() {
			c.releasePeer(p, StateEnded, nil)
		}
	}
	c.releaseMedia()
	c.cfg.Transport.Close()
}

// relayLost surfaces the room-scoped failure once and ends the call.
func (c *Call) relayLost() {
	log.Warn().Str("room", c.cfg.RoomID).Msg("relay session lost")
	c.reportError(ErrRelayUnreachable)
	for _, p := range c.snapshotPeers() {
		if !p.state.Terminal() {
			c.releasePeer(p, StateFailed, ErrRelayUnreachable)
		}
	}
}

func (c *Call) handleEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeMembers:
		var roster protocol.MembersPayload
		if err := env.Decode(&roster); err != nil {
			log.Warn().Err(err).Msg("bad roster envelope")
			return
		}
		// The joiner never self-initiates an offer: sessions for the
		// members already in the room wait for their offers.
		for _, m := range roster.Members {
			if m.ID != c.cfg.SelfID {
				c.ensurePeer(m.ID, false)
			}
		}

	case protocol.TypePeerJoined:
		var p protocol.PeerPayload
		if err := env.Decode(&p); err != nil || p.PeerID == c.cfg.SelfID {
			return
		}
		// The existing member is the offerer for a newly joined peer.
		c.ensurePeer(p.PeerID, true)

	case protocol.TypePeerLeft:
		var p protocol.PeerPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		if peer, ok := c.peers[p.PeerID]; ok {
			c.releasePeer(peer, StateEnded, nil)
		}
		delete(c.pendingPeers, p.PeerID)
		delete(c.pendingOffers, p.PeerID)
		delete(c.pendingCands, p.PeerID)

	case protocol.TypeOffer:
		var offer protocol.OfferPayload
		if err := env.Decode(&offer); err != nil {
			log.Warn().Err(err).Str("sender", env.SenderID).Msg("bad offer envelope")
			return
		}
		c.handleOffer(env.SenderID, offer.SDP)

	case protocol.TypeAnswer:
		var answer protocol.AnswerPayload
		if err := env.Decode(&answer); err != nil {
			log.Warn().Err(err).Str("sender", env.SenderID).Msg("bad answer envelope")
			return
		}
		c.handleAnswer(env.SenderID, answer.SDP)

	case protocol.TypeICECandidate:
		var cand protocol.CandidatePayload
		if err := env.Decode(&cand); err != nil {
			return
		}
		peer := c.ensurePeer(env.SenderID, false)
		if peer == nil {
			// Session deferred on media re-acquisition; hold the
			// candidate so nothing is silently dropped.
			if c.pendingPeers[env.SenderID] {
				c.pendingCands[env.SenderID] = append(c.pendingCands[env.SenderID], cand.Candidate)
			}
			return
		}
		if peer.state.Terminal() {
			return
		}
		if err := peer.buffer.add(cand.Candidate, peer.link.AddICECandidate); err != nil {
			log.Warn().Err(err).Str("peer", env.SenderID).Msg("failed to apply ICE candidate")
		}

	case protocol.TypeChat:
		var chat protocol.ChatPayload
		if err := env.Decode(&chat); err != nil {
			return
		}
		if c.cfg.OnChat != nil {
			c.cfg.OnChat(ChatEvent{SenderID: env.SenderID, Body: chat.Body, SentAt: env.SentAt})
		}

	case protocol.TypeError:
		var rej protocol.ErrorPayload
		if err := env.Decode(&rej); err != nil {
			return
		}
		c.reportError(&RelayError{Code: rej.Code, Reason: rej.Reason, Ref: rej.Ref})
	}
}

func (c *Call) handleEvent(ev any) {
	switch ev := ev.(type) {
	case localCandidate:
		peer, ok := c.peers[ev.peerID]
		if !ok || peer.state.Terminal() {
			return
		}
		env := protocol.MustNew(protocol.TypeICECandidate, c.cfg.RoomID, c.cfg.SelfID,
			protocol.CandidatePayload{TargetID: ev.peerID, Candidate: ev.cand})
		if err := c.cfg.Transport.Send(env); err != nil {
			log.Warn().Err(err).Str("peer", ev.peerID).Msg("failed to send ICE candidate")
		}

	case linkState:
		peer, ok := c.peers[ev.peerID]
		if !ok || peer.state.Terminal() {
			return
		}
		if ev.state == webrtc.PeerConnectionStateConnected {
			peer.makingOffer = false
			peer.retries = 0
			peer.stopTimer()
			peer.stopSupervisor()
			peer.sup = newSupervisor(peer.link, c.timing.HealthInterval, func() {
				c.post(connectivityLost{ev.peerID})
			})
			c.setState(peer, StateConnected, nil)
		}
		// Degraded signals are owned by the supervisor's health poll.

	case connectivityLost:
		peer, ok := c.peers[ev.peerID]
		if !ok || peer.state != StateConnected {
			return
		}
		peer.retries = 0
		c.setState(peer, StateReconnecting, ErrConnectivityLost)
		c.scheduleRetry(peer)

	case retryAttempt:
		peer, ok := c.peers[ev.peerID]
		if !ok || peer.state != StateReconnecting {
			return
		}
		peer.retries = ev.attempt + 1
		log.Info().Str("peer", ev.peerID).Int("attempt", peer.retries).Msg("ICE restart attempt")
		c.startOffer(peer, true)

	case mediaAcquired:
		c.acquiring = false
		pending := c.pendingPeers
		c.pendingPeers = make(map[string]bool)
		if ev.err != nil {
			for id := range pending {
				delete(c.pendingOffers, id)
				delete(c.pendingCands, id)
			}
			if !errors.Is(ev.err, context.Canceled) {
				if !errors.Is(ev.err, ErrMediaUnavailable) {
					ev.err = fmt.Errorf("%w: %v", ErrMediaUnavailable, ev.err)
				}
				c.reportError(ev.err)
			}
			return
		}
		c.mu.Lock()
		c.media = ev.media
		c.mu.Unlock()
		for id, offer := range pending {
			p := c.createPeer(id, ev.media)
			if p == nil {
				delete(c.pendingOffers, id)
				delete(c.pendingCands, id)
				continue
			}
			for _, cand := range c.pendingCands[id] {
				p.buffer.add(cand, p.link.AddICECandidate)
			}
			delete(c.pendingCands, id)
			if sdp, ok := c.pendingOffers[id]; ok {
				delete(c.pendingOffers, id)
				c.answerOffer(p, sdp)
			} else if offer {
				c.startOffer(p, false)
			}
		}

	case negotiationTimeout:
		peer, ok := c.peers[ev.peerID]
		if !ok || ev.round != peer.round || peer.state == StateConnected || peer.state.Terminal() {
			return
		}
		if peer.state == StateReconnecting {
			if peer.retries >= len(c.timing.RetryBackoff) {
				c.releasePeer(peer, StateFailed, ErrConnectivityLost)
			} else {
				c.scheduleRetry(peer)
			}
			return
		}
		c.releasePeer(peer, StateFailed, ErrNegotiationTimeout)
	}
}

// ensurePeer returns the session for the remote peer, creating it in
// AWAITING_PEER when seen for the first time and offering immediately
// when asked. When a previous empty-room teardown released the shared
// media session, creation is deferred until re-acquisition completes
// off the loop; ensurePeer then returns nil and the peer is parked in
// pendingPeers.
func (c *Call) ensurePeer(remoteID string, offer bool) *peerSession {
	if remoteID == "" {
		return nil
	}
	if p, ok := c.peers[remoteID]; ok {
		if offer && p.state == StateAwaitingPeer {
			c.startOffer(p, false)
		}
		return p
	}

	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if media == nil {
		c.pendingPeers[remoteID] = c.pendingPeers[remoteID] || offer
		c.beginMediaAcquire()
		return nil
	}

	p := c.createPeer(remoteID, media)
	if p != nil && offer {
		c.startOffer(p, false)
	}
	return p
}

// createPeer builds the link and session record for one remote peer.
func (c *Call) createPeer(remoteID string, media *MediaSession) *peerSession {
	link, err := c.cfg.Links(remoteID, media,
		func(cand webrtc.ICECandidateInit) { c.post(localCandidate{remoteID, cand}) },
		func(st webrtc.PeerConnectionState) { c.post(linkState{remoteID, st}) },
	)
	if err != nil {
		c.reportError(&NegotiationError{PeerID: remoteID, Err: err})
		return nil
	}

	p := &peerSession{
		remoteID: remoteID,
		polite:   c.cfg.SelfID < remoteID,
		link:     link,
	}
	c.mu.Lock()
	c.peers[remoteID] = p
	c.mu.Unlock()
	c.setState(p, StateAwaitingPeer, nil)
	return p
}

// beginMediaAcquire re-acquires the shared media session on its own
// goroutine so capture waiting on user permission never stalls the
// event loop. Hangup cancels the acquisition.
func (c *Call) beginMediaAcquire() {
	if c.acquiring {
		return
	}
	c.acquiring = true

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	go func() {
		defer cancel()
		media, err := c.cfg.Media.Acquire(ctx)
		select {
		case c.events <- mediaAcquired{media, err}:
		case <-c.done:
			if media != nil {
				media.Close()
			}
		}
	}()
}

// startOffer begins one offer cycle toward the peer, with an ICE
// restart during reconnection.
func (c *Call) startOffer(p *peerSession, iceRestart bool) {
	offer, err := p.link.CreateOffer(iceRestart)
	if err != nil {
		c.releasePeer(p, StateFailed, &NegotiationError{PeerID: p.remoteID, Err: err})
		return
	}
	if err := p.link.SetLocalDescription(offer); err != nil {
		c.releasePeer(p, StateFailed, &NegotiationError{PeerID: p.remoteID, Err: err})
		return
	}
	p.makingOffer = true
	p.round++

	env := protocol.MustNew(protocol.TypeOffer, c.cfg.RoomID, c.cfg.SelfID,
		protocol.OfferPayload{TargetID: p.remoteID, SDP: offer})
	if err := c.cfg.Transport.Send(env); err != nil {
		c.releasePeer(p, StateFailed, &NegotiationError{PeerID: p.remoteID, Err: err})
		return
	}

	if p.state != StateReconnecting {
		c.setState(p, StateOffering, nil)
	}
	c.armNegotiationTimer(p)
}

// handleOffer applies a remote offer, resolving glare by the fixed
// polite/impolite roles: the impolite side keeps its pending offer and
// ignores the incoming one; the polite side rolls back and answers.
func (c *Call) handleOffer(senderID string, sdp webrtc.SessionDescription) {
	p := c.ensurePeer(senderID, false)
	if p == nil {
		// Session deferred on media re-acquisition; answer once it exists.
		if c.pendingPeers[senderID] {
			c.pendingOffers[senderID] = sdp
		}
		return
	}
	c.answerOffer(p, sdp)
}

// answerOffer applies the remote offer to an existing session and sends
// back the answer.
func (c *Call) answerOffer(p *peerSession, sdp webrtc.SessionDescription) {
	senderID := p.remoteID
	if p.state.Terminal() {
		return
	}

	collision := p.makingOffer || p.link.SignalingState() != webrtc.SignalingStateStable
	if collision {
		if !p.polite {
			log.Info().Str("peer", senderID).Msg("glare: ignoring incoming offer, keeping ours")
			return
		}
		log.Info().Str("peer", senderID).Msg("glare: rolling back our offer")
		if err := p.link.Rollback(); err != nil {
			c.releasePeer(p, StateFailed, &NegotiationError{PeerID: senderID, Err: err})
			return
		}
		p.makingOffer = false
	}

	if err := p.link.SetRemoteDescription(sdp); err != nil {
		c.releasePeer(p, StateFailed, &NegotiationError{PeerID: senderID, Err: err})
		return
	}
	if err := p.buffer.remoteDescriptionSet(p.link.AddICECandidate); err != nil {
		log.Warn().Err(err).Str("peer", senderID).Msg("failed to drain candidate buffer")
	}

	answer, err := p.link.CreateAnswer()
	if err != nil {
		c.releasePeer(p, StateFailed, &NegotiationError{PeerID: senderID, Err: err})
		return
	}
	if err := p.link.SetLocalDescription(answer); err != nil {
		c.releasePeer(p, StateFailed, &NegotiationError{PeerID: senderID, Err: err})
		return
	}
	p.round++

	env := protocol.MustNew(protocol.TypeAnswer, c.cfg.RoomID, c.cfg.SelfID,
		protocol.AnswerPayload{TargetID: senderID, SDP: answer})
	if err := c.cfg.Transport.Send(env); err != nil {
		c.releasePeer(p, StateFailed, &NegotiationError{PeerID: senderID, Err: err})
		return
	}

	// A renegotiation offer on a live link keeps the session CONNECTED:
	// the health supervisor owns failure detection there, so no
	// negotiation timer is armed that could fail a healthy peer.
	if p.state == StateConnected {
		return
	}
	if p.state != StateReconnecting {
		c.setState(p, StateAnswering, nil)
	}
	c.armNegotiationTimer(p)
}

// handleAnswer applies the matching answer to our pending offer.
func (c *Call) handleAnswer(senderID string, sdp webrtc.SessionDescription) {
	p, ok := c.peers[senderID]
	if !ok || p.state.Terminal() {
		return
	}
	if !p.makingOffer {
		log.Warn().Str("peer", senderID).Msg("discarding answer with no pending offer")
		return
	}

	if err := p.link.SetRemoteDescription(sdp); err != nil {
		c.releasePeer(p, StateFailed, &NegotiationError{PeerID: senderID, Err: err})
		return
	}
	p.makingOffer = false
	if err := p.buffer.remoteDescriptionSet(p.link.AddICECandidate); err != nil {
		log.Warn().Err(err).Str("peer", senderID).Msg("failed to drain candidate buffer")
	}
	// Connected once the link confirms ICE connectivity.
}

func (c *Call) armNegotiationTimer(p *peerSession) {
	p.stopTimer()
	peerID, round := p.remoteID, p.round
	p.timer = time.AfterFunc(c.timing.NegotiationTimeout, func() {
		c.post(negotiationTimeout{peerID, round})
	})
}

func (c *Call) scheduleRetry(p *peerSession) {
	attempt := p.retries
	if attempt >= len(c.timing.RetryBackoff) {
		c.releasePeer(p, StateFailed, ErrConnectivityLost)
		return
	}
	peerID := p.remoteID
	time.AfterFunc(c.timing.RetryBackoff[attempt], func() {
		c.post(retryAttempt{peerID, attempt})
	})
}

// releasePeer moves the session to a terminal state and frees its
// resources. Peer-scoped: no other peer sessions are touched. When the
// last peer is gone the shared media session is released too.
func (c *Call) releasePeer(p *peerSession, terminal PeerState, reason error) {
	p.stopTimer()
	p.stopSupervisor()
	p.buffer.discard()
	p.link.Close()

	c.setState(p, terminal, reason)

	c.mu.Lock()
	delete(c.peers, p.remoteID)
	empty := len(c.peers) == 0
	c.mu.Unlock()

	if empty {
		c.releaseMedia()
	}
}

func (c *Call) releaseMedia() {
	c.mu.Lock()
	media := c.media
	c.media = nil
	c.mu.Unlock()
	if media != nil {
		media.Close()
	}
}

func (c *Call) snapshotPeers() []*peerSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*peerSession, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

func (c *Call) setState(p *peerSession, s PeerState, err error) {
	c.mu.Lock()
	p.state = s
	c.mu.Unlock()

	evt := log.Info().Str("peer", p.remoteID).Str("state", s.String())
	if err != nil {
		evt = evt.Err(err)
	}
	evt.Msg("peer state")

	if c.cfg.OnPeerState != nil {
		c.cfg.OnPeerState(PeerStateEvent{PeerID: p.remoteID, State: s, Err: err})
	}
}

func (c *Call) reportError(err error) {
	log.Warn().Err(err).Str("room", c.cfg.RoomID).Msg("call error")
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}
