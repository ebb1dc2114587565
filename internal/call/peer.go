package call

import "time"

// peerSession is the negotiation state for one remote peer. Owned
// exclusively by the call event loop; every transition runs there, one
// at a time, so a negotiation-triggering event arriving mid-transition
// is naturally processed only after the current one settles.
type peerSession struct {
	remoteID string

	// polite is fixed for the session's lifetime: the lexicographically
	// smaller identity is polite. A polite peer rolls back its pending
	// offer when a collision occurs; an impolite peer ignores the
	// incoming offer and keeps its own. Symmetric, terminates in
	// exactly one accepted offer per round.
	polite bool

	state       PeerState
	link        PeerLink
	buffer      candidateBuffer
	makingOffer bool

	// round guards negotiation timers: a timeout for a superseded
	// offer/answer cycle is ignored.
	round int

	retries int
	sup     *supervisor
	timer   *time.Timer
}

func (p *peerSession) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *peerSession) stopSupervisor() {
	if p.sup != nil {
		p.sup.Stop()
		p.sup = nil
	}
}
