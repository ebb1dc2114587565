package call

// PeerState is the negotiation state of one remote peer session.
type PeerState int

const (
	StateIdle PeerState = iota
	StateAcquiringMedia
	StateAwaitingPeer
	StateOffering
	StateAnswering
	StateConnected
	StateReconnecting
	StateFailed
	StateEnded
)

var stateNames = map[PeerState]string{
	StateIdle:           "idle",
	StateAcquiringMedia: "acquiring-media",
	StateAwaitingPeer:   "awaiting-peer",
	StateOffering:       "offering",
	StateAnswering:      "answering",
	StateConnected:      "connected",
	StateReconnecting:   "reconnecting",
	StateFailed:         "failed",
	StateEnded:          "ended",
}

func (s PeerState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the state admits no further transitions.
func (s PeerState) Terminal() bool {
	return s == StateFailed || s == StateEnded
}
