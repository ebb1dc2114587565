package call

import "github.com/pion/webrtc/v4"

// PeerLink is the peer-connection primitive for one remote peer: it
// negotiates and carries media once descriptions and candidates are
// exchanged. The production implementation wraps a pion
// PeerConnection; tests substitute an in-memory fake.
type PeerLink interface {
	// CreateOffer builds a local offer, with an ICE restart when
	// requested during reconnection.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	// Rollback abandons the pending local offer. Used by the polite
	// side of a glare collision.
	Rollback() error
	AddICECandidate(cand webrtc.ICECandidateInit) error
	ConnectionState() webrtc.PeerConnectionState
	SignalingState() webrtc.SignalingState
	Close() error
}

// LinkFactory creates the PeerLink for one remote peer, attaching the
// shared media session's tracks. onCandidate fires for each gathered
// local candidate; onState fires on connection state changes. Both may
// be called from the primitive's own goroutines.
type LinkFactory func(remoteID string, media *MediaSession,
	onCandidate func(webrtc.ICECandidateInit),
	onState func(webrtc.PeerConnectionState)) (PeerLink, error)
