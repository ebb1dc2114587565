package call

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// NewPionLinkFactory builds PeerLinks backed by pion PeerConnections
// configured with the given STUN servers. TURN fallback is an external
// concern: operators extend the server list, nothing here relays media.
func NewPionLinkFactory(stunServers []string) LinkFactory {
	config := webrtc.Configuration{}
	if len(stunServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: stunServers}}
	}

	return func(remoteID string, media *MediaSession,
		onCandidate func(webrtc.ICECandidateInit),
		onState func(webrtc.PeerConnectionState)) (PeerLink, error) {

		pc, err := webrtc.NewPeerConnection(config)
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}

		if media != nil {
			for _, track := range media.Tracks() {
				if track.Local() == nil {
					continue
				}
				sender, err := pc.AddTrack(track.Local())
				if err != nil {
					pc.Close()
					return nil, fmt.Errorf("add %s track: %w", track.Kind(), err)
				}
				// Drain RTCP to keep the sender alive.
				go func() {
					buf := make([]byte, 1500)
					for {
						if _, _, err := sender.Read(buf); err != nil {
							return
						}
					}
				}()
			}
		}

		pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
			if candidate == nil {
				return
			}
			onCandidate(candidate.ToJSON())
		})

		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			onState(state)
		})

		return &pionLink{pc: pc}, nil
	}
}

type pionLink struct {
	pc *webrtc.PeerConnection
}

func (l *pionLink) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return l.pc.CreateOffer(opts)
}

func (l *pionLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

func (l *pionLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(desc)
}

func (l *pionLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(desc)
}

func (l *pionLink) Rollback() error {
	return l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (l *pionLink) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(cand)
}

func (l *pionLink) ConnectionState() webrtc.PeerConnectionState {
	return l.pc.ConnectionState()
}

func (l *pionLink) SignalingState() webrtc.SignalingState {
	return l.pc.SignalingState()
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}
