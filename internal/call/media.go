package call

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// TrackKind selects one of the two local capture tracks.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is one local capture track plus its enablement flag. Enablement
// is a property of the track, not of any session description: flipping
// it never triggers renegotiation, every attached peer observes the
// same flag.
type Track struct {
	kind    TrackKind
	local   webrtc.TrackLocal
	enabled atomic.Bool
}

func newTrack(kind TrackKind, local webrtc.TrackLocal) *Track {
	t := &Track{kind: kind, local: local}
	t.enabled.Store(true)
	return t
}

func (t *Track) Kind() TrackKind { return t.kind }

// Local returns the underlying peer-connection track, nil for
// source implementations that do not produce one.
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool { return t.enabled.Load() }

// Write pushes one raw RTP packet to the track, dropping it silently
// while the track is disabled. Mute is a write gate, not a state change
// visible to any peer session.
func (t *Track) Write(b []byte) (int, error) {
	if !t.enabled.Load() {
		return len(b), nil
	}
	w, ok := t.local.(interface{ Write([]byte) (int, error) })
	if !ok {
		return 0, fmt.Errorf("%s track is not writable", t.kind)
	}
	return w.Write(b)
}

// MediaSession is the local capture handle: one audio and one video
// track shared by reference across all peer sessions of a call. Only
// the media control surface mutates enablement.
type MediaSession struct {
	audio *Track
	video *Track
	stop  func()
}

// NewMediaSession wraps already-created local tracks. stop releases the
// capture device and may be nil.
func NewMediaSession(audio, video webrtc.TrackLocal, stop func()) *MediaSession {
	return &MediaSession{
		audio: newTrack(TrackAudio, audio),
		video: newTrack(TrackVideo, video),
		stop:  stop,
	}
}

// Track returns the session's track of the given kind.
func (m *MediaSession) Track(kind TrackKind) *Track {
	switch kind {
	case TrackAudio:
		return m.audio
	case TrackVideo:
		return m.video
	}
	return nil
}

// Tracks returns both local tracks for attachment to a peer connection.
func (m *MediaSession) Tracks() []*Track {
	return []*Track{m.audio, m.video}
}

// SetTrackEnabled flips the enablement flag of the corresponding track.
// Cheap and instantaneous for all peers at once; never produces an
// offer/answer cycle.
func (m *MediaSession) SetTrackEnabled(kind TrackKind, enabled bool) error {
	t := m.Track(kind)
	if t == nil {
		return fmt.Errorf("unknown track kind %q", kind)
	}
	t.enabled.Store(enabled)
	return nil
}

// TrackEnabled reports the enablement flag of the given track.
func (m *MediaSession) TrackEnabled(kind TrackKind) bool {
	t := m.Track(kind)
	return t != nil && t.Enabled()
}

// Close releases the capture device.
func (m *MediaSession) Close() {
	if m.stop != nil {
		m.stop()
	}
}

// MediaSource acquires the local capture. Acquisition has no implicit
// timeout (it may wait on user permission) but honours ctx cancellation
// when the call is aborted first.
type MediaSource interface {
	Acquire(ctx context.Context) (*MediaSession, error)
}

// RTPSource is a MediaSource backed by static RTP local tracks: the
// application feeds encoded Opus/VP8 packets through Track.Write.
type RTPSource struct {
	StreamID string
}

func (s *RTPSource) Acquire(ctx context.Context) (*MediaSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := s.StreamID
	if streamID == "" {
		streamID = "local"
	}

	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		"audio-"+streamID,
		"stream-"+streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create audio track: %v", ErrMediaUnavailable, err)
	}

	video, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		"video-"+streamID,
		"stream-"+streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create video track: %v", ErrMediaUnavailable, err)
	}

	return NewMediaSession(audio, video, nil), nil
}
