package call

import "testing"

func TestSetTrackEnabled(t *testing.T) {
	m := NewMediaSession(nil, nil, nil)

	if !m.TrackEnabled(TrackAudio) || !m.TrackEnabled(TrackVideo) {
		t.Fatal("tracks must start enabled")
	}

	if err := m.SetTrackEnabled(TrackVideo, false); err != nil {
		t.Fatalf("disable video: %v", err)
	}
	if m.TrackEnabled(TrackVideo) {
		t.Error("expected video disabled")
	}
	if !m.TrackEnabled(TrackAudio) {
		t.Error("audio must be unaffected by toggling video")
	}

	if err := m.SetTrackEnabled(TrackVideo, true); err != nil {
		t.Fatalf("re-enable video: %v", err)
	}
	if !m.TrackEnabled(TrackVideo) {
		t.Error("expected video re-enabled")
	}

	if err := m.SetTrackEnabled("screen", true); err == nil {
		t.Error("expected error for unknown track kind")
	}
}

func TestDisabledTrackDropsWrites(t *testing.T) {
	m := NewMediaSession(nil, nil, nil)
	m.SetTrackEnabled(TrackAudio, false)

	// A disabled track swallows the packet without reaching the
	// underlying primitive (which is absent here and would error).
	n, err := m.Track(TrackAudio).Write([]byte{0x80, 0x00})
	if err != nil {
		t.Fatalf("disabled write must not fail: %v", err)
	}
	if n != 2 {
		t.Errorf("expected full packet reported, got %d", n)
	}
}

func TestCloseRunsStop(t *testing.T) {
	stopped := false
	m := NewMediaSession(nil, nil, func() { stopped = true })
	m.Close()
	if !stopped {
		t.Error("expected Close to release the capture")
	}
}
