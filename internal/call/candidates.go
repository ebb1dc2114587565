package call

import "github.com/pion/webrtc/v4"

// candidateBuffer holds remote ICE candidates that arrive before the
// peer's remote description exists. The connection primitive rejects
// early candidates, so they are queued and applied in arrival order the
// moment the remote description is set. Nothing is silently dropped:
// every candidate is either applied or explicitly discarded on peer
// teardown. Owned by a single peer session and driven only from the
// call event loop, so it needs no locking.
type candidateBuffer struct {
	pending   []webrtc.ICECandidateInit
	remoteSet bool
}

// add applies the candidate immediately when a remote description is
// already in place, otherwise stores it.
func (b *candidateBuffer) add(cand webrtc.ICECandidateInit, apply func(webrtc.ICECandidateInit) error) error {
	if !b.remoteSet {
		b.pending = append(b.pending, cand)
		return nil
	}
	return apply(cand)
}

// remoteDescriptionSet drains the buffer in arrival order and clears it.
// Further candidates apply immediately.
func (b *candidateBuffer) remoteDescriptionSet(apply func(webrtc.ICECandidateInit) error) error {
	b.remoteSet = true
	for _, cand := range b.pending {
		if err := apply(cand); err != nil {
			b.pending = nil
			return err
		}
	}
	b.pending = nil
	return nil
}

// discard drops any unapplied candidates on peer teardown.
func (b *candidateBuffer) discard() {
	b.pending = nil
}

func (b *candidateBuffer) buffered() int {
	return len(b.pending)
}
