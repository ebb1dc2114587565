package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/wavechat/callcore/internal/protocol"
	"github.com/wavechat/callcore/internal/relay"
)

// steadyTiming keeps the health poll quick but the negotiation timeout
// far above test scheduling jitter.
func steadyTiming() Timing {
	return Timing{
		NegotiationTimeout: 5 * time.Second,
		HealthInterval:     5 * time.Millisecond,
		RetryBackoff:       []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 15 * time.Millisecond},
	}
}

// fastTiming lets the timeout-driven retry ladder run in milliseconds.
func fastTiming() Timing {
	return Timing{
		NegotiationTimeout: 25 * time.Millisecond,
		HealthInterval:     5 * time.Millisecond,
		RetryBackoff:       []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 15 * time.Millisecond},
	}
}

type fakeMedia struct {
	fail     bool
	mu       sync.Mutex
	acquired int
}

func (f *fakeMedia) Acquire(ctx context.Context) (*MediaSession, error) {
	if f.fail {
		return nil, ErrMediaUnavailable
	}
	f.mu.Lock()
	f.acquired++
	f.mu.Unlock()
	return NewMediaSession(nil, nil, nil), nil
}

// gatedMedia hands out the first capture immediately, then blocks
// further acquisitions until unblock is closed, the way capture waits
// on user permission. Cancellation is observable through cancelled.
type gatedMedia struct {
	mu        sync.Mutex
	acquires  int
	unblock   chan struct{}
	cancelled chan struct{}
}

func newGatedMedia() *gatedMedia {
	return &gatedMedia{
		unblock:   make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (g *gatedMedia) Acquire(ctx context.Context) (*MediaSession, error) {
	g.mu.Lock()
	g.acquires++
	first := g.acquires == 1
	g.mu.Unlock()
	if first {
		return NewMediaSession(nil, nil, nil), nil
	}
	select {
	case <-g.unblock:
		return NewMediaSession(nil, nil, nil), nil
	case <-ctx.Done():
		close(g.cancelled)
		return nil, ctx.Err()
	}
}

// fakeLink simulates the peer-connection primitive: it reports ICE
// success as soon as both descriptions are in place and rejects
// candidates applied before a remote description exists.
type fakeLink struct {
	mu       sync.Mutex
	onState  func(webrtc.PeerConnectionState)
	local    *webrtc.SessionDescription
	remote   *webrtc.SessionDescription
	applied  []string
	offers   int
	restarts int
	answers  int
	rollback  int
	state     webrtc.PeerConnectionState
	dead      bool
	restartAt []time.Time
}

func (l *fakeLink) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offers++
	if iceRestart {
		l.restarts++
		l.restartAt = append(l.restartAt, time.Now())
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (l *fakeLink) CreateAnswer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.answers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (l *fakeLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	l.local = &desc
	fire := l.pairedLocked()
	l.mu.Unlock()
	if fire {
		l.onState(webrtc.PeerConnectionStateConnected)
	}
	return nil
}

func (l *fakeLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	l.remote = &desc
	fire := l.pairedLocked()
	l.mu.Unlock()
	if fire {
		l.onState(webrtc.PeerConnectionStateConnected)
	}
	return nil
}

// pairedLocked flips to connected when both descriptions are set. A
// dead link never reconnects no matter how many restarts it sees.
func (l *fakeLink) pairedLocked() bool {
	if l.dead {
		return false
	}
	if l.local != nil && l.remote != nil && l.state != webrtc.PeerConnectionStateConnected {
		l.state = webrtc.PeerConnectionStateConnected
		return true
	}
	return false
}

func (l *fakeLink) Rollback() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.local = nil
	l.rollback++
	return nil
}

func (l *fakeLink) AddICECandidate(cand webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remote == nil {
		return errors.New("no remote description")
	}
	l.applied = append(l.applied, cand.Candidate)
	return nil
}

func (l *fakeLink) ConnectionState() webrtc.PeerConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *fakeLink) SignalingState() webrtc.SignalingState {
	return webrtc.SignalingStateStable
}

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = webrtc.PeerConnectionStateClosed
	return nil
}

// dropConnection makes the health signal report a degraded link.
func (l *fakeLink) dropConnection() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = webrtc.PeerConnectionStateDisconnected
	l.dead = true
}

func (l *fakeLink) restartOffers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.restarts
}

func (l *fakeLink) restartTimes() []time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]time.Time(nil), l.restartAt...)
}

func (l *fakeLink) appliedCandidates() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.applied...)
}

// fakeLinks records every link created for inspection.
type fakeLinks struct {
	mu    sync.Mutex
	links map[string]*fakeLink
}

func newFakeLinks() *fakeLinks {
	return &fakeLinks{links: make(map[string]*fakeLink)}
}

func (f *fakeLinks) factory() LinkFactory {
	return func(remoteID string, media *MediaSession,
		onCandidate func(webrtc.ICECandidateInit),
		onState func(webrtc.PeerConnectionState)) (PeerLink, error) {
		l := &fakeLink{onState: onState}
		f.mu.Lock()
		f.links[remoteID] = l
		f.mu.Unlock()
		return l, nil
	}
}

func (f *fakeLinks) link(remoteID string) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[remoteID]
}

// stubTransport records outbound envelopes and lets tests feed inbound
// ones directly.
type stubTransport struct {
	sent    chan protocol.Envelope
	inbound chan protocol.Envelope
	once    sync.Once
}

func newStubTransport() *stubTransport {
	return &stubTransport{
		sent:    make(chan protocol.Envelope, 256),
		inbound: make(chan protocol.Envelope, 256),
	}
}

func (s *stubTransport) Send(env protocol.Envelope) error {
	s.sent <- env
	return nil
}

func (s *stubTransport) Inbound() <-chan protocol.Envelope { return s.inbound }

func (s *stubTransport) Close() error {
	s.once.Do(func() { close(s.inbound) })
	return nil
}

func (s *stubTransport) feed(env protocol.Envelope) { s.inbound <- env }

// nextSent waits for the next outbound envelope of the given type,
// skipping others.
func (s *stubTransport) nextSent(t *testing.T, want protocol.Type) protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-s.sent:
			if env.Type == want {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for outbound %s envelope", want)
		}
	}
}

// quiet asserts no outbound envelope shows up within the window.
func (s *stubTransport) quiet(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case env := <-s.sent:
		t.Fatalf("expected no outbound traffic, got %s envelope", env.Type)
	case <-time.After(window):
	}
}

func newTestCall(t *testing.T, selfID string, tr Transport, links *fakeLinks, timing Timing) (*Call, chan PeerStateEvent, chan ChatEvent) {
	t.Helper()
	return newTestCallMedia(t, selfID, tr, links, timing, &fakeMedia{})
}

func newTestCallMedia(t *testing.T, selfID string, tr Transport, links *fakeLinks, timing Timing, media MediaSource) (*Call, chan PeerStateEvent, chan ChatEvent) {
	t.Helper()
	states := make(chan PeerStateEvent, 64)
	chats := make(chan ChatEvent, 64)
	c, err := New(Config{
		RoomID:      "room-42",
		SelfID:      selfID,
		Transport:   tr,
		Media:       media,
		Links:       links.factory(),
		Timing:      timing,
		OnPeerState: func(ev PeerStateEvent) { states <- ev },
		OnChat:      func(ev ChatEvent) { chats <- ev },
	})
	if err != nil {
		t.Fatalf("new call: %v", err)
	}
	return c, states, chats
}

func waitState(t *testing.T, states <-chan PeerStateEvent, peerID string, want PeerState) PeerStateEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-states:
			if ev.PeerID == peerID && ev.State == want {
				return ev
			}
			if ev.PeerID == peerID && ev.State.Terminal() && !want.Terminal() {
				t.Fatalf("peer %s reached terminal %s while waiting for %s (err: %v)",
					peerID, ev.State, want, ev.Err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for peer %s to reach %s", peerID, want)
		}
	}
}

func peerJoinedEnv(peerID string) protocol.Envelope {
	return protocol.MustNew(protocol.TypePeerJoined, "room-42", peerID, protocol.PeerPayload{PeerID: peerID})
}

func membersEnv(ids ...string) protocol.Envelope {
	members := make([]protocol.Member, 0, len(ids))
	for _, id := range ids {
		members = append(members, protocol.Member{ID: id})
	}
	return protocol.MustNew(protocol.TypeMembers, "room-42", "", protocol.MembersPayload{Members: members})
}

func TestMediaFailureIsTerminal(t *testing.T) {
	c, err := New(Config{
		RoomID:    "room-42",
		SelfID:    "u1",
		Transport: newStubTransport(),
		Media:     &fakeMedia{fail: true},
		Links:     newFakeLinks().factory(),
	})
	if err != nil {
		t.Fatalf("new call: %v", err)
	}

	if err := c.Start(context.Background()); !errors.Is(err, ErrMediaUnavailable) {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}
}

func TestExistingMemberOffersOnPeerJoined(t *testing.T) {
	tr := newStubTransport()
	links := newFakeLinks()
	c, states, _ := newTestCall(t, "u1", tr, links, steadyTiming())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Hangup()
	tr.nextSent(t, protocol.TypeJoin)

	tr.feed(peerJoinedEnv("u2"))
	waitState(t, states, "u2", StateOffering)

	offer := tr.nextSent(t, protocol.TypeOffer)
	var payload protocol.OfferPayload
	if err := offer.Decode(&payload); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if payload.TargetID != "u2" {
		t.Errorf("expected offer targeted at u2, got %q", payload.TargetID)
	}

	// The answer completes the pair; the link then reports ICE success.
	tr.feed(protocol.MustNew(protocol.TypeAnswer, "room-42", "u2", protocol.AnswerPayload{
		TargetID: "u1",
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"},
	}))
	waitState(t, states, "u2", StateConnected)
}

func TestJoinerAnswersAndNeverSelfInitiates(t *testing.T) {
	tr := newStubTransport()
	links := newFakeLinks()
	c, states, _ := newTestCall(t, "u2", tr, links, steadyTiming())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Hangup()
	tr.nextSent(t, protocol.TypeJoin)

	tr.feed(membersEnv("u1"))
	waitState(t, states, "u1", StateAwaitingPeer)

	// The joiner waits for the existing member's offer.
	tr.quiet(t, 50*time.Millisecond)

	tr.feed(protocol.MustNew(protocol.TypeOffer, "room-42", "u1", protocol.OfferPayload{
		TargetID: "u2",
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"},
	}))

	answer := tr.nextSent(t, protocol.TypeAnswer)
	var payload protocol.AnswerPayload
	if err := answer.Decode(&payload); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if payload.TargetID != "u1" {
		t.Errorf("expected answer targeted at u1, got %q", payload.TargetID)
	}
	waitState(t, states, "u1", StateConnected)
}

func TestCandidatesBufferedUntilOfferApplied(t *testing.T) {
	tr := newStubTransport()
	links := newFakeLinks()
	c, states, _ := newTestCall(t, "u2", tr, links, steadyTiming())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Hangup()

	// Candidates racing ahead of the offer must be held back.
	tr.feed(protocol.MustNew(protocol.TypeICECandidate, "room-42", "u1", protocol.CandidatePayload{
		TargetID: "u2", Candidate: webrtc.ICECandidateInit{Candidate: "early-1"},
	}))
	tr.feed(protocol.MustNew(protocol.TypeICECandidate, "room-42", "u1", protocol.CandidatePayload{
		TargetID: "u2", Candidate: webrtc.ICECandidateInit{Candidate: "early-2"},
	}))
	waitState(t, states, "u1", StateAwaitingPeer)

	tr.feed(protocol.MustNew(protocol.TypeOffer, "room-42", "u1", protocol.OfferPayload{
		TargetID: "u2",
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"},
	}))
	waitState(t, states, "u1", StateConnected)

	tr.feed(protocol.MustNew(protocol.TypeICECandidate, "room-42", "u1", protocol.CandidatePayload{
		TargetID: "u2", Candidate: webrtc.ICECandidateInit{Candidate: "late-3"},
	}))

	link := links.link("u1")
	deadline := time.Now().Add(2 * time.Second)
	for {
		applied := link.appliedCandidates()
		if len(applied) == 3 {
			if applied[0] != "early-1" || applied[1] != "early-2" || applied[2] != "late-3" {
				t.Fatalf("expected candidates in arrival order, got %v", applied)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out, applied candidates: %v", applied)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestGlareResolution(t *testing.T) {
	// u1 < u2, so u1 is polite: u2's offer must win regardless of
	// arrival order, with u1 rolling back and answering.
	for name, u1First := range map[string]bool{"u1-offer-first": true, "u2-offer-first": false} {
		t.Run(name, func(t *testing.T) {
			trA := newStubTransport()
			trB := newStubTransport()
			linksA := newFakeLinks()
			linksB := newFakeLinks()
			a, statesA, _ := newTestCall(t, "u1", trA, linksA, steadyTiming())
			b, statesB, _ := newTestCall(t, "u2", trB, linksB, steadyTiming())

			if err := a.Start(context.Background()); err != nil {
				t.Fatalf("start a: %v", err)
			}
			defer a.Hangup()
			if err := b.Start(context.Background()); err != nil {
				t.Fatalf("start b: %v", err)
			}
			defer b.Hangup()

			// Both sides believe the other just joined: simultaneous offers.
			trA.feed(peerJoinedEnv("u2"))
			trB.feed(peerJoinedEnv("u1"))
			offerA := trA.nextSent(t, protocol.TypeOffer)
			offerB := trB.nextSent(t, protocol.TypeOffer)

			if u1First {
				trB.feed(offerA)
				trA.feed(offerB)
			} else {
				trA.feed(offerB)
				trB.feed(offerA)
			}

			// Only the polite side answers.
			answer := trA.nextSent(t, protocol.TypeAnswer)
			trB.feed(answer)

			waitState(t, statesA, "u2", StateConnected)
			waitState(t, statesB, "u1", StateConnected)

			if got := linksA.link("u2").rollback; got != 1 {
				t.Errorf("expected polite u1 to roll back once, got %d", got)
			}
			if got := linksB.link("u1").rollback; got != 0 {
				t.Errorf("impolite u2 must keep its offer, rolled back %d times", got)
			}
			select {
			case env := <-trB.sent:
				t.Errorf("impolite peer must not answer, sent %s", env.Type)
			default:
			}
		})
	}
}

func TestMediaToggleNeverRenegotiates(t *testing.T) {
	tr := newStubTransport()
	links := newFakeLinks()
	c, states, _ := newTestCall(t, "u1", tr, links, steadyTiming())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Hangup()
	tr.nextSent(t, protocol.TypeJoin)

	tr.feed(peerJoinedEnv("u2"))
	tr.nextSent(t, protocol.TypeOffer)
	tr.feed(protocol.MustNew(protocol.TypeAnswer, "room-42", "u2", protocol.AnswerPayload{
		TargetID: "u1",
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"},
	}))
	waitState(t, states, "u2", StateConnected)

	for i := 0; i < 10; i++ {
		if err := c.SetTrackEnabled(TrackVideo, i%2 == 0); err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
	}
	// Zero renegotiation envelopes: toggling is a track property.
	tr.quiet(t, 100*time.Millisecond)
}

func TestReconnectBackoffIsBounded(t *testing.T) {
	tr := newStubTransport()
	links := newFakeLinks()
	c, states, _ := newTestCall(t, "u1", tr, links, fastTiming())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Hangup()

	tr.feed(peerJoinedEnv("u2"))
	tr.nextSent(t, protocol.TypeOffer)
	tr.feed(protocol.MustNew(protocol.TypeAnswer, "room-42", "u2", protocol.AnswerPayload{
		TargetID: "u1",
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"},
	}))
	waitState(t, states, "u2", StateConnected)

	// Connectivity drops and never recovers: the supervisor must drive
	// exactly len(RetryBackoff) ICE restart attempts, then give up.
	link := links.link("u2")
	link.dropConnection()

	ev := waitState(t, states, "u2", StateReconnecting)
	if !errors.Is(ev.Err, ErrConnectivityLost) {
		t.Errorf("expected ErrConnectivityLost on reconnecting, got %v", ev.Err)
	}

	ev = waitState(t, states, "u2", StateFailed)
	if !errors.Is(ev.Err, ErrConnectivityLost) {
		t.Errorf("expected terminal ErrConnectivityLost, got %v", ev.Err)
	}
	if got := link.restartOffers(); got != 3 {
		t.Errorf("expected exactly 3 ICE restart attempts, got %d", got)
	}

	// Attempt N+1 fires only after attempt N timed out plus its backoff
	// delay, so consecutive attempts are spaced at least a backoff apart.
	backoff := fastTiming().RetryBackoff
	times := link.restartTimes()
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < backoff[i] {
			t.Errorf("attempt %d fired %v after attempt %d, want at least %v", i+1, gap, i, backoff[i])
		}
	}
}

func TestRenegotiationOfferKeepsPeerConnected(t *testing.T) {
	tr := newStubTransport()
	links := newFakeLinks()
	c, states, _ := newTestCall(t, "u1", tr, links, fastTiming())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Hangup()
	tr.nextSent(t, protocol.TypeJoin)

	tr.feed(peerJoinedEnv("u2"))
	tr.nextSent(t, protocol.TypeOffer)
	tr.feed(protocol.MustNew(protocol.TypeAnswer, "room-42", "u2", protocol.AnswerPayload{
		TargetID: "u1",
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"},
	}))
	waitState(t, states, "u2", StateConnected)

	// The remote side renegotiates in place over the live link.
	tr.feed(protocol.MustNew(protocol.TypeOffer, "room-42", "u2", protocol.OfferPayload{
		TargetID: "u1",
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 restart offer"},
	}))
	tr.nextSent(t, protocol.TypeAnswer)

	// Well past the negotiation timeout: a spuriously armed timer would
	// have failed the peer by now.
	time.Sleep(4 * fastTiming().NegotiationTimeout)
	select {
	case ev := <-states:
		t.Fatalf("renegotiation must not transition a connected peer, got %s (err: %v)", ev.State, ev.Err)
	default:
	}
	if st, ok := c.PeerState("u2"); !ok || st != StateConnected {
		t.Errorf("expected u2 still connected, got %v ok=%v", st, ok)
	}
}

func TestMediaReacquireRunsOffTheLoop(t *testing.T) {
	tr := newStubTransport()
	links := newFakeLinks()
	media := newGatedMedia()
	c, states, chats := newTestCallMedia(t, "u1", tr, links, steadyTiming(), media)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Hangup()
	tr.nextSent(t, protocol.TypeJoin)

	tr.feed(peerJoinedEnv("u2"))
	tr.nextSent(t, protocol.TypeOffer)
	tr.feed(protocol.MustNew(protocol.TypeAnswer, "room-42", "u2", protocol.AnswerPayload{
		TargetID: "u1",
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"},
	}))
	waitState(t, states, "u2", StateConnected)

	// Last peer gone: the shared media is released.
	tr.feed(protocol.MustNew(protocol.TypePeerLeft, "room-42", "u2", protocol.PeerPayload{PeerID: "u2"}))
	waitState(t, states, "u2", StateEnded)

	// The rejoin needs a fresh capture, which hangs on user permission.
	// The offer must wait, but the loop must keep serving envelopes.
	tr.feed(peerJoinedEnv("u3"))
	tr.quiet(t, 50*time.Millisecond)

	tr.feed(protocol.MustNew(protocol.TypeChat, "room-42", "u2", protocol.ChatPayload{Body: "hi"}))
	select {
	case chat := <-chats:
		if chat.Body != "hi" {
			t.Errorf("expected chat hi, got %q", chat.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event loop stalled while media acquisition was pending")
	}

	// Capture granted: the deferred session is created and offered.
	close(media.unblock)
	offer := tr.nextSent(t, protocol.TypeOffer)
	var payload protocol.OfferPayload
	if err := offer.Decode(&payload); err != nil {
		t.Fatalf("decode offer: %v", err)
	}
	if payload.TargetID != "u3" {
		t.Errorf("expected deferred offer targeted at u3, got %q", payload.TargetID)
	}
	waitState(t, states, "u3", StateOffering)
}

func TestHangupCancelsMediaReacquire(t *testing.T) {
	tr := newStubTransport()
	links := newFakeLinks()
	media := newGatedMedia()
	c, states, _ := newTestCallMedia(t, "u1", tr, links, steadyTiming(), media)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.feed(peerJoinedEnv("u2"))
	tr.nextSent(t, protocol.TypeOffer)
	tr.feed(protocol.MustNew(protocol.TypePeerLeft, "room-42", "u2", protocol.PeerPayload{PeerID: "u2"}))
	waitState(t, states, "u2", StateEnded)

	// Acquisition for the rejoin is pending when the call ends.
	tr.feed(peerJoinedEnv("u3"))
	tr.quiet(t, 50*time.Millisecond)
	c.Hangup()

	select {
	case <-media.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("hangup did not cancel the pending media acquisition")
	}
}

func TestPeerLeftEndsOnlyThatPeer(t *testing.T) {
	tr := newStubTransport()
	links := newFakeLinks()
	c, states, _ := newTestCall(t, "u1", tr, links, steadyTiming())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Hangup()

	tr.feed(peerJoinedEnv("u2"))
	tr.feed(peerJoinedEnv("u3"))
	waitState(t, states, "u2", StateOffering)
	waitState(t, states, "u3", StateOffering)

	tr.feed(protocol.MustNew(protocol.TypePeerLeft, "room-42", "u2", protocol.PeerPayload{PeerID: "u2"}))
	waitState(t, states, "u2", StateEnded)

	if _, ok := c.PeerState("u2"); ok {
		t.Error("expected u2 session released")
	}
	if st, ok := c.PeerState("u3"); !ok || st.Terminal() {
		t.Errorf("u3 must be unaffected by u2 leaving, state %v ok=%v", st, ok)
	}
}

func TestHangupCancelsSupervisor(t *testing.T) {
	tr := newStubTransport()
	links := newFakeLinks()
	c, states, _ := newTestCall(t, "u1", tr, links, steadyTiming())

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr.feed(peerJoinedEnv("u2"))
	tr.nextSent(t, protocol.TypeOffer)
	tr.feed(protocol.MustNew(protocol.TypeAnswer, "room-42", "u2", protocol.AnswerPayload{
		TargetID: "u1",
		SDP:      webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"},
	}))
	waitState(t, states, "u2", StateConnected)

	c.Hangup()
	waitState(t, states, "u2", StateEnded)

	// A degradation after teardown must not trigger orphaned retries.
	links.link("u2").dropConnection()
	time.Sleep(50 * time.Millisecond)
	select {
	case ev := <-states:
		t.Errorf("expected no transitions after hangup, got %s for %s", ev.State, ev.PeerID)
	default:
	}

	if err := c.SendChat("too late"); !errors.Is(err, ErrCallEnded) {
		t.Errorf("expected ErrCallEnded after hangup, got %v", err)
	}
}

// loopClient wires a Call to a real in-process relay, closing the loop
// between two engines the way two browsers meet through the server.
type loopClient struct {
	rly     *relay.Relay
	p       *relay.Participant
	inbound chan protocol.Envelope
}

type loopDelivery struct{ c *loopClient }

func (d *loopDelivery) Send(env protocol.Envelope) error {
	d.c.inbound <- env
	return nil
}

func (d *loopDelivery) Close() error { return nil }

func newLoopClient(rly *relay.Relay, id string) *loopClient {
	c := &loopClient{rly: rly, inbound: make(chan protocol.Envelope, 256)}
	c.p = &relay.Participant{ID: id, Transport: &loopDelivery{c}}
	return c
}

func (c *loopClient) Send(env protocol.Envelope) error {
	if env.Type == protocol.TypeJoin {
		c.rly.Join(env.RoomID, c.p)
		return nil
	}
	c.rly.Route(c.p, env)
	return nil
}

func (c *loopClient) Inbound() <-chan protocol.Envelope { return c.inbound }

func (c *loopClient) Close() error { return nil }

func TestTwoPartyCallEndToEnd(t *testing.T) {
	rly := relay.New(relay.NewRegistry(zerolog.Nop()), nil, zerolog.Nop())

	tr1 := newLoopClient(rly, "u1")
	tr2 := newLoopClient(rly, "u2")
	links1 := newFakeLinks()
	links2 := newFakeLinks()
	c1, states1, chats1 := newTestCall(t, "u1", tr1, links1, steadyTiming())
	c2, states2, _ := newTestCall(t, "u2", tr2, links2, steadyTiming())

	if err := c1.Start(context.Background()); err != nil {
		t.Fatalf("start u1: %v", err)
	}
	defer c1.Hangup()
	if err := c2.Start(context.Background()); err != nil {
		t.Fatalf("start u2: %v", err)
	}
	defer c2.Hangup()

	// u1 (existing member) offers, u2 answers, both converge.
	waitState(t, states1, "u2", StateOffering)
	waitState(t, states2, "u1", StateConnected)
	waitState(t, states1, "u2", StateConnected)

	// Chat flows over the same relay once connected.
	if err := c2.SendChat("hi"); err != nil {
		t.Fatalf("send chat: %v", err)
	}
	select {
	case chat := <-chats1:
		if chat.SenderID != "u2" || chat.Body != "hi" {
			t.Errorf("expected chat hi from u2, got %q from %q", chat.Body, chat.SenderID)
		}
		if chat.SentAt.IsZero() {
			t.Error("expected a server-stamped sentAt")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chat")
	}
	select {
	case chat := <-chats1:
		t.Errorf("expected exactly one chat envelope, also got %q", chat.Body)
	case <-time.After(50 * time.Millisecond):
	}
}
