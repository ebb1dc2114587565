package call

import (
	"errors"
	"fmt"

	"github.com/wavechat/callcore/internal/protocol"
)

// Failure taxonomy for one call attempt. Peer-scoped failures never
// cascade to other peers in a multi-party room.
var (
	// ErrMediaUnavailable: device denied or missing. Terminal for the
	// call attempt, no retry.
	ErrMediaUnavailable = errors.New("media device unavailable")

	// ErrNegotiationTimeout: no answer or ICE completion within the
	// negotiation bound. Terminal for that peer.
	ErrNegotiationTimeout = errors.New("negotiation timed out")

	// ErrConnectivityLost: transport-level disconnect without an
	// explicit leave. Drives the reconnection supervisor; terminal only
	// after the retry budget is spent.
	ErrConnectivityLost = errors.New("connectivity lost")

	// ErrCallEnded is returned by operations invoked after hangup.
	ErrCallEnded = errors.New("call has ended")
)

// RelayError is a typed rejection the relay sent back to us. Non-fatal
// to the room; surfaced to the owner only.
type RelayError struct {
	Code   string
	Reason string
	Ref    protocol.Type
}

func (e *RelayError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("relay rejected %s: %s", e.Ref, e.Code)
	}
	return fmt.Sprintf("relay rejected %s: %s: %s", e.Ref, e.Code, e.Reason)
}

// NegotiationError wraps an SDP application failure for one peer.
type NegotiationError struct {
	PeerID string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s failed: %v", e.PeerID, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
