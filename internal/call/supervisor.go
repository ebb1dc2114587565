package call

import (
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// supervisor watches one connected peer link's health signal at a fixed
// interval and reports the first degradation, after which the call loop
// owns the retry/backoff sequence. A fresh supervisor is started when
// the link recovers to connected. Stopping is idempotent and cancels
// the watch immediately, so peer teardown leaves no orphaned polls.
type supervisor struct {
	link     PeerLink
	interval time.Duration
	notify   func()
	stop     chan struct{}
	stopOnce sync.Once
}

func newSupervisor(link PeerLink, interval time.Duration, notify func()) *supervisor {
	s := &supervisor{
		link:     link,
		interval: interval,
		notify:   notify,
		stop:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *supervisor) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			switch s.link.ConnectionState() {
			case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
				s.notify()
				return
			}
		}
	}
}

func (s *supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
}
