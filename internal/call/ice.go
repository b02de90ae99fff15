package call

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
)

// gatherer releases the offer as soon as one server-reflexive candidate is
// known. The bridge does not accept trickled candidates, so every candidate
// must be in the INVITE.
type gatherer struct {
	mu     sync.Mutex
	counts map[webrtc.ICECandidateType]int
	ready  chan struct{}
	fired  bool
}

func newGatherer() *gatherer {
	return &gatherer{
		counts: make(map[webrtc.ICECandidateType]int),
		ready:  make(chan struct{}),
	}
}

func (g *gatherer) observe(typ webrtc.ICECandidateType) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.counts[typ]++
	if typ == webrtc.ICECandidateTypeSrflx && !g.fired {
		g.fired = true
		close(g.ready)
	}
}

func (g *gatherer) count(typ webrtc.ICECandidateType) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counts[typ]
}

// wait returns when a reflexive candidate was seen or complete is closed,
// whichever comes first.
func (g *gatherer) wait(ctx context.Context, complete <-chan struct{}) error {
	select {
	case <-g.ready:
		return nil
	case <-complete:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
