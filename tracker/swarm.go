package tracker

import (
	"context"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lvbealr/leechgo/bterrors"
)

// Swarm runs one announce loop per tracker URL in a torrent's
// announce-list and funnels the deduplicated union of every peer they
// return into a single channel. A tracker that errors out logs the
// failure and retries on its own schedule; one bad tracker never stops
// the others.
type Swarm struct {
	announceList []string
	params       Params

	// announce is overridden in tests to avoid real network I/O; it
	// defaults to dispatching on URL scheme via requestPeers.
	announce func(announceURL string, params Params) (Result, error)

	mu   sync.Mutex
	seen map[string]struct{}

	peers chan Peer
}

// NewSwarm builds a Swarm over the given announce-list. Call Run to
// start the per-tracker goroutines; Peers() yields deduplicated peers
// as they arrive.
func NewSwarm(announceList []string, params Params) *Swarm {
	return &Swarm{
		announceList: announceList,
		params:       params,
		announce:     requestPeers,
		seen:         make(map[string]struct{}),
		peers:        make(chan Peer, 256),
	}
}

// Peers returns the channel new peers are published on. It is closed
// once Run's context is cancelled and every tracker goroutine has
// exited.
func (s *Swarm) Peers() <-chan Peer {
	return s.peers
}

// Run starts one goroutine per announce URL and blocks until ctx is
// cancelled, then waits for every goroutine to exit before closing the
// peers channel.
func (s *Swarm) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, announceURL := range s.announceList {
		announceURL := announceURL
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.loop(ctx, announceURL)
		}()
	}
	wg.Wait()
	close(s.peers)
}

// loop repeatedly announces to a single tracker, sleeping for the
// returned interval (or a fallback on error) between requests, until
// ctx is cancelled.
func (s *Swarm) loop(ctx context.Context, announceURL string) {
	const errorBackoff = 30 * time.Second
	const defaultInterval = 1800 * time.Second

	for {
		result, err := s.announce(announceURL, s.params)
		sleep := defaultInterval
		if err != nil {
			log.Printf("[FAIL] tracker %s: %v", announceURL, err)
			sleep = errorBackoff
		} else {
			for _, p := range result.Peers {
				s.publish(ctx, p)
			}
			if result.Interval > 0 {
				sleep = time.Duration(result.Interval) * time.Second
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// requestPeers dispatches a single announce to the transport matching
// announceURL's scheme.
func requestPeers(announceURL string, params Params) (Result, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return Result{}, err
	}
	switch {
	case strings.HasPrefix(u.Scheme, "http"):
		return RequestPeersHTTP(announceURL, params)
	case u.Scheme == "udp":
		return RequestPeersUDP(announceURL, params)
	default:
		return Result{}, &bterrors.Unsupported{Context: "tracker scheme " + u.Scheme}
	}
}

// publish sends p to the peers channel the first time its address is
// seen, and silently drops every subsequent duplicate. It gives up
// without sending once ctx is cancelled.
func (s *Swarm) publish(ctx context.Context, p Peer) {
	s.mu.Lock()
	key := p.String()
	if _, ok := s.seen[key]; ok {
		s.mu.Unlock()
		return
	}
	s.seen[key] = struct{}{}
	s.mu.Unlock()

	select {
	case s.peers <- p:
	case <-ctx.Done():
	}
}
