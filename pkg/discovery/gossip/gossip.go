// Package gossip implements peer-exchange discovery: every currently healthy
// peer is asked for its own peer list over HTTP, and the merged results are
// tagged with the peer they came from.
package gossip

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/amirimatin/go-peernet/pkg/internal/logutil"
	"github.com/amirimatin/go-peernet/pkg/peer"
	"github.com/amirimatin/go-peernet/pkg/transport/httpjson"
)

// PeerSource supplies the peers worth asking, typically the registry's
// currently-healthy view.
type PeerSource func() []peer.Peer

// Options configures the gossip channel.
type Options struct {
	// Source supplies the healthy peers to exchange with (required).
	Source PeerSource
	// Client performs the HTTP calls (required).
	Client *httpjson.Client
	// SelfID filters this node out of returned lists.
	SelfID string
	// Logger is optional.
	Logger *log.Logger
}

// Exchange is the gossip discovery method.
type Exchange struct {
	opts Options
}

// New constructs the gossip channel.
func New(opts Options) (*Exchange, error) {
	if opts.Source == nil {
		return nil, errors.New("gossip: nil Source")
	}
	if opts.Client == nil {
		return nil, errors.New("gossip: nil Client")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Exchange{opts: opts}, nil
}

func (e *Exchange) Name() peer.Method { return peer.MethodGossip }

// Discover fetches /peers from every healthy peer concurrently and merges the
// results. Per-peer failures are logged and skipped.
func (e *Exchange) Discover(ctx context.Context) ([]peer.Candidate, error) {
	targets := e.opts.Source()
	if len(targets) == 0 {
		return nil, nil
	}
	var (
		mu  sync.Mutex
		out []peer.Candidate
		wg  sync.WaitGroup
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t peer.Peer) {
			defer wg.Done()
			list, err := e.opts.Client.FetchPeers(ctx, t.Endpoint)
			if err != nil {
				logutil.Warnf(e.opts.Logger, "gossip: peer list from %s failed: %v", t.ID, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, desc := range list.Peers {
				if desc.ID == e.opts.SelfID {
					continue
				}
				out = append(out, peer.FromDescriptor(desc, peer.MethodGossip, t.ID))
			}
		}(t)
	}
	wg.Wait()
	return out, nil
}
