package discovery

import (
	"context"

	"github.com/amirimatin/go-peernet/pkg/peer"
)

// Method is one independent producer of peer candidates. Implementations are
// side-effecting (they may announce this node while discovering) and must
// isolate their own failures: an error aborts only that method's contribution
// to the round, never the round itself.
type Method interface {
	// Name identifies the discovery channel for tagging and stats.
	Name() peer.Method
	// Discover returns the peer candidates currently visible through this
	// channel.
	Discover(ctx context.Context) ([]peer.Candidate, error)
}
