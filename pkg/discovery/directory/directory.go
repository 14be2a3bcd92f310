// Package directory implements bootstrap-directory discovery: each configured
// bootstrap endpoint is asked for its network config (which may advertise
// further bootstrap endpoints) and its peer list, and this node registers
// itself with the directory best-effort.
package directory

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/amirimatin/go-peernet/pkg/internal/logutil"
	"github.com/amirimatin/go-peernet/pkg/peer"
	"github.com/amirimatin/go-peernet/pkg/transport"
	"github.com/amirimatin/go-peernet/pkg/transport/httpjson"
)

// Options configures the directory channel.
type Options struct {
	// Bootstraps are the initially configured bootstrap endpoints.
	Bootstraps []string
	// Self is announced to every directory via POST /peers/register.
	Self transport.RegisterRequest
	// Client performs the HTTP calls (required).
	Client *httpjson.Client
	// Logger is optional.
	Logger *log.Logger
}

// Directory is the bootstrap-directory discovery method.
type Directory struct {
	opts Options

	mu         sync.Mutex
	urls       map[string]struct{}
	discovered int
}

// New constructs the directory channel.
func New(opts Options) (*Directory, error) {
	if opts.Client == nil {
		return nil, errors.New("directory: nil Client")
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	d := &Directory{opts: opts, urls: make(map[string]struct{})}
	for _, u := range opts.Bootstraps {
		if u != "" {
			d.urls[u] = struct{}{}
		}
	}
	return d, nil
}

func (d *Directory) Name() peer.Method { return peer.MethodBootstrap }

// Bootstraps returns the current bootstrap endpoint set, configured plus
// directory-advertised, sorted for stable output.
func (d *Directory) Bootstraps() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.urls))
	for u := range d.urls {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// DiscoveredBootstraps reports how many bootstrap endpoints were learned from
// directories beyond the configured set.
func (d *Directory) DiscoveredBootstraps() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.discovered
}

// Discover queries every known bootstrap endpoint. Failures against one
// directory are logged and skipped; the method reports an error only when no
// directory could be reached at all.
func (d *Directory) Discover(ctx context.Context) ([]peer.Candidate, error) {
	urls := d.Bootstraps()
	if len(urls) == 0 {
		return nil, nil
	}
	var (
		out     []peer.Candidate
		reached bool
		lastErr error
	)
	for _, url := range urls {
		cands, err := d.queryOne(ctx, url)
		if err != nil {
			lastErr = err
			logutil.Warnf(d.opts.Logger, "directory: %s unreachable: %v", url, err)
			continue
		}
		reached = true
		out = append(out, cands...)
	}
	if !reached {
		return nil, lastErr
	}
	return out, nil
}

func (d *Directory) queryOne(ctx context.Context, url string) ([]peer.Candidate, error) {
	// Network config first: it may advertise additional directories that the
	// next round will query.
	cfg, cfgErr := d.opts.Client.FetchNetworkConfig(ctx, url)
	if cfgErr == nil {
		d.mergeBootstraps(cfg.BootstrapNodes)
	}

	list, err := d.opts.Client.FetchPeers(ctx, url)
	if err != nil {
		if cfgErr != nil {
			return nil, err
		}
		// Config answered, peer list did not: the directory is alive but
		// degraded. Contribute nothing this round.
		logutil.Warnf(d.opts.Logger, "directory: %s peer list failed: %v", url, err)
		list = transport.PeerList{}
	}

	// Best-effort self-registration; failure is ignored.
	if d.opts.Self.NodeID != "" {
		if err := d.opts.Client.Register(ctx, url, d.opts.Self); err != nil {
			logutil.Warnf(d.opts.Logger, "directory: register with %s failed: %v", url, err)
		}
	}

	out := make([]peer.Candidate, 0, len(list.Peers))
	for _, desc := range list.Peers {
		out = append(out, peer.FromDescriptor(desc, peer.MethodBootstrap, url))
	}
	return out, nil
}

func (d *Directory) mergeBootstraps(nodes []transport.BootstrapNode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, n := range nodes {
		if n.URL == "" {
			continue
		}
		if _, ok := d.urls[n.URL]; !ok {
			d.urls[n.URL] = struct{}{}
			d.discovered++
			logutil.Infof(d.opts.Logger, "directory: learned bootstrap %s", n.URL)
		}
	}
}
