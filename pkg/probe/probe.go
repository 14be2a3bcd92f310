package probe

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/amirimatin/go-peernet/pkg/peer"
	"github.com/amirimatin/go-peernet/pkg/transport"
)

// Options configures the prober.
type Options struct {
	// BootstrapURL is the well-known bootstrap endpoint. It is probed through
	// its canonical health path with a longer timeout instead of the generic
	// candidate list, since it is expected to be always-reachable infrastructure.
	BootstrapURL string
	// CandidateTimeout bounds each candidate URL attempt (default 3s).
	CandidateTimeout time.Duration
	// BootstrapTimeout bounds the canonical bootstrap probe (default 10s).
	BootstrapTimeout time.Duration
	// HealthTimeout bounds periodic health-check probes (default 5s).
	HealthTimeout time.Duration
	// TLS optionally configures client TLS for https candidates.
	TLS *tls.Config
	// Logger is optional.
	Logger *log.Logger
}

// Result is the outcome of one probe attempt against a peer.
type Result struct {
	OK bool
	// Endpoint is the URL that answered, recorded as the peer's verified
	// endpoint on success.
	Endpoint string
	Info     *peer.HealthInfo
	// BadStatus distinguishes an HTTP-level rejection (status >= 400) from a
	// transport failure; the two degrade a peer differently.
	BadStatus bool
	Err       error
}

// Prober performs reachability probes against peer endpoints. One instance is
// shared by verification tasks and the health monitor.
type Prober struct {
	opts  Options
	httpc *http.Client
}

// New constructs a Prober with defaulted timeouts.
func New(opts Options) *Prober {
	if opts.CandidateTimeout <= 0 {
		opts.CandidateTimeout = 3 * time.Second
	}
	if opts.BootstrapTimeout <= 0 {
		opts.BootstrapTimeout = 10 * time.Second
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	tr := &http.Transport{TLSClientConfig: opts.TLS}
	// Timeouts are enforced per attempt through the request context.
	return &Prober{opts: opts, httpc: &http.Client{Transport: tr}}
}

// CandidateURLs derives the ordered probe URLs for an endpoint: /health,
// /api/health and /status over https then http. When the endpoint already
// carries a scheme, its own scheme is tried first and the bare endpoint is
// appended as a final fallback.
func CandidateURLs(endpoint string) []string {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	host := endpoint
	var ownScheme string
	for _, s := range []string{"https", "http"} {
		if strings.HasPrefix(endpoint, s+"://") {
			ownScheme = s
			host = strings.TrimPrefix(endpoint, s+"://")
			break
		}
	}
	schemes := []string{"https", "http"}
	if ownScheme == "http" {
		schemes = []string{"http", "https"}
	}
	paths := []string{"/health", "/api/health", "/status"}
	urls := make([]string, 0, len(schemes)*len(paths)+1)
	for _, s := range schemes {
		for _, p := range paths {
			urls = append(urls, fmt.Sprintf("%s://%s%s", s, host, p))
		}
	}
	if ownScheme != "" {
		urls = append(urls, fmt.Sprintf("%s://%s", ownScheme, host))
	}
	return urls
}

// HealthGuess is the default probe URL for a peer that has never been
// verified.
func HealthGuess(endpoint string) string {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "http://" + endpoint
	}
	return endpoint + "/health"
}

// Verify walks the candidate URL list for an endpoint and accepts the first
// response with a status below 400. The well-known bootstrap endpoint is
// probed via its canonical health path only.
func (p *Prober) Verify(ctx context.Context, endpoint string) Result {
	if p.isBootstrap(endpoint) {
		url := HealthGuess(p.opts.BootstrapURL)
		res := p.fetch(ctx, url, p.opts.BootstrapTimeout)
		res.Endpoint = url
		return res
	}
	var last Result
	for _, url := range CandidateURLs(endpoint) {
		res := p.fetch(ctx, url, p.opts.CandidateTimeout)
		if res.OK {
			res.Endpoint = url
			return res
		}
		last = res
		if ctx.Err() != nil {
			break
		}
	}
	if last.Err == nil {
		last.Err = fmt.Errorf("no probe candidate for %q", endpoint)
	}
	return last
}

// Check probes a single URL, typically the peer's verified endpoint, with the
// health-check timeout.
func (p *Prober) Check(ctx context.Context, url string) Result {
	res := p.fetch(ctx, url, p.opts.HealthTimeout)
	res.Endpoint = url
	return res
}

func (p *Prober) isBootstrap(endpoint string) bool {
	if p.opts.BootstrapURL == "" {
		return false
	}
	return stripScheme(endpoint) == stripScheme(p.opts.BootstrapURL)
}

func stripScheme(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), "/")
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	return s
}

func (p *Prober) fetch(ctx context.Context, url string, timeout time.Duration) Result {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(cctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{Err: err}
	}
	resp, err := p.httpc.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 400 {
		return Result{BadStatus: true, Err: fmt.Errorf("GET %s: status %d", url, resp.StatusCode)}
	}
	return Result{OK: true, Info: parseHealthBody(body)}
}

// parseHealthBody opportunistically decodes advertised node metadata from a
// health response. A non-JSON body is not an error.
func parseHealthBody(b []byte) *peer.HealthInfo {
	if len(b) == 0 {
		return nil
	}
	var hs transport.HealthStatus
	if err := json.Unmarshal(b, &hs); err != nil {
		return nil
	}
	if hs.NodeType == "" && hs.Version == "" && hs.Uptime == 0 && hs.Performance == nil {
		return nil
	}
	info := &peer.HealthInfo{
		Version:     hs.Version,
		Uptime:      hs.Uptime,
		Performance: hs.Performance,
	}
	if hs.NodeType != "" {
		info.NodeType = peer.ParseNodeType(hs.NodeType)
	}
	return info
}
