// Package seed implements the deterministic fallback channel: a static seed
// list plus DNS-resolved names (SRV and A/AAAA), at minimum the well-known
// bootstrap node. Resolution results are cached for a refresh window.
package seed

import (
	"context"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amirimatin/go-peernet/pkg/peer"
)

// Options configures the seed channel.
type Options struct {
	// Seeds are static endpoints returned verbatim.
	Seeds []string

	// DNSNames are SRV records or hostnames to resolve.
	// Examples: "_peernet._tcp.example.com" (SRV) or "node1.example.com" (A/AAAA).
	DNSNames []string

	// Port used when resolving A/AAAA records (no port info in DNS answer).
	Port int

	// Bootstrap marks one endpoint as the well-known bootstrap node, typed
	// accordingly in the produced candidates.
	Bootstrap string

	// Refresh controls resolution cache staleness; if zero, defaults to 5s.
	Refresh time.Duration

	// Resolver optionally overrides the DNS resolver used.
	Resolver *net.Resolver

	// Logger optional.
	Logger *log.Logger
}

// List is the seed discovery method.
type List struct {
	opts Options

	mu    sync.Mutex
	last  time.Time
	cache []string
}

// New constructs the seed channel.
func New(opts Options) *List {
	if opts.Refresh <= 0 {
		opts.Refresh = 5 * time.Second
	}
	if opts.Port == 0 {
		opts.Port = 9080
	}
	return &List{opts: opts}
}

func (l *List) Name() peer.Method { return peer.MethodDNS }

// Discover returns candidates for every static seed and resolved DNS name.
// It never fails: an unresolvable name simply contributes nothing.
func (l *List) Discover(ctx context.Context) ([]peer.Candidate, error) {
	endpoints := l.endpoints(ctx)
	out := make([]peer.Candidate, 0, len(endpoints))
	for _, ep := range endpoints {
		c := peer.Candidate{
			Endpoint: ep,
			Method:   peer.MethodDNS,
			Source:   "seed",
		}
		if l.opts.Bootstrap != "" && stripScheme(ep) == stripScheme(l.opts.Bootstrap) {
			c.DeclaredType = peer.TypeBootstrap
		}
		out = append(out, c.Normalize())
	}
	return out, nil
}

func (l *List) endpoints(ctx context.Context) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if time.Since(l.last) < l.opts.Refresh && len(l.cache) > 0 {
		return append([]string(nil), l.cache...)
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(ep string) {
		ep = strings.TrimSpace(ep)
		if ep == "" {
			return
		}
		if _, ok := seen[ep]; !ok {
			out = append(out, ep)
			seen[ep] = struct{}{}
		}
	}
	for _, s := range l.opts.Seeds {
		add(s)
	}
	for _, name := range l.opts.DNSNames {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		// Already host:port: take as-is.
		if strings.Contains(name, ":") && !strings.HasPrefix(name, "_") {
			add(name)
			continue
		}
		// Try SRV first if the pattern matches.
		if strings.HasPrefix(name, "_") && strings.Contains(name, "._") {
			if recs := l.lookupSRV(ctx, name); len(recs) > 0 {
				for _, hp := range recs {
					add(hp)
				}
				continue
			}
		}
		// Fallback to A/AAAA.
		for _, hp := range l.lookupHost(ctx, name, l.opts.Port) {
			add(hp)
		}
	}
	sort.Strings(out)
	l.cache = out
	l.last = time.Now()
	return append([]string(nil), l.cache...)
}

func (l *List) lookupSRV(ctx context.Context, fqdn string) []string {
	svc, proto, domain := parseSRVName(fqdn)
	if svc == "" || proto == "" || domain == "" {
		return nil
	}
	res := l.opts.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	_, addrs, err := res.LookupSRV(ctx, svc, proto, domain)
	if err != nil {
		return nil
	}
	var out []string
	for _, a := range addrs {
		host := strings.TrimSuffix(a.Target, ".")
		out = append(out, net.JoinHostPort(host, strconv.Itoa(int(a.Port))))
	}
	return out
}

func (l *List) lookupHost(ctx context.Context, host string, port int) []string {
	res := l.opts.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	ips, err := res.LookupHost(ctx, host)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.JoinHostPort(ip, strconv.Itoa(port)))
	}
	return out
}

func parseSRVName(fqdn string) (service, proto, name string) {
	// Expect pattern: _service._proto.name
	parts := strings.SplitN(fqdn, ".", 3)
	if len(parts) < 3 {
		return "", "", ""
	}
	s := strings.TrimPrefix(parts[0], "_")
	p := strings.TrimPrefix(parts[1], "_")
	n := parts[2]
	return s, p, n
}

func stripScheme(s string) string {
	s = strings.TrimRight(strings.TrimSpace(s), "/")
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	return s
}

// Parse converts a comma-separated list into seed endpoints.
func Parse(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
