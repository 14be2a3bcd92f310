package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/amirimatin/go-peernet/pkg/transport"
)

// Client is a thin HTTP/JSON client for the peer surface (health, peer lists,
// gossip pushes) and the bootstrap directory API. Directory reads retry with
// backoff; pushes and announcements are single-shot best-effort.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a new Client with the given per-call timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// default request scheme to https for scheme-less addresses.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if c.transport != nil {
		c.transport.TLSClientConfig = cfg
	}
	c.isTLS = cfg != nil
	return c
}

// baseURL normalizes an address (host:port or URL) into a scheme-qualified
// base with no trailing slash.
func (c *Client) baseURL(addr string) string {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	scheme := "http"
	if c.isTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, addr)
}

// FetchNetworkConfig retrieves the directory's network descriptor.
func (c *Client) FetchNetworkConfig(ctx context.Context, addr string) (transport.NetworkConfig, error) {
	var out transport.NetworkConfig
	err := c.getJSON(ctx, c.baseURL(addr)+"/api/network-config", &out, 3)
	return out, err
}

// FetchPeers retrieves the peer list of a directory or of another peer.
func (c *Client) FetchPeers(ctx context.Context, addr string) (transport.PeerList, error) {
	var out transport.PeerList
	err := c.getJSON(ctx, c.baseURL(addr)+"/peers", &out, 1)
	return out, err
}

// Register announces this node to a bootstrap directory. Single attempt;
// callers treat failure as non-fatal.
func (c *Client) Register(ctx context.Context, addr string, req transport.RegisterRequest) error {
	var out transport.RegisterResponse
	if err := c.postJSON(ctx, c.baseURL(addr)+"/peers/register", req, &out); err != nil {
		return err
	}
	if out.Error != "" {
		return fmt.Errorf("register rejected: %s", out.Error)
	}
	return nil
}

// PushGossip delivers our sanitized peer list to another peer. Best-effort.
func (c *Client) PushGossip(ctx context.Context, addr string, push transport.GossipPush) error {
	return c.postJSON(ctx, c.baseURL(addr)+"/gossip/peers", push, nil)
}

// GetStatus fetches the raw network statistics document of a running node,
// used by CLI tooling.
func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL(addr)+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) getJSON(ctx context.Context, url string, out any, attempts int) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
		} else {
			func() {
				defer resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					b, _ := io.ReadAll(resp.Body)
					lastErr = fmt.Errorf("GET %s: status %d: %s", url, resp.StatusCode, string(b))
					return
				}
				lastErr = json.NewDecoder(resp.Body).Decode(out)
			}()
			if lastErr == nil {
				return nil
			}
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}

func (c *Client) postJSON(ctx context.Context, url string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if out != nil {
		_ = json.Unmarshal(b, out)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("POST %s: status %d: %s", url, resp.StatusCode, string(b))
	}
	return nil
}
