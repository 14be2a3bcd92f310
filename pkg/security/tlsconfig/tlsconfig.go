package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
	"sync"
	"time"
)

// Options defines TLS configuration inputs for the peer surface and probes.
type Options struct {
	Enable             bool
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
	ServerName         string
}

// certLoader caches a keypair and reloads it lazily so certificates can be
// rotated on disk without restarting the node.
type certLoader struct {
	certFile, keyFile string

	mu       sync.RWMutex
	cached   *tls.Certificate
	lastLoad time.Time
}

const reloadTTL = 10 * time.Second

func (l *certLoader) load() (*tls.Certificate, error) {
	if l.certFile == "" || l.keyFile == "" {
		return nil, nil
	}
	l.mu.RLock()
	if l.cached != nil && time.Since(l.lastLoad) < reloadTTL {
		c := *l.cached
		l.mu.RUnlock()
		return &c, nil
	}
	l.mu.RUnlock()
	cert, err := tls.LoadX509KeyPair(l.certFile, l.keyFile)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cached = &cert
	l.lastLoad = time.Now()
	l.mu.Unlock()
	return &cert, nil
}

func (o Options) caPool() (*x509.CertPool, error) {
	if o.CAFile == "" {
		return nil, nil
	}
	ca, err := os.ReadFile(o.CAFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(ca)
	return pool, nil
}

// Server returns a tls.Config for the peer surface server, or nil when
// disabled. Certificates reload lazily on handshake.
func (o Options) Server() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	if o.CertFile == "" || o.KeyFile == "" {
		return nil, errors.New("tls: server cert/key required when TLS enabled")
	}
	cfg := &tls.Config{}
	pool, err := o.caPool()
	if err != nil {
		return nil, err
	}
	if pool != nil {
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	loader := &certLoader{certFile: o.CertFile, keyFile: o.KeyFile}
	cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return loader.load()
	}
	return cfg, nil
}

// Client returns a tls.Config for outbound probe/gossip calls, or nil when
// disabled. A client certificate, when configured, reloads lazily.
func (o Options) Client() (*tls.Config, error) {
	if !o.Enable {
		return nil, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
	if o.ServerName != "" {
		cfg.ServerName = o.ServerName
	}
	pool, err := o.caPool()
	if err != nil {
		return nil, err
	}
	if pool != nil {
		cfg.RootCAs = pool
	}
	if o.CertFile != "" && o.KeyFile != "" {
		loader := &certLoader{certFile: o.CertFile, keyFile: o.KeyFile}
		cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			c, err := loader.load()
			if err != nil {
				return nil, err
			}
			if c == nil {
				return &tls.Certificate{}, nil
			}
			return c, nil
		}
	}
	return cfg, nil
}
