package httpjson

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/amirimatin/go-peernet/pkg/observability/tracing"
	"github.com/amirimatin/go-peernet/pkg/transport"
)

// Hooks bundles the mesh-provided handlers behind the peer HTTP surface.
type Hooks struct {
	Health transport.HealthFunc
	Peers  transport.PeersFunc
	Gossip transport.GossipFunc
	Status transport.StatusFunc
}

// Server exposes this node's peer surface: GET /health, GET /peers,
// POST /gossip/peers, plus GET /status and /metrics for tooling.
type Server struct {
	bind   string
	logger *log.Logger
	tlsCfg *tls.Config

	mu   sync.Mutex
	srv  *http.Server
	addr string
}

// NewServer binds to the given TCP address (e.g., ":9080").
func NewServer(bind string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{bind: bind, logger: logger}
}

// UseTLS enables TLS for the HTTP server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// Handler builds the chi router for the peer surface. Exposed separately from
// Start so tests can mount it on an httptest server.
func (s *Server) Handler(h Hooks) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		var body transport.HealthStatus
		if h.Health != nil {
			body = h.Health(req.Context())
		} else {
			body = transport.HealthStatus{Status: "ok"}
		}
		writeJSON(w, http.StatusOK, body)
	})

	r.Get("/peers", func(w http.ResponseWriter, req *http.Request) {
		if h.Peers == nil {
			http.Error(w, "peers not supported", http.StatusNotImplemented)
			return
		}
		ctx, end := tracing.StartSpan(req.Context(), "http.peers")
		defer end()
		writeJSON(w, http.StatusOK, h.Peers(ctx))
	})

	r.Post("/gossip/peers", func(w http.ResponseWriter, req *http.Request) {
		if h.Gossip == nil {
			http.Error(w, "gossip not supported", http.StatusNotImplemented)
			return
		}
		var push transport.GossipPush
		if err := json.NewDecoder(req.Body).Decode(&push); err != nil {
			http.Error(w, fmt.Sprintf("bad request: %v", err), http.StatusBadRequest)
			return
		}
		ctx, end := tracing.StartSpan(req.Context(), "http.gossip")
		defer end()
		if err := h.Gossip(ctx, push); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		if h.Status == nil {
			http.Error(w, "status not supported", http.StatusNotImplemented)
			return
		}
		ctx, end := tracing.StartSpan(req.Context(), "http.status")
		defer end()
		data, err := h.Status(ctx)
		if err != nil {
			http.Error(w, fmt.Sprintf("status error: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	})

	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start launches the HTTP server. The server is shut down when the context is
// canceled.
func (s *Server) Start(ctx context.Context, h Hooks) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	if s.tlsCfg != nil {
		ln = tls.NewListener(ln, s.tlsCfg)
	}
	s.mu.Lock()
	s.srv = &http.Server{Addr: s.bind, Handler: s.Handler(h)}
	s.addr = ln.Addr().String()
	srv := s.srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("httpjson: server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the live listener address once started, else the configured
// bind address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addr != "" {
		return s.addr
	}
	return s.bind
}

// Stop attempts a graceful shutdown with a short timeout.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	c, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return srv.Shutdown(c)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
