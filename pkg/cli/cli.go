// Package cli provides cobra commands to run a peernet node and inspect a
// running one over its HTTP surface.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/go-peernet/pkg/bootstrap"
	"github.com/amirimatin/go-peernet/pkg/discovery/seed"
	"github.com/amirimatin/go-peernet/pkg/observability/tracing"
	"github.com/amirimatin/go-peernet/pkg/transport/httpjson"
)

// AddAll attaches peernet subcommands (run/peers/stats) to the provided root
// command.
func AddAll(root *cobra.Command) {
	root.AddCommand(NewRunCmd())
	root.AddCommand(NewPeersCmd())
	root.AddCommand(NewStatsCmd())
}

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
	var (
		configPath                                         string
		id, nodeType, endpoint, httpAddr                   string
		bootstrapsCSV, seedsCSV, dnsNamesCSV               string
		dnsPort                                            int
		swarmEnable                                        bool
		swarmBind, swarmAdvertise, swarmSeedsCSV, protoTag string
		maxPeers, gossipFanout                             int
		discoveryInterval, healthInterval, gossipInterval  time.Duration
		staleThreshold                                     time.Duration
		tlsEnable, tlsSkip, traceEnable                    bool
		tlsCA, tlsCert, tlsKey, tlsServerName              string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a peernet node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			if traceEnable {
				shutdown, err := tracing.Setup(true)
				if err != nil {
					log.Printf("tracing setup error: %v", err)
				} else {
					defer func() { _ = shutdown(context.Background()) }()
				}
			}

			var cfg bootstrap.Config
			if configPath != "" {
				var err error
				if cfg, err = bootstrap.LoadConfig(configPath); err != nil {
					return err
				}
			}
			// Flags override the config file only when explicitly set.
			setIf := cmd.Flags().Changed
			if setIf("id") {
				cfg.NodeID = id
			}
			if setIf("type") {
				cfg.NodeType = nodeType
			}
			if setIf("endpoint") {
				cfg.Endpoint = endpoint
			}
			if setIf("http") {
				cfg.HTTPAddr = httpAddr
			}
			if setIf("bootstraps") {
				cfg.Bootstraps = seed.Parse(bootstrapsCSV)
			}
			if setIf("seeds") {
				cfg.Seeds = seed.Parse(seedsCSV)
			}
			if setIf("dns-names") {
				cfg.DNSNames = seed.Parse(dnsNamesCSV)
			}
			if setIf("dns-port") {
				cfg.DNSPort = dnsPort
			}
			if setIf("swarm") {
				cfg.SwarmEnable = swarmEnable
			}
			if setIf("swarm-bind") {
				cfg.SwarmBind = swarmBind
			}
			if setIf("swarm-advertise") {
				cfg.SwarmAdvertise = swarmAdvertise
			}
			if setIf("swarm-seeds") {
				cfg.SwarmSeeds = seed.Parse(swarmSeedsCSV)
			}
			if setIf("protocol") {
				cfg.ProtocolTag = protoTag
			}
			if setIf("max-peers") {
				cfg.MaxPeers = maxPeers
			}
			if setIf("gossip-fanout") {
				cfg.GossipFanout = gossipFanout
			}
			if setIf("discovery-interval") {
				cfg.DiscoveryInterval = bootstrap.Duration(discoveryInterval)
			}
			if setIf("health-interval") {
				cfg.HealthInterval = bootstrap.Duration(healthInterval)
			}
			if setIf("gossip-interval") {
				cfg.GossipInterval = bootstrap.Duration(gossipInterval)
			}
			if setIf("stale-threshold") {
				cfg.StaleThreshold = bootstrap.Duration(staleThreshold)
			}
			if setIf("tls") {
				cfg.TLSEnable = tlsEnable
			}
			if setIf("tls-ca") {
				cfg.TLSCA = tlsCA
			}
			if setIf("tls-cert") {
				cfg.TLSCert = tlsCert
			}
			if setIf("tls-key") {
				cfg.TLSKey = tlsKey
			}
			if setIf("tls-server-name") {
				cfg.TLSServerName = tlsServerName
			}
			if setIf("tls-skip-verify") {
				cfg.TLSSkipVerify = tlsSkip
			}

			if cfg.Endpoint == "" {
				return fmt.Errorf("missing --endpoint (or endpoint in config file)")
			}
			cfg.Logger = log.Default()

			node, err := bootstrap.Run(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = node.Stop(context.Background()) }()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to TOML config file")
	cmd.Flags().StringVar(&id, "id", "", "node id (generated when empty)")
	cmd.Flags().StringVar(&nodeType, "type", "worker", "declared node type (bootstrap|worker|owner|user)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "advertised application endpoint (host:port)")
	cmd.Flags().StringVar(&httpAddr, "http", ":9080", "bind address for the peer HTTP surface")
	cmd.Flags().StringVar(&bootstrapsCSV, "bootstraps", "", "comma-separated bootstrap directory URLs")
	cmd.Flags().StringVar(&seedsCSV, "seeds", "", "comma-separated static seed endpoints")
	cmd.Flags().StringVar(&dnsNamesCSV, "dns-names", "", "comma-separated DNS names (SRV or A/AAAA) for seed discovery")
	cmd.Flags().IntVar(&dnsPort, "dns-port", 9080, "port assumed for A/AAAA seed records")
	cmd.Flags().BoolVar(&swarmEnable, "swarm", false, "enable the memberlist swarm channel")
	cmd.Flags().StringVar(&swarmBind, "swarm-bind", ":7946", "swarm bind address")
	cmd.Flags().StringVar(&swarmAdvertise, "swarm-advertise", "", "swarm advertise address")
	cmd.Flags().StringVar(&swarmSeedsCSV, "swarm-seeds", "", "comma-separated swarm seed addresses")
	cmd.Flags().StringVar(&protoTag, "protocol", "", "application protocol tag for swarm filtering")
	cmd.Flags().IntVar(&maxPeers, "max-peers", 50, "registry capacity")
	cmd.Flags().IntVar(&gossipFanout, "gossip-fanout", 3, "healthy peers pushed to per gossip cycle")
	cmd.Flags().DurationVar(&discoveryInterval, "discovery-interval", 30*time.Second, "discovery round interval")
	cmd.Flags().DurationVar(&healthInterval, "health-interval", 60*time.Second, "health check interval")
	cmd.Flags().DurationVar(&gossipInterval, "gossip-interval", 120*time.Second, "gossip dissemination interval")
	cmd.Flags().DurationVar(&staleThreshold, "stale-threshold", 5*time.Minute, "peer staleness eviction window")
	cmd.Flags().BoolVar(&traceEnable, "trace", false, "enable stdout tracing")
	cmd.Flags().BoolVar(&tlsEnable, "tls", false, "enable TLS for the peer surface")
	cmd.Flags().StringVar(&tlsCA, "tls-ca", "", "TLS CA file")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "TLS certificate file")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "TLS key file")
	cmd.Flags().StringVar(&tlsServerName, "tls-server-name", "", "expected TLS server name")
	cmd.Flags().BoolVar(&tlsSkip, "tls-skip-verify", false, "skip TLS verification (testing only)")
	return cmd
}

// NewPeersCmd returns the "peers" command: list peers of a running node.
func NewPeersCmd() *cobra.Command {
	var addr string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List peers known to a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			client := httpjson.NewClient(timeout)
			list, err := client.FetchPeers(ctx, addr)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(list)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9080", "node HTTP surface address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

// NewStatsCmd returns the "stats" command: network statistics of a running node.
func NewStatsCmd() *cobra.Command {
	var addr string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show network statistics of a running node",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			client := httpjson.NewClient(timeout)
			data, err := client.GetStatus(ctx, addr)
			if err != nil {
				return err
			}
			var pretty map[string]any
			if err := json.Unmarshal(data, &pretty); err != nil {
				fmt.Println(string(data))
				return nil
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(pretty)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9080", "node HTTP surface address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}
