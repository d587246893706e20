// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/discovery"
	"github.com/deepnet-federation/deepnet-core/federation"
	"github.com/deepnet-federation/deepnet-core/health"
	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/internal/logger"
	"github.com/deepnet-federation/deepnet-core/internal/metrics"
	"github.com/deepnet-federation/deepnet-core/peer"
	"github.com/deepnet-federation/deepnet-core/store"
	"github.com/deepnet-federation/deepnet-core/store/bolt"
	"github.com/deepnet-federation/deepnet-core/store/memory"
	"github.com/deepnet-federation/deepnet-core/store/postgres"
	syncpkg "github.com/deepnet-federation/deepnet-core/sync"
	"github.com/deepnet-federation/deepnet-core/transport"
)

var (
	serveDisplayName string
	serveHTTPAddr    string
	serveQuicAddr    string
	serveStoreKind   string
	serveBoltPath    string
	servePgHost      string
	servePgPort      int
	servePgUser      string
	servePgPassword  string
	servePgDatabase  string
	serveEnableMdns  bool
	serveStaticPeers []string
	serveMetricsAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the federation daemon",
	Long: `Serve wires together this node's identity, persistence backend,
transports, discovery mechanisms, peer registry, and replication
engine, then exposes the federation HTTP API (registration, push,
pull, peers, status) plus health and metrics endpoints until
interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&serveDisplayName, "display-name", "n", "", "display name advertised in this node's manifest")
	serveCmd.Flags().StringVar(&serveHTTPAddr, "http-addr", ":8443", "address the federation/health/metrics HTTP API listens on")
	serveCmd.Flags().StringVar(&serveQuicAddr, "quic-addr", fmt.Sprintf(":%d", transport.DefaultQuicPort), "address the QUIC transport listens on")
	serveCmd.Flags().StringVar(&serveStoreKind, "store", "memory", "persistence backend: memory, bolt, postgres")
	serveCmd.Flags().StringVar(&serveBoltPath, "bolt-path", "", "bbolt database file path (store=bolt; default <home>/store.db)")
	serveCmd.Flags().StringVar(&servePgHost, "postgres-host", "localhost", "PostgreSQL host (store=postgres)")
	serveCmd.Flags().IntVar(&servePgPort, "postgres-port", 5432, "PostgreSQL port (store=postgres)")
	serveCmd.Flags().StringVar(&servePgUser, "postgres-user", "deepnet", "PostgreSQL user (store=postgres)")
	serveCmd.Flags().StringVar(&servePgPassword, "postgres-password", "", "PostgreSQL password (store=postgres)")
	serveCmd.Flags().StringVar(&servePgDatabase, "postgres-database", "deepnet", "PostgreSQL database name (store=postgres)")
	serveCmd.Flags().BoolVar(&serveEnableMdns, "mdns", true, "advertise and discover peers via mDNS on the local network")
	serveCmd.Flags().StringSliceVar(&serveStaticPeers, "static-peer", nil, "node_id=endpoint pairs seeded as static discovery fixtures, repeatable")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "serve /metrics on a separate listener at this address, instead of mounting it on --http-addr")
}

func openStore(ctx context.Context) (store.Store, error) {
	switch serveStoreKind {
	case "memory":
		return memory.New(), nil
	case "bolt":
		path := serveBoltPath
		if path == "" {
			path = dataDir + "/store.db"
		}
		return bolt.Open(path)
	case "postgres":
		return postgres.Open(ctx, postgres.Config{
			Host:     servePgHost,
			Port:     servePgPort,
			User:     servePgUser,
			Password: servePgPassword,
			Database: servePgDatabase,
			SSLMode:  "disable",
		})
	default:
		return nil, fmt.Errorf("unknown --store %q (want memory, bolt, postgres)", serveStoreKind)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	id, err := identity.LoadOrGenerate(identityKeyPath(), serveDisplayName)
	if err != nil {
		return fmt.Errorf("load or generate identity: %w", err)
	}
	log := logger.GetDefaultLogger()
	log.Info("deepnetd: starting", logger.String("node_id", id.ShortID()))

	st, err := openStore(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry, err := peer.Load(peerRegistryPath(), peer.DefaultPolicy())
	if err != nil {
		return fmt.Errorf("load peer registry: %w", err)
	}

	hlc := clock.NewHybridClock(id.NodeID().Uint64())
	engine := syncpkg.NewEngine(id.NodeID(), hlc, syncpkg.DefaultConfig())
	dedup := peer.NewSeenCache()

	transportMgr := transport.NewManager()
	quicTransport, err := transport.NewQuicTransport(id.NodeID(), serveQuicAddr)
	if err != nil {
		return fmt.Errorf("build quic transport: %w", err)
	}
	transportMgr.Register(quicTransport)

	discoveryMgr := discovery.NewManager()
	if serveEnableMdns {
		port, portErr := quicPort(serveQuicAddr)
		if portErr == nil {
			discoveryMgr.Register(discovery.NewMdnsDiscovery(id.NodeID(), port))
		} else {
			log.Warn("deepnetd: mdns disabled, could not parse quic port", logger.Error(portErr))
		}
	}
	if len(serveStaticPeers) > 0 {
		staticFixtures, fixtureErr := parseStaticPeers(serveStaticPeers)
		if fixtureErr != nil {
			return fixtureErr
		}
		discoveryMgr.Register(discovery.NewStaticDiscovery(staticFixtures...))
	}
	if errs := discoveryMgr.AnnounceAll(ctx, id.Manifest); len(errs) > 0 {
		for _, e := range errs {
			log.Warn("deepnetd: discovery announce failed", logger.Error(e))
		}
	}
	defer discoveryMgr.UnannounceAll(ctx)

	fedServer := federation.NewServer(id, registry, engine, dedup, st, hlc, "https://"+serveHTTPAddr)

	checker := health.NewHealthChecker(5 * time.Second)
	checker.SetLogger(log)
	checker.RegisterCheck("identity", health.IdentityHealthCheck(func() error {
		_, statErr := os.Stat(identityKeyPath())
		return statErr
	}))
	checker.RegisterCheck("store", health.StoreHealthCheck(st.Ping))
	checker.RegisterCheck("discovery", health.DiscoveryHealthCheck(func(ctx context.Context) error {
		if len(discoveryMgr.AvailableTypes()) == 0 {
			return fmt.Errorf("no discovery mechanisms available")
		}
		return nil
	}))

	var metricsServer *metrics.Server
	metricsErrc := make(chan error, 1)
	if serveMetricsAddr != "" {
		metricsServer = metrics.NewServer(serveMetricsAddr)
		metricsServer.Start(metricsErrc)
		log.Info("deepnetd: metrics listening", logger.String("addr", serveMetricsAddr))
		go func() {
			if err := <-metricsErrc; err != nil {
				log.Error("deepnetd: metrics server error", logger.Error(err))
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/api/federation/", fedServer.Handler())
	if metricsServer == nil {
		mux.Handle("/metrics", metrics.Handler())
	}
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		sys := checker.GetSystemHealth(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if sys.Status == health.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(sys)
	})

	httpServer := &http.Server{
		Addr:              serveHTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("deepnetd: http api listening", logger.String("addr", serveHTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("deepnetd: http api error", logger.Error(err))
		}
	}()

	listener, err := quicTransport.Listen(ctx)
	if err != nil {
		return fmt.Errorf("listen quic: %w", err)
	}
	go acceptLoop(ctx, listener, engine, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Info("deepnetd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Stop(shutdownCtx)
	}
	_ = listener.Close()
	return nil
}

// quicPort extracts the numeric port from a ":PORT" or "HOST:PORT"
// listen address, which is all discovery needs to advertise alongside
// the node id over mDNS.
func quicPort(addr string) (int, error) {
	var port int
	if _, err := fmt.Sscanf(addr, ":%d", &port); err == nil {
		return port, nil
	}
	i := strings.LastIndex(addr, ":")
	if i < 0 {
		return 0, fmt.Errorf("parse port from %q: missing port", addr)
	}
	if _, err := fmt.Sscanf(addr[i+1:], "%d", &port); err != nil {
		return 0, fmt.Errorf("parse port from %q: %w", addr, err)
	}
	return port, nil
}

// acceptLoop accepts inbound QUIC connections and feeds every received
// envelope through the replication engine's dedup/forward decision,
// matching the federation HTTP push handler's forwarding behaviour for
// envelopes arriving over the direct transport instead of a pull.
func acceptLoop(ctx context.Context, ln transport.Listener, engine *syncpkg.Engine, log logger.Logger) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			opErr := logger.NewOperationError(logger.TransientIO, "deepnetd.transport", "accept failed", err)
			log.Warn("deepnetd: accept failed", opErr.Field())
			continue
		}
		go handleConnection(ctx, conn, engine, log)
	}
}

func handleConnection(ctx context.Context, conn transport.Connection, engine *syncpkg.Engine, log logger.Logger) {
	defer conn.Close()
	for {
		env, err := conn.Recv(ctx)
		if err != nil {
			if err != transport.ErrConnectionClosed {
				opErr := logger.NewOperationError(logger.TransientIO, "deepnetd.transport", "connection recv failed", err).
					WithDetail("peer", conn.PeerID().Short())
				log.Warn("deepnetd: connection recv failed", opErr.Field())
			}
			return
		}
		decision := engine.ProcessIncoming(env)
		if !decision.AlreadySeen && decision.ShouldForward {
			engine.EnqueueForward(env)
		}
	}
}

func parseStaticPeers(specs []string) ([]discovery.Node, error) {
	var nodes []discovery.Node
	for _, spec := range specs {
		hexID, endpoint, ok := strings.Cut(spec, "=")
		if !ok || hexID == "" || endpoint == "" {
			return nil, fmt.Errorf("invalid --static-peer %q, want node_id=endpoint", spec)
		}
		id, err := identity.NodeIDFromHex(hexID)
		if err != nil {
			return nil, fmt.Errorf("invalid --static-peer node id %q: %w", hexID, err)
		}
		node := discovery.NewNode(id, discovery.TypeStatic)
		node.Metadata["endpoint"] = endpoint
		nodes = append(nodes, node)
	}
	return nodes, nil
}
