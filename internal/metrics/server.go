// SPDX-License-Identifier: LGPL-3.0-or-later

package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler serves every metric registered against Registry in the
// Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Server is a standalone /metrics listener, for deployments that scrape
// Prometheus on a port separate from the federation HTTP API (so a
// network policy can expose one without the other). deepnetd's main API
// mux can mount Handler() directly instead when a single port is
// preferred; Server exists for the split-port case.
type Server struct {
	httpServer *http.Server
}

// NewServer builds a metrics server bound to addr. It does not start
// listening until Start is called.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start begins serving in the background. Errors other than a clean
// shutdown are sent to errc, which Start never blocks on a full send
// to — callers should give it a buffer of at least 1.
func (s *Server) Start(errc chan<- error) {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			select {
			case errc <- err:
			default:
			}
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
