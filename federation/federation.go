// Copyright (C) 2026 deepnet-federation
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

// Package federation is the HTTP peer-to-peer facade: it binds the
// registration challenge/response handshake and the push/pull
// replication protocol to the wire, persisting accepted events
// through store.Store and driving sync.Engine and peer.Registry.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/event"
	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/internal/logger"
	"github.com/deepnet-federation/deepnet-core/internal/metrics"
	"github.com/deepnet-federation/deepnet-core/message"
	"github.com/deepnet-federation/deepnet-core/peer"
	"github.com/deepnet-federation/deepnet-core/store"
	"github.com/deepnet-federation/deepnet-core/sync"
)

// eventBytesNamespace is the KVStore namespace accepted events are
// persisted under, keyed by content-hash hex, so a forwarding hop can
// always re-emit the exact bytes it received rather than re-encoding.
const eventBytesNamespace = "event_bytes"

// eventIndexNamespace maps an envelope id to the content-hash hex key
// its original event_bytes were stored under, so a later pull can find
// the exact bytes a push accepted without re-deriving them from the
// parsed envelope (re-encoding would change content_id).
const eventIndexNamespace = "event_bytes_index"

// layerFederated is the only data layer replicated over the pull
// protocol; Shared and Private envelopes never leave their origin via
// federation.
const layerFederated = message.Federated

// Server is the federation HTTP facade for one node: registration,
// push, pull, peer listing, and status, wired to the node's identity,
// peer registry, sync engine, and persistence backend.
type Server struct {
	self     *identity.Identity
	registry *peer.Registry
	engine   *sync.Engine
	dedup    *peer.SeenCache
	st       store.Store
	hlc      *clock.HybridClock
	log      logger.Logger
	endpoint string

	httpServer *http.Server
}

// NewServer builds a federation facade. endpoint is this node's own
// advertised address, echoed back in status responses.
func NewServer(self *identity.Identity, registry *peer.Registry, engine *sync.Engine, dedup *peer.SeenCache, st store.Store, hlc *clock.HybridClock, endpoint string) *Server {
	return &Server{
		self:     self,
		registry: registry,
		engine:   engine,
		dedup:    dedup,
		st:       st,
		hlc:      hlc,
		log:      logger.GetDefaultLogger(),
		endpoint: endpoint,
	}
}

// Handler builds the routed mux for this server's endpoints. Exposed
// separately from Start so callers embedding the facade in a larger
// mux (health, metrics) can mount it without a second listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/federation/register", s.handleRegister)
	mux.HandleFunc("POST /api/federation/confirm", s.handleConfirm)
	mux.HandleFunc("GET /api/federation/identity", s.handleIdentity)
	mux.HandleFunc("GET /api/federation/peers", s.handlePeers)
	mux.HandleFunc("DELETE /api/federation/peers/{hex_pubkey}", s.handleRemovePeer)
	mux.HandleFunc("POST /api/federation/events", s.handlePush)
	mux.HandleFunc("GET /api/federation/events", s.handlePull)
	mux.HandleFunc("GET /api/federation/status", s.handleStatus)
	return mux
}

// Start listens on addr and serves until Stop is called.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.log.Info("federation: listening", logger.String("addr", addr))

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("federation: server error", logger.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// RegisterRequest is the wire form of a peer.Challenge.
type RegisterRequest struct {
	PublicKey          identity.NodeID `json:"public_key"`
	DisplayName        string          `json:"display_name"`
	Endpoint           string          `json:"endpoint"`
	ChallengeNonce     peer.Nonce      `json:"challenge_nonce"`
	ChallengeSignature []byte          `json:"challenge_signature"`
	AuthTier           peer.AuthTier   `json:"auth_tier"`
}

// RegisterResponse echoes the accepted peer record back to the caller.
type RegisterResponse struct {
	Status      peer.Status `json:"status"`
	DisplayName string      `json:"display_name"`
}

// handleRegister accepts an inbound registration challenge from a
// peer initiating contact with this node — the responder's half of
// the handshake (peer.Registry.AcceptRegistration).
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	c := peer.Challenge{
		PublicKey:          req.PublicKey,
		DisplayName:        req.DisplayName,
		Endpoint:           req.Endpoint,
		ChallengeNonce:     req.ChallengeNonce,
		ChallengeSignature: req.ChallengeSignature,
		AuthTier:           req.AuthTier,
	}

	info, err := s.registry.AcceptRegistration(c)
	if err != nil {
		metrics.RegistrationOutcomes.WithLabelValues("rejected").Inc()
		opErr := logger.NewOperationError(logger.AuthorizationFailure, "federation.register", "registration rejected", err).
			WithDetail("peer", req.PublicKey.Short())
		s.log.Warn("federation: registration rejected", opErr.Field())
		writeError(w, http.StatusForbidden, err.Error())
		return
	}

	metrics.RegistrationOutcomes.WithLabelValues("accepted").Inc()
	writeJSON(w, http.StatusOK, RegisterResponse{Status: info.Status, DisplayName: info.DisplayName})
}

// ConfirmRequest asks this node to flip a pending-mutual peer to
// online once the peer has symmetrically registered back.
type ConfirmRequest struct {
	PublicKey identity.NodeID `json:"public_key"`
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req ConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.registry.ConfirmMutual(req.PublicKey); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

// handlePush receives a batch of signed events from a peer, runs the
// receiver pipeline, persists genuinely new events verbatim, and
// forwards eligible ones for another gossip hop.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { metrics.PushDuration.Observe(time.Since(start).Seconds()) }()

	var req sync.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	ctx := r.Context()
	resp := sync.ProcessPush(req, s.registry, s.dedup, func(ev event.SignedEvent) error {
		return s.persistAccepted(ctx, ev)
	})

	for _, e := range resp.Errors {
		metrics.RejectReasons.WithLabelValues(e.Reason).Inc()
	}
	metrics.EventsProcessed.WithLabelValues("accepted").Add(float64(resp.Accepted))
	metrics.EventsProcessed.WithLabelValues("duplicate").Add(float64(resp.Duplicates))
	metrics.EventsProcessed.WithLabelValues("rejected").Add(float64(resp.Rejected))

	if err := sync.ReceiveSenderHLC(s.hlc, req.SenderHlc); err != nil {
		metrics.DriftRejections.Inc()
		opErr := logger.NewOperationError(logger.DriftFailure, "federation.push", "sender hlc rejected", err)
		s.log.Warn("federation: sender hlc rejected", opErr.Field())
	}

	resp.ReceiverHlc = s.hlc.Now()
	resp.ReceiverHeadSeq = s.engine.CurrentClock().Get(s.self.NodeID().Uint64())
	writeJSON(w, resp.HTTPStatus(), resp)
}

// persistAccepted stores event_bytes verbatim under its content hash,
// re-derives the envelope it carries for local replication bookkeeping,
// and re-queues it for another gossip hop if its TTL allows. Storing
// the raw bytes (rather than only the parsed envelope) is what lets a
// later forward emit byte-identical content, preserving content_id
// across hops.
func (s *Server) persistAccepted(ctx context.Context, ev event.SignedEvent) error {
	if err := s.st.KVSet(ctx, eventBytesNamespace, ev.ContentIDHex(), ev.EventBytes); err != nil {
		return fmt.Errorf("federation: persist event bytes: %w", err)
	}

	env, err := unmarshalEnvelope(ev.EventBytes)
	if err != nil {
		return fmt.Errorf("federation: decode accepted envelope: %w", err)
	}

	if err := s.st.KVSet(ctx, eventIndexNamespace, envelopeIDHex(env.ID), []byte(ev.ContentIDHex())); err != nil {
		return fmt.Errorf("federation: index event bytes: %w", err)
	}

	decision := s.engine.ProcessIncoming(env)
	if decision.AlreadySeen {
		return nil
	}

	msg := store.StoredMessage{ID: env.ID, Envelope: env, StoredAtS: time.Now().Unix()}
	if err := s.st.StoreMessage(ctx, msg); err != nil {
		return fmt.Errorf("federation: store message: %w", err)
	}

	if decision.ShouldForward {
		s.engine.EnqueueForward(env)
	}
	return nil
}

// handlePull answers a since-based replication request from a known
// peer: the events it's missing, carried as their original signed
// bytes pulled back out of the event_bytes KV namespace. since and
// limit arrive as query parameters (a GET carries no body); since is
// the caller's vector clock JSON-encoded, and pubkey is the caller's own
// node id standing in for the auth header a POST would otherwise
// carry; it does not restrict which origins' events are returned.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { metrics.PullDuration.Observe(time.Since(start).Seconds()) }()

	q := r.URL.Query()

	callerID, err := identity.NodeIDFromHex(q.Get("pubkey"))
	if err != nil || !s.registry.IsKnownPeer(callerID) {
		writeError(w, http.StatusForbidden, "unknown_peer")
		return
	}

	since := clock.NewVectorClock()
	if raw := q.Get("since"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &since); err != nil {
			writeError(w, http.StatusBadRequest, "malformed since")
			return
		}
	}

	limit := 100
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "malformed limit")
			return
		}
		limit = n
	}

	ctx := r.Context()
	whatsNew := s.engine.WhatsNewSince(since)

	events, hasMore := s.collectEvents(ctx, since, limit, nil)

	resp := sync.PullResponse{
		Events:    events,
		HeadSeq:   whatsNew.CurrentClock.Get(s.self.NodeID().Uint64()),
		HasMore:   hasMore,
		SenderHlc: s.hlc.Now(),
	}
	_ = s.registry.Touch(callerID)
	writeJSON(w, http.StatusOK, resp)
}

// collectEvents gathers federated messages stored since since, re-signed
// as events from their persisted raw bytes. When origin is non-nil,
// only events authored by that node are returned.
func (s *Server) collectEvents(ctx context.Context, since clock.VectorClock, limit int, origin *identity.NodeID) ([]event.SignedEvent, bool) {
	stored, err := s.st.GetMessagesSince(ctx, layerFederated, since, limit+1)
	if err != nil {
		opErr := logger.NewOperationError(logger.StorageFailure, "federation.pull", "get messages since", err)
		s.log.Error("federation: get messages since", opErr.Field())
		return nil, false
	}

	if origin != nil {
		filtered := stored[:0]
		for _, m := range stored {
			if m.Envelope.Origin == *origin {
				filtered = append(filtered, m)
			}
		}
		stored = filtered
	}

	hasMore := len(stored) > limit
	if hasMore {
		stored = stored[:limit]
	}

	events := make([]event.SignedEvent, 0, len(stored))
	for _, msg := range stored {
		raw, ok := s.lookupEventBytes(ctx, msg)
		if !ok {
			continue
		}
		events = append(events, event.Sign(raw, s.self))
	}
	return events, hasMore
}

// lookupEventBytes retrieves the exact bytes a message was accepted or
// originated as. For locally originated messages with no indexed
// entry (never pushed in, only ever produced by this node) it falls
// back to re-encoding the envelope, which is safe since this node owns
// the content_id it will sign over those bytes.
func (s *Server) lookupEventBytes(ctx context.Context, msg store.StoredMessage) ([]byte, bool) {
	contentHashHex, err := s.st.KVGet(ctx, eventIndexNamespace, envelopeIDHex(msg.Envelope.ID))
	if err == nil {
		raw, err := s.st.KVGet(ctx, eventBytesNamespace, string(contentHashHex))
		if err == nil {
			return raw, true
		}
	}

	raw, err := marshalEnvelope(msg.Envelope)
	if err != nil {
		s.log.Error("federation: re-encode envelope for pull", logger.Error(err))
		return nil, false
	}
	return raw, true
}

// IdentityResponse is this node's self-identification, handed to a
// peer probing who it's talking to before registering.
type IdentityResponse struct {
	Pubkey      string `json:"pubkey"`
	ShortID     string `json:"short_id"`
	DisplayName string `json:"display_name"`
	Endpoint    string `json:"endpoint"`
}

// handleIdentity reports this node's own identity for peer discovery.
func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	id := s.self.NodeID()
	writeJSON(w, http.StatusOK, IdentityResponse{
		Pubkey:      id.Hex(),
		ShortID:     id.Short(),
		DisplayName: s.self.Manifest.DisplayName,
		Endpoint:    s.endpoint,
	})
}

// handlePeers lists every known peer for operator visibility.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}

// handleRemovePeer tombstones the peer named by the hex_pubkey path
// value, freeing its slot under Policy.MaxPeers.
func (s *Server) handleRemovePeer(w http.ResponseWriter, r *http.Request) {
	id, err := identity.NodeIDFromHex(r.PathValue("hex_pubkey"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed hex_pubkey")
		return
	}
	if err := s.registry.Remove(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// handleStatus reports this node's identity, peer counts, and policy.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Status(s.self, s.self.Manifest.DisplayName, s.endpoint, s.dedup.Len())
	writeJSON(w, http.StatusOK, snap)
}
