// SPDX-License-Identifier: LGPL-3.0-or-later

package sync

import (
	"context"
	"sync"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/event"
	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/internal/logger"
	"github.com/deepnet-federation/deepnet-core/internal/metrics"
)

// PeerPusher delivers one push request to a single peer over whatever
// transport the caller has wired (HTTP client, direct Connection, …).
type PeerPusher func(ctx context.Context, peer identity.NodeID, req PushRequest) error

// FanoutResult is one peer's outcome from PushToAllPeers.
type FanoutResult struct {
	Peer identity.NodeID
	Err  error
}

// PushToAllPeers dispatches events to every peer in peers in
// parallel, one task each, stamping the same sender HLC across all of
// them. It does not look at peer status; the caller chooses the peer
// set (cmd/deepnetd's sync push leaves out removed peers). An
// individual peer's failure is collected, logged and counted in
// metrics.FanoutFailures but never aborts the batch.
func PushToAllPeers(ctx context.Context, peers []identity.NodeID, events []event.SignedEvent, senderHlc clock.HlcTimestamp, senderHeadSeq uint64, push PeerPusher) []FanoutResult {
	req := PushRequest{Events: events, SenderHlc: senderHlc, SenderHeadSeq: senderHeadSeq}

	results := make([]FanoutResult, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p identity.NodeID) {
			defer wg.Done()
			err := push(ctx, p, req)
			if err != nil {
				logger.Warn("sync: push to peer failed", logger.String("peer", p.Short()), logger.Error(err))
				metrics.FanoutFailures.WithLabelValues(p.Short()).Inc()
			}
			results[i] = FanoutResult{Peer: p, Err: err}
		}(i, p)
	}
	wg.Wait()
	return results
}
