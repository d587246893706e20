// SPDX-License-Identifier: LGPL-3.0-or-later

package sync

import (
	"fmt"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/event"
	"github.com/deepnet-federation/deepnet-core/identity"
)

// PushRequest is the federation push protocol's request body: a batch
// of signed events plus the sender's HLC and replication head.
type PushRequest struct {
	Events        []event.SignedEvent `json:"events"`
	SenderHlc     clock.HlcTimestamp  `json:"sender_hlc"`
	SenderHeadSeq uint64              `json:"sender_head_seq"`
}

// EventError records why one event in a push batch was rejected.
type EventError struct {
	Index     int    `json:"index"`
	ContentID string `json:"content_id"`
	Reason    string `json:"reason"`
}

// PushResponse is the federation push protocol's response body.
type PushResponse struct {
	Accepted        int                `json:"accepted"`
	Duplicates      int                `json:"duplicates"`
	Rejected        int                `json:"rejected"`
	Errors          []EventError       `json:"errors"`
	ReceiverHlc     clock.HlcTimestamp `json:"receiver_hlc"`
	ReceiverHeadSeq uint64             `json:"receiver_head_seq"`
}

// HTTPStatus maps the push response to its wire status code: 400 when
// at least one event was rejected and none was accepted, 200 otherwise.
func (r PushResponse) HTTPStatus() int {
	if r.Rejected > 0 && r.Accepted == 0 {
		return 400
	}
	return 200
}

// PeerChecker is the subset of peer.Registry the push pipeline needs:
// whether origin_pubkey is a known, non-removed peer, and recording
// that it was just seen.
type PeerChecker interface {
	IsKnownPeer(id identity.NodeID) bool
	Touch(id identity.NodeID) error
}

// DedupCache is the subset of peer.SeenCache the push pipeline needs.
type DedupCache interface {
	IsNewEvent(hashHex string) bool
}

const (
	reasonMalformedEvent      = "malformed_event"
	reasonContentHashMismatch = "content_hash_mismatch"
	reasonInvalidSignature    = "invalid_signature"
	reasonUnknownPeer         = "unknown_peer"
)

// ProcessPush runs the receiver pipeline over every event in req, in
// order: empty-bytes check, verify, known-peer check, dedup check,
// then onAccept for genuinely new events. onAccept is expected to
// persist the event bytes into the local log; an error from onAccept
// is treated the same as a rejected event.
//
// The sender's bulk HLC is not handled here — ReceiveSenderHLC is
// independent and its failure does not block per-event processing,
// since each event is independently verifiable regardless of drift.
func ProcessPush(req PushRequest, peers PeerChecker, dedup DedupCache, onAccept func(ev event.SignedEvent) error) PushResponse {
	resp := PushResponse{}

	for i, ev := range req.Events {
		if len(ev.EventBytes) == 0 {
			resp.Rejected++
			resp.Errors = append(resp.Errors, EventError{Index: i, Reason: reasonMalformedEvent})
			continue
		}

		if reason, err := ev.Verify(); err != nil {
			resp.Rejected++
			wireReason := reasonContentHashMismatch
			if reason == event.ReasonInvalidSignature {
				wireReason = reasonInvalidSignature
			}
			resp.Errors = append(resp.Errors, EventError{Index: i, ContentID: ev.ContentIDHex(), Reason: wireReason})
			continue
		}

		var originID identity.NodeID
		copy(originID[:], ev.OriginPubkey[:])
		if !peers.IsKnownPeer(originID) {
			resp.Rejected++
			resp.Errors = append(resp.Errors, EventError{Index: i, ContentID: ev.ContentIDHex(), Reason: reasonUnknownPeer})
			continue
		}

		if !dedup.IsNewEvent(ev.ContentIDHex()) {
			resp.Duplicates++
			continue
		}

		if err := onAccept(ev); err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, EventError{Index: i, ContentID: ev.ContentIDHex(), Reason: err.Error()})
			continue
		}
		_ = peers.Touch(originID)
		resp.Accepted++
	}

	return resp
}

// ReceiveSenderHLC folds sender_hlc into hlc. On drift failure the
// caller should log and continue — a rejected bulk HLC never blocks
// per-event acceptance.
func ReceiveSenderHLC(hlc *clock.HybridClock, senderHlc clock.HlcTimestamp) error {
	if _, err := hlc.Receive(senderHlc); err != nil {
		return fmt.Errorf("sync: receive sender hlc: %w", err)
	}
	return nil
}

// PullResponse is the federation pull protocol's response body.
type PullResponse struct {
	Events      []event.SignedEvent `json:"events"`
	HeadSeq     uint64              `json:"head_seq"`
	HasMore     bool                `json:"has_more"`
	SenderHlc   clock.HlcTimestamp  `json:"sender_hlc"`
}
