// SPDX-License-Identifier: LGPL-3.0-or-later

package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/peer"
	"github.com/deepnet-federation/deepnet-core/sync"
)

// Client is the outbound half of the federation protocol: it dials a
// peer's federation.Server over HTTP to register, push, and pull.
type Client struct {
	self       *identity.Identity
	httpClient *http.Client
}

// NewClient builds a client signing challenges as self, with timeout
// bounding every request this client makes.
func NewClient(self *identity.Identity, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{self: self, httpClient: &http.Client{Timeout: timeout}}
}

func (c *Client) postJSON(ctx context.Context, endpoint, path string, body, out interface{}) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("federation: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("federation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Deepnet-Node-Id", c.self.NodeID().Hex())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("federation: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("federation: decode response from %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, query url.Values, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+path+"?"+query.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("federation: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("federation: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("federation: decode response from %s: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// RegisterWithPeer runs the initiator's half of the registration
// handshake against a peer at endpoint: sign a fresh challenge, send
// it, and record the result locally via registry.RecordInitiated.
func (c *Client) RegisterWithPeer(ctx context.Context, registry *peer.Registry, endpoint, displayName string, tier peer.AuthTier) (peer.Info, error) {
	challenge, err := peer.NewChallenge(c.self, displayName, endpoint, tier)
	if err != nil {
		return peer.Info{}, err
	}

	req := RegisterRequest{
		PublicKey:          challenge.PublicKey,
		DisplayName:        challenge.DisplayName,
		Endpoint:           challenge.Endpoint,
		ChallengeNonce:     challenge.ChallengeNonce,
		ChallengeSignature: challenge.ChallengeSignature,
		AuthTier:           challenge.AuthTier,
	}

	var resp RegisterResponse
	status, err := c.postJSON(ctx, endpoint, "/api/federation/register", req, &resp)
	if err != nil {
		return peer.Info{}, err
	}
	if status != http.StatusOK {
		return peer.Info{}, fmt.Errorf("federation: register with %s: http %d", endpoint, status)
	}

	return registry.RecordInitiated(challenge)
}

// Push sends a batch push request to the peer reachable at endpoint.
// Matches sync.PeerPusher's signature once bound to a specific
// endpoint resolver, for use with sync.PushToAllPeers.
func (c *Client) Push(ctx context.Context, endpoint string, req sync.PushRequest) (sync.PushResponse, error) {
	var resp sync.PushResponse
	status, err := c.postJSON(ctx, endpoint, "/api/federation/events", req, &resp)
	if err != nil {
		return sync.PushResponse{}, err
	}
	if status >= 500 {
		return sync.PushResponse{}, fmt.Errorf("federation: push to %s: http %d", endpoint, status)
	}
	return resp, nil
}

// Pull requests a since-based batch from the peer at endpoint. since
// and limit travel as query parameters, and pubkey identifies this
// client to the peer in place of the header a POST would carry.
func (c *Client) Pull(ctx context.Context, endpoint string, since clock.VectorClock, limit int) (sync.PullResponse, error) {
	sinceJSON, err := json.Marshal(since)
	if err != nil {
		return sync.PullResponse{}, fmt.Errorf("federation: encode since: %w", err)
	}

	q := url.Values{}
	q.Set("since", string(sinceJSON))
	q.Set("pubkey", c.self.NodeID().Hex())
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var resp sync.PullResponse
	status, err := c.getJSON(ctx, endpoint, "/api/federation/events", q, &resp)
	if err != nil {
		return sync.PullResponse{}, err
	}
	if status != http.StatusOK {
		return sync.PullResponse{}, fmt.Errorf("federation: pull from %s: http %d", endpoint, status)
	}
	return resp, nil
}
