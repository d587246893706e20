// SPDX-License-Identifier: LGPL-3.0-or-later

package peer

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/deepnet-federation/deepnet-core/identity"
)

// Nonce is a 32-byte registration challenge nonce, rendered as
// lowercase hex on the wire per spec.md §4.9.
type Nonce [32]byte

func (n Nonce) Hex() string { return hex.EncodeToString(n[:]) }

func (n Nonce) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.Hex())
}

func (n *Nonce) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("peer: challenge nonce: %w", err)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("peer: challenge nonce: %w", err)
	}
	if len(b) != len(n) {
		return fmt.Errorf("peer: challenge nonce must be %d bytes, got %d", len(n), len(b))
	}
	copy(n[:], b)
	return nil
}

// Status mirrors a peer's lifecycle state.
type Status string

const (
	StatusOnline        Status = "online"
	StatusOffline       Status = "offline"
	StatusPendingMutual Status = "pending_mutual"
	StatusRemoved       Status = "removed"
)

// Info is the registry's live record for one peer.
type Info struct {
	PublicKey      identity.NodeID `json:"public_key"`
	DisplayName    string          `json:"display_name"`
	Endpoint       string          `json:"endpoint"`
	RegisteredAtUs uint64          `json:"registered_at_us"`
	LastSeenAtUs   uint64          `json:"last_seen_at_us"`
	LastSyncedSeq  uint64          `json:"last_synced_seq"`
	InitiatedByUs  bool            `json:"initiated_by_us"`
	Status         Status          `json:"status"`
	AuthTier       AuthTier        `json:"auth_tier"`
}

var (
	// ErrInvalidChallengeFormat is returned when a challenge signature
	// isn't exactly 64 bytes.
	ErrInvalidChallengeFormat = errors.New("peer: invalid challenge signature format")
	// ErrChallengeVerificationFailed is returned when a challenge
	// signature doesn't verify against the claimed public key.
	ErrChallengeVerificationFailed = errors.New("peer: challenge signature verification failed")
	// ErrPeerLimitReached is returned when registering a new peer would
	// exceed Policy.MaxPeers.
	ErrPeerLimitReached = errors.New("peer: peer limit reached")
	// ErrBelowMinAuthTier is returned when a registering peer's auth
	// tier doesn't meet Policy.MinAuthTier.
	ErrBelowMinAuthTier = errors.New("peer: below minimum auth tier")
	// ErrMutualRequired names the Policy.RequireMutual condition. No
	// function in this package returns it: RecordInitiated parks the
	// peer in StatusPendingMutual instead.
	ErrMutualRequired = errors.New("peer: mutual registration required")
)

// Challenge is what an initiator sends to begin registration.
type Challenge struct {
	PublicKey          identity.NodeID
	DisplayName        string
	Endpoint           string
	ChallengeNonce     Nonce
	ChallengeSignature []byte
	AuthTier           AuthTier
}

// NewChallenge builds and signs a fresh registration challenge from id.
func NewChallenge(id *identity.Identity, displayName, endpoint string, tier AuthTier) (Challenge, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return Challenge{}, fmt.Errorf("peer: generate challenge nonce: %w", err)
	}
	return Challenge{
		PublicKey:          id.NodeID(),
		DisplayName:        displayName,
		Endpoint:           endpoint,
		ChallengeNonce:     nonce,
		ChallengeSignature: id.Sign(nonce[:]),
		AuthTier:           tier,
	}, nil
}

// Registry tracks peers this node has registered with or been
// registered by, enforcing Policy on new registrations and persisting
// state as a JSON map of hex pubkey to Info under path.
type Registry struct {
	path   string
	policy Policy

	mu    sync.RWMutex
	peers map[identity.NodeID]Info
}

// NewRegistry builds an empty registry that will persist to path.
func NewRegistry(path string, policy Policy) *Registry {
	return &Registry{path: path, policy: policy, peers: make(map[identity.NodeID]Info)}
}

// Load reads a previously persisted registry from path. A missing file
// is not an error — it yields an empty registry.
func Load(path string, policy Policy) (*Registry, error) {
	r := NewRegistry(path, policy)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peer: read %s: %w", path, err)
	}

	var byHex map[string]Info
	if err := json.Unmarshal(data, &byHex); err != nil {
		return nil, fmt.Errorf("peer: decode %s: %w", path, err)
	}
	for hexKey, info := range byHex {
		id, err := identity.NodeIDFromHex(hexKey)
		if err != nil {
			return nil, fmt.Errorf("peer: decode key %q in %s: %w", hexKey, path, err)
		}
		r.peers[id] = info
	}
	return r, nil
}

// save persists the registry atomically. Caller must hold r.mu.
func (r *Registry) save() error {
	if r.path == "" {
		return nil
	}
	byHex := make(map[string]Info, len(r.peers))
	for id, info := range r.peers {
		byHex[id.Hex()] = info
	}

	data, err := json.MarshalIndent(byHex, "", "  ")
	if err != nil {
		return fmt.Errorf("peer: encode registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o700); err != nil {
		return fmt.Errorf("peer: create dir for %s: %w", r.path, err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("peer: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("peer: rename %s: %w", r.path, err)
	}
	return nil
}

func nowUs() uint64 {
	return uint64(time.Now().UnixMicro())
}

// activePeerCount counts peers not in StatusRemoved. Caller must hold r.mu.
func (r *Registry) activePeerCount() int {
	n := 0
	for _, p := range r.peers {
		if p.Status != StatusRemoved {
			n++
		}
	}
	return n
}

// ValidateChallenge runs the registration validation: parse the
// challenge signature, verify it over the nonce, check the auth tier
// against Policy.MinAuthTier, then enforce the peer limit (a peer that
// is already registered is not checked against it). It does not
// mutate the registry.
func (r *Registry) ValidateChallenge(c Challenge) error {
	if len(c.ChallengeSignature) != 64 {
		return ErrInvalidChallengeFormat
	}
	if !identity.Verify(c.PublicKey[:], c.ChallengeNonce[:], c.ChallengeSignature) {
		return ErrChallengeVerificationFailed
	}
	if c.AuthTier < r.policy.MinAuthTier {
		return fmt.Errorf("%w: %s < %s", ErrBelowMinAuthTier, c.AuthTier, r.policy.MinAuthTier)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, exists := r.peers[c.PublicKey]; exists {
		return nil
	}
	if r.policy.MaxPeers > 0 && r.activePeerCount() >= r.policy.MaxPeers {
		return fmt.Errorf("%w (%d/%d)", ErrPeerLimitReached, r.activePeerCount(), r.policy.MaxPeers)
	}
	return nil
}

// AcceptRegistration validates c and, on success, upserts a peer entry
// with initiatedByUs=false and status Online — the responder's half of
// the registration protocol.
func (r *Registry) AcceptRegistration(c Challenge) (Info, error) {
	if err := r.ValidateChallenge(c); err != nil {
		return Info{}, err
	}
	return r.upsert(c.PublicKey, c.DisplayName, c.Endpoint, c.AuthTier, false, StatusOnline)
}

// RecordInitiated validates c and upserts a peer entry with
// initiatedByUs=true — the initiator's half after the responder has
// symmetrically accepted.
func (r *Registry) RecordInitiated(c Challenge) (Info, error) {
	if err := r.ValidateChallenge(c); err != nil {
		return Info{}, err
	}
	status := StatusOnline
	if r.policy.RequireMutual {
		status = StatusPendingMutual
	}
	return r.upsert(c.PublicKey, c.DisplayName, c.Endpoint, c.AuthTier, true, status)
}

func (r *Registry) upsert(id identity.NodeID, displayName, endpoint string, tier AuthTier, initiatedByUs bool, status Status) (Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := nowUs()
	info, exists := r.peers[id]
	if !exists {
		info = Info{
			PublicKey:      id,
			RegisteredAtUs: now,
		}
	}
	info.DisplayName = displayName
	info.Endpoint = endpoint
	info.InitiatedByUs = initiatedByUs
	info.Status = status
	info.AuthTier = tier
	info.LastSeenAtUs = now
	r.peers[id] = info

	if err := r.save(); err != nil {
		return Info{}, err
	}
	return info, nil
}

// ConfirmMutual transitions a PendingMutual peer to Online once its
// symmetric registration has been confirmed — enforcing Policy.RequireMutual.
func (r *Registry) ConfirmMutual(id identity.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.peers[id]
	if !ok {
		return fmt.Errorf("peer: %s: %w", id.Short(), ErrUnknownPeer)
	}
	info.Status = StatusOnline
	info.LastSeenAtUs = nowUs()
	r.peers[id] = info
	return r.save()
}

// ErrUnknownPeer is returned for operations on a peer id not in the registry.
var ErrUnknownPeer = errors.New("peer: unknown peer")

// Touch updates last_seen and flips status to Online.
func (r *Registry) Touch(id identity.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.peers[id]
	if !ok {
		return fmt.Errorf("peer: %s: %w", id.Short(), ErrUnknownPeer)
	}
	info.LastSeenAtUs = nowUs()
	info.Status = StatusOnline
	r.peers[id] = info
	return r.save()
}

// SetLastSyncedSeq records the high-water sync sequence for id.
func (r *Registry) SetLastSyncedSeq(id identity.NodeID, seq uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.peers[id]
	if !ok {
		return fmt.Errorf("peer: %s: %w", id.Short(), ErrUnknownPeer)
	}
	info.LastSyncedSeq = seq
	r.peers[id] = info
	return r.save()
}

// Remove tombstones a peer: status becomes Removed but the record is
// retained for audit, freeing a slot under Policy.MaxPeers.
func (r *Registry) Remove(id identity.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.peers[id]
	if !ok {
		return fmt.Errorf("peer: %s: %w", id.Short(), ErrUnknownPeer)
	}
	info.Status = StatusRemoved
	r.peers[id] = info
	return r.save()
}

// Get returns the peer record for id.
func (r *Registry) Get(id identity.NodeID) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.peers[id]
	return info, ok
}

// IsKnownPeer reports whether id is registered and not tombstoned.
func (r *Registry) IsKnownPeer(id identity.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.peers[id]
	return ok && info.Status != StatusRemoved
}

// List returns every peer record, including tombstoned ones.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.peers))
	for _, info := range r.peers {
		out = append(out, info)
	}
	return out
}

// Snapshot is the registry's status summary for the federation status endpoint.
type Snapshot struct {
	Pubkey      identity.NodeID `json:"pubkey"`
	ShortID     string          `json:"short_id"`
	DisplayName string          `json:"display_name"`
	Endpoint    string          `json:"endpoint"`
	PeersOnline int             `json:"peers_online"`
	PeersTotal  int             `json:"peers_total"`
	EventsSeen  int             `json:"events_seen"`
	Policy      Policy          `json:"policy"`
}

// Status builds a Snapshot for self, counting peers by status and
// including the current dedup cache size as EventsSeen.
func (r *Registry) Status(self *identity.Identity, displayName, endpoint string, eventsSeen int) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	online, total := 0, 0
	for _, info := range r.peers {
		if info.Status == StatusRemoved {
			continue
		}
		total++
		if info.Status == StatusOnline {
			online++
		}
	}

	return Snapshot{
		Pubkey:      self.NodeID(),
		ShortID:     self.ShortID(),
		DisplayName: displayName,
		Endpoint:    endpoint,
		PeersOnline: online,
		PeersTotal:  total,
		EventsSeen:  eventsSeen,
		Policy:      r.policy,
	}
}

