// SPDX-License-Identifier: LGPL-3.0-or-later

// Package bolt is a durable single-node Store backend on top of
// BoltDB. Schema:
//
//	/identity  key "self"                value JSON Manifest
//	/messages  key envelope id (16 bytes) value JSON StoredMessage
//	/presence  key hex node_id            value JSON PresenceRecord
//	/peers     key hex node_id            value JSON PeerRecord
//	/clock     key "state"                value JSON {hlc, vc}
//	/kv/<ns>   key caller key             value caller bytes
//	/watermark key hex node_id            value 8-byte big-endian unix seconds
//
// Single-writer, ACID-per-call, like any bbolt consumer: every method
// is its own transaction.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/message"
	"github.com/deepnet-federation/deepnet-core/store"
)

const (
	bucketIdentity = "identity"
	bucketMessages = "messages"
	bucketPresence = "presence"
	bucketPeers    = "peers"
	bucketClock    = "clock"
	bucketKVPrefix = "kv/"
	bucketWatermark = "watermark"
)

// Store is a bbolt-backed store.Store implementation.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the BoltDB file at path and
// initializes the fixed buckets.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: bolt.Open(%q): %v", store.ErrIO, path, err)
	}

	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketIdentity, bucketMessages, bucketPresence, bucketPeers, bucketClock, bucketWatermark} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: initialize buckets: %v", store.ErrIO, err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error { return nil })
}

// --- Identity ---------------------------------------------------------

func (s *Store) StoreIdentity(ctx context.Context, manifest identity.Manifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketIdentity)).Put([]byte("self"), data)
	})
}

func (s *Store) LoadIdentity(ctx context.Context) (identity.Manifest, error) {
	var m identity.Manifest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketIdentity)).Get([]byte("self"))
		if data == nil {
			return fmt.Errorf("%w: no identity stored", store.ErrNotFound)
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("%w: %v", store.ErrCorruption, err)
		}
		return nil
	})
	return m, err
}

// --- Messages -----------------------------------------------------------

func (s *Store) StoreMessage(ctx context.Context, msg store.StoredMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMessages))
		if b.Get(msg.ID[:]) != nil {
			return fmt.Errorf("%w: message %x", store.ErrAlreadyExists, msg.ID)
		}
		return b.Put(msg.ID[:], data)
	})
}

func (s *Store) GetMessage(ctx context.Context, id message.EnvelopeID) (store.StoredMessage, error) {
	var out store.StoredMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketMessages)).Get(id[:])
		if data == nil {
			return fmt.Errorf("%w: message %x", store.ErrNotFound, id)
		}
		return json.Unmarshal(data, &out)
	})
	return out, err
}

func (s *Store) allMessages(tx *bolt.Tx) ([]store.StoredMessage, error) {
	var out []store.StoredMessage
	err := tx.Bucket([]byte(bucketMessages)).ForEach(func(_, v []byte) error {
		var m store.StoredMessage
		if err := json.Unmarshal(v, &m); err != nil {
			return fmt.Errorf("%w: %v", store.ErrCorruption, err)
		}
		out = append(out, m)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].Envelope.TimestampS < out[j].Envelope.TimestampS })
	return out, err
}

func (s *Store) GetMessagesSince(ctx context.Context, layer message.DataLayer, since clock.VectorClock, limit int) ([]store.StoredMessage, error) {
	var out []store.StoredMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := s.allMessages(tx)
		if err != nil {
			return err
		}
		for _, m := range all {
			if m.Envelope.Layer != layer {
				continue
			}
			if !clock.HappenedBefore(m.Envelope.Clock, since) {
				out = append(out, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Envelope.TimestampS < out[j].Envelope.TimestampS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id message.EnvelopeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMessages))
		if b.Get(id[:]) == nil {
			return fmt.Errorf("%w: message %x", store.ErrNotFound, id)
		}
		return b.Delete(id[:])
	})
}

// --- Direct messages ------------------------------------------------------

func (s *Store) GetDMsWith(ctx context.Context, peer identity.NodeID, limit int) ([]store.StoredMessage, error) {
	var out []store.StoredMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := s.allMessages(tx)
		if err != nil {
			return err
		}
		for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
			m := all[i]
			dm := m.Envelope.Payload.DirectMessage
			if dm == nil {
				continue
			}
			if dm.To == peer || m.Envelope.Origin == peer {
				out = append(out, m)
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) GetRecentDMs(ctx context.Context, limit int) ([]store.StoredMessage, error) {
	var out []store.StoredMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := s.allMessages(tx)
		if err != nil {
			return err
		}
		for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
			if all[i].Envelope.Payload.DirectMessage != nil {
				out = append(out, all[i])
			}
		}
		return nil
	})
	return out, err
}

func (s *Store) watermarkKey(peer identity.NodeID) []byte { return []byte(peer.Hex()) }

func (s *Store) readWatermark(tx *bolt.Tx, peer identity.NodeID) int64 {
	data := tx.Bucket([]byte(bucketWatermark)).Get(s.watermarkKey(peer))
	if len(data) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(data))
}

func (s *Store) GetUnreadDMCount(ctx context.Context, peer identity.NodeID) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		watermark := s.readWatermark(tx, peer)
		all, err := s.allMessages(tx)
		if err != nil {
			return err
		}
		for _, m := range all {
			if m.Envelope.Payload.DirectMessage == nil || m.Envelope.Origin != peer {
				continue
			}
			if m.StoredAtS > watermark {
				count++
			}
		}
		return nil
	})
	return count, err
}

func (s *Store) MarkDMsRead(ctx context.Context, peer identity.NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		all, err := s.allMessages(tx)
		if err != nil {
			return err
		}
		var latest int64
		for _, m := range all {
			if m.Envelope.Payload.DirectMessage == nil || m.Envelope.Origin != peer {
				continue
			}
			if m.StoredAtS > latest {
				latest = m.StoredAtS
			}
		}
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(latest))
		return tx.Bucket([]byte(bucketWatermark)).Put(s.watermarkKey(peer), buf)
	})
}

// --- Broadcasts -----------------------------------------------------------

func (s *Store) GetBroadcasts(ctx context.Context, channel *string, limit int) ([]store.StoredMessage, error) {
	var out []store.StoredMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := s.allMessages(tx)
		if err != nil {
			return err
		}
		for i := len(all) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
			b := all[i].Envelope.Payload.Broadcast
			if b == nil {
				continue
			}
			if channel != nil && b.Channel != *channel {
				continue
			}
			out = append(out, all[i])
		}
		return nil
	})
	return out, err
}

// --- Presence ---------------------------------------------------------

func (s *Store) UpsertPresence(ctx context.Context, p store.PresenceRecord) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPresence)).Put([]byte(p.NodeID.Hex()), data)
	})
}

func (s *Store) GetAllPresences(ctx context.Context) ([]store.PresenceRecord, error) {
	var out []store.PresenceRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPresence)).ForEach(func(_, v []byte) error {
			var p store.PresenceRecord
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("%w: %v", store.ErrCorruption, err)
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

// --- Peers --------------------------------------------------------------

func (s *Store) UpsertPeer(ctx context.Context, p store.PeerRecord) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPeers)).Put([]byte(p.PublicKey.Hex()), data)
	})
}

func (s *Store) GetPeer(ctx context.Context, nodeID identity.NodeID) (store.PeerRecord, error) {
	var p store.PeerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketPeers)).Get([]byte(nodeID.Hex()))
		if data == nil {
			return fmt.Errorf("%w: peer %s", store.ErrNotFound, nodeID.Short())
		}
		return json.Unmarshal(data, &p)
	})
	return p, err
}

func (s *Store) ListPeers(ctx context.Context) ([]store.PeerRecord, error) {
	var out []store.PeerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketPeers)).ForEach(func(_, v []byte) error {
			var p store.PeerRecord
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("%w: %v", store.ErrCorruption, err)
			}
			out = append(out, p)
			return nil
		})
	})
	return out, err
}

func (s *Store) DeletePeer(ctx context.Context, nodeID identity.NodeID) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketPeers))
		key := []byte(nodeID.Hex())
		if b.Get(key) == nil {
			return fmt.Errorf("%w: peer %s", store.ErrNotFound, nodeID.Short())
		}
		return b.Delete(key)
	})
}

// --- Clock --------------------------------------------------------------

type clockRecord struct {
	HLC clock.HlcTimestamp `json:"hlc"`
	VC  clock.VectorClock  `json:"vc"`
}

func (s *Store) StoreClock(ctx context.Context, hlc clock.HlcTimestamp, vc clock.VectorClock) error {
	data, err := json.Marshal(clockRecord{HLC: hlc, VC: vc})
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketClock)).Put([]byte("state"), data)
	})
}

func (s *Store) LoadClock(ctx context.Context) (clock.HlcTimestamp, clock.VectorClock, error) {
	var rec clockRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(bucketClock)).Get([]byte("state"))
		if data == nil {
			return fmt.Errorf("%w: no clock stored", store.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return clock.HlcTimestamp{}, clock.NewVectorClock(), err
	}
	return rec.HLC, rec.VC, nil
}

// --- KV -------------------------------------------------------------------

func (s *Store) kvBucketName(namespace string) []byte { return []byte(bucketKVPrefix + namespace) }

func (s *Store) KVSet(ctx context.Context, namespace, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.kvBucketName(namespace))
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrIO, err)
		}
		return b.Put([]byte(key), value)
	})
}

func (s *Store) KVGet(ctx context.Context, namespace, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.kvBucketName(namespace))
		if b == nil {
			return fmt.Errorf("%w: namespace %q", store.ErrNotFound, namespace)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%w: key %q/%q", store.ErrNotFound, namespace, key)
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *Store) KVDelete(ctx context.Context, namespace, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.kvBucketName(namespace))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// --- Maintenance ------------------------------------------------------

func (s *Store) Compact(ctx context.Context) error {
	return s.KVSet(ctx, "meta", "last_compaction", []byte(fmt.Sprintf("%d", time.Now().Unix())))
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var st store.Stats
	err := s.db.View(func(tx *bolt.Tx) error {
		all, err := s.allMessages(tx)
		if err != nil {
			return err
		}
		st.MessageCount = uint64(len(all))
		for _, m := range all {
			if m.Envelope.Payload.DirectMessage != nil {
				st.DMCount++
			}
			if m.Envelope.Payload.Broadcast != nil {
				st.BroadcastCount++
			}
		}
		st.PeerCount = uint64(tx.Bucket([]byte(bucketPeers)).Stats().KeyN)
		st.StorageBytes = uint64(tx.Size())
		return nil
	})
	return st, err
}
