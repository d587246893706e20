// SPDX-License-Identifier: LGPL-3.0-or-later

// Package postgres is a PostgreSQL-backed Store for federation
// deployments that run several cooperating nodes against a shared
// database (e.g. a relay cluster) rather than per-node local files.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/message"
	"github.com/deepnet-federation/deepnet-core/store"
)

// Config holds PostgreSQL connection parameters.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (c Config) connString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Store is a store.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to PostgreSQL and applies the schema migration.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("%w: create connection pool: %v", store.ErrIO, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: ping: %v", store.ErrIO, err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: apply schema: %v", store.ErrIO, err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	return nil
}

// --- Identity ---------------------------------------------------------

func (s *Store) StoreIdentity(ctx context.Context, manifest identity.Manifest) error {
	data, err := json.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO deepnet_identity (id, manifest) VALUES ('self', $1)
		ON CONFLICT (id) DO UPDATE SET manifest = EXCLUDED.manifest`, data)
	if err != nil {
		return fmt.Errorf("%w: store identity: %v", store.ErrIO, err)
	}
	return nil
}

func (s *Store) LoadIdentity(ctx context.Context) (identity.Manifest, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT manifest FROM deepnet_identity WHERE id = 'self'`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return identity.Manifest{}, fmt.Errorf("%w: no identity stored", store.ErrNotFound)
	}
	if err != nil {
		return identity.Manifest{}, fmt.Errorf("%w: load identity: %v", store.ErrIO, err)
	}
	var m identity.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return identity.Manifest{}, fmt.Errorf("%w: %v", store.ErrCorruption, err)
	}
	return m, nil
}

// --- Messages -----------------------------------------------------------

func (s *Store) StoreMessage(ctx context.Context, msg store.StoredMessage) error {
	envData, err := json.Marshal(msg.Envelope)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}

	dm := msg.Envelope.Payload.DirectMessage
	bc := msg.Envelope.Payload.Broadcast

	var dmPeer []byte
	var channel *string
	if dm != nil {
		peerBytes := dm.To
		dmPeer = peerBytes[:]
	}
	if bc != nil {
		channel = &bc.Channel
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO deepnet_messages
			(id, origin, layer, timestamp_s, stored_at_s, is_dm, is_broadcast, dm_peer, channel, envelope)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		msg.ID[:], msg.Envelope.Origin[:], string(msg.Envelope.Layer), msg.Envelope.TimestampS, msg.StoredAtS,
		dm != nil, bc != nil, dmPeer, channel, envData,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: message %x", store.ErrAlreadyExists, msg.ID)
		}
		return fmt.Errorf("%w: store message: %v", store.ErrIO, err)
	}
	return nil
}

func scanMessage(row pgx.Row) (store.StoredMessage, error) {
	var id, origin []byte
	var envData []byte
	var storedAt int64
	if err := row.Scan(&id, &origin, &envData, &storedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.StoredMessage{}, fmt.Errorf("%w: message", store.ErrNotFound)
		}
		return store.StoredMessage{}, fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	var env message.Envelope
	if err := json.Unmarshal(envData, &env); err != nil {
		return store.StoredMessage{}, fmt.Errorf("%w: %v", store.ErrCorruption, err)
	}
	var out store.StoredMessage
	copy(out.ID[:], id)
	out.Envelope = env
	out.StoredAtS = storedAt
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, id message.EnvelopeID) (store.StoredMessage, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, origin, envelope, stored_at_s FROM deepnet_messages WHERE id = $1`, id[:])
	return scanMessage(row)
}

func (s *Store) GetMessagesSince(ctx context.Context, layer message.DataLayer, since clock.VectorClock, limit int) ([]store.StoredMessage, error) {
	// Vector-clock dominance cannot be expressed as SQL over a JSONB
	// map portably; fetch the layer's rows ordered by timestamp and
	// filter in application code, same as the memory/bolt backends.
	rows, err := s.pool.Query(ctx, `
		SELECT id, origin, envelope, stored_at_s FROM deepnet_messages
		WHERE layer = $1 ORDER BY timestamp_s ASC`, string(layer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	defer rows.Close()

	var out []store.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if !clock.HappenedBefore(m.Envelope.Clock, since) {
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, rows.Err()
}

func (s *Store) DeleteMessage(ctx context.Context, id message.EnvelopeID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM deepnet_messages WHERE id = $1`, id[:])
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: message %x", store.ErrNotFound, id)
	}
	return nil
}

// --- Direct messages ------------------------------------------------------

func (s *Store) GetDMsWith(ctx context.Context, peer identity.NodeID, limit int) ([]store.StoredMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, origin, envelope, stored_at_s FROM deepnet_messages
		WHERE is_dm AND (dm_peer = $1 OR origin = $1)
		ORDER BY timestamp_s DESC LIMIT $2`, peer[:], nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func (s *Store) GetRecentDMs(ctx context.Context, limit int) ([]store.StoredMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, origin, envelope, stored_at_s FROM deepnet_messages
		WHERE is_dm ORDER BY timestamp_s DESC LIMIT $1`, nullLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	defer rows.Close()
	return scanAll(rows)
}

func scanAll(rows pgx.Rows) ([]store.StoredMessage, error) {
	var out []store.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func nullLimit(limit int) int64 {
	if limit <= 0 {
		return 1 << 30
	}
	return int64(limit)
}

func (s *Store) GetUnreadDMCount(ctx context.Context, peer identity.NodeID) (int, error) {
	var watermark int64
	err := s.pool.QueryRow(ctx, `SELECT watermark_s FROM deepnet_dm_watermarks WHERE peer = $1`, peer[:]).Scan(&watermark)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: %v", store.ErrIO, err)
	}

	var count int
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM deepnet_messages
		WHERE is_dm AND origin = $1 AND stored_at_s > $2`, peer[:], watermark).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	return count, nil
}

func (s *Store) MarkDMsRead(ctx context.Context, peer identity.NodeID) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deepnet_dm_watermarks (peer, watermark_s)
		SELECT $1, COALESCE(MAX(stored_at_s), 0) FROM deepnet_messages WHERE is_dm AND origin = $1
		ON CONFLICT (peer) DO UPDATE SET watermark_s = EXCLUDED.watermark_s`, peer[:])
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	return nil
}

// --- Broadcasts -----------------------------------------------------------

func (s *Store) GetBroadcasts(ctx context.Context, channel *string, limit int) ([]store.StoredMessage, error) {
	var rows pgx.Rows
	var err error
	if channel != nil {
		rows, err = s.pool.Query(ctx, `
			SELECT id, origin, envelope, stored_at_s FROM deepnet_messages
			WHERE is_broadcast AND channel = $1 ORDER BY timestamp_s DESC LIMIT $2`, *channel, nullLimit(limit))
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT id, origin, envelope, stored_at_s FROM deepnet_messages
			WHERE is_broadcast ORDER BY timestamp_s DESC LIMIT $1`, nullLimit(limit))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	defer rows.Close()
	return scanAll(rows)
}

// --- Presence ---------------------------------------------------------

func (s *Store) UpsertPresence(ctx context.Context, p store.PresenceRecord) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO deepnet_presence (node_id, record) VALUES ($1, $2)
		ON CONFLICT (node_id) DO UPDATE SET record = EXCLUDED.record`, p.NodeID[:], data)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	return nil
}

func (s *Store) GetAllPresences(ctx context.Context) ([]store.PresenceRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM deepnet_presence`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	defer rows.Close()

	var out []store.PresenceRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrIO, err)
		}
		var p store.PresenceRecord
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrCorruption, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Peers --------------------------------------------------------------

func (s *Store) UpsertPeer(ctx context.Context, p store.PeerRecord) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO deepnet_peers (public_key, record) VALUES ($1, $2)
		ON CONFLICT (public_key) DO UPDATE SET record = EXCLUDED.record`, p.PublicKey[:], data)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	return nil
}

func (s *Store) GetPeer(ctx context.Context, nodeID identity.NodeID) (store.PeerRecord, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT record FROM deepnet_peers WHERE public_key = $1`, nodeID[:]).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.PeerRecord{}, fmt.Errorf("%w: peer %s", store.ErrNotFound, nodeID.Short())
	}
	if err != nil {
		return store.PeerRecord{}, fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	var p store.PeerRecord
	if err := json.Unmarshal(data, &p); err != nil {
		return store.PeerRecord{}, fmt.Errorf("%w: %v", store.ErrCorruption, err)
	}
	return p, nil
}

func (s *Store) ListPeers(ctx context.Context) ([]store.PeerRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT record FROM deepnet_peers`)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	defer rows.Close()

	var out []store.PeerRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrIO, err)
		}
		var p store.PeerRecord
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrCorruption, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeletePeer(ctx context.Context, nodeID identity.NodeID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM deepnet_peers WHERE public_key = $1`, nodeID[:])
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: peer %s", store.ErrNotFound, nodeID.Short())
	}
	return nil
}

// --- Clock --------------------------------------------------------------

func (s *Store) StoreClock(ctx context.Context, hlc clock.HlcTimestamp, vc clock.VectorClock) error {
	hlcData, err := json.Marshal(hlc)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	vcData, err := json.Marshal(vc)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO deepnet_clock (id, hlc, vc) VALUES ('self', $1, $2)
		ON CONFLICT (id) DO UPDATE SET hlc = EXCLUDED.hlc, vc = EXCLUDED.vc`, hlcData, vcData)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	return nil
}

func (s *Store) LoadClock(ctx context.Context) (clock.HlcTimestamp, clock.VectorClock, error) {
	var hlcData, vcData []byte
	err := s.pool.QueryRow(ctx, `SELECT hlc, vc FROM deepnet_clock WHERE id = 'self'`).Scan(&hlcData, &vcData)
	if errors.Is(err, pgx.ErrNoRows) {
		return clock.HlcTimestamp{}, clock.NewVectorClock(), fmt.Errorf("%w: no clock stored", store.ErrNotFound)
	}
	if err != nil {
		return clock.HlcTimestamp{}, clock.NewVectorClock(), fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	var hlc clock.HlcTimestamp
	var vc clock.VectorClock
	if err := json.Unmarshal(hlcData, &hlc); err != nil {
		return clock.HlcTimestamp{}, clock.NewVectorClock(), fmt.Errorf("%w: %v", store.ErrCorruption, err)
	}
	if err := json.Unmarshal(vcData, &vc); err != nil {
		return clock.HlcTimestamp{}, clock.NewVectorClock(), fmt.Errorf("%w: %v", store.ErrCorruption, err)
	}
	return hlc, vc, nil
}

// --- KV -------------------------------------------------------------------

func (s *Store) KVSet(ctx context.Context, namespace, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deepnet_kv (namespace, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value`, namespace, key, value)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	return nil
}

func (s *Store) KVGet(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx, `SELECT value FROM deepnet_kv WHERE namespace = $1 AND key = $2`, namespace, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: key %q/%q", store.ErrNotFound, namespace, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	return value, nil
}

func (s *Store) KVDelete(ctx context.Context, namespace, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM deepnet_kv WHERE namespace = $1 AND key = $2`, namespace, key)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	return nil
}

// --- Maintenance ------------------------------------------------------

func (s *Store) Compact(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deepnet_meta (key, value) VALUES ('last_compaction', $1)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, fmt.Sprintf("%d", time.Now().Unix()))
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	// VACUUM cannot run inside a transaction/pooled Exec reliably across
	// all PG configurations; leave physical reclamation to the operator's
	// autovacuum policy and only record the logical compaction marker.
	return nil
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var st store.Stats
	var lastCompactionStr *string

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deepnet_messages`).Scan(&st.MessageCount); err != nil {
		return st, fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deepnet_messages WHERE is_dm`).Scan(&st.DMCount); err != nil {
		return st, fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deepnet_messages WHERE is_broadcast`).Scan(&st.BroadcastCount); err != nil {
		return st, fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM deepnet_peers`).Scan(&st.PeerCount); err != nil {
		return st, fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	if err := s.pool.QueryRow(ctx, `SELECT value FROM deepnet_meta WHERE key = 'last_compaction'`).Scan(&lastCompactionStr); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return st, fmt.Errorf("%w: %v", store.ErrIO, err)
	}
	if lastCompactionStr != nil {
		var unixSecs int64
		if _, err := fmt.Sscanf(*lastCompactionStr, "%d", &unixSecs); err == nil {
			st.LastCompaction = time.Unix(unixSecs, 0)
		}
	}
	return st, nil
}
