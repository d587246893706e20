// SPDX-License-Identifier: LGPL-3.0-or-later

package postgres

// schema is applied by Open via a single idempotent migration. JSONB
// columns carry the envelope/payload shapes directly rather than
// normalizing every payload variant into its own table — this mirrors
// the federation data model's emphasis on opaque, content-addressed
// event bytes over relational structure.
const schema = `
CREATE TABLE IF NOT EXISTS deepnet_identity (
	id          TEXT PRIMARY KEY,
	manifest    JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS deepnet_messages (
	id          BYTEA PRIMARY KEY,
	origin      BYTEA NOT NULL,
	layer       TEXT NOT NULL,
	timestamp_s BIGINT NOT NULL,
	stored_at_s BIGINT NOT NULL,
	is_dm       BOOLEAN NOT NULL DEFAULT FALSE,
	is_broadcast BOOLEAN NOT NULL DEFAULT FALSE,
	dm_peer     BYTEA,
	channel     TEXT,
	envelope    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS deepnet_messages_layer_idx ON deepnet_messages (layer, timestamp_s);
CREATE INDEX IF NOT EXISTS deepnet_messages_dm_peer_idx ON deepnet_messages (dm_peer) WHERE is_dm;
CREATE INDEX IF NOT EXISTS deepnet_messages_channel_idx ON deepnet_messages (channel) WHERE is_broadcast;

CREATE TABLE IF NOT EXISTS deepnet_dm_watermarks (
	peer        BYTEA PRIMARY KEY,
	watermark_s BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS deepnet_presence (
	node_id     BYTEA PRIMARY KEY,
	record      JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS deepnet_peers (
	public_key  BYTEA PRIMARY KEY,
	record      JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS deepnet_clock (
	id          TEXT PRIMARY KEY,
	hlc         JSONB NOT NULL,
	vc          JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS deepnet_kv (
	namespace   TEXT NOT NULL,
	key         TEXT NOT NULL,
	value       BYTEA NOT NULL,
	PRIMARY KEY (namespace, key)
);

CREATE TABLE IF NOT EXISTS deepnet_meta (
	key         TEXT PRIMARY KEY,
	value       TEXT NOT NULL
);
`
