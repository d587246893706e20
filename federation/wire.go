// SPDX-License-Identifier: LGPL-3.0-or-later

package federation

import (
	"encoding/json"
	"fmt"

	"github.com/deepnet-federation/deepnet-core/message"
)

// marshalEnvelope and unmarshalEnvelope produce the same canonical
// JSON wire form transport's codec uses for the same reason: envelopes
// already carry JSON-tagged payload variants, and the federation
// protocol must be able to hash and sign these bytes directly as
// event_bytes.
func marshalEnvelope(env message.Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("federation: marshal envelope: %w", err)
	}
	return b, nil
}

func unmarshalEnvelope(b []byte) (message.Envelope, error) {
	var env message.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return message.Envelope{}, fmt.Errorf("federation: unmarshal envelope: %w", err)
	}
	return env, nil
}

func envelopeIDHex(id message.EnvelopeID) string {
	return id.Hex()
}
