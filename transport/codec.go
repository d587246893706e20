// SPDX-License-Identifier: LGPL-3.0-or-later

package transport

import (
	"encoding/json"
	"fmt"

	"github.com/deepnet-federation/deepnet-core/message"
)

// marshalEnvelope produces the canonical wire bytes for one envelope.
// JSON is used rather than a binary codec since envelopes already
// carry JSON-tagged payload variants (message.Payload) and textual
// transports (the federation HTTP push/pull protocol) must be able to
// embed the same bytes verbatim as content-addressed event_bytes.
func marshalEnvelope(env message.Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal envelope: %w", err)
	}
	return b, nil
}

func unmarshalEnvelope(b []byte) (message.Envelope, error) {
	var env message.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return message.Envelope{}, fmt.Errorf("transport: unmarshal envelope: %w", err)
	}
	return env, nil
}
