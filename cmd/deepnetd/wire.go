// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"encoding/json"
	"fmt"

	"github.com/deepnet-federation/deepnet-core/message"
)

// marshalCliEnvelope produces the same canonical JSON wire form the
// federation server and transport codec use, so an event signed here
// verifies identically on the receiving end.
func marshalCliEnvelope(env message.Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("deepnetd: marshal envelope: %w", err)
	}
	return b, nil
}
