// SPDX-License-Identifier: LGPL-3.0-or-later

package federation

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/message"
)

func encodeBody(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(b)
}

func newFederatedEnvelope(t *testing.T, origin identity.NodeID) (message.Envelope, error) {
	t.Helper()
	return message.New(origin, message.Federated, uint64(time.Now().Unix()), message.PresencePayload(message.Presence{Status: "online"}))
}
