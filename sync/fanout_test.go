// SPDX-License-Identifier: LGPL-3.0-or-later

package sync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/event"
	"github.com/deepnet-federation/deepnet-core/identity"
)

func TestPushToAllPeersIsolatesFailures(t *testing.T) {
	good := identity.NodeID{1}
	bad := identity.NodeID{2}

	var mu sync.Mutex
	called := map[identity.NodeID]bool{}

	push := func(ctx context.Context, peer identity.NodeID, req PushRequest) error {
		mu.Lock()
		called[peer] = true
		mu.Unlock()
		if peer == bad {
			return errors.New("simulated network failure")
		}
		return nil
	}

	results := PushToAllPeers(context.Background(), []identity.NodeID{good, bad}, []event.SignedEvent{}, clock.HlcTimestamp{}, 0, push)
	require.Len(t, results, 2)

	var goodErr, badErr error
	for _, r := range results {
		if r.Peer == good {
			goodErr = r.Err
		}
		if r.Peer == bad {
			badErr = r.Err
		}
	}
	assert.NoError(t, goodErr)
	assert.Error(t, badErr)
	assert.True(t, called[good])
	assert.True(t, called[bad])
}
