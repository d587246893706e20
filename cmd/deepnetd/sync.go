// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/deepnet-federation/deepnet-core/clock"
	"github.com/deepnet-federation/deepnet-core/event"
	"github.com/deepnet-federation/deepnet-core/federation"
	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/message"
	"github.com/deepnet-federation/deepnet-core/peer"
	syncpkg "github.com/deepnet-federation/deepnet-core/sync"
)

var syncPushBody string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Manually drive replication",
}

var syncPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push a broadcast envelope to every known peer",
	Long: `Push builds a single federated broadcast envelope, signs it as a
content-addressed event under this node's identity, and fans it out
to every peer currently in the registry — useful for smoke-testing a
mesh without a long-running daemon exchanging real application
traffic.`,
	RunE: runSyncPush,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.AddCommand(syncPushCmd)

	syncPushCmd.Flags().StringVarP(&syncPushBody, "body", "b", "hello from deepnetd", "broadcast body to push")
}

func runSyncPush(cmd *cobra.Command, args []string) error {
	id, err := identity.LoadOrGenerate(identityKeyPath(), "")
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	registry, err := peer.Load(peerRegistryPath(), peer.DefaultPolicy())
	if err != nil {
		return fmt.Errorf("load peer registry: %w", err)
	}

	peers := registry.List()
	var targets []identity.NodeID
	endpoints := make(map[identity.NodeID]string, len(peers))
	for _, p := range peers {
		if p.Status == peer.StatusRemoved {
			continue
		}
		targets = append(targets, p.PublicKey)
		endpoints[p.PublicKey] = p.Endpoint
	}
	if len(targets) == 0 {
		fmt.Println("no peers registered, nothing to push")
		return nil
	}

	hlc := clock.NewHybridClock(id.NodeID().Uint64())
	engine := syncpkg.NewEngine(id.NodeID(), hlc, syncpkg.DefaultConfig())

	env, err := message.New(id.NodeID(), message.Federated, uint64(time.Now().Unix()), message.BroadcastPayload(message.Broadcast{
		Channel: "cli",
		Body:    syncPushBody,
	}))
	if err != nil {
		return fmt.Errorf("build envelope: %w", err)
	}
	env = engine.PrepareOutbound(env)

	rawEnv, err := marshalCliEnvelope(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	ev := event.Sign(rawEnv, id)

	client := federation.NewClient(id, 15*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := syncpkg.PushToAllPeers(ctx, targets, []event.SignedEvent{ev}, hlc.Now(), 0, func(ctx context.Context, p identity.NodeID, req syncpkg.PushRequest) error {
		_, err := client.Push(ctx, endpoints[p], req)
		return err
	})

	for _, res := range results {
		if res.Err != nil {
			fmt.Printf("%s: failed: %v\n", res.Peer.Short(), res.Err)
			continue
		}
		fmt.Printf("%s: ok\n", res.Peer.Short())
	}
	return nil
}
