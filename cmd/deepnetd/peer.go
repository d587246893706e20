// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/deepnet-federation/deepnet-core/federation"
	"github.com/deepnet-federation/deepnet-core/identity"
	"github.com/deepnet-federation/deepnet-core/peer"
)

var (
	peerEndpoint string
	peerTier     string
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Manage registered federation peers",
}

var peerRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register with a peer's federation endpoint",
	Long: `Register performs the initiator's half of the registration handshake
against a running peer: sign a fresh challenge, send it to --endpoint,
and record the peer locally once accepted. The peer must symmetrically
register back (or this node's policy must not require mutual
registration) before replication begins.`,
	RunE: runPeerRegister,
}

var peerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List peers known to this node",
	RunE:  runPeerList,
}

var peerRemoveCmd = &cobra.Command{
	Use:   "remove <hex_pubkey>",
	Short: "Tombstone a registered peer, freeing its slot",
	Args:  cobra.ExactArgs(1),
	RunE:  runPeerRemove,
}

func init() {
	rootCmd.AddCommand(peerCmd)
	peerCmd.AddCommand(peerRegisterCmd)
	peerCmd.AddCommand(peerListCmd)
	peerCmd.AddCommand(peerRemoveCmd)

	peerRegisterCmd.Flags().StringVarP(&peerEndpoint, "endpoint", "e", "", "peer's federation HTTP endpoint (required)")
	peerRegisterCmd.Flags().StringVarP(&peerTier, "tier", "t", "device_bound", "this node's auth tier when presenting to the peer (device_bound, oauth_verified, hardware_attested)")
	_ = peerRegisterCmd.MarkFlagRequired("endpoint")
}

func parseAuthTier(s string) (peer.AuthTier, error) {
	switch s {
	case "device_bound":
		return peer.AuthDeviceBound, nil
	case "oauth_verified":
		return peer.AuthOAuthVerified, nil
	case "hardware_attested":
		return peer.AuthHardwareAttested, nil
	default:
		return 0, fmt.Errorf("unknown auth tier %q", s)
	}
}

func runPeerRegister(cmd *cobra.Command, args []string) error {
	id, err := identity.LoadOrGenerate(identityKeyPath(), "")
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}

	tier, err := parseAuthTier(peerTier)
	if err != nil {
		return err
	}

	registry, err := peer.Load(peerRegistryPath(), peer.DefaultPolicy())
	if err != nil {
		return fmt.Errorf("load peer registry: %w", err)
	}

	client := federation.NewClient(id, 15*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	info, err := client.RegisterWithPeer(ctx, registry, peerEndpoint, id.Manifest.DisplayName, tier)
	if err != nil {
		return fmt.Errorf("register with %s: %w", peerEndpoint, err)
	}

	fmt.Printf("registered %s at %s, status=%s\n", info.PublicKey.Short(), info.Endpoint, info.Status)
	return nil
}

func runPeerList(cmd *cobra.Command, args []string) error {
	registry, err := peer.Load(peerRegistryPath(), peer.DefaultPolicy())
	if err != nil {
		return fmt.Errorf("load peer registry: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(registry.List())
}

func runPeerRemove(cmd *cobra.Command, args []string) error {
	id, err := identity.NodeIDFromHex(args[0])
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}

	registry, err := peer.Load(peerRegistryPath(), peer.DefaultPolicy())
	if err != nil {
		return fmt.Errorf("load peer registry: %w", err)
	}

	if err := registry.Remove(id); err != nil {
		return fmt.Errorf("remove peer %s: %w", id.Short(), err)
	}

	fmt.Printf("removed %s\n", id.Short())
	return nil
}
