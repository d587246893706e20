// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deepnet-federation/deepnet-core/identity"
)

var identityDisplayName string

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage this node's sovereign identity",
}

var identityGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate (or load) this node's identity key",
	Long: `Generate creates a fresh Ed25519 identity under --home if none exists
yet, or loads the existing one. It never overwrites a valid key: a
node's identity is its address in the mesh, and silently rotating it
would orphan every peer relationship built against the old key.`,
	RunE: runIdentityGenerate,
}

var identityShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print this node's identity manifest as JSON",
	RunE:  runIdentityShow,
}

func init() {
	rootCmd.AddCommand(identityCmd)
	identityCmd.AddCommand(identityGenerateCmd)
	identityCmd.AddCommand(identityShowCmd)

	identityGenerateCmd.Flags().StringVarP(&identityDisplayName, "display-name", "n", "", "display name advertised in this node's manifest")
}

func runIdentityGenerate(cmd *cobra.Command, args []string) error {
	id, err := identity.LoadOrGenerate(identityKeyPath(), identityDisplayName)
	if err != nil {
		return fmt.Errorf("load or generate identity: %w", err)
	}
	fmt.Printf("node_id: %s\n", id.NodeID().Hex())
	fmt.Printf("short_id: %s\n", id.ShortID())
	return nil
}

func runIdentityShow(cmd *cobra.Command, args []string) error {
	id, err := identity.LoadOrGenerate(identityKeyPath(), "")
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(id.Manifest)
}
