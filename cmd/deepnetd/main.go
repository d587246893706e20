// Copyright (C) 2026 deepnet-federation
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "deepnetd",
	Short: "deepnetd runs and administers a federation mesh node",
	Long: `deepnetd is the daemon and CLI for a sovereign node in the federation
mesh: a long-lived identity, a peer registry, a causal replication
engine, and the transports and discovery mechanisms that carry events
between peers.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&dataDir, "home", defaultDataDir(), "data directory for identity, store, and peer state")

	// Subcommands register themselves in their own files' init():
	// identity.go, peer.go, sync.go, serve.go.
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".deepnet")
	}
	return "./.deepnet"
}

func identityKeyPath() string {
	return filepath.Join(dataDir, "identity.key")
}

func peerRegistryPath() string {
	return filepath.Join(dataDir, "peers.json")
}
