package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zajel-project/zajel/config"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:   "zajel",
	Short: "Zajel - peer-to-peer encrypted messenger",
	Long: `Zajel is a peer-to-peer encrypted messenger: clients discover each
other through a coordinator, establish direct WebRTC sessions and exchange
authenticated, encrypted messages and files.

Identity keys never leave this machine; the coordinator sees pairing codes
and opaque signaling only.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Commands are registered in their respective files:
	// - identity.go: identityCmd
	// - chat.go: chatCmd
}

// loadConfig resolves the effective configuration for a command run.
func loadConfig() (*config.Config, error) {
	config.LoadEnv()
	if flagConfig != "" {
		return config.LoadFromFile(flagConfig)
	}
	return config.Default(), nil
}

// keyStoreDir returns the identity key directory under the data dir.
func keyStoreDir(cfg *config.Config) string {
	return filepath.Join(cfg.Client.DataDir, "keys")
}

// peerStorePath returns the trusted-peer database path.
func peerStorePath(cfg *config.Config) string {
	return filepath.Join(cfg.Client.DataDir, "peers.db")
}
