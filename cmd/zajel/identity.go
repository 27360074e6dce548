package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zajel-project/zajel/crypto/identity"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show this client's public identity",
	Long: `Prints the public key and fingerprint of this client's identity,
generating a fresh key pair on first run. Compare fingerprints out of band
to verify a peer.`,
	RunE: runIdentity,
}

func init() {
	rootCmd.AddCommand(identityCmd)
}

func runIdentity(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	id := identity.NewManager(keyStoreDir(cfg))
	if err := id.Initialize(); err != nil {
		return err
	}

	fmt.Printf("Public key:  %s\n", id.PublicKeyBase64())
	fmt.Printf("Fingerprint: %s\n", id.Fingerprint())
	return nil
}
