package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zajel-project/zajel/config"
	"github.com/zajel-project/zajel/coordinator"
	"github.com/zajel-project/zajel/internal/logger"
)

var (
	flagConfig string
	flagListen string
	flagKey    string
)

var rootCmd = &cobra.Command{
	Use:   "zajel-coordinator",
	Short: "Zajel coordinator - pairing, signaling and rendezvous broker",
	Long: `The Zajel coordinator is the rendezvous service clients use to find
each other: it registers pairing codes, forwards WebRTC signaling opaquely,
parks encrypted dead drops at meeting points and distributes chunks.

It holds no message content and no keys beyond the operator's server-list
signing key.`,
	RunE: runServe,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	rootCmd.Flags().StringVarP(&flagListen, "listen", "l", "", "listen address (overrides config)")
	rootCmd.Flags().StringVarP(&flagKey, "operator-key", "k", "", "path to base64 Ed25519 operator signing key")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func runServe(cmd *cobra.Command, args []string) error {
	config.LoadEnv()

	cfg := config.Default()
	if flagConfig != "" {
		loaded, err := config.LoadFromFile(flagConfig)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	addr := cfg.Coordinator.ListenAddr
	if flagListen != "" {
		addr = flagListen
	}
	keyPath := cfg.Coordinator.OperatorKey
	if flagKey != "" {
		keyPath = flagKey
	}

	signKey, err := loadOrGenerateKey(keyPath)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := coordinator.NewServer(signKey)
	return srv.ListenAndServe(ctx, addr)
}

// loadOrGenerateKey reads a base64 Ed25519 seed, or generates an ephemeral
// one (dev mode) when no path is configured.
func loadOrGenerateKey(path string) (ed25519.PrivateKey, error) {
	if path == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate operator key: %w", err)
		}
		logger.Warn("no operator key configured; using an ephemeral signing key")
		return priv, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read operator key: %w", err)
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("operator key is not valid base64: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("operator key must be a %d-byte seed", ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
