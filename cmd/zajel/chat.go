package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zajel-project/zajel/config"
	"github.com/zajel-project/zajel/crypto/identity"
	"github.com/zajel-project/zajel/discovery"
	"github.com/zajel-project/zajel/filetransfer"
	"github.com/zajel-project/zajel/internal/errcode"
	"github.com/zajel-project/zajel/pairing"
	"github.com/zajel-project/zajel/peer"
	"github.com/zajel-project/zajel/rendezvous"
	"github.com/zajel-project/zajel/transport"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Connect to a coordinator and chat with paired peers",
	Long: `Connects to the coordinator, registers a fresh pairing code and runs
an interactive session.

Commands:
  /pair CODE      request pairing with a peer's code
  /accept CODE    accept an incoming pairing request
  /reject CODE    reject an incoming pairing request
  /to CODE        switch the active peer
  /file PATH      send a file to the active peer
  /peers          list known peers
  /quit           exit

Anything else is sent as a message to the active peer.`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

// operatorVerifyKey returns the pinned Ed25519 key used to verify the
// bootstrap list. Release builds ship it embedded; ZAJEL_OPERATOR_PUBKEY
// overrides it for development federations.
func operatorVerifyKey() (ed25519.PublicKey, error) {
	encoded := os.Getenv("ZAJEL_OPERATOR_PUBKEY")
	if encoded == "" {
		encoded = embeddedOperatorKey
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid operator verification key")
	}
	return ed25519.PublicKey(raw), nil
}

func resolveServerURL(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.Client.SignalingURL != "" {
		return cfg.Client.SignalingURL, nil
	}
	if cfg.Client.BootstrapURL == "" {
		return "", fmt.Errorf("no signaling url and no bootstrap url configured")
	}
	verifyKey, err := operatorVerifyKey()
	if err != nil {
		return "", err
	}
	dc := discovery.NewClient(cfg.Client.BootstrapURL, verifyKey, cfg.Client.FetchTimeout)
	entry, err := dc.Select(ctx, cfg.Client.PreferredRegion)
	if err != nil {
		return "", err
	}
	return entry.Endpoint, nil
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	id := identity.NewManager(keyStoreDir(cfg))
	if err := id.Initialize(); err != nil {
		return err
	}

	store, err := peer.OpenStore(peerStorePath(cfg))
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverURL, err := resolveServerURL(ctx, cfg)
	if err != nil {
		return err
	}

	mgr, err := peer.NewManager(id, store,
		transport.Config{StunServers: cfg.Client.StunServers},
		filetransfer.Config{MaxFileSize: cfg.Client.MaxFileSize})
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.Connect(ctx, serverURL); err != nil {
		return err
	}

	// Rendezvous: derive points for every trusted peer and re-register
	// hourly; live matches where we hold the higher code open a pair
	// request automatically.
	rdv := rendezvous.NewEngine(id.PrivateKey(), mgr.Signaling(),
		func() []rendezvous.PeerKey {
			peers, err := store.List()
			if err != nil {
				return nil
			}
			var out []rendezvous.PeerKey
			for _, p := range peers {
				if p.Blocked {
					continue
				}
				if raw, err := identity.DecodeKey(p.PublicKey); err == nil {
					out = append(out, rendezvous.PeerKey{PeerID: p.PublicKey, PublicKey: raw})
				}
			}
			return out
		},
		func() rendezvous.Reachability {
			return rendezvous.Reachability{PairingCode: mgr.SelfCode(), ServerURL: serverURL}
		})
	rdv.OnDeadDrop = func(rec *rendezvous.Record) {
		fmt.Printf("\n[rendezvous] peer reachable at %s, trying to pair\n", rec.PairingCode)
		if rec.ServerURL != "" && rec.ServerURL != serverURL {
			// Peer sits on a different coordinator: follow the redirect.
			_ = mgr.ConnectToPeerVia(ctx, rec.ServerURL, rec.PairingCode)
			return
		}
		_ = mgr.ConnectToPeer(rec.PairingCode)
	}
	rdv.OnLiveMatch = func(peerCode string, initiate bool) {
		if initiate {
			fmt.Printf("\n[rendezvous] live match with %s, pairing\n", peerCode)
			_ = mgr.ConnectToPeer(peerCode)
		}
	}
	mgr.Rendezvous = rdv
	mgr.Signaling().OnReconnect = func() {
		if err := rdv.RegisterNow(time.Now()); err != nil {
			fmt.Printf("\n[rendezvous] re-announce failed: %v\n", err)
		}
	}
	go rdv.Run(ctx)

	fmt.Printf("Your pairing code: %s\n", mgr.SelfCode())
	fmt.Printf("Share as URI:      %s\n", pairing.PairURI(mgr.SelfCode()))
	fmt.Printf("Fingerprint:       %s\n\n", id.Fingerprint())

	go printEvents(mgr)

	var active string
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if active == "" {
				fmt.Println("no active peer; use /pair CODE first")
				continue
			}
			if err := mgr.SendText(active, []byte(line)); err != nil {
				fmt.Printf("send failed [%s]: %v\n", errcode.Of(err), err)
			}
			continue
		}

		parts := strings.Fields(line)
		switch parts[0] {
		case "/quit":
			return nil
		case "/pair":
			if len(parts) < 2 {
				fmt.Println("usage: /pair CODE")
				continue
			}
			if err := mgr.ConnectToPeer(parts[1]); err != nil {
				fmt.Printf("pair failed [%s]: %v\n", errcode.Of(err), err)
				continue
			}
			active = strings.ToUpper(parts[1])
		case "/accept", "/reject":
			if len(parts) < 2 {
				fmt.Printf("usage: %s CODE\n", parts[0])
				continue
			}
			accept := parts[0] == "/accept"
			if err := mgr.RespondToPair(parts[1], accept); err != nil {
				fmt.Printf("respond failed: %v\n", err)
			}
			if accept {
				active = strings.ToUpper(parts[1])
			}
		case "/to":
			if len(parts) < 2 {
				fmt.Println("usage: /to CODE")
				continue
			}
			active = strings.ToUpper(parts[1])
		case "/file":
			if len(parts) < 2 || active == "" {
				fmt.Println("usage: /file PATH (with an active peer)")
				continue
			}
			fileID, err := mgr.SendFile(active, parts[1])
			if err != nil {
				fmt.Printf("file send failed [%s]: %v\n", errcode.Of(err), err)
				continue
			}
			fmt.Printf("sending %s (%s)\n", parts[1], fileID)
		case "/peers":
			for _, p := range mgr.Peers() {
				fmt.Printf("  %s  %s\n", p.Code, p.State)
			}
		default:
			fmt.Printf("unknown command %s\n", parts[0])
		}
	}
	return scanner.Err()
}

func printEvents(mgr *peer.Manager) {
	ev := mgr.Events()
	for {
		select {
		case req := <-ev.PairRequests:
			fmt.Printf("\n[pair] request from %s (fingerprint %s)\n", req.FromCode, req.Fingerprint)
			fmt.Printf("       /accept %s or /reject %s\n", req.FromCode, req.FromCode)
		case msg := <-ev.Messages:
			if msg.Tag != "" {
				continue // typing indicators, receipts etc.
			}
			fmt.Printf("\n[%s] %s\n", msg.FromCode, string(msg.Body))
		case fe := <-ev.FileEvents:
			switch fe.Event.Kind {
			case filetransfer.EventCompleted:
				if len(fe.Event.Data) > 0 {
					path := fe.Event.FileName
					if err := os.WriteFile(path, fe.Event.Data, 0644); err != nil {
						fmt.Printf("\n[file] failed to save %s: %v\n", path, err)
						continue
					}
					fmt.Printf("\n[file] received %s (%d bytes) from %s\n", path, fe.Event.Total, fe.PeerCode)
				} else {
					fmt.Printf("\n[file] %s delivered to %s\n", fe.Event.FileName, fe.PeerCode)
				}
			case filetransfer.EventFailed, filetransfer.EventCancelled:
				fmt.Printf("\n[file] %s %s (%s)\n", fe.Event.FileName, fe.Event.Kind, fe.Event.Reason)
			}
		case kc := <-ev.KeyChanges:
			fmt.Printf("\n[SECURITY] key change for %s!\n  pinned: %s\n  presented: %s\n", kc.Code, kc.OldFingerprint, kc.NewFingerprint)
			fmt.Println("  refusing traffic; verify out of band before re-pairing")
		case peers := <-ev.PeersChanged:
			for _, p := range peers {
				if p.State == peer.StateConnected {
					fmt.Printf("\n[peer] %s connected\n", p.Code)
				}
			}
		}
	}
}

// embeddedOperatorKey is the build-time default verification key. The dev
// default is all zeros and never verifies; real deployments replace it via
// -ldflags or ZAJEL_OPERATOR_PUBKEY.
var embeddedOperatorKey = base64.StdEncoding.EncodeToString(make([]byte, ed25519.PublicKeySize))
