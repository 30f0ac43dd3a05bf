// Package main implements the beekad CLI: a standalone DHT node with a
// local control API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	"github.com/WebFirstLanguage/beekad/internal/dht"
	"github.com/WebFirstLanguage/beekad/pkg/constants"
	"github.com/WebFirstLanguage/beekad/pkg/control"
	"github.com/WebFirstLanguage/beekad/pkg/identity"
	"github.com/WebFirstLanguage/beekad/pkg/peer"
	"github.com/WebFirstLanguage/beekad/pkg/peerstore"
	quictransport "github.com/WebFirstLanguage/beekad/pkg/transport/quic"
)

// Build-time variables set by ldflags
var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

const controlAddr = "127.0.0.1:27777"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "start":
		if err := startCommand(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "status":
		if err := statusCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "keygen":
		if err := keygenCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case "handle":
		if err := handleCommand(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printVersion() {
	fmt.Printf("beekad %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func printUsage() {
	fmt.Printf(`beekad v%s - Kademlia DHT node

Usage:
  beekad <command> [options]

Commands:
  start     Start the DHT node daemon
  status    Show node status
  keygen    Generate new identity keys
  handle    Show current handle
  version   Show version information
  help      Show this help message

Examples:
  # Start a node
  beekad start --listen 0.0.0.0:27487 --bootstrap <peer-id>@/ip4/203.0.113.5/udp/27487/quic

  # Generate new identity
  beekad keygen

  # Query a running node
  beekad status
`, version)
}

func identityPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "beekad-identity.json"
	}
	return filepath.Join(homeDir, ".beekad", "identity.json")
}

// loadOrCreateIdentity loads the on-disk identity or creates a new one.
func loadOrCreateIdentity() (*identity.Identity, error) {
	path := identityPath()

	if _, err := os.Stat(path); err == nil {
		return identity.LoadFromFile(path)
	}

	fmt.Println("No existing identity found, generating new identity...")
	id, err := identity.Generate()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := id.SaveToFile(path); err != nil {
		return nil, fmt.Errorf("failed to save identity: %w", err)
	}

	fmt.Printf("New identity created and saved to %s\n", path)
	return id, nil
}

// parseBootstrap parses "<peer-id>@<multiaddr>".
func parseBootstrap(s string) (peer.Info, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			id, err := peer.Decode(s[:i])
			if err != nil {
				return peer.Info{}, err
			}
			return peer.Info{ID: id, Addrs: []string{s[i+1:]}}, nil
		}
	}
	return peer.Info{}, fmt.Errorf("bootstrap peer %q: expected <peer-id>@<multiaddr>", s)
}

func startCommand(args []string) error {
	flags := flag.NewFlagSet("start", flag.ExitOnError)
	listen := flags.String("listen", fmt.Sprintf("0.0.0.0:%d", constants.DefaultQUICPort), "UDP listen address")
	bootstrap := flags.String("bootstrap", "", "bootstrap peer as <peer-id>@<multiaddr>")
	verbose := flags.Bool("verbose", false, "debug logging")
	if err := flags.Parse(args); err != nil {
		return err
	}

	id, err := loadOrCreateIdentity()
	if err != nil {
		return err
	}

	log, err := buildLogger(*verbose)
	if err != nil {
		return err
	}
	defer log.Sync()

	store := peerstore.New(0)
	h, err := quictransport.NewHost(id, store, log)
	if err != nil {
		return err
	}
	if err := h.Listen(*listen); err != nil {
		return err
	}
	defer h.Close()

	cfg := dht.DefaultConfig()
	if *bootstrap != "" {
		info, err := parseBootstrap(*bootstrap)
		if err != nil {
			return err
		}
		cfg.BootstrapPeers = append(cfg.BootstrapPeers, info)
	}

	d, err := dht.New(cfg, h, id, dht.WithLogger(log))
	if err != nil {
		return err
	}
	d.Start()
	defer d.Stop()

	fmt.Printf("Peer ID: %s\n", id.PeerID())
	fmt.Printf("Handle: %s\n", id.Handle("bee"))

	if len(cfg.BootstrapPeers) > 0 {
		if err := d.Bootstrap(); err != nil {
			log.Warn("bootstrap failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener, err := net.Listen("tcp", controlAddr)
	if err != nil {
		return fmt.Errorf("failed to create control listener: %w", err)
	}
	defer listener.Close()
	fmt.Printf("Control API listening on %s\n", listener.Addr().String())

	server := control.NewServer(d, log)
	go func() {
		if err := server.Serve(ctx, listener); err != nil && ctx.Err() == nil {
			fmt.Printf("Control API error: %v\n", err)
		}
	}()

	fmt.Println("Node running. Press Ctrl+C to stop.")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Println("Shutting down...")
	return nil
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.DisableStacktrace = true
	return cfg.Build()
}

func statusCommand() error {
	conn, err := net.Dial("tcp", controlAddr)
	if err != nil {
		fmt.Println("Node is not running")
		return nil
	}
	defer conn.Close()

	request := control.Request{Method: "status", ID: "status-check"}
	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("failed to send status request: %w", err)
	}

	var response control.Response
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return fmt.Errorf("failed to read status response: %w", err)
	}
	if response.Error != "" {
		return fmt.Errorf("status failed: %s", response.Error)
	}

	out, err := json.MarshalIndent(response.Result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func keygenCommand() error {
	id, err := identity.Generate()
	if err != nil {
		return fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := id.SaveToFile(identityPath()); err != nil {
		return err
	}
	fmt.Printf("Peer ID: %s\n", id.PeerID())
	fmt.Printf("Honeytag: %s\n", id.Honeytag())
	fmt.Printf("Saved to %s\n", identityPath())
	return nil
}

func handleCommand() error {
	id, err := identity.LoadFromFile(identityPath())
	if err != nil {
		return fmt.Errorf("no identity found, run 'beekad keygen' first: %w", err)
	}
	fmt.Println(id.Handle("bee"))
	return nil
}
