// Command ircbridged wires the Bridged Client core's process-wide
// singletons — the ident registry, the IPv6 allocator, the identity
// generator, and the event broker — and keeps them alive until asked to
// stop. It does not itself speak the home-side protocol: that surface is
// external collaborator glue this module does not specify (SPEC_FULL §1).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/openbridge/ircbridge/internal/broker"
	"github.com/openbridge/ircbridge/internal/config"
	"github.com/openbridge/ircbridge/internal/ident"
	"github.com/openbridge/ircbridge/internal/identity"
	"github.com/openbridge/ircbridge/internal/ipv6"
	"github.com/openbridge/ircbridge/internal/statuslog"
)

var (
	version = "dev"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("c", "./config.yaml", "Path to configuration file")
	showVersion := flag.Bool("v", false, "Show version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ircbridged version %s (%s)\n", version, gitCommit)
		os.Exit(0)
	}

	run(*configPath)
}

// runtime bundles the process-wide singletons a home-side caller wires
// into every internal/bridge.New call for the lifetime of the process.
type runtime struct {
	cfg      *config.BridgeConfig
	broker   *broker.FanOutBroker
	idents   *ident.Registry
	addrs    *ipv6.Allocator
	identity *identity.Generator
	responder *ident.Responder
}

func run(configPath string) {
	if !filepath.IsAbs(configPath) {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("ircbridged: could not determine working directory: %v", err)
		}
		configPath = filepath.Join(wd, configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("ircbridged: failed to load configuration: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("ircbridged: failed to create data directory: %v", err)
	}

	rt := &runtime{
		cfg:      cfg,
		broker:   broker.NewFanOutBroker(),
		idents:   ident.NewRegistry(),
		addrs:    ipv6.NewAllocator(),
		identity: identity.NewGenerator(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Identd.Enabled {
		addr := cfg.Identd.Interface
		if addr == "" {
			addr = ":113"
		}
		responder, err := ident.NewResponder(addr, rt.idents)
		if err != nil {
			log.Fatalf("ircbridged: failed to start identd responder: %v", err)
		}
		rt.responder = responder
		go func() {
			if err := responder.Serve(ctx); err != nil {
				log.Printf("ircbridged: identd responder stopped: %v", err)
			}
		}()
		log.Printf("ircbridged: identd responder listening on %s", responder.Addr())
	}

	go persistMetadata(ctx, rt.broker, cfg.DataDir)

	log.Printf("ircbridged: ready, data_dir=%s servers=%d", cfg.DataDir, len(cfg.Servers))

	waitForShutdown(cancel, rt)
}

// persistMetadata drains the broker's metadata feed to per-client status
// logs on disk, so a restarted process can show recent history instead of
// starting blank. Entries are cached in memory per client between writes
// to avoid re-reading the file on every line.
func persistMetadata(ctx context.Context, brk *broker.FanOutBroker, dataDir string) {
	ch, unsubscribe := brk.SubscribeMetadata(64)
	defer unsubscribe()

	cache := make(map[string][]string)
	for {
		select {
		case <-ctx.Done():
			return
		case md, ok := <-ch:
			if !ok {
				return
			}
			entries, ok := cache[md.ClientID]
			if !ok {
				loaded, err := statuslog.Load(dataDir, md.ClientID)
				if err != nil {
					log.Printf("ircbridged: failed to load status log for %s: %v", md.ClientID, err)
				}
				entries = loaded
			}
			entries = statuslog.Add(entries, md.Text)
			cache[md.ClientID] = entries
			if err := statuslog.Save(dataDir, md.ClientID, entries); err != nil {
				log.Printf("ircbridged: failed to save status log for %s: %v", md.ClientID, err)
			}
		}
	}
}

// waitForShutdown blocks until SIGINT/SIGTERM, then cancels ctx and
// closes the identd responder, if any, so in-flight Bridged Clients see
// their broker/registry dependencies torn down cleanly.
func waitForShutdown(cancel context.CancelFunc, rt *runtime) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("ircbridged: received %s, shutting down", sig)

	cancel()
	if rt.responder != nil {
		if err := rt.responder.Close(); err != nil {
			log.Printf("ircbridged: error closing identd responder: %v", err)
		}
	}
}
