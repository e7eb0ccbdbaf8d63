// Package main runs a Granite host: an in-process runtime exposed to
// servers configured with the rpc bridge.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/granite-tiles/server/internal/config"
	"github.com/granite-tiles/server/internal/granite/native"
	"github.com/granite-tiles/server/internal/granite/rpcbridge"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	addr := flag.String("addr", "", "Listen address (defaults to granite.rpc_address)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logCloser := cfg.Logging.SetLogger()
	if logCloser != nil {
		defer logCloser.Close()
	}

	listen := *addr
	if listen == "" {
		listen = cfg.Granite.RPCAddress
	}

	bridge, err := native.New()
	if err != nil {
		log.Fatalf("Failed to create bridge: %v", err)
	}
	defer bridge.Close()

	server := rpcbridge.NewServer(listen, bridge)
	if err := server.Start(); err != nil {
		log.Fatalf("Failed to listen on %s: %v", listen, err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	server.Stop()
	log.Printf("[RPC] %d live objects at shutdown", bridge.Live())
}
