// Command vreld is the process entry point (component E): CLI parsing,
// config load, logger/metrics bring-up, and wiring the transport
// engine's events into the relay core's main loop. It follows the
// teacher's core/main.go shape (banner, signal-driven graceful
// shutdown) generalized from the SA-MP server's fixed startup sequence
// to this relay's config-driven one.
package main

import (
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"vrelay/internal/config"
	"vrelay/internal/logging"
	"vrelay/internal/relay"
	"vrelay/internal/transport"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

func main() {
	logging.Banner("vreld — presence relay", version)
	log := logging.New("vreld")

	metricsAddr := flag.String("metrics", "", "bind address for the Prometheus /metrics endpoint, empty disables it")
	flag.Parse()

	// spec.md §6: one positional argument, the bind port. §6 EXPANSION
	// adds an optional second positional argument, a config file path.
	args := flag.Args()
	configPath := ""
	if len(args) > 1 {
		configPath = args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config %q: %v", configPath, err)
	}
	if len(args) > 0 {
		p, err := strconv.Atoi(args[0])
		if err != nil {
			log.Fatalf("invalid port %q: %v", args[0], err)
		}
		cfg.Port = p
	}

	logging.Section("configuration")
	log.Infof("bind %s:%d", cfg.Host, cfg.Port)
	log.Infof("server name: %s", cfg.ServerName)
	log.Infof("identity service: %s", cfg.IdentityBaseURL)
	log.Infof("peer timeout: %s, retry interval: %s, max retries: %d", cfg.PeerTimeout, cfg.RetryInterval, cfg.MaxRetries)

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			log.Warningf("metrics server stopped: %v", http.ListenAndServe(*metricsAddr, nil))
		}()
		log.Infof("metrics exposed at %s/metrics", *metricsAddr)
	}

	bindAddr := &net.UDPAddr{IP: net.ParseIP(cfg.Host), Port: cfg.Port}
	engine, err := transport.New(bindAddr, cfg.PeerTimeout, cfg.RetryInterval, cfg.MaxRetries, logging.New("transport"))
	if err != nil {
		log.Fatalf("failed to bind %s: %v", bindAddr, err)
	}
	defer engine.Close()

	identity := relay.NewIdentityClient(cfg.IdentityBaseURL)
	core := relay.NewCore(engine, identity, logging.New("relay"))
	core.SetMaxPeers(cfg.MaxPeers)

	logging.Section("starting")
	go engine.Run()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go mainLoop(engine, core, cfg, done)

	sig := <-sigCh
	log.Warningf("received signal %v, shutting down", sig)
	close(done)
	time.Sleep(100 * time.Millisecond)
	log.Info("stopped")
}

// mainLoop is the single-threaded driver spec.md §5 requires: it drains
// the engine's received-payload and peer-timeout queues into the relay
// core, and runs the engine's retry/timeout tick, the core's broadcast
// tick, and the core's consistency sweep on their own cadences.
func mainLoop(engine *transport.Engine, core *relay.Core, cfg config.Config, done <-chan struct{}) {
	transportTick := time.NewTicker(cfg.TransportTick)
	defer transportTick.Stop()
	broadcastTick := time.NewTicker(cfg.BroadcastTick)
	defer broadcastTick.Stop()
	cleanupTick := time.NewTicker(cfg.CleanupInterval)
	defer cleanupTick.Stop()

	for {
		select {
		case <-done:
			return
		case r := <-engine.Received():
			core.Handle(r)
		case ev := <-engine.Timeouts():
			core.HandlePeerTimeout(ev)
		case <-transportTick.C:
			engine.Tick()
		case <-broadcastTick.C:
			core.Tick()
		case <-cleanupTick.C:
			core.Sweep()
		}
	}
}

