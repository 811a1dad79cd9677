package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/burrowhq/burrow/internal/registry"
	"github.com/burrowhq/burrow/internal/server"
	"github.com/burrowhq/burrow/internal/server/auth"
	"github.com/burrowhq/burrow/internal/server/network"
	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/protocol"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	setupLogger(cfg)

	log.Info().
		Str("instance_id", cfg.InstanceID).
		Int("port", cfg.RemotePort).
		Int("ctrl_port", cfg.ControlPort).
		Int("net_port", cfg.NetPort).
		Str("tunnel_host", cfg.TunnelHost).
		Strs("allowed_hosts", cfg.AllowedHosts).
		Str("gossip_dns_host", cfg.GossipDNSHost).
		Msg("starting burrowd")

	sigKey, err := loadSigKey(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid master signature key")
	}

	slogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	fleet, err := registry.NewFleetStore(cfg.RedisURL, cfg.InstanceID, slogger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize fleet store")
	}
	defer fleet.Close()

	conns := server.NewConnections()
	streams := server.NewStreams()

	netSvc := network.NewService(network.Options{
		GossipDNSHost: cfg.GossipDNSHost,
		NetPort:       cfg.NetPort,
		RemotePort:    cfg.RemotePort,
		Cache:         &fleetRouteCache{store: fleet, instanceID: cfg.InstanceID},
	}, log.Logger)

	// uniqueness check: this instance first, then the rest of the fleet
	peers := auth.PeerLookupFunc(func(ctx context.Context, sub string) (protocol.ClientID, bool) {
		if id, ok := conns.ClientForHost(sub); ok {
			return id, true
		}
		return netSvc.ClientForHost(ctx, sub)
	})

	handshaker := auth.NewHandshaker(auth.NoAuth{}, sigKey, cfg.BlockedSubDomains, peers, log.Logger)

	advertiser := &fleetAdvertiser{
		store:      fleet,
		instanceIP: instanceIP(),
		remotePort: cfg.RemotePort,
	}

	controlServer := server.NewControlServer(cfg, conns, streams, handshaker, advertiser, log.Logger)
	edge := server.NewEdge(cfg, conns, streams, netSvc, log.Logger)

	// control-plane app: wormhole upgrade + health
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	controlApp := fiber.New(fiber.Config{AppName: "Burrow Control Server"})
	controlApp.Get("/wormhole", adaptor.HTTPHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("failed to upgrade websocket")
			return
		}
		controlServer.HandleConnection(conn)
	})))
	controlApp.Get("/health_check", func(c fiber.Ctx) error {
		return c.SendString("ok")
	})
	controlApp.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":     "ok",
			"clients":    conns.Len(),
			"streams":    streams.Len(),
			"subdomains": conns.Hosts(),
		})
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.ControlPort)
		log.Info().Str("addr", addr).Msg("control server listening")
		if err := controlApp.Listen(addr); err != nil {
			log.Fatal().Err(err).Msg("control server failed")
		}
	}()

	// instance-to-instance net service
	netApp := network.NewApp(func(host string) (protocol.ClientID, bool) {
		return conns.ClientForHost(host)
	})
	go func() {
		addr := fmt.Sprintf(":%d", cfg.NetPort)
		log.Info().Str("addr", addr).Msg("net service listening")
		if err := netApp.Listen(addr); err != nil {
			log.Fatal().Err(err).Msg("net service failed")
		}
	}()

	// public edge
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.RemotePort))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to bind public port")
	}
	log.Info().Str("addr", listener.Addr().String()).Msg("edge listening")

	go func() {
		if err := edge.Serve(ctx, listener); err != nil {
			log.Error().Err(err).Msg("edge stopped")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down")
	cancel()
	listener.Close()
	if err := controlApp.Shutdown(); err != nil {
		log.Error().Err(err).Msg("control server shutdown error")
	}
	if err := netApp.Shutdown(); err != nil {
		log.Error().Err(err).Msg("net service shutdown error")
	}
	log.Info().Msg("server stopped")
}

func setupLogger(cfg *config.ServerConfig) {
	var level zerolog.Level
	switch cfg.LogLevel {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	case "fatal":
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
}

func loadSigKey(cfg *config.ServerConfig) (auth.SigKey, error) {
	if cfg.MasterSigKey == "" {
		log.Warn().Msg("generating ephemeral signature key; reconnect tokens will not survive restarts")
		return auth.GenerateSigKey(), nil
	}
	return auth.SigKeyFromHex(cfg.MasterSigKey)
}

// instanceIP picks the first global unicast address for fleet route
// advertisements
func instanceIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.IsGlobalUnicast() {
			return ipNet.IP.String()
		}
	}
	return ""
}

// fleetAdvertiser adapts the fleet store to the control server
type fleetAdvertiser struct {
	store      registry.FleetStore
	instanceIP string
	remotePort int
}

func (f *fleetAdvertiser) Advertise(ctx context.Context, subDomain string, clientID protocol.ClientID) {
	err := f.store.Advertise(ctx, &registry.TunnelRoute{
		SubDomain:  subDomain,
		ClientID:   clientID.String(),
		InstanceIP: f.instanceIP,
		RemotePort: f.remotePort,
	})
	if err != nil {
		log.Warn().Err(err).Str("subdomain", subDomain).Msg("failed to advertise route")
	}
}

func (f *fleetAdvertiser) Refresh(ctx context.Context, subDomain string) {
	if err := f.store.Refresh(ctx, subDomain); err != nil {
		log.Debug().Err(err).Str("subdomain", subDomain).Msg("failed to refresh route")
	}
}

func (f *fleetAdvertiser) Withdraw(ctx context.Context, subDomain string) {
	if err := f.store.Withdraw(ctx, subDomain); err != nil {
		log.Debug().Err(err).Str("subdomain", subDomain).Msg("failed to withdraw route")
	}
}

// fleetRouteCache adapts the fleet store to the gossip lookup
type fleetRouteCache struct {
	store      registry.FleetStore
	instanceID string
}

func (f *fleetRouteCache) Lookup(ctx context.Context, host string) (net.IP, protocol.ClientID, bool) {
	route, err := f.store.Lookup(ctx, host)
	if err != nil {
		return nil, "", false
	}
	// a route advertised by this instance is stale by definition: the
	// edge only asks after missing the local registry
	if route.InstanceID == f.instanceID || route.InstanceIP == "" {
		return nil, "", false
	}
	ip := net.ParseIP(route.InstanceIP)
	if ip == nil {
		return nil, "", false
	}
	return ip, protocol.ClientID(route.ClientID), true
}
