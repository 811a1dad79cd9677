// Package network implements the instance-to-instance plane: DNS
// discovery of sibling instances, host-ownership queries between them and
// the opaque proxying of public connections to the owning instance.
package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowhq/burrow/pkg/protocol"
)

// ErrDoesNotServeHost means no instance in the fleet serves the subdomain
var ErrDoesNotServeHost = errors.New("does not serve host")

// peerQueryTimeout bounds each host-ownership query to a sibling
const peerQueryTimeout = 2 * time.Second

// Resolver resolves the gossip DNS name to sibling instance addresses.
// *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// RouteCache short-circuits DNS discovery with advertised routes. The
// gossip query stays authoritative; a cache hit is a hint.
type RouteCache interface {
	Lookup(ctx context.Context, host string) (instanceIP net.IP, clientID protocol.ClientID, ok bool)
}

// HostQueryResponse is the JSON body of a gossip host query
type HostQueryResponse struct {
	ClientID *protocol.ClientID `json:"client_id"`
}

// Service answers "which instance serves this subdomain" for the edge
// and the handshake's cross-instance uniqueness check
type Service struct {
	gossipHost string
	netPort    int
	remotePort int

	resolver Resolver
	client   *http.Client
	cache    RouteCache
	logger   zerolog.Logger
}

// Options configures the gossip service
type Options struct {
	// GossipDNSHost resolves to every sibling instance; empty disables
	// gossip entirely
	GossipDNSHost string
	NetPort       int
	RemotePort    int
	// Resolver defaults to the system resolver
	Resolver Resolver
	// Cache is optional; see RouteCache
	Cache RouteCache
}

// NewService creates the gossip lookup service
func NewService(opts Options, logger zerolog.Logger) *Service {
	resolver := opts.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Service{
		gossipHost: opts.GossipDNSHost,
		netPort:    opts.NetPort,
		remotePort: opts.RemotePort,
		resolver:   resolver,
		client:     &http.Client{Timeout: peerQueryTimeout},
		cache:      opts.Cache,
		logger:     logger,
	}
}

// InstanceForHost returns the sibling instance serving the subdomain, or
// ErrDoesNotServeHost when nobody in the fleet does
func (s *Service) InstanceForHost(ctx context.Context, host string) (net.IP, protocol.ClientID, error) {
	if s.cache != nil {
		if ip, clientID, ok := s.cache.Lookup(ctx, host); ok {
			gossipLookups.WithLabelValues("cache_hit").Inc()
			s.logger.Debug().
				Str("subdomain", host).
				Str("instance_ip", ip.String()).
				Msg("route cache hit")
			return ip, clientID, nil
		}
	}

	if s.gossipHost == "" {
		return nil, "", ErrDoesNotServeHost
	}

	addrs, err := s.resolver.LookupIPAddr(ctx, s.gossipHost)
	if err != nil {
		gossipLookups.WithLabelValues("resolve_error").Inc()
		return nil, "", fmt.Errorf("failed to resolve instances: %w", err)
	}
	if len(addrs) == 0 {
		gossipLookups.WithLabelValues("miss").Inc()
		return nil, "", ErrDoesNotServeHost
	}

	type answer struct {
		ip       net.IP
		clientID protocol.ClientID
	}

	queryCtx, cancel := context.WithTimeout(ctx, peerQueryTimeout)
	defer cancel()

	results := make(chan answer, len(addrs))
	for _, addr := range addrs {
		go func(ip net.IP) {
			clientID, err := s.queryPeer(queryCtx, ip, host)
			if err != nil {
				results <- answer{}
				return
			}
			results <- answer{ip: ip, clientID: clientID}
		}(addr.IP)
	}

	for range addrs {
		select {
		case a := <-results:
			if a.ip != nil {
				gossipLookups.WithLabelValues("hit").Inc()
				s.logger.Info().
					Str("subdomain", host).
					Str("instance_ip", a.ip.String()).
					Str("client_id", a.clientID.String()).
					Msg("found instance for host")
				return a.ip, a.clientID, nil
			}
		case <-queryCtx.Done():
			gossipLookups.WithLabelValues("timeout").Inc()
			return nil, "", ErrDoesNotServeHost
		}
	}

	gossipLookups.WithLabelValues("miss").Inc()
	return nil, "", ErrDoesNotServeHost
}

// queryPeer asks one sibling whether it serves the host
func (s *Service) queryPeer(ctx context.Context, ip net.IP, host string) (protocol.ClientID, error) {
	url := fmt.Sprintf("http://%s/?host=%s", net.JoinHostPort(ip.String(), fmt.Sprintf("%d", s.netPort)), host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", ErrDoesNotServeHost
	}

	var body HostQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("bad host query response: %w", err)
	}
	if body.ClientID == nil {
		return "", ErrDoesNotServeHost
	}

	return *body.ClientID, nil
}

// ClientForHost adapts the lookup to the handshake's uniqueness check
func (s *Service) ClientForHost(ctx context.Context, host string) (protocol.ClientID, bool) {
	_, clientID, err := s.InstanceForHost(ctx, host)
	if err != nil {
		return "", false
	}
	return clientID, true
}
