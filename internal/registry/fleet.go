// Package registry implements the optional Redis-backed fleet route
// cache. Instances advertise which subdomains they serve; siblings use
// the advertisements to skip the DNS gossip fan-out on lookup. The cache
// is a hint only: entries expire quickly and the gossip query remains
// authoritative.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// ErrRouteNotFound means no instance has advertised the subdomain
var ErrRouteNotFound = errors.New("route not found")

// TunnelRoute is one advertised subdomain → instance binding
type TunnelRoute struct {
	SubDomain  string    `json:"sub_domain"`
	ClientID   string    `json:"client_id"`
	InstanceID string    `json:"instance_id"`
	InstanceIP string    `json:"instance_ip"`
	RemotePort int       `json:"remote_port"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// FleetStore publishes and resolves tunnel routes across the fleet
type FleetStore interface {
	Advertise(ctx context.Context, route *TunnelRoute) error
	Lookup(ctx context.Context, subDomain string) (*TunnelRoute, error)
	Refresh(ctx context.Context, subDomain string) error
	Withdraw(ctx context.Context, subDomain string) error
	Close() error
}

const (
	routePrefix = "route:"

	// routes expire unless refreshed by the owner's ping loop
	routeTTL = 30 * time.Second

	// local lookaside cache over Redis reads
	localCacheTTL = 2 * time.Second
)

var (
	fleetOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_fleet_operations_total",
			Help: "Fleet store operations by kind and status",
		},
		[]string{"operation", "status"},
	)
	fleetLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_fleet_latency_seconds",
			Help:    "Fleet store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
	fleetCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_fleet_cache_hits_total",
			Help: "Route lookups answered from the local cache",
		},
	)
	fleetCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_fleet_cache_misses_total",
			Help: "Route lookups that went to Redis",
		},
	)
)

// NewFleetStore returns a Redis-backed store when a URL is configured
// and an inert one otherwise
func NewFleetStore(redisURL, instanceID string, logger *slog.Logger) (FleetStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if redisURL == "" {
		logger.Info("fleet route cache disabled (no redis url)")
		return noopFleetStore{}, nil
	}
	return newRedisFleetStore(redisURL, instanceID, logger)
}

// noopFleetStore is used when no Redis is configured; every lookup
// misses and the gossip fan-out does the work
type noopFleetStore struct{}

func (noopFleetStore) Advertise(context.Context, *TunnelRoute) error { return nil }
func (noopFleetStore) Lookup(context.Context, string) (*TunnelRoute, error) {
	return nil, ErrRouteNotFound
}
func (noopFleetStore) Refresh(context.Context, string) error  { return nil }
func (noopFleetStore) Withdraw(context.Context, string) error { return nil }
func (noopFleetStore) Close() error                           { return nil }

type cacheEntry struct {
	route     *TunnelRoute
	expiresAt time.Time
}

type redisFleetStore struct {
	client     *redis.Client
	instanceID string
	logger     *slog.Logger

	cacheMu sync.RWMutex
	cache   map[string]*cacheEntry

	stop chan struct{}
}

func newRedisFleetStore(redisURL, instanceID string, logger *slog.Logger) (*redisFleetStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("connected to redis fleet store", "instance_id", instanceID)

	store := &redisFleetStore{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		cache:      make(map[string]*cacheEntry),
		stop:       make(chan struct{}),
	}
	go store.cleanupCache()

	return store, nil
}

// Advertise publishes the route under this instance's identity
func (s *redisFleetStore) Advertise(ctx context.Context, route *TunnelRoute) error {
	route.InstanceID = s.instanceID
	route.LastSeenAt = time.Now()
	if route.CreatedAt.IsZero() {
		route.CreatedAt = time.Now()
	}

	data, err := json.Marshal(route)
	if err != nil {
		fleetOps.WithLabelValues("advertise", "error").Inc()
		return fmt.Errorf("failed to marshal route: %w", err)
	}

	start := time.Now()
	err = s.client.Set(ctx, routePrefix+route.SubDomain, data, routeTTL).Err()
	fleetLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		fleetOps.WithLabelValues("advertise", "error").Inc()
		return fmt.Errorf("failed to advertise route: %w", err)
	}
	fleetOps.WithLabelValues("advertise", "success").Inc()

	s.invalidate(route.SubDomain)

	s.logger.Info("advertised route",
		"subdomain", route.SubDomain,
		"client_id", route.ClientID)
	return nil
}

// Lookup resolves a subdomain to its advertised route
func (s *redisFleetStore) Lookup(ctx context.Context, subDomain string) (*TunnelRoute, error) {
	if cached := s.getCached(subDomain); cached != nil {
		fleetCacheHits.Inc()
		return cached, nil
	}
	fleetCacheMisses.Inc()

	start := time.Now()
	data, err := s.client.Get(ctx, routePrefix+subDomain).Result()
	fleetLatency.Observe(time.Since(start).Seconds())

	if errors.Is(err, redis.Nil) {
		fleetOps.WithLabelValues("lookup", "not_found").Inc()
		return nil, ErrRouteNotFound
	}
	if err != nil {
		fleetOps.WithLabelValues("lookup", "error").Inc()
		return nil, fmt.Errorf("failed to look up route: %w", err)
	}
	fleetOps.WithLabelValues("lookup", "success").Inc()

	var route TunnelRoute
	if err := json.Unmarshal([]byte(data), &route); err != nil {
		return nil, fmt.Errorf("failed to unmarshal route: %w", err)
	}

	s.setCached(subDomain, &route)
	return &route, nil
}

// Refresh re-arms the route TTL; called from the owner's ping handling
func (s *redisFleetStore) Refresh(ctx context.Context, subDomain string) error {
	route, err := s.Lookup(ctx, subDomain)
	if err != nil {
		return err
	}
	if route.InstanceID != s.instanceID {
		// another instance took the subdomain over
		return nil
	}
	return s.Advertise(ctx, route)
}

// Withdraw removes the route when the serving client disconnects
func (s *redisFleetStore) Withdraw(ctx context.Context, subDomain string) error {
	start := time.Now()
	err := s.client.Del(ctx, routePrefix+subDomain).Err()
	fleetLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		fleetOps.WithLabelValues("withdraw", "error").Inc()
		return fmt.Errorf("failed to withdraw route: %w", err)
	}
	fleetOps.WithLabelValues("withdraw", "success").Inc()

	s.invalidate(subDomain)
	s.logger.Info("withdrew route", "subdomain", subDomain)
	return nil
}

// Close releases the Redis connection
func (s *redisFleetStore) Close() error {
	close(s.stop)
	return s.client.Close()
}

func (s *redisFleetStore) getCached(subDomain string) *TunnelRoute {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	entry, ok := s.cache[subDomain]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil
	}
	return entry.route
}

func (s *redisFleetStore) setCached(subDomain string, route *TunnelRoute) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.cache[subDomain] = &cacheEntry{
		route:     route,
		expiresAt: time.Now().Add(localCacheTTL),
	}
}

func (s *redisFleetStore) invalidate(subDomain string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.cache, subDomain)
}

func (s *redisFleetStore) cleanupCache() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cacheMu.Lock()
			now := time.Now()
			for subDomain, entry := range s.cache {
				if now.After(entry.expiresAt) {
					delete(s.cache, subDomain)
				}
			}
			s.cacheMu.Unlock()

		case <-s.stop:
			return
		}
	}
}
