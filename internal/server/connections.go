package server

import (
	"errors"
	"sync"

	"github.com/burrowhq/burrow/pkg/protocol"
)

// clientBuffer bounds the per-client outbound packet channel. Order is
// preserved for accepted packets; a full buffer is surfaced to the
// caller so slow clients terminate streams instead of blocking the edge.
const clientBuffer = 512

var (
	// ErrClientGone means the client's control connection has been torn down
	ErrClientGone = errors.New("client connection closed")
	// ErrClientBusy means the client's outbound buffer is full
	ErrClientBusy = errors.New("client send buffer full")
)

// ConnectedClient is one live control connection. The registry owns its
// lifetime; streams hold it only as a send-only capability.
type ConnectedClient struct {
	ID          protocol.ClientID
	Host        string
	IsAnonymous bool

	tx        chan protocol.ControlPacket
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnectedClient creates a client handle for a finished handshake
func NewConnectedClient(id protocol.ClientID, host string, isAnonymous bool) *ConnectedClient {
	return &ConnectedClient{
		ID:          id,
		Host:        host,
		IsAnonymous: isAnonymous,
		tx:          make(chan protocol.ControlPacket, clientBuffer),
		done:        make(chan struct{}),
	}
}

// Send enqueues a packet on the client's outbound channel, preserving
// FIFO order. ErrClientBusy is returned when the buffer is full.
func (c *ConnectedClient) Send(p protocol.ControlPacket) error {
	select {
	case <-c.done:
		return ErrClientGone
	default:
	}
	select {
	case c.tx <- p:
		return nil
	case <-c.done:
		return ErrClientGone
	default:
		return ErrClientBusy
	}
}

// Outgoing returns the client's outbound packet channel
func (c *ConnectedClient) Outgoing() <-chan protocol.ControlPacket {
	return c.tx
}

// Done returns a channel closed when the client is removed
func (c *ConnectedClient) Done() <-chan struct{} {
	return c.done
}

func (c *ConnectedClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Connections is the registry of live clients, indexed both by client id
// and by the subdomain they serve. The two maps always agree: a host maps
// to a client iff that client's Host is the subdomain.
type Connections struct {
	mu      sync.RWMutex
	clients map[protocol.ClientID]*ConnectedClient
	hosts   map[string]*ConnectedClient
}

// NewConnections creates an empty registry
func NewConnections() *Connections {
	return &Connections{
		clients: make(map[protocol.ClientID]*ConnectedClient),
		hosts:   make(map[string]*ConnectedClient),
	}
}

// Add registers a client under both indexes. A stale host entry for a
// different client is overwritten: the newest connection wins.
func (cs *Connections) Add(c *ConnectedClient) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.clients[c.ID] = c
	cs.hosts[c.Host] = c
	connectedClientsGauge.Set(float64(len(cs.clients)))
}

// Remove tears the client down and drops it from both indexes. The host
// entry is only deleted while it still points at this client, so a
// newer connection that re-bound the subdomain survives. Idempotent.
func (cs *Connections) Remove(c *ConnectedClient) {
	c.close()

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if current, ok := cs.hosts[c.Host]; ok && current.ID == c.ID && current == c {
		delete(cs.hosts, c.Host)
	}
	if current, ok := cs.clients[c.ID]; ok && current == c {
		delete(cs.clients, c.ID)
	}
	connectedClientsGauge.Set(float64(len(cs.clients)))
}

// Get looks a client up by id
func (cs *Connections) Get(id protocol.ClientID) (*ConnectedClient, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.clients[id]
	return c, ok
}

// FindByHost looks a client up by the subdomain it serves
func (cs *Connections) FindByHost(host string) (*ConnectedClient, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.hosts[host]
	return c, ok
}

// ClientForHost returns the id of the client serving a subdomain
func (cs *Connections) ClientForHost(host string) (protocol.ClientID, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.hosts[host]
	if !ok {
		return "", false
	}
	return c.ID, true
}

// UpdateHost re-inserts the client's host mapping; used when a ping
// proves the client is still alive
func (cs *Connections) UpdateHost(c *ConnectedClient) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.hosts[c.Host] = c
}

// Len returns the number of connected clients
func (cs *Connections) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.clients)
}

// Hosts returns a snapshot of the subdomains currently served
func (cs *Connections) Hosts() []string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	hosts := make([]string, 0, len(cs.hosts))
	for host := range cs.hosts {
		hosts = append(hosts, host)
	}
	return hosts
}
