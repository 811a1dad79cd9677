package server

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/internal/client"
	"github.com/burrowhq/burrow/internal/client/introspect"
	"github.com/burrowhq/burrow/internal/server/auth"
	"github.com/burrowhq/burrow/internal/server/network"
	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/protocol"
)

// noPeerRouter serves a fleet of one
type noPeerRouter struct{}

func (noPeerRouter) InstanceForHost(context.Context, string) (net.IP, protocol.ClientID, error) {
	return nil, "", network.ErrDoesNotServeHost
}

func (noPeerRouter) ProxyTo(context.Context, net.IP, net.Conn) error {
	return nil
}

// TestTunnelRoundTrip drives one public request end to end: edge →
// control channel → client agent → local service and back.
func TestTunnelRoundTrip(t *testing.T) {
	// local service the client forwards to
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ping", r.URL.Path)
		w.Write([]byte("pong"))
	}))
	t.Cleanup(local.Close)

	localHost, localPortStr, err := net.SplitHostPort(local.Listener.Addr().String())
	require.NoError(t, err)
	localPort, err := strconv.Atoi(localPortStr)
	require.NoError(t, err)

	// server side
	cfg := &config.ServerConfig{
		TunnelHost:   "tunnelto.dev",
		AllowedHosts: []string{"tunnelto.dev"},
		PingInterval: time.Hour,
	}
	conns := NewConnections()
	streams := NewStreams()
	peers := auth.PeerLookupFunc(func(_ context.Context, sub string) (protocol.ClientID, bool) {
		return conns.ClientForHost(sub)
	})
	handshaker := auth.NewHandshaker(auth.NoAuth{}, auth.GenerateSigKey(), nil, peers, zerolog.Nop())
	control := NewControlServer(cfg, conns, streams, handshaker, nil, zerolog.Nop())

	upgrader := websocket.Upgrader{}
	controlSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		control.HandleConnection(conn)
	}))
	t.Cleanup(controlSrv.Close)

	ctrlHost, ctrlPortStr, err := net.SplitHostPort(controlSrv.Listener.Addr().String())
	require.NoError(t, err)
	ctrlPort, err := strconv.Atoi(ctrlPortStr)
	require.NoError(t, err)

	edge := NewEdge(cfg, conns, streams, noPeerRouter{}, zerolog.Nop())
	edgeLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { edgeLn.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go edge.Serve(ctx, edgeLn)

	// client side
	clientCfg := &config.ClientConfig{
		ControlHost:   ctrlHost,
		ControlPort:   ctrlPort,
		ControlTLSOff: true,
		LocalHost:     localHost,
		LocalPort:     localPort,
		SecretKey:     "k1",
	}
	store := introspect.NewStore()
	agent := client.New(clientCfg, store, zerolog.Nop())
	go agent.Run(ctx)

	// wait for the tunnel to come up
	var subDomain string
	require.Eventually(t, func() bool {
		hosts := conns.Hosts()
		if len(hosts) == 0 {
			return false
		}
		subDomain = hosts[0]
		return true
	}, 5*time.Second, 20*time.Millisecond)

	// public request against the edge
	public, err := net.Dial("tcp", edgeLn.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { public.Close() })

	request := fmt.Sprintf("GET /ping HTTP/1.1\r\nHost: %s.tunnelto.dev\r\nConnection: close\r\n\r\n", subDomain)
	_, err = public.Write([]byte(request))
	require.NoError(t, err)

	public.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := http.ReadResponse(bufio.NewReader(public), nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))

	// the client introspection store captured the exchange
	require.Eventually(t, func() bool {
		return store.Len() == 1
	}, 5*time.Second, 20*time.Millisecond)

	captured := store.List()[0]
	assert.Equal(t, http.MethodGet, captured.Method)
	assert.Equal(t, "/ping", captured.Path)
	assert.Equal(t, http.StatusOK, captured.Status)
	assert.Equal(t, "pong", string(captured.ResponseData))
}

// TestEdgeRoutingResponses exercises the edge's canned responses
func TestEdgeRoutingResponses(t *testing.T) {
	cfg := &config.ServerConfig{
		TunnelHost:   "tunnelto.dev",
		AllowedHosts: []string{"tunnelto.dev"},
		PingInterval: time.Hour,
	}
	edge := NewEdge(cfg, NewConnections(), NewStreams(), noPeerRouter{}, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go edge.Serve(ctx, ln)

	send := func(raw string) string {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer conn.Close()

		_, err = conn.Write([]byte(raw))
		require.NoError(t, err)

		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		data, _ := io.ReadAll(conn)
		return string(data)
	}

	// health check short-circuits routing
	resp := send("GET /0xDEADBEEF_HEALTH_CHECK HTTP/1.1\r\nHost: whatever.tunnelto.dev\r\n\r\n")
	assert.Contains(t, resp, "200 OK")
	assert.Contains(t, resp, "ok")

	// unknown subdomain
	resp = send("GET / HTTP/1.1\r\nHost: nosuch.tunnelto.dev\r\n\r\n")
	assert.Contains(t, resp, "404")
	assert.Contains(t, resp, "Tunnel Not Found")

	// host outside the allowed roots
	resp = send("GET / HTTP/1.1\r\nHost: sub.example.com\r\n\r\n")
	assert.Contains(t, resp, "400")
	assert.Contains(t, resp, "Invalid Hostname")

	// bare root redirects to the homepage
	resp = send("GET / HTTP/1.1\r\nHost: tunnelto.dev\r\n\r\n")
	assert.Contains(t, resp, "301")
	assert.Contains(t, resp, "Location: https://tunnelto.dev/")
}
