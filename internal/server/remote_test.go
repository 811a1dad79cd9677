package server

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/pkg/config"
)

func peekString(t *testing.T, raw string) (*peekedRequest, error) {
	t.Helper()
	return peekRequest(bufio.NewReaderSize(bytes.NewReader([]byte(raw)), maxHeaderPeek))
}

func TestPeekRequestExtractsHost(t *testing.T) {
	req, err := peekString(t, "GET /ping HTTP/1.1\r\nHost: abcd1234.tunnelto.dev\r\nX-Forwarded-For: 1.2.3.4\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, "abcd1234.tunnelto.dev", req.host)
	assert.Equal(t, "/ping", req.path)
	assert.Equal(t, "1.2.3.4", req.forwardedFor)
}

func TestPeekRequestStripsPortAndCase(t *testing.T) {
	req, err := peekString(t, "GET / HTTP/1.1\r\nHost: Foo.Tunnelto.Dev:8080\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, "foo.tunnelto.dev", req.host)
}

func TestPeekRequestWithoutHostIsDropped(t *testing.T) {
	_, err := peekString(t, "GET / HTTP/1.1\r\n\r\n")
	require.Error(t, err)
}

func TestPeekRequestNonHTTPIsDropped(t *testing.T) {
	_, err := peekString(t, "\x16\x03\x01\x02\x00garbage-tls-client-hello")
	require.Error(t, err)
}

func TestPeekRequestHeadersTooLarge(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nX-Filler: " + strings.Repeat("a", maxHeaderPeek) + "\r\n\r\n"
	_, err := peekString(t, raw)
	require.Error(t, err)
}

func TestPeekRequestHealthCheckPath(t *testing.T) {
	req, err := peekString(t, "GET /0xDEADBEEF_HEALTH_CHECK HTTP/1.1\r\nHost: x.tunnelto.dev\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, healthCheckPath, req.path)
}

func newTestEdge(t *testing.T) *Edge {
	t.Helper()
	cfg := &config.ServerConfig{
		AllowedHosts: []string{"tunnelto.dev"},
		TunnelHost:   "tunnelto.dev",
	}
	return NewEdge(cfg, NewConnections(), NewStreams(), nil, zerolog.Nop())
}

func TestValidateHostPrefix(t *testing.T) {
	edge := newTestEdge(t)

	sub, ok := edge.validateHostPrefix("abcd1234.tunnelto.dev")
	require.True(t, ok)
	assert.Equal(t, "abcd1234", sub)

	_, ok = edge.validateHostPrefix("abcd1234.evil.example")
	assert.False(t, ok)

	_, ok = edge.validateHostPrefix("tunnelto")
	assert.False(t, ok)

	sub, ok = edge.validateHostPrefix("wormhole.tunnelto.dev")
	require.True(t, ok)
	assert.Equal(t, wormholePrefix, sub)
}

func TestHostAllowed(t *testing.T) {
	edge := newTestEdge(t)

	assert.True(t, edge.hostAllowed("tunnelto.dev"))
	assert.False(t, edge.hostAllowed("sub.tunnelto.dev"))
	assert.False(t, edge.hostAllowed("example.com"))
}

func TestRedirectResponse(t *testing.T) {
	edge := newTestEdge(t)

	resp := string(edge.redirectResponse())
	assert.True(t, strings.HasPrefix(resp, "HTTP/1.1 301"))
	assert.Contains(t, resp, "Location: https://tunnelto.dev/")
}
