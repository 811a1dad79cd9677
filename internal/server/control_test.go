package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/burrowhq/burrow/internal/server/auth"
	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/protocol"
)

type controlHarness struct {
	conns   *Connections
	streams *Streams
	sigKey  auth.SigKey
	url     string
}

func startControl(t *testing.T, pingInterval time.Duration) *controlHarness {
	t.Helper()

	cfg := &config.ServerConfig{
		TunnelHost:   "tunnelto.dev",
		PingInterval: pingInterval,
	}

	conns := NewConnections()
	streams := NewStreams()
	sigKey := auth.GenerateSigKey()

	// single-instance uniqueness: only the local registry answers
	peers := auth.PeerLookupFunc(func(_ context.Context, sub string) (protocol.ClientID, bool) {
		return conns.ClientForHost(sub)
	})
	handshaker := auth.NewHandshaker(auth.NoAuth{}, sigKey, nil, peers, zerolog.Nop())
	control := NewControlServer(cfg, conns, streams, handshaker, nil, zerolog.Nop())

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		control.HandleConnection(conn)
	}))
	t.Cleanup(srv.Close)

	return &controlHarness{
		conns:   conns,
		streams: streams,
		sigKey:  sigKey,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func dialControl(t *testing.T, h *controlHarness, hello *protocol.ClientHello) (*websocket.Conn, protocol.ServerHello) {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(hello))

	var reply protocol.ServerHello
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&reply))
	conn.SetReadDeadline(time.Time{})

	return conn, reply
}

func TestHandshakeAnonymousRejected(t *testing.T) {
	h := startControl(t, time.Hour)

	_, reply := dialControl(t, h, protocol.NewClientHello(nil, nil))
	assert.Equal(t, protocol.ServerHelloAuthFailed, reply.Type)
	assert.Equal(t, 0, h.conns.Len())
}

func TestHandshakeKeyedRandomSubDomain(t *testing.T) {
	h := startControl(t, time.Hour)
	secret := &protocol.SecretKey{Key: "k1"}

	_, reply := dialControl(t, h, protocol.NewClientHello(nil, secret))
	require.Equal(t, protocol.ServerHelloSuccess, reply.Type)
	assert.Len(t, reply.SubDomain, 8)
	assert.Equal(t, reply.SubDomain+".tunnelto.dev", reply.Hostname)
	assert.Equal(t, secret.ClientID(), reply.ClientID)

	require.Eventually(t, func() bool {
		_, ok := h.conns.FindByHost(reply.SubDomain)
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestHandshakeSubDomainConflict(t *testing.T) {
	h := startControl(t, time.Hour)
	sub := "my-app"

	_, first := dialControl(t, h, protocol.NewClientHello(&sub, &protocol.SecretKey{Key: "k1"}))
	require.Equal(t, protocol.ServerHelloSuccess, first.Type)
	assert.Equal(t, "my-app", first.SubDomain)

	_, second := dialControl(t, h, protocol.NewClientHello(&sub, &protocol.SecretKey{Key: "k2"}))
	assert.Equal(t, protocol.ServerHelloSubDomainInUse, second.Type)
}

func TestHandshakeReconnectToken(t *testing.T) {
	h := startControl(t, time.Hour)

	token, err := auth.TokenPayload{
		SubDomain: "abcd1234",
		ClientID:  protocol.ClientID("client-1"),
		Expires:   time.Now().Add(auth.TokenTTL),
	}.Sign(h.sigKey)
	require.NoError(t, err)

	_, reply := dialControl(t, h, protocol.NewReconnectHello(token))
	require.Equal(t, protocol.ServerHelloSuccess, reply.Type)
	assert.Equal(t, "abcd1234", reply.SubDomain)
	assert.Equal(t, protocol.ClientID("client-1"), reply.ClientID)
}

func TestAnonymousClientReceivesTokenPing(t *testing.T) {
	h := startControl(t, 50*time.Millisecond)

	token, err := auth.TokenPayload{
		SubDomain: "abcd1234",
		ClientID:  protocol.ClientID("client-1"),
		Expires:   time.Now().Add(auth.TokenTTL),
	}.Sign(h.sigKey)
	require.NoError(t, err)

	conn, reply := dialControl(t, h, protocol.NewReconnectHello(token))
	require.Equal(t, protocol.ServerHelloSuccess, reply.Type)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	packet, err := protocol.Deserialize(data)
	require.NoError(t, err)
	require.Equal(t, protocol.PacketPing, packet.Kind)
	require.NotEmpty(t, packet.Token)

	payload, err := auth.VerifyToken(packet.Token, h.sigKey)
	require.NoError(t, err)
	assert.Equal(t, "abcd1234", payload.SubDomain)
}

func TestControlRoutesDataToStream(t *testing.T) {
	h := startControl(t, time.Hour)

	conn, reply := dialControl(t, h, protocol.NewClientHello(nil, &protocol.SecretKey{Key: "k1"}))
	require.Equal(t, protocol.ServerHelloSuccess, reply.Type)

	var client *ConnectedClient
	require.Eventually(t, func() bool {
		c, ok := h.conns.FindByHost(reply.SubDomain)
		client = c
		return ok
	}, time.Second, 10*time.Millisecond)

	stream := NewActiveStream(client)
	h.streams.Add(stream)

	// server → client: stream init
	require.NoError(t, client.Send(protocol.NewInit(stream.ID)))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	packet, err := protocol.Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, protocol.PacketInit, packet.Kind)
	assert.Equal(t, stream.ID, packet.Stream)

	// client → server: response data lands on the stream channel
	payload := []byte("HTTP/1.1 200 OK\r\n\r\n")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.NewData(stream.ID, payload).Serialize()))

	select {
	case msg := <-stream.Messages():
		assert.Equal(t, StreamData, msg.Kind)
		assert.Equal(t, payload, msg.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream data")
	}

	// client → server: refused surfaces as TunnelRefused
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.NewRefused(stream.ID).Serialize()))
	select {
	case msg := <-stream.Messages():
		assert.Equal(t, StreamTunnelRefused, msg.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for refused message")
	}
}

func TestClientDisconnectCleansRegistry(t *testing.T) {
	h := startControl(t, time.Hour)

	conn, reply := dialControl(t, h, protocol.NewClientHello(nil, &protocol.SecretKey{Key: "k1"}))
	require.Equal(t, protocol.ServerHelloSuccess, reply.Type)

	require.Eventually(t, func() bool {
		_, ok := h.conns.FindByHost(reply.SubDomain)
		return ok
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		_, ok := h.conns.FindByHost(reply.SubDomain)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
