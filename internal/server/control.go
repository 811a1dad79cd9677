package server

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/burrowhq/burrow/internal/server/auth"
	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/protocol"
)

// FleetAdvertiser publishes which subdomains this instance serves so
// sibling instances can short-circuit peer discovery. May be a no-op.
type FleetAdvertiser interface {
	Advertise(ctx context.Context, subDomain string, clientID protocol.ClientID)
	Refresh(ctx context.Context, subDomain string)
	Withdraw(ctx context.Context, subDomain string)
}

const handshakeTimeout = 10 * time.Second

// ControlServer accepts wormhole connections, runs the handshake and
// pumps control packets between the websocket and the client's channels.
type ControlServer struct {
	cfg        *config.ServerConfig
	conns      *Connections
	streams    *Streams
	handshaker *auth.Handshaker
	fleet      FleetAdvertiser
	logger     zerolog.Logger
}

// NewControlServer wires the control plane together
func NewControlServer(
	cfg *config.ServerConfig,
	conns *Connections,
	streams *Streams,
	handshaker *auth.Handshaker,
	fleet FleetAdvertiser,
	logger zerolog.Logger,
) *ControlServer {
	return &ControlServer{
		cfg:        cfg,
		conns:      conns,
		streams:    streams,
		handshaker: handshaker,
		fleet:      fleet,
		logger:     logger,
	}
}

// HandleConnection runs one control connection to completion
func (cs *ControlServer) HandleConnection(conn *websocket.Conn) {
	defer conn.Close()

	logger := cs.logger.With().Str("remote_addr", conn.RemoteAddr().String()).Logger()

	var hello protocol.ClientHello
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.ReadJSON(&hello); err != nil {
		logger.Warn().Err(err).Msg("failed to read client hello")
		_ = conn.WriteJSON(protocol.NewErrorHello(protocol.ServerHelloError, "invalid client hello"))
		return
	}
	conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	handshake, failure := cs.handshaker.Authorize(ctx, &hello)
	cancel()
	if failure != nil {
		handshakes.WithLabelValues(string(failure.Type)).Inc()
		logger.Warn().
			Str("verdict", string(failure.Type)).
			Str("error", failure.Error).
			Msg("handshake refused")
		_ = conn.WriteJSON(failure)
		return
	}
	handshakes.WithLabelValues(string(protocol.ServerHelloSuccess)).Inc()

	client := NewConnectedClient(handshake.ID, handshake.SubDomain, handshake.IsAnonymous)
	cs.conns.Add(client)
	if cs.fleet != nil {
		cs.fleet.Advertise(context.Background(), client.Host, client.ID)
	}

	defer func() {
		cs.conns.Remove(client)
		// a newer connection may have re-bound the subdomain; only
		// withdraw the route while nobody serves it here
		if cs.fleet != nil {
			if _, ok := cs.conns.FindByHost(client.Host); !ok {
				cs.fleet.Withdraw(context.Background(), client.Host)
			}
		}
	}()

	hostname := fmt.Sprintf("%s.%s", handshake.SubDomain, cs.cfg.TunnelHost)
	if err := conn.WriteJSON(protocol.NewSuccessHello(handshake.SubDomain, hostname, handshake.ID)); err != nil {
		logger.Error().Err(err).Msg("failed to write server hello")
		return
	}

	logger = logger.With().
		Str("client_id", client.ID.String()).
		Str("subdomain", client.Host).
		Bool("anonymous", client.IsAnonymous).
		Logger()
	logger.Info().Str("hostname", hostname).Msg("tunnel established")

	go cs.pumpOut(client, conn, logger)
	go cs.ping(client, logger)
	cs.pumpIn(client, conn, logger)
}

// pumpOut drains the client's outbound channel into the websocket
func (cs *ControlServer) pumpOut(client *ConnectedClient, conn *websocket.Conn, logger zerolog.Logger) {
	for {
		select {
		case packet := <-client.Outgoing():
			if err := conn.WriteMessage(websocket.BinaryMessage, packet.Serialize()); err != nil {
				logger.Debug().Err(err).Msg("control write failed, removing client")
				cs.conns.Remove(client)
				return
			}
		case <-client.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// pumpIn decodes frames from the websocket and routes them to streams
func (cs *ControlServer) pumpIn(client *ConnectedClient, conn *websocket.Conn, logger zerolog.Logger) {
	defer cs.conns.Remove(client)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug().Err(err).Msg("control read error")
			}
			return
		}

		packet, err := protocol.Deserialize(data)
		if err != nil {
			logger.Error().Err(err).Msg("malformed control frame, closing connection")
			return
		}

		switch packet.Kind {
		case protocol.PacketData:
			if stream, ok := cs.streams.Get(packet.Stream); ok {
				stream.Deliver(StreamMessage{Kind: StreamData, Data: packet.Data})
			}

		case protocol.PacketRefused:
			logger.Debug().Str("stream_id", packet.Stream.String()).Msg("tunnel says: refused")
			if stream, ok := cs.streams.Get(packet.Stream); ok {
				stream.Deliver(StreamMessage{Kind: StreamTunnelRefused})
			}

		case protocol.PacketPing:
			cs.conns.UpdateHost(client)
			if cs.fleet != nil {
				cs.fleet.Refresh(context.Background(), client.Host)
			}

		case protocol.PacketInit, protocol.PacketEnd:
			logger.Error().
				Str("kind", packet.Kind.String()).
				Msg("illegal control packet from client, closing connection")
			return

		default:
			logger.Error().
				Str("kind", packet.Kind.String()).
				Msg("unhandled control packet, closing connection")
			return
		}
	}
}

// ping keeps the connection warm. Anonymous clients get a fresh
// reconnect token with every ping so they can re-claim their subdomain.
func (cs *ControlServer) ping(client *ConnectedClient, logger zerolog.Logger) {
	ticker := time.NewTicker(cs.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			var token protocol.ReconnectToken
			if client.IsAnonymous {
				minted, err := cs.handshaker.MintToken(client.Host, client.ID)
				if err != nil {
					logger.Error().Err(err).Msg("failed to mint reconnect token")
				} else {
					token = minted
				}
			}

			if err := client.Send(protocol.NewPing(token)); err != nil {
				logger.Debug().Err(err).Msg("ping failed, removing client")
				cs.conns.Remove(client)
				return
			}

		case <-client.Done():
			return
		}
	}
}
