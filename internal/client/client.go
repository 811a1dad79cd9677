package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/burrowhq/burrow/internal/client/introspect"
	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/protocol"
)

// Terminal handshake errors; the agent gives up instead of reconnecting
var (
	ErrAuthFailed       = errors.New("authentication failed")
	ErrSubDomainInUse   = errors.New("subdomain is already in use")
	ErrInvalidSubDomain = errors.New("invalid subdomain")
	ErrServerError      = errors.New("server error")
)

const (
	reconnectDelay   = 5 * time.Second
	handshakeTimeout = 10 * time.Second

	// grace between a server End and closing the local stream, letting
	// trailing data drain
	endGrace = 5 * time.Second

	sendBuffer = 256
)

// Agent is the client side of the tunnel: it maintains the control
// connection, opens local streams on demand and splices bytes between
// them and the wormhole.
type Agent struct {
	cfg    *config.ClientConfig
	store  *introspect.Store
	logger zerolog.Logger

	tokenMu sync.Mutex
	token   protocol.ReconnectToken

	streamsMu sync.RWMutex
	streams   map[protocol.StreamID]*localStream

	firstRun bool
}

// New creates a tunnel agent
func New(cfg *config.ClientConfig, store *introspect.Store, logger zerolog.Logger) *Agent {
	return &Agent{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		streams:  make(map[protocol.StreamID]*localStream),
		firstRun: true,
	}
}

// Run connects and reconnects forever. Only terminal handshake errors
// (or context cancellation) make it return.
func (a *Agent) Run(ctx context.Context) error {
	for {
		err := a.runWormhole(ctx)

		switch {
		case errors.Is(err, ErrAuthFailed),
			errors.Is(err, ErrSubDomainInUse),
			errors.Is(err, ErrInvalidSubDomain),
			errors.Is(err, ErrServerError):
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.logger.Warn().Err(err).Dur("retry_in", reconnectDelay).Msg("control connection lost, reconnecting")

		select {
		case <-time.After(reconnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// session is one live control connection
type session struct {
	conn      *websocket.Conn
	send      chan protocol.ControlPacket
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Send enqueues a packet for the writer, preserving FIFO order
func (s *session) Send(p protocol.ControlPacket) bool {
	select {
	case s.send <- p:
		return true
	case <-s.done:
		return false
	}
}

// runWormhole runs one control connection to completion
func (a *Agent) runWormhole(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, _, err := dialer.DialContext(ctx, a.cfg.ControlURL(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect to control server: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(a.buildHello()); err != nil {
		return fmt.Errorf("failed to send client hello: %w", err)
	}

	var hello protocol.ServerHello
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("no response from server: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch hello.Type {
	case protocol.ServerHelloSuccess:
	case protocol.ServerHelloAuthFailed:
		return ErrAuthFailed
	case protocol.ServerHelloSubDomainInUse:
		return ErrSubDomainInUse
	case protocol.ServerHelloInvalidSubDomain:
		return ErrInvalidSubDomain
	default:
		return fmt.Errorf("%w: %s", ErrServerError, hello.Error)
	}

	a.didConnect(&hello)

	sess := &session{
		conn: conn,
		send: make(chan protocol.ControlPacket, sendBuffer),
		done: make(chan struct{}),
	}
	defer func() {
		sess.close()
		a.closeAllStreams()
	}()

	go a.writePump(sess)

	// cancellation closes the socket, which ends the read loop below
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-sess.done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("control read failed: %w", err)
		}

		packet, err := protocol.Deserialize(data)
		if err != nil {
			return fmt.Errorf("malformed control packet: %w", err)
		}

		if err := a.handlePacket(sess, packet); err != nil {
			return err
		}
	}
}

// writePump serializes outgoing packets onto the websocket
func (a *Agent) writePump(sess *session) {
	for {
		select {
		case packet := <-sess.send:
			if err := sess.conn.WriteMessage(websocket.BinaryMessage, packet.Serialize()); err != nil {
				a.logger.Debug().Err(err).Msg("control write failed")
				sess.close()
				return
			}
		case <-sess.done:
			return
		}
	}
}

// handlePacket dispatches one control packet from the server
func (a *Agent) handlePacket(sess *session, packet protocol.ControlPacket) error {
	switch packet.Kind {
	case protocol.PacketInit:
		a.logger.Debug().Str("stream_id", packet.Stream.String()).Msg("stream init")
		return nil

	case protocol.PacketPing:
		if packet.Token != "" {
			a.setToken(packet.Token)
		}
		sess.Send(protocol.NewPing(""))
		return nil

	case protocol.PacketEnd:
		sid := packet.Stream
		a.logger.Debug().Str("stream_id", sid.String()).Msg("stream end")
		stream, ok := a.getStream(sid)
		if !ok {
			return nil
		}
		go func() {
			select {
			case <-time.After(endGrace):
			case <-stream.done:
			}
			// half-close only: the response side keeps draining until
			// the local service hangs up
			stream.shutdownWrite()
			a.removeStream(sid)
		}()
		return nil

	case protocol.PacketRefused:
		return fmt.Errorf("unexpected refused packet from server")

	case protocol.PacketData:
		stream, ok := a.getStream(packet.Stream)
		if !ok {
			opened, err := a.openLocalStream(sess, packet.Stream)
			if err != nil {
				a.logger.Error().Err(err).Msg("failed to open local stream")
				introspect.ConnectFailed()
				sess.Send(protocol.NewRefused(packet.Stream))
				return nil
			}
			stream = opened
		}
		stream.deliver(packet.Data, a.logger)
		return nil

	default:
		return fmt.Errorf("unhandled control packet kind %s", packet.Kind)
	}
}

// buildHello picks the strongest available credential: the configured
// key, then a stored reconnect token, then plain anonymous
func (a *Agent) buildHello() *protocol.ClientHello {
	if a.cfg.SecretKey != "" {
		var subDomain *string
		if a.cfg.SubDomain != "" {
			subDomain = &a.cfg.SubDomain
		}
		return protocol.NewClientHello(subDomain, &protocol.SecretKey{Key: a.cfg.SecretKey})
	}

	if token := a.getToken(); token != "" {
		return protocol.NewReconnectHello(token)
	}

	var subDomain *string
	if a.cfg.SubDomain != "" {
		subDomain = &a.cfg.SubDomain
	}
	return protocol.NewClientHello(subDomain, nil)
}

func (a *Agent) didConnect(hello *protocol.ServerHello) {
	scheme := "https"
	if a.cfg.ControlTLSOff {
		scheme = "http"
	}
	publicURL := fmt.Sprintf("%s://%s", scheme, hello.Hostname)

	if a.firstRun {
		a.firstRun = false
		fmt.Printf("\n  Tunnel ready\n")
		fmt.Printf("  Public URL:  %s\n", publicURL)
		fmt.Printf("  Forwarding:  %s\n\n", a.cfg.LocalAddr())
	}

	a.logger.Info().
		Str("subdomain", hello.SubDomain).
		Str("url", publicURL).
		Msg("tunnel established")
}

func (a *Agent) setToken(token protocol.ReconnectToken) {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()
	a.token = token
}

func (a *Agent) getToken() protocol.ReconnectToken {
	a.tokenMu.Lock()
	defer a.tokenMu.Unlock()
	return a.token
}

func (a *Agent) addStream(stream *localStream) {
	a.streamsMu.Lock()
	defer a.streamsMu.Unlock()
	a.streams[stream.id] = stream
}

func (a *Agent) getStream(id protocol.StreamID) (*localStream, bool) {
	a.streamsMu.RLock()
	defer a.streamsMu.RUnlock()
	stream, ok := a.streams[id]
	return stream, ok
}

func (a *Agent) removeStream(id protocol.StreamID) {
	a.streamsMu.Lock()
	defer a.streamsMu.Unlock()
	delete(a.streams, id)
}

func (a *Agent) closeAllStreams() {
	a.streamsMu.Lock()
	streams := a.streams
	a.streams = make(map[protocol.StreamID]*localStream)
	a.streamsMu.Unlock()

	for _, stream := range streams {
		stream.close()
	}
}
