package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowhq/burrow/internal/server/network"
	"github.com/burrowhq/burrow/pkg/config"
	"github.com/burrowhq/burrow/pkg/protocol"
)

// Canned HTTP responses written straight to the raw socket
var (
	httpInvalidHostResponse = []byte("HTTP/1.1 400\r\nContent-Length: 23\r\n\r\nError: Invalid Hostname")
	httpNotFoundResponse    = []byte("HTTP/1.1 404\r\nContent-Length: 23\r\n\r\nError: Tunnel Not Found")
	httpErrorLocatingHost   = []byte("HTTP/1.1 500\r\nContent-Length: 27\r\n\r\nError: Error finding tunnel")
	httpTunnelRefused       = []byte("HTTP/1.1 500\r\nContent-Length: 32\r\n\r\nTunnel says: connection refused.")
	httpOKResponse          = []byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
)

const (
	healthCheckPath = "/0xDEADBEEF_HEALTH_CHECK"

	// wormholePrefix routes raw sockets to the local control port so the
	// control websocket is reachable through the public port
	wormholePrefix = "wormhole"

	// header peek window; connections whose headers exceed it are dropped
	maxHeaderPeek = 4096

	// chunk size for public-socket reads
	edgeReadChunk = 1024

	// grace between public EOF and stream teardown, letting trailing
	// response data drain
	streamEndGrace = 5 * time.Second
)

// PeerRouter finds and reaches sibling instances for subdomains this
// instance does not serve
type PeerRouter interface {
	InstanceForHost(ctx context.Context, host string) (net.IP, protocol.ClientID, error)
	ProxyTo(ctx context.Context, ip net.IP, conn net.Conn) error
}

// Edge accepts raw public TCP connections, peeks the HTTP Host header and
// splices bytes between the public socket and the owning client's tunnel.
type Edge struct {
	cfg     *config.ServerConfig
	conns   *Connections
	streams *Streams
	peers   PeerRouter
	logger  zerolog.Logger
}

// NewEdge wires the public edge together
func NewEdge(cfg *config.ServerConfig, conns *Connections, streams *Streams, peers PeerRouter, logger zerolog.Logger) *Edge {
	return &Edge{
		cfg:     cfg,
		conns:   conns,
		streams: streams,
		peers:   peers,
		logger:  logger,
	}
}

// Serve accepts public connections until the listener closes
func (e *Edge) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			e.logger.Error().Err(err).Msg("failed to accept public connection")
			continue
		}

		go e.handleConnection(ctx, conn)
	}
}

// peekedConn replays buffered header bytes before reading from the socket
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (e *Edge) handleConnection(ctx context.Context, raw net.Conn) {
	defer func() {
		// the splice paths take ownership by setting raw to nil
		if raw != nil {
			raw.Close()
		}
	}()

	if addr, ok := raw.RemoteAddr().(*net.TCPAddr); ok && e.cfg.IPBlocked(addr.IP) {
		edgeConnections.WithLabelValues("blocked_ip").Inc()
		return
	}

	br := bufio.NewReaderSize(raw, maxHeaderPeek)
	req, err := peekRequest(br)
	if err != nil {
		e.logger.Debug().Err(err).Msg("dropping connection without parseable request")
		edgeConnections.WithLabelValues("unparseable").Inc()
		return
	}

	conn := &peekedConn{Conn: raw, r: br}

	if req.path == healthCheckPath {
		_, _ = conn.Write(httpOKResponse)
		return
	}

	logger := e.logger.With().
		Str("host", req.host).
		Str("forwarded_for", req.forwardedFor).
		Logger()

	// a request for a bare root domain goes to the homepage
	if e.hostAllowed(req.host) {
		_, _ = conn.Write(e.redirectResponse())
		edgeConnections.WithLabelValues("redirect").Inc()
		return
	}

	subDomain, ok := e.validateHostPrefix(req.host)
	if !ok {
		logger.Warn().Msg("invalid host specified")
		_, _ = conn.Write(httpInvalidHostResponse)
		edgeConnections.WithLabelValues("invalid_host").Inc()
		return
	}

	if subDomain == wormholePrefix {
		raw = nil
		e.directToControl(conn)
		return
	}

	client, ok := e.conns.FindByHost(subDomain)
	if !ok {
		// another instance may serve this subdomain
		ip, _, err := e.peers.InstanceForHost(ctx, subDomain)
		switch {
		case err == nil:
			edgeConnections.WithLabelValues("proxied").Inc()
			raw = nil
			if err := e.peers.ProxyTo(ctx, ip, conn); err != nil {
				logger.Warn().Err(err).Msg("peer proxy failed")
			}
			conn.Close()
			return
		case errors.Is(err, network.ErrDoesNotServeHost):
			logger.Info().Msg("no tunnel found")
			_, _ = conn.Write(httpNotFoundResponse)
			edgeConnections.WithLabelValues("not_found").Inc()
			return
		default:
			logger.Error().Err(err).Msg("failed to locate instance for host")
			_, _ = conn.Write(httpErrorLocatingHost)
			edgeConnections.WithLabelValues("lookup_error").Inc()
			return
		}
	}

	edgeConnections.WithLabelValues("tunneled").Inc()

	stream := NewActiveStream(client)
	e.streams.Add(stream)

	logger = logger.With().Str("stream_id", stream.ID.String()).Logger()
	logger.Debug().Msg("new stream connected")

	raw = nil
	go e.processTCPStream(stream, conn, logger)
	go e.tunnelToStream(subDomain, stream, conn, logger)
}

// directToControl splices the raw socket to the local control port,
// letting websocket upgrades share the public port
func (e *Edge) directToControl(conn net.Conn) {
	defer conn.Close()

	control, err := net.Dial("tcp", fmt.Sprintf("localhost:%d", e.cfg.ControlPort))
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to connect to local control server")
		return
	}
	defer control.Close()

	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(control, conn)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(conn, control)
		done <- struct{}{}
	}()
	<-done
}

// processTCPStream reads the public socket and forwards chunks to the
// owning client's tunnel
func (e *Edge) processTCPStream(stream *ActiveStream, conn net.Conn, logger zerolog.Logger) {
	if err := stream.Client.Send(protocol.NewInit(stream.ID)); err != nil {
		if errors.Is(err, ErrClientBusy) {
			// slow client: refuse this stream, keep the client
			logger.Warn().Msg("client send buffer full, refusing stream")
			if !stream.Deliver(StreamMessage{Kind: StreamTunnelRefused}) {
				stream.Close()
			}
			return
		}
		logger.Info().Err(err).Msg("removing disconnected client")
		e.conns.Remove(stream.Client)
		if !stream.Deliver(StreamMessage{Kind: StreamNoClientTunnel}) {
			stream.Close()
		}
		return
	}

	buf := make([]byte, edgeReadChunk)
	for {
		if _, ok := e.conns.Get(stream.Client.ID); !ok {
			logger.Debug().Msg("client disconnected, closing stream")
			if !stream.Deliver(StreamMessage{Kind: StreamNoClientTunnel}) {
				stream.Close()
			}
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			switch sendErr := stream.Client.Send(protocol.NewData(stream.ID, data)); {
			case sendErr == nil:
			case errors.Is(sendErr, ErrClientBusy):
				// slow client: terminate the stream rather than block
				logger.Warn().Msg("client send buffer full, refusing stream")
				if !stream.Deliver(StreamMessage{Kind: StreamTunnelRefused}) {
					stream.Close()
				}
				return
			default:
				logger.Info().Msg("client gone mid-stream, dropping client")
				e.conns.Remove(stream.Client)
				if !stream.Deliver(StreamMessage{Kind: StreamNoClientTunnel}) {
					stream.Close()
				}
				return
			}
		}

		if err != nil {
			if err != io.EOF {
				logger.Debug().Err(err).Msg("public socket read error")
			}
			if sendErr := stream.Client.Send(protocol.NewEnd(stream.ID)); sendErr != nil {
				logger.Debug().Err(sendErr).Msg("failed to send end signal")
			}
			// let trailing response data drain, then tear down
			go func() {
				select {
				case <-time.After(streamEndGrace):
					stream.Close()
				case <-stream.Done():
				}
			}()
			return
		}
	}
}

// tunnelToStream writes tunnel messages back to the public socket
func (e *Edge) tunnelToStream(subDomain string, stream *ActiveStream, conn net.Conn, logger zerolog.Logger) {
	defer func() {
		e.streams.Remove(stream.ID)
		stream.Close()
		// half-shutdown flushes the write side; the full close then
		// unblocks the paired read task
		if pc, ok := conn.(*peekedConn); ok {
			if tcp, ok := pc.Conn.(*net.TCPConn); ok {
				_ = tcp.CloseWrite()
			}
		}
		conn.Close()
	}()

	for {
		select {
		case msg := <-stream.Messages():
			switch msg.Kind {
			case StreamData:
				if _, err := conn.Write(msg.Data); err != nil {
					logger.Warn().Err(err).Msg("public socket closed, disconnecting")
					return
				}
			case StreamTunnelRefused:
				logger.Debug().Msg("tunnel refused")
				_, _ = conn.Write(httpTunnelRefused)
				return
			case StreamNoClientTunnel:
				logger.Info().Str("subdomain", subDomain).Msg("client tunnel not found")
				_, _ = conn.Write(httpNotFoundResponse)
				return
			}

		case <-stream.Done():
			return
		}
	}
}

// hostAllowed reports whether the full host is one of the bare roots we
// serve tunnels under
func (e *Edge) hostAllowed(host string) bool {
	for _, allowed := range e.cfg.AllowedHosts {
		if host == allowed {
			return true
		}
	}
	return false
}

// validateHostPrefix splits <sub>.<root> and accepts only known roots
func (e *Edge) validateHostPrefix(host string) (string, bool) {
	segments := strings.SplitN(host, ".", 2)
	if len(segments) != 2 {
		return "", false
	}
	if !e.hostAllowed(segments[1]) {
		return "", false
	}
	return segments[0], true
}

func (e *Edge) redirectResponse() []byte {
	target := "https://" + e.cfg.TunnelHost
	return []byte(fmt.Sprintf(
		"HTTP/1.1 301 Moved Permanently\r\nLocation: %s/\r\nContent-Length: %d\r\n\r\n%s",
		target, len(target), target))
}

// peekedRequest is the routing information peeked off a fresh connection
type peekedRequest struct {
	host         string
	path         string
	forwardedFor string
}

// peekRequest reads request headers through the buffered reader without
// consuming them. Connections whose headers do not fit the peek window
// are dropped.
func peekRequest(br *bufio.Reader) (*peekedRequest, error) {
	var data []byte
	for want := 1; want <= maxHeaderPeek; {
		peeked, err := br.Peek(want)
		if len(peeked) >= want {
			// drain whatever else is already buffered
			if buffered := br.Buffered(); buffered > len(peeked) {
				peeked, _ = br.Peek(buffered)
			}
			data = peeked
			if bytes.Contains(data, []byte("\r\n\r\n")) {
				return parsePeekedHeaders(data)
			}
			want = len(data) + 1
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(peeked) > 0 {
				return parsePeekedHeaders(peeked)
			}
			return nil, fmt.Errorf("failed to peek request: %w", err)
		}
	}
	return nil, fmt.Errorf("request headers exceed %d bytes", maxHeaderPeek)
}

func parsePeekedHeaders(data []byte) (*peekedRequest, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse http request: %w", err)
	}

	host := req.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if host == "" {
		return nil, errors.New("no host header")
	}

	return &peekedRequest{
		host:         strings.ToLower(host),
		path:         req.URL.Path,
		forwardedFor: req.Header.Get("X-Forwarded-For"),
	}, nil
}
