package client

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrowhq/burrow/internal/client/introspect"
	"github.com/burrowhq/burrow/pkg/protocol"
)

const (
	localDialTimeout = 5 * time.Second
	localReadChunk   = 4 * 1024
	streamBuffer     = 256

	// replay reads until the local service goes idle
	replayIdleTimeout = 2 * time.Second
)

// localStream is one open socket to the local service, paired with a
// stream id on the control channel
type localStream struct {
	id      protocol.StreamID
	conn    net.Conn
	msgs    chan []byte
	done    chan struct{}
	wclose  chan struct{}
	capture *introspect.Capture

	closeOnce  sync.Once
	wcloseOnce sync.Once
}

func (s *localStream) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// shutdownWrite half-closes the local socket: no more request bytes will
// arrive, but the response side keeps draining until EOF
func (s *localStream) shutdownWrite() {
	s.wcloseOnce.Do(func() {
		close(s.wclose)
	})
}

// deliver hands request bytes to the stream's writer. A stalled local
// service drops chunks rather than blocking the control reader.
func (s *localStream) deliver(data []byte, logger zerolog.Logger) {
	select {
	case s.msgs <- data:
	case <-s.done:
	default:
		logger.Warn().Str("stream_id", s.id.String()).Msg("local stream buffer full, dropping chunk")
	}
}

// halfCloser is satisfied by both *net.TCPConn and *tls.Conn
type halfCloser interface {
	CloseWrite() error
}

// dialLocal opens a socket to the configured local service, wrapping it
// in TLS when requested
func (a *Agent) dialLocal() (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", a.cfg.LocalAddr(), localDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to local service: %w", err)
	}

	if a.cfg.UseTLS {
		return tls.Client(conn, &tls.Config{ServerName: a.cfg.LocalHost}), nil
	}
	return conn, nil
}

// openLocalStream dials the local service and starts the two splice
// tasks for a fresh stream id
func (a *Agent) openLocalStream(sess *session, sid protocol.StreamID) (*localStream, error) {
	a.logger.Debug().Str("stream_id", sid.String()).Msg("setting up local stream")

	conn, err := a.dialLocal()
	if err != nil {
		return nil, err
	}

	stream := &localStream{
		id:      sid,
		conn:    conn,
		msgs:    make(chan []byte, streamBuffer),
		done:    make(chan struct{}),
		wclose:  make(chan struct{}),
		capture: introspect.NewCapture(a.store),
	}
	a.addStream(stream)

	go a.readLocal(sess, stream)
	go a.writeLocal(stream)

	return stream, nil
}

// readLocal reads response bytes from the local service and tunnels
// them upstream. Local EOF ends the stream.
func (a *Agent) readLocal(sess *session, stream *localStream) {
	defer func() {
		stream.capture.Complete()
		a.removeStream(stream.id)
		stream.close()
	}()

	buf := make([]byte, localReadChunk)
	for {
		n, err := stream.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])

			stream.capture.Response(chunk)
			if !sess.Send(protocol.NewData(stream.id, chunk)) {
				return
			}
		}
		if err != nil {
			a.logger.Debug().Str("stream_id", stream.id.String()).Msg("done reading from local service")
			return
		}
	}
}

// writeLocal writes tunneled request bytes into the local service
func (a *Agent) writeLocal(stream *localStream) {
	for {
		select {
		case data := <-stream.msgs:
			stream.capture.Request(data)
			if _, err := stream.conn.Write(data); err != nil {
				a.logger.Debug().Err(err).Str("stream_id", stream.id.String()).Msg("failed to write to local service")
				a.removeStream(stream.id)
				stream.close()
				return
			}

		case <-stream.wclose:
			if hc, ok := stream.conn.(halfCloser); ok {
				_ = hc.CloseWrite()
			}
			return

		case <-stream.done:
			return
		}
	}
}

// Replay re-sends a captured raw request to the local service and
// records the new exchange
func (a *Agent) Replay(raw []byte) error {
	conn, err := a.dialLocal()
	if err != nil {
		return err
	}
	defer conn.Close()

	capture := introspect.NewReplayCapture(a.store)
	capture.Request(raw)

	if _, err := conn.Write(raw); err != nil {
		return fmt.Errorf("failed to write replayed request: %w", err)
	}

	buf := make([]byte, localReadChunk)
	for {
		conn.SetReadDeadline(time.Now().Add(replayIdleTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			capture.Response(buf[:n])
		}
		if err != nil {
			break
		}
	}

	capture.Complete()
	return nil
}
