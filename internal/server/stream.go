package server

import (
	"sync"

	"github.com/burrowhq/burrow/pkg/protocol"
)

// StreamMessageKind discriminates messages delivered to a stream's
// public-socket writer
type StreamMessageKind int

const (
	// StreamData carries raw bytes from the client tunnel
	StreamData StreamMessageKind = iota
	// StreamTunnelRefused means the client could not open its local socket
	StreamTunnelRefused
	// StreamNoClientTunnel means the owning client disappeared mid-stream
	StreamNoClientTunnel
)

// StreamMessage is one message on an active stream's delivery channel
type StreamMessage struct {
	Kind StreamMessageKind
	Data []byte
}

// streamBuffer bounds the per-stream delivery channel. A full channel
// means the public socket writer has stalled; senders drop rather than
// block the control pump.
const streamBuffer = 512

// ActiveStream is one public TCP connection multiplexed over a client's
// control channel. It holds a send-only handle to its owning client; the
// registry stays the canonical source of client lifetime.
type ActiveStream struct {
	ID     protocol.StreamID
	Client *ConnectedClient

	msgs      chan StreamMessage
	done      chan struct{}
	closeOnce sync.Once
}

// NewActiveStream allocates a stream bound to the client
func NewActiveStream(client *ConnectedClient) *ActiveStream {
	return &ActiveStream{
		ID:     protocol.GenerateStreamID(),
		Client: client,
		msgs:   make(chan StreamMessage, streamBuffer),
		done:   make(chan struct{}),
	}
}

// Deliver enqueues a message for the stream's writer. Returns false when
// the stream is closed or its buffer is full.
func (s *ActiveStream) Deliver(msg StreamMessage) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.msgs <- msg:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

// Messages returns the stream's delivery channel
func (s *ActiveStream) Messages() <-chan StreamMessage {
	return s.msgs
}

// Done returns a channel closed when the stream shuts down
func (s *ActiveStream) Done() <-chan struct{} {
	return s.done
}

// Close shuts the stream down; safe to call from either splice task
func (s *ActiveStream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// Streams is the table of in-flight public streams
type Streams struct {
	mu sync.RWMutex
	m  map[protocol.StreamID]*ActiveStream
}

// NewStreams creates an empty stream table
func NewStreams() *Streams {
	return &Streams{m: make(map[protocol.StreamID]*ActiveStream)}
}

// Add registers a stream
func (st *Streams) Add(s *ActiveStream) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.m[s.ID] = s
	activeStreamsGauge.Set(float64(len(st.m)))
}

// Get looks a stream up by id
func (st *Streams) Get(id protocol.StreamID) (*ActiveStream, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.m[id]
	return s, ok
}

// Remove drops a stream from the table. Idempotent.
func (st *Streams) Remove(id protocol.StreamID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.m, id)
	activeStreamsGauge.Set(float64(len(st.m)))
}

// Len returns the number of in-flight streams
func (st *Streams) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.m)
}
