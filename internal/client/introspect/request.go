package introspect

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Request is one captured HTTP exchange proxied through the tunnel
type Request struct {
	ID              string
	Status          int
	IsReplay        bool
	Method          string
	Path            string
	Query           string
	Headers         [][2]string
	BodyData        []byte
	ResponseHeaders [][2]string
	ResponseData    []byte
	Started         time.Time
	Completed       time.Time
	EntireRequest   []byte
}

// Elapsed returns the duration of the request as a formatted string
func (r *Request) Elapsed() string {
	duration := r.Completed.Sub(r.Started)
	if duration.Seconds() < 1 {
		return duration.Round(time.Millisecond).String()
	}
	return duration.Round(time.Second).String()
}

// Store holds captured requests in memory. It is constructed once at
// startup and shared by the agent and the dashboard.
type Store struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewStore creates an empty request store
func NewStore() *Store {
	return &Store{requests: make(map[string]*Request)}
}

// Add inserts a request record
func (s *Store) Add(req *Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = req
}

// Get retrieves a request by id
func (s *Store) Get(id string) (*Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	return req, ok
}

// List returns a snapshot sorted by completion time, most recent first
func (s *Store) List() []*Request {
	s.mu.RLock()
	requests := make([]*Request, 0, len(s.requests))
	for _, req := range s.requests {
		requests = append(requests, req)
	}
	s.mu.RUnlock()

	sort.Slice(requests, func(i, j int) bool {
		return requests[i].Completed.After(requests[j].Completed)
	})
	return requests
}

// Len returns the number of captured requests
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.requests)
}

// Capture accumulates the two byte directions of one stream and turns
// them into a Request record once the stream completes
type Capture struct {
	store    *Store
	started  time.Time
	isReplay bool

	mu       sync.Mutex
	request  bytes.Buffer
	response bytes.Buffer
	done     bool
}

// NewCapture starts capturing one proxied stream
func NewCapture(store *Store) *Capture {
	return &Capture{store: store, started: time.Now()}
}

// NewReplayCapture starts capturing a replayed exchange
func NewReplayCapture(store *Store) *Capture {
	return &Capture{store: store, started: time.Now(), isReplay: true}
}

// Request appends request-direction bytes (public → local service)
func (c *Capture) Request(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.request.Write(data)
}

// Response appends response-direction bytes (local service → public)
func (c *Capture) Response(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.response.Write(data)
}

// Complete parses both directions and inserts the record. Safe to call
// more than once: a call made before any request bytes arrived does
// nothing, and once a call has seen request bytes later calls do nothing.
func (c *Capture) Complete() {
	c.mu.Lock()
	if c.done || c.request.Len() == 0 {
		c.mu.Unlock()
		return
	}
	c.done = true
	requestData := append([]byte(nil), c.request.Bytes()...)
	responseData := append([]byte(nil), c.response.Bytes()...)
	c.mu.Unlock()

	httpReq, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(requestData)))
	if err != nil {
		// non-HTTP traffic is not captured
		return
	}

	var reqBody []byte
	if httpReq.Body != nil {
		reqBody, _ = io.ReadAll(httpReq.Body)
		httpReq.Body.Close()
	}

	record := &Request{
		ID:            uuid.New().String(),
		IsReplay:      c.isReplay,
		Method:        httpReq.Method,
		Path:          httpReq.URL.Path,
		Query:         httpReq.URL.RawQuery,
		Headers:       headerPairs(httpReq.Header),
		BodyData:      reqBody,
		Started:       c.started,
		Completed:     time.Now(),
		EntireRequest: requestData,
	}

	if len(responseData) > 0 {
		httpResp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(responseData)), httpReq)
		if err == nil {
			record.Status = httpResp.StatusCode
			record.ResponseHeaders = headerPairs(httpResp.Header)
			if httpResp.Body != nil {
				record.ResponseData, _ = io.ReadAll(httpResp.Body)
				httpResp.Body.Close()
			}
		}
	}

	c.store.Add(record)
	ConsoleLog(record.Method, record.Path, record.Status)
}

func headerPairs(h http.Header) [][2]string {
	pairs := make([][2]string, 0, len(h))
	for name, values := range h {
		for _, value := range values {
			pairs = append(pairs, [2]string{name, value})
		}
	}
	return pairs
}
