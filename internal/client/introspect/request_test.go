package introspect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawRequest = "GET /ping?x=1 HTTP/1.1\r\n" +
	"Host: abcd1234.tunnelto.dev\r\n" +
	"Accept: */*\r\n" +
	"\r\n"

const rawResponse = "HTTP/1.1 200 OK\r\n" +
	"Content-Length: 4\r\n" +
	"\r\n" +
	"pong"

func TestCaptureParsesExchange(t *testing.T) {
	store := NewStore()
	capture := NewCapture(store)

	capture.Request([]byte(rawRequest))
	capture.Response([]byte(rawResponse))
	capture.Complete()

	requests := store.List()
	require.Len(t, requests, 1)

	req := requests[0]
	assert.Equal(t, "GET", req.Method)
	assert.Equal(t, "/ping", req.Path)
	assert.Equal(t, "x=1", req.Query)
	assert.Equal(t, 200, req.Status)
	assert.Equal(t, "pong", string(req.ResponseData))
	assert.Equal(t, []byte(rawRequest), req.EntireRequest)
	assert.False(t, req.IsReplay)
	assert.Contains(t, req.Headers, [2]string{"Accept", "*/*"})
}

func TestCaptureChunkedDirections(t *testing.T) {
	store := NewStore()
	capture := NewCapture(store)

	// bytes arrive in arbitrary chunks; only the concatenation matters
	capture.Request([]byte(rawRequest[:10]))
	capture.Request([]byte(rawRequest[10:]))
	capture.Response([]byte(rawResponse[:7]))
	capture.Response([]byte(rawResponse[7:]))
	capture.Complete()

	requests := store.List()
	require.Len(t, requests, 1)
	assert.Equal(t, 200, requests[0].Status)
	assert.Equal(t, "pong", string(requests[0].ResponseData))
}

func TestCaptureCompleteIsIdempotent(t *testing.T) {
	store := NewStore()
	capture := NewCapture(store)

	capture.Request([]byte(rawRequest))
	capture.Complete()
	capture.Complete()

	assert.Equal(t, 1, store.Len())
}

func TestCaptureIgnoresNonHTTP(t *testing.T) {
	store := NewStore()
	capture := NewCapture(store)

	capture.Request([]byte("\x00\x01\x02 not http"))
	capture.Complete()

	assert.Equal(t, 0, store.Len())
}

func TestCaptureEmptyRequestIgnored(t *testing.T) {
	store := NewStore()
	NewCapture(store).Complete()
	assert.Equal(t, 0, store.Len())
}

func TestReplayCaptureMarked(t *testing.T) {
	store := NewStore()
	capture := NewReplayCapture(store)
	capture.Request([]byte(rawRequest))
	capture.Complete()

	requests := store.List()
	require.Len(t, requests, 1)
	assert.True(t, requests[0].IsReplay)
}

func TestStoreListOrder(t *testing.T) {
	store := NewStore()
	now := time.Now()

	store.Add(&Request{ID: "old", Completed: now.Add(-time.Minute)})
	store.Add(&Request{ID: "new", Completed: now})

	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)

	got, ok := store.Get("old")
	require.True(t, ok)
	assert.Equal(t, "old", got.ID)
}
