package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// lockedRecorder guards the recorder body so the test can read it while the
// heartbeat goroutine writes.
type lockedRecorder struct {
	mu sync.Mutex
	*httptest.ResponseRecorder
}

func (r *lockedRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Write(p)
}

func (r *lockedRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Body.String()
}

type nonFlusher struct{ http.ResponseWriter }

func TestEventStream_SendFormatsEvents(t *testing.T) {
	w := httptest.NewRecorder()
	stream, ok := newEventStream(w)
	require.True(t, ok)

	stream.send("pipeline_update", map[string]any{"pipeline_type": "safety_check"})

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "event: pipeline_update\ndata: {\"pipeline_type\":\"safety_check\"}\n\n", w.Body.String())
	assert.True(t, w.Flushed)
}

func TestEventStream_RequiresFlusher(t *testing.T) {
	_, ok := newEventStream(nonFlusher{httptest.NewRecorder()})
	assert.False(t, ok)
}

func TestEventStream_HeartbeatStops(t *testing.T) {
	w := &lockedRecorder{ResponseRecorder: httptest.NewRecorder()}
	stream, ok := newEventStream(w)
	require.True(t, ok)

	stop := stream.heartbeat(context.Background(), 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(w.body(), "event: heartbeat\n")
	}, time.Second, 5*time.Millisecond)

	stop()
	stop()
	settled := w.body()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, settled, w.body())
}

func TestEventStream_HeartbeatEndsWithContext(t *testing.T) {
	stream, ok := newEventStream(httptest.NewRecorder())
	require.True(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	stop := stream.heartbeat(ctx, time.Hour)
	cancel()

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not exit after cancellation")
	}
}
