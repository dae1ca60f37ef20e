package registry

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/talk-gateway/internal/observability"
)

var greeting = []byte(`{"action":"status","data":"connected"}`)

type frame struct {
	kind int
	data []byte
}

// fakeConn records frames. Writes can be made to fail or to hang until the
// connection is closed.
type fakeConn struct {
	mu       sync.Mutex
	frames   []frame
	attempts int
	closed   bool
	closedCh chan struct{}

	failWrites bool
	hang       bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{closedCh: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	c.mu.Lock()
	c.attempts++
	hang, fail, closed := c.hang, c.failWrites, c.closed
	c.mu.Unlock()

	if closed {
		return errors.New("use of closed connection")
	}
	if hang {
		<-c.closedCh
		return errors.New("use of closed connection")
	}
	if fail {
		return errors.New("broken pipe")
	}

	c.mu.Lock()
	c.frames = append(c.frames, frame{kind: kind, data: data})
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

func (c *fakeConn) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, f := range c.frames {
		if f.kind == websocket.TextMessage {
			out = append(out, string(f.data))
		}
	}
	return out
}

func (c *fakeConn) kinds() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.kind)
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) writeAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.Greeting == nil {
		opts.Greeting = greeting
	}
	opts.Logger = zerolog.Nop()
	r := New(opts)
	t.Cleanup(r.Stop)
	return r
}

func TestRegister_GreetsEachViewer(t *testing.T) {
	r := newTestRegistry(t, Options{})
	a, b := newFakeConn(), newFakeConn()

	idA := r.Register(a)
	idB := r.Register(b)

	assert.NotEmpty(t, idA)
	assert.NotEqual(t, idA, idB)
	assert.Equal(t, 2, r.Len())

	for _, c := range []*fakeConn{a, b} {
		require.Eventually(t, func() bool { return len(c.texts()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, string(greeting), c.texts()[0])
	}
}

func TestRegister_SameConnTwice(t *testing.T) {
	r := newTestRegistry(t, Options{})
	c := newFakeConn()

	first := r.Register(c)
	second := r.Register(c)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, r.Len())
}

func TestBroadcast_ReachesEveryViewer(t *testing.T) {
	r := newTestRegistry(t, Options{})

	const n = 5
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = newFakeConn()
		r.Register(conns[i])
	}

	msg := []byte(`{"action":"talk","audio_path":"out/1.wav"}`)
	assert.Equal(t, n, r.Broadcast(msg))

	for _, c := range conns {
		require.Eventually(t, func() bool { return len(c.texts()) == 2 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{string(greeting), string(msg)}, c.texts())
	}
}

func TestBroadcast_NoViewers(t *testing.T) {
	r := newTestRegistry(t, Options{})
	assert.Equal(t, 0, r.Broadcast([]byte("x")))
}

func TestUnregister_Idempotent(t *testing.T) {
	r := newTestRegistry(t, Options{})
	a, b := newFakeConn(), newFakeConn()
	r.Register(a)
	r.Register(b)

	r.Unregister(a)
	assert.Equal(t, 1, r.Len())
	assert.True(t, a.isClosed())

	r.Unregister(a)
	assert.Equal(t, 1, r.Len())

	r.Unregister(newFakeConn())
	assert.Equal(t, 1, r.Len())
}

func TestUnregister_NoFurtherMessages(t *testing.T) {
	r := newTestRegistry(t, Options{})
	gone, stays := newFakeConn(), newFakeConn()
	r.Register(gone)
	r.Register(stays)
	require.Eventually(t, func() bool { return len(gone.texts()) == 1 }, time.Second, 5*time.Millisecond)

	r.Unregister(gone)
	assert.Equal(t, 1, r.Len())

	assert.Equal(t, 1, r.Broadcast([]byte("after")))
	require.Eventually(t, func() bool { return len(stays.texts()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{string(greeting)}, gone.texts())
}

func TestWriteFailure_RemovesViewer(t *testing.T) {
	r := newTestRegistry(t, Options{})
	broken := newFakeConn()
	broken.failWrites = true
	healthy := newFakeConn()

	before := testutil.ToFloat64(observability.DeliveriesTotal.WithLabelValues(observability.DeliveryWriteError))

	r.Register(broken)
	r.Register(healthy)

	// The greeting write fails and the writer drops the viewer on its own
	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, broken.isClosed())

	assert.Equal(t, 1, r.Broadcast([]byte("next")))
	require.Eventually(t, func() bool { return len(healthy.texts()) == 2 }, time.Second, 5*time.Millisecond)

	after := testutil.ToFloat64(observability.DeliveriesTotal.WithLabelValues(observability.DeliveryWriteError))
	assert.Equal(t, before+1, after)
}

func TestBroadcast_EvictsSlowViewer(t *testing.T) {
	r := newTestRegistry(t, Options{SendBuffer: 1})
	slow := newFakeConn()
	slow.hang = true
	fast := newFakeConn()

	r.Register(slow)
	r.Register(fast)

	// Wait for the slow writer to be stuck on the greeting and the fast one
	// to have drained it
	require.Eventually(t, func() bool { return slow.writeAttempts() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(fast.texts()) == 1 }, time.Second, 5*time.Millisecond)

	before := testutil.ToFloat64(observability.DeliveriesTotal.WithLabelValues(observability.DeliveryEvicted))

	assert.Equal(t, 2, r.Broadcast([]byte("m1"))) // fills slow's queue
	require.Eventually(t, func() bool { return len(fast.texts()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, r.Broadcast([]byte("m2"))) // overflows it

	assert.Equal(t, 1, r.Len())
	assert.True(t, slow.isClosed())
	assert.Equal(t, before+1, testutil.ToFloat64(observability.DeliveriesTotal.WithLabelValues(observability.DeliveryEvicted)))

	require.Eventually(t, func() bool { return len(fast.texts()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestBroadcast_PerViewerOrder(t *testing.T) {
	r := newTestRegistry(t, Options{SendBuffer: 256})
	conns := []*fakeConn{newFakeConn(), newFakeConn(), newFakeConn()}
	for _, c := range conns {
		r.Register(c)
	}

	const n = 100
	want := []string{string(greeting)}
	for i := 0; i < n; i++ {
		msg := fmt.Sprintf("m%03d", i)
		want = append(want, msg)
		r.Broadcast([]byte(msg))
	}

	for _, c := range conns {
		require.Eventually(t, func() bool { return len(c.texts()) == n+1 }, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, want, c.texts())
	}
}

func TestBroadcast_ConcurrentWithRegistration(t *testing.T) {
	r := newTestRegistry(t, Options{SendBuffer: 256})

	var wg sync.WaitGroup
	conns := make([]*fakeConn, 20)
	for i := range conns {
		conns[i] = newFakeConn()
		wg.Add(2)
		go func(c *fakeConn) {
			defer wg.Done()
			r.Register(c)
		}(conns[i])
		go func(i int) {
			defer wg.Done()
			r.Broadcast([]byte(fmt.Sprintf("b%d", i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, len(conns), r.Len())
	for _, c := range conns {
		require.Eventually(t, func() bool { return len(c.texts()) >= 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, string(greeting), c.texts()[0], "greeting must precede any broadcast")
	}
}

func TestWriter_PingsOnInterval(t *testing.T) {
	clock := clockwork.NewFakeClock()
	r := newTestRegistry(t, Options{Clock: clock})
	c := newFakeConn()
	r.Register(c)

	// The ticker exists once the greeting has been written
	require.Eventually(t, func() bool { return len(c.texts()) == 1 }, time.Second, 5*time.Millisecond)

	clock.Advance(pingInterval)

	require.Eventually(t, func() bool {
		kinds := c.kinds()
		return len(kinds) == 2 && kinds[1] == websocket.PingMessage
	}, time.Second, 5*time.Millisecond)
}

func TestStop_ClosesViewersGracefully(t *testing.T) {
	r := New(Options{Greeting: greeting, Logger: zerolog.Nop()})
	a, b := newFakeConn(), newFakeConn()
	r.Register(a)
	r.Register(b)

	r.Stop()

	assert.False(t, r.Running())
	for _, c := range []*fakeConn{a, b} {
		assert.True(t, c.isClosed())
		kinds := c.kinds()
		require.NotEmpty(t, kinds)
		assert.Equal(t, websocket.CloseMessage, kinds[len(kinds)-1])
	}

	late := newFakeConn()
	assert.Empty(t, r.Register(late))
	assert.True(t, late.isClosed())
	assert.Equal(t, 0, r.Broadcast([]byte("x")))
	assert.Equal(t, 0, r.Len())

	// Second stop is a no-op
	r.Stop()
}

func TestRegistry_WebsocketViewers(t *testing.T) {
	r := newTestRegistry(t, Options{})
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.Register(conn)
		defer r.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dial := func() *websocket.Conn {
		c, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		return c
	}
	read := func(c *websocket.Conn) string {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		return string(data)
	}

	v1, v2 := dial(), dial()
	assert.Equal(t, string(greeting), read(v1))
	assert.Equal(t, string(greeting), read(v2))
	require.Eventually(t, func() bool { return r.Len() == 2 }, time.Second, 5*time.Millisecond)

	v1.Close()
	require.Eventually(t, func() bool { return r.Len() == 1 }, time.Second, 5*time.Millisecond)

	msg := `{"action":"talk","audio_path":"out/1.wav"}`
	assert.Equal(t, 1, r.Broadcast([]byte(msg)))
	assert.Equal(t, msg, read(v2))
}
