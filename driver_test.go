package htcore

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport records every queued write and tracks open/closed state,
// standing in for a transport.Adapter without a real net.Conn.
type fakeTransport struct {
	mu     sync.Mutex
	writes [][]byte
	closed bool
	failOn int // if > 0, the Nth QueueWrite call fails
	calls  int
}

func (f *fakeTransport) QueueWrite(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn > 0 && f.calls == f.failOn {
		return assert.AnError
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	f.writes = append(f.writes, cp)
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) all() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []byte
	for _, w := range f.writes {
		out = append(out, w...)
	}
	return out
}

// fixedCounter is a constant-value KeepAliveCounter stub.
type fixedCounter int

func (c fixedCounter) CurrentConnections() int { return int(c) }

// echoApp replies with a fixed body, identity-framed, once per request.
type echoApp struct {
	status int
	body   []byte
}

func (a *echoApp) Serve(req *Request, w *ResponseSerializer) BodyProcessing {
	_ = w.WriteResponse(&Response{
		Status:        a.status,
		Transfer:      Identity,
		ContentLength: int64(len(a.body)),
	})
	_ = w.WriteBody(a.body)
	_ = w.Done()
	return DiscardBody()
}

func newTestDriver(app WebApp, tr Transport) *ConnectionDriver {
	opts := NewOptions()
	return NewConnectionDriver(app, tr, fixedCounter(1), opts)
}

func TestDriverHelloGETChunked(t *testing.T) {
	tr := &fakeTransport{}
	app := WebAppFunc(func(req *Request, w *ResponseSerializer) BodyProcessing {
		assert.Equal(t, MethodGET, req.Method)
		assert.Equal(t, "/hello", req.Target)
		require.NoError(t, w.WriteResponse(&Response{Status: 200, Transfer: Chunked}))
		require.NoError(t, w.WriteBody([]byte("hello ")))
		require.NoError(t, w.WriteBody([]byte("world")))
		require.NoError(t, w.Done())
		return DiscardBody()
	})
	d := newTestDriver(app, tr)

	req := "GET /hello HTTP/1.1\r\nHost: x\r\n\r\n"
	require.NoError(t, d.Feed([]byte(req)))

	out := string(tr.all())
	assert.Contains(t, out, "HTTP/1.1 200 OK\r\n")
	assert.Contains(t, out, "Transfer-Encoding: chunked\r\n")
	assert.Contains(t, out, "6\r\nhello \r\n")
	assert.Contains(t, out, "5\r\nworld\r\n")
	assert.Contains(t, out, "0\r\n\r\n")
}

func TestDriverEchoPOSTIdentity(t *testing.T) {
	tr := &fakeTransport{}
	var received []byte
	app := WebAppFunc(func(req *Request, w *ResponseSerializer) BodyProcessing {
		assert.Equal(t, MethodPOST, req.Method)
		return ProcessBody(bodyCollector{&received, w})
	})
	d := newTestDriver(app, tr)

	body := "abcde"
	reqStr := "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\n\r\n" + body
	require.NoError(t, d.Feed([]byte(reqStr)))

	assert.Equal(t, body, string(received))
	out := string(tr.all())
	assert.Contains(t, out, "Content-Length: 5\r\n")
	assert.Contains(t, out, body)
}

// bodyCollector accumulates request body bytes then echoes them back as an
// identity-framed response on End.
type bodyCollector struct {
	buf *[]byte
	w   *ResponseSerializer
}

func (b bodyCollector) Chunk(data []byte, ack Ack) bool {
	*b.buf = append(*b.buf, data...)
	ack()
	return false
}

func (b bodyCollector) End() {
	_ = b.w.WriteResponse(&Response{Status: 200, Transfer: Identity, ContentLength: int64(len(*b.buf))})
	_ = b.w.WriteBody(*b.buf)
	_ = b.w.Done()
}

func TestDriverKeepAliveAcrossThreeRequests(t *testing.T) {
	tr := &fakeTransport{}
	app := &echoApp{status: 200, body: []byte("ok")}
	d := newTestDriver(app, tr)

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Feed([]byte("GET /x HTTP/1.1\r\nHost: x\r\n\r\n")))
		assert.False(t, tr.closed, "connection must stay open across keep-alive requests")
	}
	assert.Equal(t, ConnectionState(KeepAliveWait), d.State())
	out := string(tr.all())
	assert.Contains(t, out, "Connection: Keep-Alive\r\n")
}

func TestDriverConnectionCloseHeaderClosesConnection(t *testing.T) {
	tr := &fakeTransport{}
	app := &echoApp{status: 200, body: []byte("bye")}
	d := newTestDriver(app, tr)

	req := "GET /x HTTP/1.1\r\nHost: x\r\nConnection: close\r\n\r\n"
	require.NoError(t, d.Feed([]byte(req)))

	assert.True(t, tr.closed)
	out := string(tr.all())
	assert.Contains(t, out, "Connection: Close\r\n")
}

func TestDriverIdempotentWriteResponse(t *testing.T) {
	tr := &fakeTransport{}
	app := WebAppFunc(func(req *Request, w *ResponseSerializer) BodyProcessing {
		require.NoError(t, w.WriteResponse(&Response{Status: 200, Transfer: Identity, ContentLength: 2}))
		require.NoError(t, w.WriteResponse(&Response{Status: 500, Transfer: Identity, ContentLength: 0}))
		require.NoError(t, w.WriteBody([]byte("ok")))
		require.NoError(t, w.Done())
		return DiscardBody()
	})
	d := newTestDriver(app, tr)
	require.NoError(t, d.Feed([]byte("GET /x HTTP/1.1\r\nHost: x\r\n\r\n")))

	out := string(tr.all())
	assert.Contains(t, out, "HTTP/1.1 200 OK\r\n")
	assert.NotContains(t, out, "500")
}

func TestDriverResetClearsPerRequestFields(t *testing.T) {
	tr := &fakeTransport{}
	app := &echoApp{status: 200, body: []byte("ok")}
	d := newTestDriver(app, tr)

	require.NoError(t, d.Feed([]byte("GET /first HTTP/1.1\r\nHost: x\r\nX-Foo: bar\r\n\r\n")))

	assert.Equal(t, "", d.target)
	assert.Nil(t, d.headers)
	assert.Equal(t, MethodUnknown, d.method)
	assert.False(t, d.headersWritten)
	assert.False(t, d.isChunked)
}

func TestDriverWriteBodyBeforeResponseIsHandlerMisuse(t *testing.T) {
	tr := &fakeTransport{}
	app := WebAppFunc(func(req *Request, w *ResponseSerializer) BodyProcessing {
		err := w.WriteBody([]byte("x"))
		assert.ErrorIs(t, err, ErrHandlerMisuse)
		require.NoError(t, w.WriteResponse(&Response{Status: 200, Transfer: Identity, ContentLength: 0}))
		require.NoError(t, w.Done())
		return DiscardBody()
	})
	d := newTestDriver(app, tr)
	require.NoError(t, d.Feed([]byte("GET /x HTTP/1.1\r\nHost: x\r\n\r\n")))
}

func TestDriverUpgradeRequestNoHandlerClosesConnection(t *testing.T) {
	tr := &fakeTransport{}
	app := WebAppFunc(func(req *Request, w *ResponseSerializer) BodyProcessing {
		t.Fatal("WebApp.Serve must not be invoked for an upgrade request")
		return DiscardBody()
	})
	d := newTestDriver(app, tr)
	req := "GET /ws HTTP/1.1\r\nHost: x\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"
	require.NoError(t, d.Feed([]byte(req)))
	assert.Equal(t, Upgraded, d.State())
	assert.True(t, tr.closed)
}

func TestDriverUpgradeHandsOffToHandler(t *testing.T) {
	tr := &fakeTransport{}
	var gotTarget string
	handler := upgradeHandlerFunc(func(req *Request, tp Transport) {
		gotTarget = req.Target
	})
	app := WebAppFunc(func(req *Request, w *ResponseSerializer) BodyProcessing {
		t.Fatal("WebApp.Serve must not be invoked for an upgrade request")
		return DiscardBody()
	})
	d := newTestDriver(app, tr)
	d.SetUpgradeHandler(handler)
	req := "GET /ws HTTP/1.1\r\nHost: x\r\nConnection: Upgrade\r\nUpgrade: websocket\r\n\r\n"
	require.NoError(t, d.Feed([]byte(req)))
	assert.Equal(t, "/ws", gotTarget)
	assert.False(t, tr.closed)
}

type upgradeHandlerFunc func(req *Request, t Transport)

func (f upgradeHandlerFunc) HandleUpgrade(req *Request, t Transport) { f(req, t) }

func TestDriverMultiValueHeadersPreserved(t *testing.T) {
	tr := &fakeTransport{}
	var gotHeaders []string
	app := WebAppFunc(func(req *Request, w *ResponseSerializer) BodyProcessing {
		gotHeaders = req.Headers.Get("X-Multi")
		require.NoError(t, w.WriteResponse(&Response{Status: 200, Transfer: Identity, ContentLength: 0}))
		require.NoError(t, w.Done())
		return DiscardBody()
	})
	d := newTestDriver(app, tr)
	req := "GET /x HTTP/1.1\r\nHost: x\r\nX-Multi: a\r\nX-Multi: b\r\n\r\n"
	require.NoError(t, d.Feed([]byte(req)))
	assert.Equal(t, []string{"a", "b"}, gotHeaders)
}

func TestDriverFragmentedFeedAcrossMultipleCalls(t *testing.T) {
	tr := &fakeTransport{}
	app := &echoApp{status: 200, body: []byte("ok")}
	d := newTestDriver(app, tr)

	req := "GET /frag HTTP/1.1\r\nHost: x\r\nX-Thing: value\r\n\r\n"
	for i := 0; i < len(req); i++ {
		require.NoError(t, d.Feed([]byte{req[i]}))
	}
	out := string(tr.all())
	assert.Contains(t, out, "HTTP/1.1 200 OK\r\n")
}

func TestDriverSetsKeepAliveDeadlineAfterResponse(t *testing.T) {
	tr := &fakeTransport{}
	app := &echoApp{status: 200, body: []byte("ok")}
	d := newTestDriver(app, tr)
	require.NoError(t, d.Feed([]byte("GET /x HTTP/1.1\r\nHost: x\r\n\r\n")))
	assert.Equal(t, ConnectionState(KeepAliveWait), d.State())

	deadline, ok := d.KeepAliveDeadline()
	require.True(t, ok)
	assert.False(t, d.ResponseInFlight())
	assert.True(t, time.Now().Before(deadline.Add(time.Hour)))
}
