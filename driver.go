package htcore

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/badu/htcore/hdr"
	"github.com/badu/htcore/htlog"
	"github.com/badu/htcore/metrics"
	"github.com/badu/htcore/wireparser"
)

// eventKind mirrors the parser event types the last-event-closure
// accumulator dispatches on.
type eventKind int

const (
	evIdle eventKind = iota
	evMessageBegin
	evURL
	evHeaderField
	evHeaderValue
	evHeadersComplete
	evBody
	evMessageComplete
)

// ConnectionDriver owns one connection's end-to-end lifecycle: it feeds
// raw bytes to a wireparser.Parser, implements wireparser.Sink to bridge
// parser events to a WebApp, and exposes a ResponseSerializer the WebApp
// writes its response through. It is the hardest-working component in
// the package, coordinating the parser, the WebApp, and the Transport.
//
// Fields below the blank line are touched only from the reader context
// that calls Feed — the header map, parser scratch buffer, parsed-request
// fields, and lastEvent all live there with no locking needed. Fields
// above it cross contexts (reader, pruner, and occasionally the writer on
// error) and are guarded by lock.
type ConnectionDriver struct {
	webapp    WebApp
	transport Transport
	counter   KeepAliveCounter
	opts      *Options
	logger    *htlog.Logger
	metrics   *metrics.Registry
	parser    *wireparser.Parser

	lock              sync.Mutex
	responseCompleted bool
	errorOccurred     bool
	keepAliveUntil    time.Time
	hasKeepAliveUntil bool
	state             ConnectionState

	lastEvent         eventKind
	accum             []byte
	pendingHeaderName string
	target            string
	headers           *hdr.Header

	method           Method
	version          HttpVersion
	shouldKeepAlive  bool
	upgradeRequested bool
	bodyProcessing   BodyProcessing

	headersWritten bool
	isChunked      bool
	requestsServed int

	serializer     *ResponseSerializer
	responseStart  time.Time
	upgradeHandler UpgradeHandler
}

// UpgradeHandler receives the connection's Transport when the parser
// detects an upgrade request. Forwarding the post-header bytes is left
// entirely to the handler; the driver only recognizes the upgrade bit
// and hands off or closes.
type UpgradeHandler interface {
	HandleUpgrade(req *Request, t Transport)
}

// NewConnectionDriver constructs a driver for one connection. counter
// backs the Keep-Alive: max= computation; pass opts.Metrics (the
// metrics.Registry itself satisfies KeepAliveCounter) or any stub.
func NewConnectionDriver(webapp WebApp, transport Transport, counter KeepAliveCounter, opts *Options) *ConnectionDriver {
	if opts == nil {
		opts = NewOptions()
	}
	d := &ConnectionDriver{
		webapp:    webapp,
		transport: transport,
		counter:   counter,
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		parser:    wireparser.New(opts.MaxHeaderBytes),
		state:     Idle,
	}
	d.serializer = &ResponseSerializer{d: d}
	return d
}

// SetUpgradeHandler installs the collaborator invoked when a request is
// detected as an upgrade. Without one, an upgrade request is logged and
// the connection is closed; Feed still returns nil.
func (d *ConnectionDriver) SetUpgradeHandler(h UpgradeHandler) { d.upgradeHandler = h }

// State returns the current connection state. Safe to call from any
// context; reads the reader-context-only field without a lock, which is
// fine for observability (a caller racing the reader may see a stale but
// not corrupt value) but must not be used to drive correctness decisions
// from another context.
func (d *ConnectionDriver) State() ConnectionState { return d.state }

// Feed is the sole entry point for the transport's reader context: it
// forwards data to the parser, which synchronously invokes this driver's
// Sink methods.
func (d *ConnectionDriver) Feed(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if d.state == Idle || d.state == KeepAliveWait {
		d.state = ReadingHeaders
		d.clearKeepAliveDeadline()
		d.markResponseStarted()
	}

	n, err := d.parser.Feed(data, d)
	if err == nil && n < len(data) && !d.parser.IsUpgrade() {
		err = fmt.Errorf("parser consumed %d of %d bytes", n, len(data))
	}
	if err != nil {
		d.markErrored()
		return &ProtocolError{Err: err}
	}
	return nil
}

// --- wireparser.Sink ---

func (d *ConnectionDriver) OnMessageBegin() error {
	if err := d.transition(evMessageBegin); err != nil {
		return err
	}
	d.headers = hdr.New(8)
	d.target = ""
	d.accum = d.accum[:0]
	return nil
}

func (d *ConnectionDriver) OnURL(p []byte) error {
	if err := d.transition(evURL); err != nil {
		return err
	}
	d.accum = append(d.accum, p...)
	return nil
}

func (d *ConnectionDriver) OnHeaderField(p []byte) error {
	if err := d.transition(evHeaderField); err != nil {
		return err
	}
	d.accum = append(d.accum, p...)
	return nil
}

func (d *ConnectionDriver) OnHeaderValue(p []byte) error {
	if err := d.transition(evHeaderValue); err != nil {
		return err
	}
	d.accum = append(d.accum, p...)
	return nil
}

func (d *ConnectionDriver) OnHeadersComplete() error {
	if err := d.transition(evHeadersComplete); err != nil {
		return err
	}
	if d.parser.IsUpgrade() {
		// Upgrade requests never produce a subsequent differing parser
		// event in this message (no on_body, no on_message_complete — see
		// wireparser.Parser.finishHeaders), so the generic closure table
		// would never fire. Resolve eagerly in that one case instead of
		// waiting for an event that will never arrive.
		return d.closeCurrentEvent()
	}
	return nil
}

func (d *ConnectionDriver) OnBody(p []byte) error {
	if err := d.transition(evBody); err != nil {
		return err
	}
	return d.dispatchBodyChunk(p)
}

func (d *ConnectionDriver) OnMessageComplete() error {
	if err := d.transition(evMessageComplete); err != nil {
		return err
	}
	return d.finishMessage()
}

// transition applies the last-event closure rule: if next differs from
// lastEvent, the OLD lastEvent's accumulated bytes are materialized
// before lastEvent advances.
func (d *ConnectionDriver) transition(next eventKind) error {
	if d.lastEvent == next {
		return nil
	}
	if err := d.closeCurrentEvent(); err != nil {
		return err
	}
	d.lastEvent = next
	return nil
}

// closeCurrentEvent materializes whatever lastEvent was accumulating.
func (d *ConnectionDriver) closeCurrentEvent() error {
	switch d.lastEvent {
	case evHeaderField:
		d.pendingHeaderName = string(d.accum)
		d.accum = d.accum[:0]
	case evHeaderValue:
		d.headers.Append(d.pendingHeaderName, string(d.accum))
		d.accum = d.accum[:0]
	case evURL:
		d.target = string(d.accum)
		d.accum = d.accum[:0]
	case evHeadersComplete:
		return d.resolveHeadersComplete()
	case evMessageBegin, evMessageComplete, evBody, evIdle:
		// no-op: nothing to close out for these events
	}
	return nil
}

// resolveHeadersComplete is the "headers-complete" closure step: resolve
// method/version/keep-alive/upgrade, then either mark Upgraded (no
// WebApp dispatch) or build the Request and invoke the WebApp.
func (d *ConnectionDriver) resolveHeadersComplete() error {
	d.method = d.parser.Method()
	d.version = HttpVersion{Major: d.parser.HTTPMajor(), Minor: d.parser.HTTPMinor()}
	d.shouldKeepAlive = d.parser.ShouldKeepAlive()
	d.upgradeRequested = d.parser.IsUpgrade()

	if err := d.validateHeaders(); err != nil {
		return err
	}

	if d.upgradeRequested {
		d.state = Upgraded
		req := &Request{Method: d.method, Target: d.target, Version: d.version, Headers: d.headers}
		if d.upgradeHandler != nil {
			d.upgradeHandler.HandleUpgrade(req, d.transport)
		} else {
			d.logger.Logf("htcore: upgrade requested for %s %s with no handler configured", d.method, d.target)
			_ = d.transport.Close()
		}
		return nil
	}

	expect := strings.TrimSpace(d.headers.GetFirst(hdr.Expect))
	if expect != "" && !strings.EqualFold(expect, "100-continue") {
		return d.sendExpectationFailed()
	}

	d.state = ReadingBody
	req := &Request{
		Method:          d.method,
		Target:          d.target,
		Version:         d.version,
		Headers:         d.headers,
		ExpectsContinue: strings.EqualFold(expect, "100-continue"),
	}
	d.bodyProcessing = d.webapp.Serve(req, d.serializer)
	return nil
}

// validateHeaders runs the Host-header and field-name/value checks once
// per request, at headers-complete, generalized from a single-shot
// per-connection validation into a per-request one.
func (d *ConnectionDriver) validateHeaders() error {
	hosts := d.headers.Get(hdr.Host)
	if d.version.Major == 1 && d.version.Minor >= 1 && len(hosts) == 0 && d.method != MethodCONNECT {
		return ErrMissingHostHeader
	}
	if len(hosts) > 1 {
		return ErrTooManyHostHeaders
	}
	if len(hosts) == 1 && !hdr.ValidHostHeader(hosts[0]) {
		return ErrMalformedHostHeader
	}
	for _, f := range d.headers.Iterate() {
		if !hdr.ValidFieldName(f.Name) {
			return ErrInvalidHeaderName
		}
		if !hdr.ValidFieldValue(f.Value) {
			return ErrInvalidHeaderValue
		}
	}
	return nil
}

// sendExpectationFailed replies 417 and closes the connection for an
// Expect value other than 100-continue, without ever invoking the
// WebApp — RFC 2616 §14.20: "If a server receives a request containing
// an Expect field that includes an expectation-extension that it does
// not support, it MUST respond with a 417 (Expectation Failed) status."
func (d *ConnectionDriver) sendExpectationFailed() error {
	d.state = ReadingBody
	d.shouldKeepAlive = false
	if err := d.serializer.WriteResponse(&Response{Status: 417, Transfer: Identity, ContentLength: 0}); err != nil {
		return err
	}
	return d.serializer.Done()
}

// dispatchBodyChunk delivers one on_body event to the active handler
// immediately — unlike header/URL fragments, body bytes are never
// accumulated: dispatch is handled here, not by the closure mechanism.
func (d *ConnectionDriver) dispatchBodyChunk(p []byte) error {
	if d.bodyProcessing.discard || d.bodyProcessing.handler == nil {
		return nil
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	if d.bodyProcessing.handler.Chunk(cp, func() {}) {
		d.bodyProcessing = DiscardBody()
	}
	return nil
}

// finishMessage moves the state machine from ReadingBody to
// AwaitingResponse (a response already finished during this message keeps
// its later state), then delivers End to an active handler exactly once.
// Per-request fields
// (method, target, version, headers, lastEvent, headersWritten,
// isChunked) are reset later, once the response finishes. Consolidating
// the reset there — rather than splitting it between message-complete and
// response-finish — doesn't change observable behavior since pipelined
// request interleaving (serving a second request before the first's
// response completes) is out of scope for this connection model.
func (d *ConnectionDriver) finishMessage() error {
	if d.state == ReadingBody {
		d.state = AwaitingResponse
	}
	if d.bodyProcessing.handler != nil {
		d.bodyProcessing.handler.End()
	}
	d.bodyProcessing = BodyProcessing{}
	return nil
}

// --- keep-alive / availability bookkeeping ---

// availableConnections computes N = MaxRequestsPerConnection −
// liveConnectionCount, the value advertised as Keep-Alive: max=.
func (d *ConnectionDriver) availableConnections() int {
	n := d.opts.MaxRequestsPerConnection - d.counter.CurrentConnections()
	if n < 0 {
		return 0
	}
	return n
}

func (d *ConnectionDriver) setKeepAliveDeadline() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.keepAliveUntil = time.Now().Add(d.opts.KeepAliveTimeout)
	d.hasKeepAliveUntil = true
}

func (d *ConnectionDriver) clearKeepAliveDeadline() {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.hasKeepAliveUntil = false
}

// KeepAliveDeadline reports the deadline set once a response finishes,
// for the idle pruner. keepAliveUntil crosses contexts, so it's read and
// written under the same mutex as the rest of the cross-context fields.
func (d *ConnectionDriver) KeepAliveDeadline() (time.Time, bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.keepAliveUntil, d.hasKeepAliveUntil
}

// ResponseInFlight reports whether a response is currently being
// written, for the idle pruner's "no response in flight" guard.
func (d *ConnectionDriver) ResponseInFlight() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return !d.responseCompleted && d.state != KeepAliveWait && d.state != Idle
}

func (d *ConnectionDriver) markResponseCompleted() {
	d.lock.Lock()
	d.responseCompleted = true
	d.lock.Unlock()
}

func (d *ConnectionDriver) markResponseStarted() {
	d.lock.Lock()
	d.responseCompleted = false
	d.lock.Unlock()
}

func (d *ConnectionDriver) markErrored() {
	d.lock.Lock()
	d.errorOccurred = true
	d.lock.Unlock()
	d.state = Errored
	_ = d.transport.Close()
	d.state = Closed
}

// ErrorOccurred reports whether this connection has hit a terminal I/O
// or protocol error.
func (d *ConnectionDriver) ErrorOccurred() bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.errorOccurred
}

// resetPerRequestState clears every parsed-request field and retains
// (does not reallocate) the parser instance so the same connection can
// serve its next request.
func (d *ConnectionDriver) resetPerRequestState() {
	d.method = MethodUnknown
	d.target = ""
	d.headers = nil
	d.version = HttpVersion{}
	d.accum = d.accum[:0]
	d.pendingHeaderName = ""
	d.lastEvent = evIdle
	d.headersWritten = false
	d.isChunked = false
	d.upgradeRequested = false
	d.bodyProcessing = BodyProcessing{}
	d.parser.Reset()
}
