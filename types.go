// Package htcore is a streaming HTTP/1.1 server core: a connection-bound
// state machine that incrementally parses requests, dispatches each to a
// WebApp, and serializes the WebApp's streamed response back onto the
// same byte-stream connection. It owns keep-alive, idle-timeout, and
// upgrade-detection policy; it does not own the socket accept loop, TLS
// negotiation, or request routing — see the transport package for the
// collaborator that drives bytes in and out of a ConnectionDriver.
package htcore

import (
	"fmt"

	"github.com/badu/htcore/hdr"
	"github.com/badu/htcore/wireparser"
)

// Method re-exports wireparser's normalized method token so callers never
// need to import wireparser directly just to compare req.Method.
type Method = wireparser.Method

const (
	MethodUnknown = wireparser.MethodUnknown
	MethodGET     = wireparser.MethodGET
	MethodHEAD    = wireparser.MethodHEAD
	MethodPOST    = wireparser.MethodPOST
	MethodPUT     = wireparser.MethodPUT
	MethodDELETE  = wireparser.MethodDELETE
	MethodCONNECT = wireparser.MethodCONNECT
	MethodOPTIONS = wireparser.MethodOPTIONS
	MethodTRACE   = wireparser.MethodTRACE
	MethodPATCH   = wireparser.MethodPATCH
)

// HttpVersion is the request or response protocol version, e.g. {1, 1}
// for HTTP/1.1.
type HttpVersion struct {
	Major int
	Minor int
}

func (v HttpVersion) String() string {
	return fmt.Sprintf("HTTP/%d.%d", v.Major, v.Minor)
}

// Request is immutable once built by ConnectionDriver at headers-complete
// and is discarded once the handler's body processing reaches End or the
// connection aborts.
type Request struct {
	Method  Method
	Target  string
	Version HttpVersion
	Headers *hdr.Header
	// ExpectsContinue reports whether the request carried
	// "Expect: 100-continue". The driver never sends the interim 100
	// response on the WebApp's behalf; a WebApp that wants one calls
	// ResponseSerializer.WriteContinue before reading the body further.
	ExpectsContinue bool
}

// TransferEncoding selects how Response writes its body.
type TransferEncoding int

const (
	// Identity frames the body with a Content-Length header; ContentLength
	// must be set accordingly.
	Identity TransferEncoding = iota
	// Chunked frames the body as a sequence of hex-length-prefixed chunks
	// terminated by "0\r\n\r\n".
	Chunked
)

// Response describes the status line and framing a WebApp hands to
// writeResponse. Headers should not include Content-Length,
// Transfer-Encoding, or Connection/Keep-Alive — ResponseSerializer
// computes and emits those itself.
type Response struct {
	Version       HttpVersion
	Status        int
	Reason        string // optional; ReasonPhrase(Status) used when empty
	Transfer      TransferEncoding
	ContentLength int64 // meaningful only when Transfer == Identity
	Headers       *hdr.Header
}

// Ack is invoked by a BodyHandler to acknowledge it has finished with the
// bytes passed to Chunk. In this port the driver dispatches one chunk at
// a time and does not block on Ack (spec's design notes prefer explicit
// back-pressure over the source's busy-dispatch loop) — Ack exists so a
// handler can still mark its own bookkeeping complete, and so the
// interface mirrors the source's Chunk(bytes, ack) shape.
type Ack func()

// BodyHandler receives request-body chunks after a WebApp opts into
// ProcessBody. Chunk returns stop=true to request no further callbacks (the
// driver then discards the remainder of the body and does not deliver End).
// Otherwise End is delivered exactly once, when the message is fully parsed.
type BodyHandler interface {
	Chunk(data []byte, ack Ack) (stop bool)
	End()
}

// BodyProcessing is the WebApp's tagged-choice continuation: either
// DiscardBody() or ProcessBody(handler).
type BodyProcessing struct {
	discard bool
	handler BodyHandler
}

// DiscardBody tells the driver to drop future body bytes without
// buffering or dispatching them.
func DiscardBody() BodyProcessing {
	return BodyProcessing{discard: true}
}

// ProcessBody registers handler to receive the request body as it
// streams in.
func ProcessBody(handler BodyHandler) BodyProcessing {
	return BodyProcessing{handler: handler}
}

// ConnectionState is the connection-wide lifecycle state.
type ConnectionState int

const (
	Idle ConnectionState = iota
	ReadingHeaders
	HeadersComplete
	ReadingBody
	AwaitingResponse
	WritingResponse
	KeepAliveWait
	Upgraded
	Closing
	Closed
	Errored
)

func (s ConnectionState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case ReadingHeaders:
		return "ReadingHeaders"
	case HeadersComplete:
		return "HeadersComplete"
	case ReadingBody:
		return "ReadingBody"
	case AwaitingResponse:
		return "AwaitingResponse"
	case WritingResponse:
		return "WritingResponse"
	case KeepAliveWait:
		return "KeepAliveWait"
	case Upgraded:
		return "Upgraded"
	case Closing:
		return "Closing"
	case Closed:
		return "Closed"
	case Errored:
		return "Errored"
	default:
		return "Unknown"
	}
}

// KeepAliveCounter is a read-only live-connection snapshot consulted once
// per response to compute the advertised Keep-Alive: max=. The metrics
// package provides the production implementation; tests may supply a
// fixed-value stub.
type KeepAliveCounter interface {
	CurrentConnections() int
}

// Transport is the capability ConnectionDriver needs from its transport
// collaborator: enqueue a write, learn whether the stream is still open,
// and request a close. See the transport package for the production
// implementation (reader/writer contexts, FIFO write queue, idle pruner).
type Transport interface {
	QueueWrite(p []byte) error
	IsOpen() bool
	Close() error
}

// WebApp is the application capability invoked once per request, at
// headers-complete, with the parsed Request and a ResponseSerializer
// bound to the same connection.
type WebApp interface {
	Serve(req *Request, w *ResponseSerializer) BodyProcessing
}

// WebAppFunc adapts a plain function to the WebApp interface.
type WebAppFunc func(req *Request, w *ResponseSerializer) BodyProcessing

func (f WebAppFunc) Serve(req *Request, w *ResponseSerializer) BodyProcessing {
	return f(req, w)
}
