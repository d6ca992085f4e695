package htcore

import (
	"bytes"
	"strconv"
	"time"

	"github.com/badu/htcore/hdr"
)

// ResponseSerializer is the WebApp-facing surface that renders status
// line, headers, and chunked/identity body framing into byte writes
// queued on the connection's Transport. All mutable per-response state
// (headersWritten, isChunked) lives on the owning ConnectionDriver,
// since it gets cleared alongside the driver's own parsed-request
// bookkeeping once the response finishes.
//
// Every method here returns a plain error instead of a
// completion(success)-callback: since none of these calls cross an
// async boundary of their own (the Transport's write queue, not this
// serializer, is where true asynchrony lives), a synchronous error
// return reports real failure at least as well as a callback would,
// more idiomatically for Go.
type ResponseSerializer struct {
	d *ConnectionDriver
}

// WriteContinue emits "HTTP/1.1 100 Continue\r\n" plus optional headers
// and a terminating blank line. Permitted only before WriteResponse; a
// call after headers were written is a silent no-op.
func (rs *ResponseSerializer) WriteContinue(extra *hdr.Header) error {
	d := rs.d
	if d.headersWritten {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 100 Continue\r\n")
	if extra != nil {
		if err := extra.WriteTo(&buf); err != nil {
			return err
		}
	}
	buf.WriteString("\r\n")
	return rs.enqueue(buf.Bytes())
}

// WriteResponse renders the status line, framing header
// (Transfer-Encoding: chunked or Content-Length: N), every user header
// verbatim, the computed Connection/Keep-Alive header, and the
// terminating blank line. A second call on the same request is a silent
// no-op.
func (rs *ResponseSerializer) WriteResponse(resp *Response) error {
	d := rs.d
	if d.headersWritten {
		return nil
	}

	d.markResponseStarted()
	d.responseStart = time.Now()
	if d.state == AwaitingResponse {
		d.state = WritingResponse
	}

	reason := resp.Reason
	if reason == "" {
		reason = ReasonPhrase(resp.Status)
	}

	var buf bytes.Buffer
	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(resp.Status))
	buf.WriteByte(' ')
	buf.WriteString(reason)
	buf.WriteString("\r\n")

	isChunked := resp.Transfer == Chunked
	if isChunked {
		buf.WriteString("Transfer-Encoding: chunked\r\n")
	} else {
		buf.WriteString("Content-Length: ")
		buf.WriteString(strconv.FormatInt(resp.ContentLength, 10))
		buf.WriteString("\r\n")
	}

	if resp.Headers != nil {
		if err := resp.Headers.WriteTo(&buf); err != nil {
			return err
		}
	}

	available := d.availableConnections()
	if d.shouldKeepAlive && available > 0 && d.requestsServed+1 < d.opts.MaxRequestsPerConnection {
		buf.WriteString("Connection: Keep-Alive\r\n")
		buf.WriteString("Keep-Alive: timeout=")
		buf.WriteString(strconv.Itoa(int(d.opts.KeepAliveTimeout.Seconds())))
		buf.WriteString(", max=")
		buf.WriteString(strconv.Itoa(available))
		buf.WriteString("\r\n")
	} else {
		buf.WriteString("Connection: Close\r\n")
	}
	buf.WriteString("\r\n")

	d.isChunked = isChunked
	d.headersWritten = true

	return rs.enqueue(buf.Bytes())
}

// WriteBody writes one body fragment. Rejected with ErrHandlerMisuse if
// headers have not been written yet. An empty fragment is a no-op that
// still reports success.
func (rs *ResponseSerializer) WriteBody(p []byte) error {
	d := rs.d
	if !d.headersWritten {
		return ErrHandlerMisuse
	}
	if len(p) == 0 {
		return nil
	}
	if d.isChunked {
		var buf bytes.Buffer
		buf.WriteString(strconv.FormatInt(int64(len(p)), 16))
		buf.WriteString("\r\n")
		buf.Write(p)
		buf.WriteString("\r\n")
		return rs.enqueue(buf.Bytes())
	}
	return rs.enqueue(p)
}

// WriteTrailer is declared but permanently unimplemented: the source
// treats it as fatal; this port reports it as a structured error
// instead of crashing the connection.
func (rs *ResponseSerializer) WriteTrailer(key, value string) error {
	return ErrUnsupportedOperation
}

// Done finalizes the response: emits the chunked terminator if framed as
// chunked, resets per-request state, and either schedules an idle close
// (keep-alive) or requests the writer close the connection.
func (rs *ResponseSerializer) Done() error {
	d := rs.d

	if d.isChunked {
		if err := rs.enqueue([]byte("0\r\n\r\n")); err != nil {
			return err
		}
	}

	if d.metrics != nil {
		d.metrics.RequestServed()
		d.metrics.ObserveWriteLatency(time.Since(d.responseStart))
	}
	d.requestsServed++
	d.markResponseCompleted()

	keepAlive := d.shouldKeepAlive && d.availableConnections() > 0 && d.requestsServed < d.opts.MaxRequestsPerConnection
	d.resetPerRequestState()

	if keepAlive {
		d.state = KeepAliveWait
		d.setKeepAliveDeadline()
		return nil
	}

	d.state = Closing
	err := d.transport.Close()
	d.state = Closed
	return err
}

// Abort is unrecoverable: it marks the connection Errored and closes it.
func (rs *ResponseSerializer) Abort() error {
	rs.d.markErrored()
	return nil
}

func (rs *ResponseSerializer) enqueue(p []byte) error {
	if err := rs.d.transport.QueueWrite(p); err != nil {
		rs.d.markErrored()
		return &TransportWriteError{Err: err}
	}
	return nil
}
