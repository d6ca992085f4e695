package wireparser

import "errors"

var (
	// ErrHeadersTooLarge is returned when the header section (the request
	// line and line endings are not counted) exceeds the parser's
	// configured maximum.
	ErrHeadersTooLarge = errors.New("wireparser: headers too large")

	// ErrMalformedRequestLine covers any request line that does not
	// scan as "METHOD SP request-target SP HTTP/major.minor".
	ErrMalformedRequestLine = errors.New("wireparser: malformed request line")

	// ErrMalformedHeader covers a header line with no ':' separator.
	ErrMalformedHeader = errors.New("wireparser: malformed header line")

	// ErrInvalidContentLength is returned when a Content-Length value
	// fails to parse as a non-negative decimal integer, or when two
	// Content-Length headers disagree (a classic request-smuggling
	// vector — RFC 7230 §3.3.3 requires rejecting the message).
	ErrInvalidContentLength = errors.New("wireparser: invalid or conflicting Content-Length")

	// ErrInvalidChunkSize is returned when a chunk-size line fails to
	// parse as a hexadecimal integer.
	ErrInvalidChunkSize = errors.New("wireparser: invalid chunk size")

	// ErrCallbackHalted names a halt caused by a Sink callback. Feed does
	// not return it: a non-nil error from a callback halts further parsing
	// of the current message and is returned by Feed unchanged.
	ErrCallbackHalted = errors.New("wireparser: callback halted parsing")
)
