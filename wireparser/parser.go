package wireparser

import (
	"strconv"
	"strings"
)

type pstate int

const (
	pStart pstate = iota // tolerates stray leading CR/LF before a request line (RFC 2616 §4.1)
	pMethod
	pSpacesBeforeURL
	pURL
	pSpacesBeforeVersion
	pH
	pHT
	pHTT
	pHTTP
	pVersionMajor
	pVersionDot
	pVersionMinor
	pRequestLineCR
	pRequestLineLF
	pHeaderLineStart
	pHeaderName
	pHeaderValueOWS
	pHeaderValue
	pHeaderValueCR
	pHeadersAlmostDone
	pBodyIdentity
	pChunkSizeStart
	pChunkSize
	pChunkExt
	pChunkSizeCR
	pChunkData
	pChunkDataCR
	pChunkDataLF
	pTrailerLineStart
	pTrailerLine
	pTrailerAlmostDone
	pMessageDone
)

type headerKind int

const (
	khNone headerKind = iota
	khContentLength
	khTransferEncoding
	khConnection
	khUpgrade
)

// Parser is an incremental HTTP/1.1 request parser. The zero value is not
// ready for use; construct one with New. A single Parser instance is meant
// to be retained across an entire keep-alive connection and Reset between
// requests so the same connection can serve its next request without
// reallocating.
type Parser struct {
	maxHeaderBytes int

	state          pstate
	headerBytesLen int

	// request-line accumulation (small, always bounded by one token)
	tok strings.Builder

	method Method
	major  int
	minor  int

	curName       strings.Builder
	curNameKind   headerKind
	curValue      strings.Builder
	curValueFirst bool // whether curValue has any content yet, for OWS-join on folds

	sawConnectionClose     bool
	sawConnectionKeepAlive bool
	sawConnectionUpgrade   bool
	sawUpgradeHeader       bool
	sawTransferEncoding    bool
	chunked                bool
	sawContentLength       bool
	contentLength          int64

	upgrade      bool
	keepAlive    bool
	bodyRemain   int64
	chunkRemain  int64

	// mark is the start offset (within the current Feed's data) of a
	// span not yet flushed to the Sink; -1 when nothing is pending. A Feed
	// that begins inside a URL, header name or header value starts with
	// mark at 0, so a field split across Feed calls is delivered whole.
	mark int
}

// New returns a Parser that rejects any request whose header section
// (field names, colons, whitespace and values; not the request line or
// line endings) exceeds maxHeaderBytes. Zero or less means no limit.
func New(maxHeaderBytes int) *Parser {
	p := &Parser{maxHeaderBytes: maxHeaderBytes}
	p.Reset()
	return p
}

// Reset returns the parser to its initial state so it can parse the next
// request on the same connection.
func (p *Parser) Reset() {
	p.state = pStart
	p.headerBytesLen = 0
	p.tok.Reset()
	p.method = MethodUnknown
	p.major, p.minor = 0, 0
	p.curName.Reset()
	p.curNameKind = khNone
	p.curValue.Reset()
	p.curValueFirst = true
	p.sawConnectionClose = false
	p.sawConnectionKeepAlive = false
	p.sawConnectionUpgrade = false
	p.sawUpgradeHeader = false
	p.sawTransferEncoding = false
	p.chunked = false
	p.sawContentLength = false
	p.contentLength = -1
	p.upgrade = false
	p.keepAlive = false
	p.bodyRemain = 0
	p.chunkRemain = 0
	p.mark = -1
}

// Method, HTTPMajor, HTTPMinor, ShouldKeepAlive and IsUpgrade are only
// meaningful after OnHeadersComplete has fired.
func (p *Parser) Method() Method        { return p.method }
func (p *Parser) HTTPMajor() int        { return p.major }
func (p *Parser) HTTPMinor() int        { return p.minor }
func (p *Parser) ShouldKeepAlive() bool { return p.keepAlive }
func (p *Parser) IsUpgrade() bool       { return p.upgrade }
func (p *Parser) ContentLength() int64  { return p.contentLength }
func (p *Parser) IsChunked() bool       { return p.chunked }

// Feed parses as much of data as forms complete, well-formed HTTP/1.1
// grammar and returns the number of bytes consumed. consumed < len(data)
// signals an upgrade handoff (IsUpgrade()==true, err==nil — the
// remaining bytes belong to the upgrade collaborator, not this parser),
// a protocol error (err != nil), or bytes that follow a completed message
// before Reset (err==nil, IsUpgrade()==false).
func (p *Parser) Feed(data []byte, sink Sink) (consumed int, err error) {
	i := 0
	n := len(data)

	switch p.state {
	case pURL, pHeaderName, pHeaderValue:
		p.mark = 0
	}

	flush := func(end int) error {
		if p.mark < 0 || end <= p.mark {
			p.mark = -1
			return nil
		}
		span := data[p.mark:end]
		p.mark = -1
		switch p.state {
		case pURL:
			return sink.OnURL(span)
		case pHeaderName:
			p.curName.Write(span)
			return sink.OnHeaderField(span)
		case pHeaderValue:
			p.curValue.Write(span)
			return sink.OnHeaderValue(span)
		}
		return nil
	}

	for i < n {
		b := data[i]

		switch p.state {
		case pStart:
			if b == '\r' || b == '\n' {
				i++
				continue
			}
			if err = sink.OnMessageBegin(); err != nil {
				return i, wrapHalt(err)
			}
			p.state = pMethod
			p.tok.Reset()
			p.tok.WriteByte(b)
			i++

		case pMethod:
			if b == ' ' {
				p.method = ClassifyMethod(p.tok.String())
				p.state = pSpacesBeforeURL
				i++
				continue
			}
			p.tok.WriteByte(b)
			i++

		case pSpacesBeforeURL:
			if b == ' ' {
				i++
				continue
			}
			p.state = pURL
			p.mark = i
			// falls through to the pURL case on the next loop iteration
			// without advancing i, since this byte hasn't been classified yet

		case pURL:
			if b == ' ' {
				if err = flush(i); err != nil {
					return i, err
				}
				p.state = pSpacesBeforeVersion
			}
			i++

		case pSpacesBeforeVersion:
			if b == ' ' {
				i++
				continue
			}
			if b != 'H' {
				return i, ErrMalformedRequestLine
			}
			p.state = pH
			i++

		case pH:
			if b != 'T' {
				return i, ErrMalformedRequestLine
			}
			p.state = pHT
			i++
		case pHT:
			if b != 'T' {
				return i, ErrMalformedRequestLine
			}
			p.state = pHTT
			i++
		case pHTT:
			if b != 'P' {
				return i, ErrMalformedRequestLine
			}
			p.state = pHTTP
			i++
		case pHTTP:
			if b != '/' {
				return i, ErrMalformedRequestLine
			}
			p.state = pVersionMajor
			p.tok.Reset()
			i++

		case pVersionMajor:
			if b == '.' {
				v, e := strconv.Atoi(p.tok.String())
				if e != nil {
					return i, ErrMalformedRequestLine
				}
				p.major = v
				p.tok.Reset()
				p.state = pVersionDot
				i++
				continue
			}
			if b < '0' || b > '9' {
				return i, ErrMalformedRequestLine
			}
			p.tok.WriteByte(b)
			i++

		case pVersionDot:
			// single synthetic state: re-dispatch straight into minor digits
			p.state = pVersionMinor
			continue

		case pVersionMinor:
			if b == '\r' || b == '\n' {
				v, e := strconv.Atoi(p.tok.String())
				if e != nil {
					return i, ErrMalformedRequestLine
				}
				p.minor = v
				p.tok.Reset()
				p.state = pRequestLineCR
				continue
			}
			if b < '0' || b > '9' {
				return i, ErrMalformedRequestLine
			}
			p.tok.WriteByte(b)
			i++

		case pRequestLineCR:
			if b == '\r' {
				i++
				p.state = pRequestLineLF
				continue
			}
			if b == '\n' {
				i++
				p.state = pHeaderLineStart
				continue
			}
			return i, ErrMalformedRequestLine

		case pRequestLineLF:
			if b != '\n' {
				return i, ErrMalformedRequestLine
			}
			i++
			p.state = pHeaderLineStart

		case pHeaderLineStart:
			if b == '\r' {
				i++
				p.state = pHeadersAlmostDone
				continue
			}
			if b == '\n' {
				i++
				if err = p.finishHeaders(sink); err != nil {
					return i, err
				}
				continue
			}
			if (b == ' ' || b == '\t') && !p.curValueFirst {
				// obsolete line folding: continuation of the previous value
				p.curValue.WriteByte(' ')
				p.state = pHeaderValueOWS
				i++
				continue
			}
			if err = p.commitCurrentHeader(); err != nil {
				return i, err
			}
			p.curName.Reset()
			p.curValue.Reset()
			p.curValueFirst = true
			p.curNameKind = khNone
			p.state = pHeaderName
			p.mark = i

		case pHeaderName:
			if b == ':' {
				if err = flush(i); err != nil {
					return i, err
				}
				p.curNameKind = classifyHeaderName(p.curName.String())
				p.state = pHeaderValueOWS
			}
			if b == '\r' || b == '\n' {
				return i, ErrMalformedHeader
			}
			if err = p.countHeaderByte(); err != nil {
				return i, err
			}
			i++

		case pHeaderValueOWS:
			if b == ' ' || b == '\t' {
				i++
				if err = p.countHeaderByte(); err != nil {
					return i, err
				}
				continue
			}
			p.state = pHeaderValue
			p.mark = i

		case pHeaderValue:
			if b == '\r' {
				if err = flush(i); err != nil {
					return i, err
				}
				p.curValueFirst = false
				i++
				p.state = pHeaderValueCR
				continue
			}
			if b == '\n' {
				if err = flush(i); err != nil {
					return i, err
				}
				p.curValueFirst = false
				i++
				if err = p.maybeFoldOrEndValue(sink); err != nil {
					return i, err
				}
				continue
			}
			if err = p.countHeaderByte(); err != nil {
				return i, err
			}
			i++

		case pHeaderValueCR:
			if b != '\n' {
				return i, ErrMalformedHeader
			}
			i++
			if err = p.maybeFoldOrEndValue(sink); err != nil {
				return i, err
			}

		case pHeadersAlmostDone:
			if b != '\n' {
				return i, ErrMalformedRequestLine
			}
			i++
			if err = p.finishHeaders(sink); err != nil {
				return i, err
			}

		case pBodyIdentity:
			take := int64(n - i)
			if take > p.bodyRemain {
				take = p.bodyRemain
			}
			if take > 0 {
				if err = sink.OnBody(data[i : i+int(take)]); err != nil {
					return i, wrapHalt(err)
				}
				i += int(take)
				p.bodyRemain -= take
			}
			if p.bodyRemain == 0 {
				p.state = pMessageDone
				if err = sink.OnMessageComplete(); err != nil {
					return i, wrapHalt(err)
				}
			}

		case pChunkSizeStart, pChunkSize:
			if isHexDigit(b) {
				p.tok.WriteByte(b)
				p.state = pChunkSize
				i++
				continue
			}
			if b == ';' {
				p.state = pChunkExt
				i++
				continue
			}
			if b == '\r' {
				if err = p.finishChunkSizeLine(); err != nil {
					return i, err
				}
				p.state = pChunkSizeCR
				i++
				continue
			}
			if b == '\n' {
				if err = p.finishChunkSizeLine(); err != nil {
					return i, err
				}
				i++
				if err = p.afterChunkSizeLine(sink); err != nil {
					return i, err
				}
				continue
			}
			return i, ErrInvalidChunkSize

		case pChunkExt:
			if b == '\r' {
				if err = p.finishChunkSizeLine(); err != nil {
					return i, err
				}
				p.state = pChunkSizeCR
			} else if b == '\n' {
				if err = p.finishChunkSizeLine(); err != nil {
					return i, err
				}
				i++
				if err = p.afterChunkSizeLine(sink); err != nil {
					return i, err
				}
				continue
			}
			i++

		case pChunkSizeCR:
			if b != '\n' {
				return i, ErrInvalidChunkSize
			}
			i++
			if err = p.afterChunkSizeLine(sink); err != nil {
				return i, err
			}

		case pChunkData:
			take := int64(n - i)
			if take > p.chunkRemain {
				take = p.chunkRemain
			}
			if take > 0 {
				if err = sink.OnBody(data[i : i+int(take)]); err != nil {
					return i, wrapHalt(err)
				}
				i += int(take)
				p.chunkRemain -= take
			}
			if p.chunkRemain == 0 {
				p.state = pChunkDataCR
			}

		case pChunkDataCR:
			if b != '\r' {
				return i, ErrInvalidChunkSize
			}
			i++
			p.state = pChunkDataLF

		case pChunkDataLF:
			if b != '\n' {
				return i, ErrInvalidChunkSize
			}
			i++
			p.state = pChunkSizeStart
			p.tok.Reset()

		case pTrailerLineStart:
			if b == '\r' {
				i++
				p.state = pTrailerAlmostDone
				continue
			}
			if b == '\n' {
				i++
				p.state = pMessageDone
				if err = sink.OnMessageComplete(); err != nil {
					return i, wrapHalt(err)
				}
				continue
			}
			p.state = pTrailerLine
			i++

		case pTrailerLine:
			if b == '\n' {
				p.state = pTrailerLineStart
			}
			i++

		case pTrailerAlmostDone:
			if b != '\n' {
				return i, ErrMalformedHeader
			}
			i++
			p.state = pMessageDone
			if err = sink.OnMessageComplete(); err != nil {
				return i, wrapHalt(err)
			}

		case pMessageDone:
			// Nothing more belongs to this parser until Reset(); treat
			// any trailing bytes as unconsumed rather than erroring, so
			// a caller can decide (pipelining is out of scope, but we
			// should not panic on a client that got ahead of itself).
			return i, nil
		}
	}

	if p.mark >= 0 {
		if err = flush(n); err != nil {
			return n, err
		}
	}
	return n, nil
}

func wrapHalt(err error) error {
	if err == nil {
		return nil
	}
	return err
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

// countHeaderByte enforces the configured header-size ceiling; it is
// called once per header byte consumed regardless of which span it
// belongs to.
func (p *Parser) countHeaderByte() error {
	p.headerBytesLen++
	if p.maxHeaderBytes > 0 && p.headerBytesLen > p.maxHeaderBytes {
		return ErrHeadersTooLarge
	}
	return nil
}

func classifyHeaderName(name string) headerKind {
	switch {
	case strings.EqualFold(name, "Content-Length"):
		return khContentLength
	case strings.EqualFold(name, "Transfer-Encoding"):
		return khTransferEncoding
	case strings.EqualFold(name, "Connection"):
		return khConnection
	case strings.EqualFold(name, "Upgrade"):
		return khUpgrade
	default:
		return khNone
	}
}

// maybeFoldOrEndValue is called right after a header-value line's LF. The
// value isn't committed here: pHeaderLineStart still has to see whether
// the next line starts with OWS (obsolete line folding, value continues)
// before the value is actually final, so committing happens there —
// either when a new header name starts or when the blank line ending the
// section is reached (finishHeaders).
func (p *Parser) maybeFoldOrEndValue(sink Sink) error {
	p.state = pHeaderLineStart
	return nil
}

// finishHeaders runs the last value through special-header processing
// (the value can't have folded further since the blank line ended the
// section), resolves should-keep-alive/upgrade, and fires
// OnHeadersComplete.
func (p *Parser) finishHeaders(sink Sink) error {
	if err := p.commitCurrentHeader(); err != nil {
		return err
	}

	if p.method == MethodCONNECT {
		p.upgrade = true
	} else {
		p.upgrade = p.sawUpgradeHeader && p.sawConnectionUpgrade
	}

	switch {
	case p.sawConnectionClose:
		p.keepAlive = false
	case p.major == 1 && p.minor == 1:
		p.keepAlive = true
	case p.major == 1 && p.minor == 0:
		p.keepAlive = p.sawConnectionKeepAlive
	default:
		p.keepAlive = false
	}

	if err := sink.OnHeadersComplete(); err != nil {
		return wrapHalt(err)
	}

	if p.upgrade {
		p.state = pMessageDone
		return nil
	}

	switch {
	case p.chunked:
		p.state = pChunkSizeStart
		p.tok.Reset()
	case p.sawContentLength && p.contentLength > 0:
		p.bodyRemain = p.contentLength
		p.state = pBodyIdentity
	default:
		p.state = pMessageDone
		return sink.OnMessageComplete()
	}
	return nil
}

// commitCurrentHeader is invoked once per header line, when the next header
// line starts or the blank line ending the section is reached, with the
// full (possibly fold-joined) name/value in curName/curValue.
func (p *Parser) commitCurrentHeader() error {
	if p.curNameKind == khNone {
		return nil
	}
	value := strings.TrimSpace(p.curValue.String())
	switch p.curNameKind {
	case khContentLength:
		n, err := strconv.ParseInt(value, 10, 63)
		if err != nil || n < 0 {
			return ErrInvalidContentLength
		}
		if p.sawContentLength && p.contentLength != n {
			return ErrInvalidContentLength
		}
		p.sawContentLength = true
		p.contentLength = n
	case khTransferEncoding:
		p.sawTransferEncoding = true
		p.chunked = lastToken(value) == "chunked"
	case khConnection:
		for _, tok := range splitTokens(value) {
			switch strings.ToLower(tok) {
			case "close":
				p.sawConnectionClose = true
			case "keep-alive":
				p.sawConnectionKeepAlive = true
			case "upgrade":
				p.sawConnectionUpgrade = true
			}
		}
	case khUpgrade:
		p.sawUpgradeHeader = true
	}
	return nil
}

func splitTokens(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func lastToken(value string) string {
	toks := splitTokens(value)
	if len(toks) == 0 {
		return strings.ToLower(strings.TrimSpace(value))
	}
	return strings.ToLower(toks[len(toks)-1])
}

func (p *Parser) finishChunkSizeLine() error {
	text := p.tok.String()
	p.tok.Reset()
	if text == "" {
		return ErrInvalidChunkSize
	}
	size, err := strconv.ParseInt(text, 16, 63)
	if err != nil || size < 0 {
		return ErrInvalidChunkSize
	}
	p.chunkRemain = size
	return nil
}

func (p *Parser) afterChunkSizeLine(sink Sink) error {
	if p.chunkRemain == 0 {
		p.state = pTrailerLineStart
		return nil
	}
	p.state = pChunkData
	return nil
}
