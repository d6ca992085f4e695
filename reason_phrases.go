package htcore

import "strconv"

// reasonPhrases is a minimal canonical-reason-phrase table covering the
// status codes this repository's tests and examples actually emit.
// Spec §4.4 allows falling back to "the status enumerator's textual
// name" when none is defined; Go has no status-code enum, so the
// fallback here is simply "Status <code>".
var reasonPhrases = map[int]string{
	100: "Continue",
	101: "Switching Protocols",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	409: "Conflict",
	411: "Length Required",
	413: "Payload Too Large",
	414: "URI Too Long",
	417: "Expectation Failed",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	505: "HTTP Version Not Supported",
}

// ReasonPhrase returns the canonical reason phrase for code, or a
// synthesized placeholder when code isn't in the table.
func ReasonPhrase(code int) string {
	if p, ok := reasonPhrases[code]; ok {
		return p
	}
	return "Status " + strconv.Itoa(code)
}
