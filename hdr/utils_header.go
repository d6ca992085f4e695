/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package hdr

// isTokenTable is a copy of net/http/lex.go's isTokenTable.
// See https://httpwg.github.io/specs/rfc7230.html#rule.token.separators
var isTokenTable = [127]bool{
	'0': true, '1': true, '2': true, '3': true, '4': true, '5': true, '6': true, '7': true,
	'8': true, '9': true,

	'a': true, 'b': true, 'c': true, 'd': true, 'e': true, 'f': true, 'g': true, 'h': true,
	'i': true, 'j': true, 'k': true, 'l': true, 'm': true, 'n': true, 'o': true, 'p': true,
	'q': true, 'r': true, 's': true, 't': true, 'u': true, 'v': true, 'w': true, 'x': true,
	'y': true, 'z': true,

	'A': true, 'B': true, 'C': true, 'D': true, 'E': true, 'F': true, 'G': true, 'H': true,
	'I': true, 'J': true, 'K': true, 'L': true, 'M': true, 'N': true, 'O': true, 'P': true,
	'Q': true, 'R': true, 'S': true, 'T': true, 'U': true, 'V': true, 'W': true, 'X': true,
	'Y': true, 'Z': true,

	'!':  true,
	'#':  true,
	'$':  true,
	'%':  true,
	'&':  true,
	'\'': true,
	'*':  true,
	'+':  true,
	'-':  true,
	'.':  true,
	'^':  true,
	'_':  true,
	'`':  true,
	'|':  true,
	'~':  true,
}

func validHeaderFieldByte(b byte) bool {
	return int(b) < len(isTokenTable) && isTokenTable[b]
}

func isCTL(b byte) bool {
	const del = 0x7f
	return b < ' ' || b == del
}

// ValidFieldName reports whether name is a legal HTTP header field-name
// token (RFC 7230 §3.2: 1*tchar).
func ValidFieldName(name string) bool {
	if len(name) == 0 {
		return false
	}
	for i := 0; i < len(name); i++ {
		if !validHeaderFieldByte(name[i]) {
			return false
		}
	}
	return true
}

// ValidFieldValue reports whether value contains only bytes legal in a
// header field-value: printable ASCII, obs-text, and the horizontal-tab
// folding byte, but no control characters.
func ValidFieldValue(value string) bool {
	for i := 0; i < len(value); i++ {
		b := value[i]
		if isCTL(b) && b != '\t' {
			return false
		}
	}
	return true
}

func validHostByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '-', b == '.', b == ':', b == '[', b == ']', b == '_', b == '~',
		b == '!', b == '$', b == '&', b == '\'', b == '(', b == ')', b == '*',
		b == '+', b == ',', b == ';', b == '=', b == '%':
		return true
	default:
		return false
	}
}

// ValidHostHeader reports whether host is non-empty and made only of bytes
// that may appear in a reg-name, IP-literal or ":port" (RFC 3986 §3.2).
// It checks bytes one by one; the host[:port] structure is not checked.
func ValidHostHeader(host string) bool {
	if host == "" {
		return false
	}
	for i := 0; i < len(host); i++ {
		if !validHostByte(host[i]) {
			return false
		}
	}
	return true
}
