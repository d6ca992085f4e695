/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package hdr

import "io"

type stringWriter struct {
	w io.Writer
}

func (w stringWriter) WriteString(s string) (int, error) {
	return w.w.Write([]byte(s))
}

type writeStringer interface {
	WriteString(string) (int, error)
}

func stringWriterFor(w io.Writer) writeStringer {
	if sw, ok := w.(writeStringer); ok {
		return sw
	}
	return stringWriter{w}
}

// WriteTo emits every (name, value) pair as "Name: value\r\n", in
// insertion order with the original casing preserved.
func (h *Header) WriteTo(w io.Writer) error {
	sw := stringWriterFor(w)
	for _, f := range h.entries {
		if _, err := sw.WriteString(f.name); err != nil {
			return err
		}
		if _, err := sw.WriteString(": "); err != nil {
			return err
		}
		if _, err := sw.WriteString(f.value); err != nil {
			return err
		}
		if _, err := sw.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return nil
}
