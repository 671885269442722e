// Package httpmsg defines the wire-agnostic Request/Response/Header data
// model shared by httpserver, httpclient and httpcache. Headers are an
// ordered list rather than a map, preserving wire case and duplicate
// order.
package httpmsg

import (
	"strings"

	"github.com/joeycumines/go-netloop/generator"
)

// Method is the closed set of HTTP methods this module understands.
// Anything else is InvalidMethod (neterr.StatusInvalidMethod).
type Method int

const (
	GET Method = iota
	POST
	PUT
	OPTIONS
	HEAD
	PATCH
	DELETE
	PROPFIND
	PROPPATCH
	MKCOL
	MOVE
	COPY
)

var methodNames = map[Method]string{
	GET:       "GET",
	POST:      "POST",
	PUT:       "PUT",
	OPTIONS:   "OPTIONS",
	HEAD:      "HEAD",
	PATCH:     "PATCH",
	DELETE:    "DELETE",
	PROPFIND:  "PROPFIND",
	PROPPATCH: "PROPPATCH",
	MKCOL:     "MKCOL",
	MOVE:      "MOVE",
	COPY:      "COPY",
}

var nameToMethod = func() map[string]Method {
	m := make(map[string]Method, len(methodNames))
	for k, v := range methodNames {
		m[v] = k
	}
	return m
}()

// String returns the wire spelling of the method.
func (m Method) String() string {
	if s, ok := methodNames[m]; ok {
		return s
	}
	return "UNKNOWN"
}

// ParseMethod maps a request-line method token to its enum value.
func ParseMethod(s string) (Method, bool) {
	m, ok := nameToMethod[s]
	return m, ok
}

// Header is one (name, value) pair as it appears on the wire. Name
// comparisons elsewhere in this module are ASCII case-insensitive, but
// Name itself always preserves the case it was constructed or parsed
// with.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered list of header fields. Order and duplicates are
// significant: this is not a map.
type Headers []Header

// Get returns the value of the first header matching name
// case-insensitively, and whether one was found.
func (h Headers) Get(name string) (string, bool) {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value, true
		}
	}
	return "", false
}

// Has reports whether a header matches name case-insensitively.
func (h Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// HasToken reports whether the (comma-separated) value of the first
// header matching name contains token, matched case-insensitively. Used
// for Transfer-Encoding/Connection-style multi-value headers.
func (h Headers) HasToken(name, token string) bool {
	v, ok := h.Get(name)
	if !ok {
		return false
	}
	for _, part := range strings.Split(v, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// Set appends a header, preserving any existing header of the same name
// (callers wanting replace-semantics should filter first).
func (h Headers) Set(name, value string) Headers {
	return append(h, Header{Name: name, Value: value})
}

// Flags mark the direction(s) a Request is meaningful in. FlagWrite on a
// request tells caches the operation mutates upstream state.
type Flags uint8

const (
	FlagRead Flags = 1 << iota
	FlagWrite
)

// Request is the parsed form of an HTTP request, independent of whether
// it was received by a server or is about to be sent by a client.
type Request struct {
	URL     string
	Method  Method
	Headers Headers
	Body    *generator.Generator[[]byte]
	Flags   Flags
}

// Response is the parsed (or about-to-be-sent) form of an HTTP response.
// Status must be in [100,599]; for 1xx, 204 and 304 Body must yield
// nothing.
type Response struct {
	Status  int
	Headers Headers
	Body    *generator.Generator[[]byte]
}

// HasBody reports whether the response carries a body: none for 1xx or
// 204/304, unless Content-Length is present and greater than zero.
func (r *Response) HasBody() bool {
	if cl, ok := r.Headers.Get("Content-Length"); ok {
		if cl != "0" && cl != "" {
			return true
		}
	}
	if r.Status/100 == 1 || r.Status == 204 || r.Status == 304 {
		return false
	}
	return true
}

// Chunked reports whether the response must be framed with
// Transfer-Encoding: chunked, true iff Content-Length is absent.
func (r *Response) Chunked() bool {
	return !r.Headers.Has("Content-Length")
}
