// Package httpserver implements an HTTP/1.1 server over netconn: header
// parsing, chunked/content-length request bodies, Expect/100-continue,
// response writing (chunked or not), and error rendering that respects
// whether headers have already been flushed.
package httpserver

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/joeycumines/go-netloop/cancel"
	"github.com/joeycumines/go-netloop/generator"
	"github.com/joeycumines/go-netloop/httpmsg"
	"github.com/joeycumines/go-netloop/internal/obslog"
	"github.com/joeycumines/go-netloop/netconn"
	"github.com/joeycumines/go-netloop/neterr"
)

const (
	// kMaxHeaderSize bounds the whole request-line+headers block.
	kMaxHeaderSize = 16384
	// kMaxLineLength bounds any single line read while parsing (request
	// line, a header line, or a chunk-size line).
	kMaxLineLength = 16192
	// kMaxHeaderCount bounds the number of header fields.
	kMaxHeaderCount = 128
	// kMaxChunkSizeHexDigits rejects absurd chunk-size lines outright.
	kMaxChunkSizeHexDigits = 8
)

var (
	requestLineRE = regexp.MustCompile(`^([A-Z]+) (\S+) HTTP/1\.[01]$`)
	headerLineRE  = regexp.MustCompile(`^(\S+):\s*(.+)$`)
)

// Handler processes one parsed request and returns the response to send.
// The handler owns its response body generator until the server has
// fully consumed it.
type Handler func(req *httpmsg.Request, tok cancel.Token) (*httpmsg.Response, error)

// cursor is a per-connection byte cursor: a small leftover buffer in
// front of the connection's pull-byte-source, so header/line parsing
// and body streaming can share one read path across the life of the
// (possibly keep-alive) connection.
type cursor struct {
	leftover []byte
	conn     *netconn.Conn
	tok      cancel.Token
}

func (c *cursor) read(n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if uint32(len(c.leftover)) >= n {
		b := c.leftover[:n]
		c.leftover = c.leftover[n:]
		return b, nil
	}
	need := n - uint32(len(c.leftover))
	rest, err := c.conn.Read(need, c.tok)
	if err != nil {
		return nil, err
	}
	out := append(c.leftover, rest...)
	c.leftover = nil
	return out, nil
}

// errLineTooLong marks a readLine that ran past kMaxLineLength without
// finding CRLF; callers map it to the stage-appropriate error (414 for
// the request line, 431 for a header line, a MalformedRequest for a
// chunk-size line).
var errLineTooLong = errors.New("httpserver: line too long")

// readLine reads up to (and discards) the next CRLF. It fails with
// errLineTooLong once kMaxLineLength or more bytes are buffered without a
// CRLF; a longer line whose CRLF is already buffered is returned whole.
func (c *cursor) readLine() (string, error) {
	for {
		if idx := bytes.Index(c.leftover, []byte("\r\n")); idx >= 0 {
			line := string(c.leftover[:idx])
			c.leftover = c.leftover[idx+2:]
			return line, nil
		}
		if len(c.leftover) >= kMaxLineLength {
			return "", errLineTooLong
		}
		chunk, err := c.conn.Read(netconn.ReadWhateverBuffered, c.tok)
		if err != nil {
			return "", err
		}
		if len(chunk) == 0 {
			return "", neterr.Aborted
		}
		c.leftover = append(c.leftover, chunk...)
	}
}

// parsedRequest holds the decoded request-line/header block before a
// body generator is attached.
type parsedRequest struct {
	method  httpmsg.Method
	url     string
	headers httpmsg.Headers
}

func readHeaderBlock(c *cursor) (*parsedRequest, error) {
	total := 0

	line, err := c.readLine()
	if err != nil {
		if errors.Is(err, errLineTooLong) {
			return nil, neterr.NewHttpExceptionMessage(414, "uri too long")
		}
		return nil, err
	}
	total += len(line) + 2
	if total > kMaxHeaderSize {
		return nil, neterr.NewHttpExceptionMessage(431, "request header fields too large")
	}

	m := requestLineRE.FindStringSubmatch(line)
	if m == nil {
		return nil, neterr.NewMalformedRequest("invalid request line")
	}
	method, ok := httpmsg.ParseMethod(m[1])
	if !ok {
		return nil, neterr.NewHttpException(neterr.StatusInvalidMethod)
	}

	var headers httpmsg.Headers
	for {
		line, err := c.readLine()
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				return nil, neterr.NewHttpExceptionMessage(431, "header line too long")
			}
			return nil, err
		}
		total += len(line) + 2
		if total > kMaxHeaderSize {
			return nil, neterr.NewHttpExceptionMessage(431, "request header fields too large")
		}
		if line == "" {
			break
		}
		hm := headerLineRE.FindStringSubmatch(line)
		if hm == nil {
			return nil, neterr.NewMalformedRequest("invalid header line")
		}
		headers = headers.Set(hm[1], hm[2])
		if len(headers) > kMaxHeaderCount {
			return nil, neterr.NewHttpExceptionMessage(431, "too many headers")
		}
	}

	return &parsedRequest{method: method, url: m[2], headers: headers}, nil
}

// attachBody wires up the request body generator: a chunked decoder if
// Transfer-Encoding contains "chunked", else a content-length counter,
// else no body at all.
func attachBody(c *cursor, headers httpmsg.Headers) (*generator.Generator[[]byte], error) {
	if headers.Has("Content-Length") && headers.HasToken("Transfer-Encoding", "chunked") {
		return nil, neterr.NewMalformedRequest("both Content-Length and Transfer-Encoding: chunked present")
	}

	if headers.HasToken("Transfer-Encoding", "chunked") {
		return generator.New(func(tok cancel.Token, yield func([]byte) error) error {
			for {
				line, err := c.readLine()
				if err != nil {
					if errors.Is(err, errLineTooLong) {
						return neterr.NewMalformedRequest("chunk size line too long")
					}
					return err
				}
				if len(line) > kMaxChunkSizeHexDigits {
					return neterr.NewMalformedRequest("chunk size line too long")
				}
				size, err := strconv.ParseUint(line, 16, 32)
				if err != nil {
					return neterr.NewMalformedRequest("invalid chunk size")
				}
				if size == 0 {
					terminator, err := c.readLine()
					if err != nil {
						return err
					}
					if terminator != "" {
						return neterr.NewMalformedRequest("malformed chunk terminator")
					}
					return nil
				}
				data, err := c.read(uint32(size))
				if err != nil {
					return err
				}
				if _, err := c.read(2); err != nil { // trailing CRLF after chunk data
					return err
				}
				if err := yield(data); err != nil {
					return err
				}
			}
		}), nil
	}

	if cl, ok := headers.Get("Content-Length"); ok {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil || n < 0 {
			return nil, neterr.NewMalformedRequest("invalid Content-Length")
		}
		remaining := uint32(n)
		return generator.New(func(tok cancel.Token, yield func([]byte) error) error {
			for remaining > 0 {
				piece := remaining
				if piece > netconn.MaxBufferSize {
					piece = netconn.MaxBufferSize
				}
				data, err := c.read(piece)
				if err != nil {
					return err
				}
				remaining -= piece
				if err := yield(data); err != nil {
					return err
				}
			}
			return nil
		}), nil
	}

	return nil, nil
}

// Serve processes requests on conn until the handler's response closes
// the connection (a non-chunked response that errors mid-stream), the
// peer closes, or tok fires. Each request/response pair that completes
// cleanly loops back for the next request on the same connection
// (HTTP/1.1 keep-alive).
func Serve(conn *netconn.Conn, tok cancel.Token, handler Handler, logger *obslog.Logger) error {
	if logger == nil {
		logger = obslog.Discard()
	}
	c := &cursor{conn: conn, tok: tok}

	for {
		parsed, err := readHeaderBlock(c)
		if err != nil {
			if neterr.IsAborted(err) || neterr.IsCancelled(err) {
				return nil
			}
			// The connection's parse state is unrecoverable past this
			// point; respond, then close.
			return writeErrorResponse(conn, tok, err)
		}

		body, err := attachBody(c, parsed.headers)
		if err != nil {
			return writeErrorResponse(conn, tok, err)
		}

		if parsed.headers.HasToken("Expect", "100-continue") {
			if err := conn.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"), tok); err != nil {
				return err
			}
		}

		req := &httpmsg.Request{
			URL:     parsed.url,
			Method:  parsed.method,
			Headers: parsed.headers,
			Body:    body,
		}

		resp, handlerErr := invokeHandlerSafely(handler, req, tok)
		_, closeConn, writeErr := writeResponse(conn, tok, parsed.method, resp, handlerErr, logger)

		if body != nil {
			// Drain whatever of the request body the handler left unread,
			// so the next request starts at a message boundary; a fired
			// tok ends the drain early.
			_ = generator.Drain(body, tok)
		}

		if writeErr != nil {
			return writeErr
		}
		if closeConn {
			return nil
		}
	}
}

// panicError carries a recovered handler panic and its stack, so the
// error body can render the stack in its Stacktrace section rather than
// mixing it into the message.
type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("httpserver: handler panicked: %v", e.value)
}

func invokeHandlerSafely(handler Handler, req *httpmsg.Request, tok cancel.Token) (resp *httpmsg.Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return handler(req, tok)
}

// writeResponse writes resp (or, if err != nil, a synthesized error
// response) to conn, returning whether resp's own headers were sent
// (false when an error response was synthesized instead) and whether
// the connection must now be closed.
func writeResponse(conn *netconn.Conn, tok cancel.Token, method httpmsg.Method, resp *httpmsg.Response, handlerErr error, logger *obslog.Logger) (headersSent bool, closeConn bool, err error) {
	if handlerErr != nil {
		if neterr.IsCancelled(handlerErr) {
			return false, false, handlerErr
		}
		return false, false, writeErrorResponse(conn, tok, handlerErr)
	}

	hasBody := resp.HasBody() && method != httpmsg.HEAD
	chunked := resp.Chunked() && hasBody

	headers := resp.Headers
	if chunked {
		headers = headers.Set("Transfer-Encoding", "chunked")
	}
	headers = headers.Set("Connection", "keep-alive")

	if err := writeStatusLine(conn, tok, resp.Status, headers); err != nil {
		if resp.Body != nil {
			resp.Body.Close()
		}
		return false, false, err
	}
	headersSent = true

	if !hasBody {
		// A response body that exists but was never consumed (e.g. a
		// 204/304/1xx handler still handed one back) must still be
		// closed so its producer goroutine does not leak.
		if resp.Body != nil {
			resp.Body.Close()
		}
		return true, false, nil
	}

	if resp.Body == nil {
		if chunked {
			if err := conn.Write([]byte("0\r\n\r\n"), tok); err != nil {
				return true, false, err
			}
		}
		return true, false, nil
	}
	// Any early return below (a conn.Write failure mid-stream) abandons
	// the body before it reaches its natural end; Close unblocks the
	// producer goroutine in that case. A harmless no-op once the body
	// has already drained to completion.
	defer resp.Body.Close()

	for {
		chunk, ok, err := resp.Body.Advance(tok)
		if err != nil {
			return handleStreamingError(conn, tok, chunked, err, logger)
		}
		if !ok {
			break
		}
		if len(chunk) == 0 {
			continue
		}
		if chunked {
			if werr := conn.Write([]byte(fmt.Sprintf("%x\r\n", len(chunk))), tok); werr != nil {
				return true, false, werr
			}
			if werr := conn.Write(chunk, tok); werr != nil {
				return true, false, werr
			}
			if werr := conn.Write([]byte("\r\n"), tok); werr != nil {
				return true, false, werr
			}
		} else {
			if werr := conn.Write(chunk, tok); werr != nil {
				return true, false, werr
			}
		}
	}

	if chunked {
		if err := conn.Write([]byte("0\r\n\r\n"), tok); err != nil {
			return true, false, err
		}
	}
	return true, false, nil
}

// handleStreamingError implements the headers-already-sent error
// rendering split: append a trailing chunk and keep-alive if chunked,
// otherwise the connection must close.
func handleStreamingError(conn *netconn.Conn, tok cancel.Token, chunked bool, streamErr error, logger *obslog.Logger) (bool, bool, error) {
	logger.Err().Err(streamErr).Log("httpserver: error while streaming response body")
	if !chunked {
		return true, true, nil
	}
	msg := renderErrorBody(streamErr)
	if werr := conn.Write([]byte(fmt.Sprintf("%x\r\n", len(msg))), tok); werr != nil {
		return true, true, werr
	}
	if werr := conn.Write(msg, tok); werr != nil {
		return true, true, werr
	}
	if werr := conn.Write([]byte("\r\n0\r\n\r\n"), tok); werr != nil {
		return true, true, werr
	}
	return true, false, nil
}

func statusFromError(err error) int {
	var he *neterr.HttpException
	if errors.As(err, &he) && he.Status > 0 {
		return he.Status
	}
	return 500
}

func renderErrorBody(err error) []byte {
	var trace []byte
	var pe *panicError
	if errors.As(err, &pe) {
		trace = pe.stack
	}
	return []byte(fmt.Sprintf("%s\n\nSource: httpserver\n\nStacktrace:\n%s\n", err.Error(), trace))
}

func writeErrorResponse(conn *netconn.Conn, tok cancel.Token, err error) error {
	status := statusFromError(err)
	msg := renderErrorBody(err)
	headers := httpmsg.Headers{
		{Name: "Content-Length", Value: strconv.Itoa(len(msg))},
		{Name: "Connection", Value: "keep-alive"},
	}
	if werr := writeStatusLine(conn, tok, status, headers); werr != nil {
		return werr
	}
	return conn.Write(msg, tok)
}

var statusReasons = map[int]string{
	100: "Continue", 200: "OK", 204: "No Content", 206: "Partial Content",
	301: "Moved Permanently", 302: "Found", 304: "Not Modified",
	400: "Bad Request", 401: "Unauthorized", 403: "Forbidden", 404: "Not Found",
	405: "Method Not Allowed", 408: "Request Timeout", 409: "Conflict",
	411: "Length Required", 413: "Payload Too Large", 414: "URI Too Long",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error", 501: "Not Implemented", 502: "Bad Gateway",
	503: "Service Unavailable", 504: "Gateway Timeout",
}

func reasonPhrase(status int) string {
	if r, ok := statusReasons[status]; ok {
		return r
	}
	return "Unknown"
}

func writeStatusLine(conn *netconn.Conn, tok cancel.Token, status int, headers httpmsg.Headers) error {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, reasonPhrase(status))
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")
	return conn.Write([]byte(b.String()), tok)
}
