// Package httpclient implements a streaming HTTP/1.1 client: Fetch
// resolves once response headers arrive, the body is a pull generator,
// header names are lowercased on retrieval (original case preserved on
// the wire), and cancellation aborts promptly at the next I/O edge.
//
// Each Fetch drives its own net.Conn; concurrency across in-flight
// transfers comes from the Go runtime's netpoller rather than a
// userspace multi-transfer backend.
package httpclient

import (
	"bytes"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joeycumines/go-netloop/cancel"
	"github.com/joeycumines/go-netloop/generator"
	"github.com/joeycumines/go-netloop/httpmsg"
	"github.com/joeycumines/go-netloop/netconn"
	"github.com/joeycumines/go-netloop/neterr"
)

const (
	kMaxLineLength = 16192
	kMaxHeaderSize = 16384
)

var statusLineRE = regexp.MustCompile(`^HTTP/1\.[01] (\d{3}) ?(.*)$`)
var headerLineRE = regexp.MustCompile(`^(\S+):\s*(.+)$`)

// Client issues HTTP requests, one connection per Fetch.
type Client struct {
	// DialTimeout bounds the initial TCP connect. Zero or negative means
	// the 10-second default.
	DialTimeout time.Duration
}

// New returns a ready-to-use Client.
func New() *Client { return &Client{DialTimeout: 10 * time.Second} }

// Fetch sends req and resolves once response headers have arrived; the
// response body is a pull generator the caller must drain. On a
// transport-level error the returned error (and any error surfaced while
// draining the body) is an *neterr.HttpException carrying the backend's
// status sentinel. Fetch does not inspect the HTTP status for 4xx/5xx;
// use FetchOk for that.
func (cl *Client) Fetch(req *httpmsg.Request, tok cancel.Token) (*httpmsg.Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, neterr.NewHttpExceptionMessage(neterr.StatusMalformedResponse, err.Error())
	}
	host := u.Host
	if !strings.Contains(host, ":") {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(host, port)
	}

	raw, err := net.DialTimeout("tcp", host, cl.dialTimeout())
	if err != nil {
		return nil, neterr.NewHttpExceptionMessage(neterr.StatusAborted, err.Error())
	}
	conn := netconn.WrapConn(raw)

	if err := writeRequest(conn, tok, req, u); err != nil {
		raw.Close()
		if neterr.IsAborted(err) || neterr.IsCancelled(err) {
			err = &neterr.HttpException{Status: neterr.StatusAborted, Message: err.Error(), Cause: err}
		}
		return nil, err
	}

	c := &clientCursor{conn: conn, tok: tok}
	status, headers, err := readStatusLine(c)
	if err != nil {
		raw.Close()
		return nil, err
	}
	// 1xx responses reset the header set: the final set of headers
	// returned is the last (non-1xx) one observed.
	for status/100 == 1 {
		status, headers, err = readStatusLine(c)
		if err != nil {
			raw.Close()
			return nil, err
		}
	}

	body := attachResponseBody(c, headers, raw)

	return &httpmsg.Response{
		Status:  status,
		Headers: lowercaseHeaderNames(headers),
		Body:    body,
	}, nil
}

// FetchOk is Fetch, but if status/100 != 2 the body is drained and an
// *neterr.HttpException carrying the body as its message is raised
// instead of a Response.
func (cl *Client) FetchOk(req *httpmsg.Request, tok cancel.Token) (*httpmsg.Response, error) {
	resp, err := cl.Fetch(req, tok)
	if err != nil {
		return nil, err
	}
	if resp.Status/100 == 2 {
		return resp, nil
	}
	var msg bytes.Buffer
	if resp.Body != nil {
		for {
			chunk, ok, err := resp.Body.Advance(tok)
			if err != nil {
				break
			}
			if !ok {
				break
			}
			msg.Write(chunk)
		}
	}
	return nil, neterr.NewHttpExceptionMessage(resp.Status, msg.String())
}

func (cl *Client) dialTimeout() time.Duration {
	if cl.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return cl.DialTimeout
}

// FetchURL is the bare-URL convenience form of Fetch.
func (cl *Client) FetchURL(method httpmsg.Method, rawURL string, tok cancel.Token) (*httpmsg.Response, error) {
	return cl.Fetch(&httpmsg.Request{URL: rawURL, Method: method}, tok)
}

// FetchString sends an eager string body, setting Content-Length from the
// string length unless the caller already supplied one.
func (cl *Client) FetchString(method httpmsg.Method, rawURL string, body string, headers httpmsg.Headers, tok cancel.Token) (*httpmsg.Response, error) {
	if !headers.Has("Content-Length") {
		headers = headers.Set("Content-Length", strconv.Itoa(len(body)))
	}
	return cl.Fetch(&httpmsg.Request{
		URL:     rawURL,
		Method:  method,
		Headers: headers,
		Body:    generator.FromSlice([][]byte{[]byte(body)}),
	}, tok)
}

func writeRequest(conn *netconn.Conn, tok cancel.Token, req *httpmsg.Request, u *url.URL) error {
	target := u.RequestURI()
	if target == "" {
		target = "/"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method.String(), target)

	headers := req.Headers
	if !headers.Has("Host") {
		withHost := make(httpmsg.Headers, 0, len(headers)+1)
		withHost = append(withHost, httpmsg.Header{Name: "Host", Value: u.Host})
		withHost = append(withHost, headers...)
		headers = withHost
	}
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("\r\n")
	if err := conn.Write([]byte(b.String()), tok); err != nil {
		return err
	}

	if req.Body == nil {
		return nil
	}
	for {
		chunk, ok, err := req.Body.Advance(tok)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := conn.Write(chunk, tok); err != nil {
			return err
		}
	}
}

type clientCursor struct {
	leftover []byte
	conn     *netconn.Conn
	tok      cancel.Token
}

func (c *clientCursor) read(n uint32) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if n == netconn.ReadWhateverBuffered {
		if len(c.leftover) > 0 {
			b := c.leftover
			c.leftover = nil
			return b, nil
		}
		b, err := c.conn.Read(netconn.ReadWhateverBuffered, c.tok)
		if err != nil {
			return nil, &neterr.HttpException{Status: neterr.StatusAborted, Message: err.Error(), Cause: err}
		}
		return b, nil
	}
	if uint32(len(c.leftover)) >= n {
		b := c.leftover[:n]
		c.leftover = c.leftover[n:]
		return b, nil
	}
	need := n - uint32(len(c.leftover))
	rest, err := c.conn.Read(need, c.tok)
	if err != nil {
		return nil, &neterr.HttpException{Status: neterr.StatusAborted, Message: err.Error(), Cause: err}
	}
	out := append(c.leftover, rest...)
	c.leftover = nil
	return out, nil
}

func (c *clientCursor) readLine() (string, error) {
	for {
		if idx := bytes.Index(c.leftover, []byte("\r\n")); idx >= 0 {
			line := string(c.leftover[:idx])
			c.leftover = c.leftover[idx+2:]
			return line, nil
		}
		if len(c.leftover) >= kMaxLineLength {
			return "", neterr.NewHttpExceptionMessage(neterr.StatusMalformedResponse, "line too long")
		}
		chunk, err := c.conn.Read(netconn.ReadWhateverBuffered, c.tok)
		if err != nil {
			return "", neterr.NewHttpExceptionMessage(neterr.StatusAborted, err.Error())
		}
		if len(chunk) == 0 {
			return "", neterr.NewHttpException(neterr.StatusAborted)
		}
		c.leftover = append(c.leftover, chunk...)
	}
}

func readStatusLine(c *clientCursor) (int, httpmsg.Headers, error) {
	total := 0
	line, err := c.readLine()
	if err != nil {
		return 0, nil, err
	}
	total += len(line) + 2
	m := statusLineRE.FindStringSubmatch(line)
	if m == nil {
		return 0, nil, neterr.NewHttpException(neterr.StatusMalformedResponse)
	}
	status, _ := strconv.Atoi(m[1])

	var headers httpmsg.Headers
	for {
		line, err := c.readLine()
		if err != nil {
			return 0, nil, err
		}
		total += len(line) + 2
		if total > kMaxHeaderSize {
			return 0, nil, neterr.NewHttpException(neterr.StatusMalformedResponse)
		}
		if line == "" {
			break
		}
		hm := headerLineRE.FindStringSubmatch(line)
		if hm == nil {
			return 0, nil, neterr.NewHttpException(neterr.StatusMalformedResponse)
		}
		headers = headers.Set(hm[1], hm[2])
	}
	return status, headers, nil
}

func lowercaseHeaderNames(h httpmsg.Headers) httpmsg.Headers {
	out := make(httpmsg.Headers, len(h))
	for i, f := range h {
		out[i] = httpmsg.Header{Name: strings.ToLower(f.Name), Value: f.Value}
	}
	return out
}

func attachResponseBody(c *clientCursor, headers httpmsg.Headers, raw net.Conn) *generator.Generator[[]byte] {
	if headers.HasToken("Transfer-Encoding", "chunked") {
		return generator.New(func(tok cancel.Token, yield func([]byte) error) error {
			defer raw.Close()
			// The cursor is exclusively this body's from here on; fold the
			// generator's own lifetime token into its reads so dropping the
			// generator unblocks a producer stalled mid-read.
			c.tok = cancel.Or(c.tok, tok)
			for {
				line, err := c.readLine()
				if err != nil {
					return err
				}
				size, perr := strconv.ParseUint(line, 16, 32)
				if perr != nil {
					return neterr.NewHttpException(neterr.StatusMalformedResponse)
				}
				if size == 0 {
					c.readLine()
					return nil
				}
				data, err := c.read(uint32(size))
				if err != nil {
					return err
				}
				c.read(2)
				if err := yield(data); err != nil {
					return err
				}
			}
		})
	}

	if cl, ok := headers.Get("Content-Length"); ok {
		n, _ := strconv.ParseInt(cl, 10, 64)
		remaining := uint32(n)
		return generator.New(func(tok cancel.Token, yield func([]byte) error) error {
			defer raw.Close()
			c.tok = cancel.Or(c.tok, tok)
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
		})
	}

	// Neither chunked nor a known length: read until the peer closes.
	return generator.New(func(tok cancel.Token, yield func([]byte) error) error {
		defer raw.Close()
		c.tok = cancel.Or(c.tok, tok)
		for {
			data, err := c.read(netconn.ReadWhateverBuffered)
			if err != nil {
				if neterr.IsAborted(err) {
					return nil
				}
				return err
			}
			if len(data) == 0 {
				return nil
			}
			if err := yield(data); err != nil {
				return err
			}
		}
	})
}
