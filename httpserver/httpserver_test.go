package httpserver_test

import (
	"bufio"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/joeycumines/go-netloop/cancel"
	"github.com/joeycumines/go-netloop/generator"
	"github.com/joeycumines/go-netloop/httpmsg"
	"github.com/joeycumines/go-netloop/httpserver"
	"github.com/joeycumines/go-netloop/netconn"
	"github.com/stretchr/testify/require"
)

func generatorOf(chunks ...[]byte) *generator.Generator[[]byte] {
	return generator.FromSlice(chunks)
}

func startServer(t *testing.T, handler httpserver.Handler) (net.Addr, func()) {
	t.Helper()
	s, err := netconn.Listen(netconn.Config{Address: "127.0.0.1", Port: 0}, func(tok cancel.Token, conn *netconn.Conn) {
		_ = httpserver.Serve(conn, tok, handler, nil)
	})
	require.NoError(t, err)
	go s.Serve()
	return s.Addr(), s.Quit
}

func TestBasicGetResponse(t *testing.T) {
	addr, quit := startServer(t, func(req *httpmsg.Request, tok cancel.Token) (*httpmsg.Response, error) {
		require.Equal(t, httpmsg.GET, req.Method)
		require.Equal(t, "/hello", req.URL)
		body := []byte("hi there")
		return &httpmsg.Response{
			Status:  200,
			Headers: httpmsg.Headers{{Name: "Content-Length", Value: fmt.Sprint(len(body))}},
			Body:    generatorOf(body),
		}, nil
	})
	defer quit()

	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()
	c.SetDeadline(time.Now().Add(2 * time.Second))

	fmt.Fprintf(c, "GET /hello HTTP/1.1\r\nHost: x\r\n\r\n")

	r := bufio.NewReader(c)
	status, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "200")

	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "\r\n" {
			break
		}
	}
	body := make([]byte, len("hi there"))
	_, err = r.Read(body)
	require.NoError(t, err)
	require.Equal(t, "hi there", string(body))
}

func TestChunkedResponseRoundTrip(t *testing.T) {
	addr, quit := startServer(t, func(req *httpmsg.Request, tok cancel.Token) (*httpmsg.Response, error) {
		return &httpmsg.Response{
			Status: 200,
			Body:   generatorOf([]byte("part1"), []byte("part2")),
		}, nil
	})
	defer quit()

	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()
	c.SetDeadline(time.Now().Add(2 * time.Second))

	fmt.Fprintf(c, "GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	r := bufio.NewReader(c)
	status, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "200")

	var sawChunkedHeader bool
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if line == "Transfer-Encoding: chunked\r\n" {
			sawChunkedHeader = true
		}
		if line == "\r\n" {
			break
		}
	}
	require.True(t, sawChunkedHeader)

	var assembled []byte
	for {
		sizeLine, err := r.ReadString('\n')
		require.NoError(t, err)
		var size int
		_, err = fmt.Sscanf(sizeLine, "%x", &size)
		require.NoError(t, err)
		if size == 0 {
			break
		}
		buf := make([]byte, size)
		_, err = r.Read(buf)
		require.NoError(t, err)
		assembled = append(assembled, buf...)
		r.ReadString('\n') // trailing CRLF after chunk
	}
	require.Equal(t, "part1part2", string(assembled))
}

func TestHeaderTooLargeRejected(t *testing.T) {
	addr, quit := startServer(t, func(req *httpmsg.Request, tok cancel.Token) (*httpmsg.Response, error) {
		t.Fatal("handler should not run for an oversized header")
		return nil, nil
	})
	defer quit()

	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()
	c.SetDeadline(time.Now().Add(2 * time.Second))

	big := make([]byte, 20000)
	for i := range big {
		big[i] = 'a'
	}
	fmt.Fprintf(c, "GET / HTTP/1.1\r\nHost: x\r\nSomeHeader: %s\r\n\r\n", big)

	r := bufio.NewReader(c)
	status, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "431")
}

func TestTooManyHeadersRejected(t *testing.T) {
	addr, quit := startServer(t, func(req *httpmsg.Request, tok cancel.Token) (*httpmsg.Response, error) {
		t.Fatal("handler should not run for a request with too many headers")
		return nil, nil
	})
	defer quit()

	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()
	c.SetDeadline(time.Now().Add(2 * time.Second))

	fmt.Fprintf(c, "GET / HTTP/1.1\r\n")
	for i := 0; i < 200; i++ {
		fmt.Fprintf(c, "SomeHeader: some_value\r\n")
	}
	fmt.Fprintf(c, "\r\n")

	r := bufio.NewReader(c)
	status, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "431")
}

func TestExpect100ContinueAcknowledgedBeforeHandler(t *testing.T) {
	addr, quit := startServer(t, func(req *httpmsg.Request, tok cancel.Token) (*httpmsg.Response, error) {
		var body []byte
		for {
			chunk, ok, err := req.Body.Advance(tok)
			require.NoError(t, err)
			if !ok {
				break
			}
			body = append(body, chunk...)
		}
		require.Equal(t, "payload", string(body))
		return &httpmsg.Response{Status: 204}, nil
	})
	defer quit()

	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()
	c.SetDeadline(time.Now().Add(2 * time.Second))

	fmt.Fprintf(c, "POST / HTTP/1.1\r\nHost: x\r\nContent-Length: 7\r\nExpect: 100-continue\r\n\r\n")

	r := bufio.NewReader(c)
	interim, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, interim, "100")
	blank, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "\r\n", blank)

	fmt.Fprintf(c, "payload")

	final, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, final, "204")
}

func TestChunkedRequestBodyIsDecoded(t *testing.T) {
	got := make(chan string, 1)
	addr, quit := startServer(t, func(req *httpmsg.Request, tok cancel.Token) (*httpmsg.Response, error) {
		var body []byte
		for {
			chunk, ok, err := req.Body.Advance(tok)
			require.NoError(t, err)
			if !ok {
				break
			}
			body = append(body, chunk...)
		}
		got <- string(body)
		return &httpmsg.Response{Status: 204}, nil
	})
	defer quit()

	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()
	c.SetDeadline(time.Now().Add(2 * time.Second))

	fmt.Fprintf(c, "POST / HTTP/1.1\r\nHost: x\r\nTransfer-Encoding: chunked\r\n\r\n")
	fmt.Fprintf(c, "4\r\nwtf1\r\n4\r\nwtf2\r\nc\r\nmessage/test\r\n0\r\n\r\n")

	r := bufio.NewReader(c)
	status, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Contains(t, status, "204")

	select {
	case body := <-got:
		require.Equal(t, "wtf1wtf2message/test", body)
	case <-time.After(time.Second):
		t.Fatal("handler never received the decoded body")
	}
}
