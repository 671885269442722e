package httpmsg_test

import (
	"testing"

	"github.com/joeycumines/go-netloop/httpmsg"
	"github.com/stretchr/testify/require"
)

func TestParseMethodKnownAndUnknown(t *testing.T) {
	m, ok := httpmsg.ParseMethod("PROPFIND")
	require.True(t, ok)
	require.Equal(t, httpmsg.PROPFIND, m)

	_, ok = httpmsg.ParseMethod("TRACE")
	require.False(t, ok)
}

func TestHeadersGetIsCaseInsensitive(t *testing.T) {
	h := httpmsg.Headers{{Name: "Content-Type", Value: "text/plain"}}
	v, ok := h.Get("content-type")
	require.True(t, ok)
	require.Equal(t, "text/plain", v)
}

func TestHeadersHasTokenMatchesCommaSeparatedValues(t *testing.T) {
	h := httpmsg.Headers{{Name: "Transfer-Encoding", Value: "gzip, chunked"}}
	require.True(t, h.HasToken("transfer-encoding", "chunked"))
	require.False(t, h.HasToken("transfer-encoding", "identity"))
}

func TestResponseHasBodyRules(t *testing.T) {
	noBody := &httpmsg.Response{Status: 204}
	require.False(t, noBody.HasBody())

	informational := &httpmsg.Response{Status: 100}
	require.False(t, informational.HasBody())

	ok := &httpmsg.Response{Status: 200}
	require.True(t, ok.HasBody())

	overridden := &httpmsg.Response{
		Status:  304,
		Headers: httpmsg.Headers{{Name: "Content-Length", Value: "12"}},
	}
	require.True(t, overridden.HasBody())
}

func TestResponseChunkedIffNoContentLength(t *testing.T) {
	r := &httpmsg.Response{Status: 200}
	require.True(t, r.Chunked())

	r2 := &httpmsg.Response{
		Status:  200,
		Headers: httpmsg.Headers{{Name: "Content-Length", Value: "5"}},
	}
	require.False(t, r2.Chunked())
}
