// Package rpcserver implements an ONC-RPC (RFC 1831) server over TCP
// record marking: fragment reassembly, dispatch to a user Handler, and
// streamed reply framing.
//
// The call header (xid, message type, rpcvers, prog, vers, proc, and the
// two opaque_auth credentials) is read directly off the connection's byte
// source and is assumed to fit in the first fragment; only the procedure
// argument data is wrapped in a fragment-transparent reader. Reply
// framing buffers one chunk behind the stream so the final chunk can be
// marked last without knowing in advance that it is last.
package rpcserver

import (
	"github.com/joeycumines/go-netloop/cancel"
	"github.com/joeycumines/go-netloop/generator"
	"github.com/joeycumines/go-netloop/neterr"
	"github.com/joeycumines/go-netloop/xdr"
)

// maxCredLength bounds an RPC credential or verifier body, per RFC 1831.
const maxCredLength = 400

// RPC msg_type discriminants.
const (
	messageCall  int32 = 0
	messageReply int32 = 1
)

// AcceptStat is the RPC_MSG accept_stat enum.
type AcceptStat int32

const (
	Success AcceptStat = iota
	ProgUnavail
	ProgMismatch
	ProcUnavail
	GarbageArgs
	SystemErr
)

// Credential is an opaque, ≤400-byte authentication body tagged with a
// flavor, used for both RPC cred and verf fields.
type Credential struct {
	Flavor uint32
	Body   []byte
}

// ByteSource is a pull-byte-source: exactly n bytes, suspending as
// needed, or an error (Aborted on peer close/connection teardown,
// Cancelled if the caller's token fires).
type ByteSource func(n uint32) ([]byte, error)

// Request is one decoded RPC call header plus a fragment-transparent
// source for its procedure argument data.
type Request struct {
	Xid     uint32
	RpcVers uint32
	Prog    uint32
	Vers    uint32
	Proc    uint32
	Cred    Credential
	Verf    Credential
	Data    ByteSource
}

// Accepted is the body of a successfully dispatched reply.
type Accepted struct {
	Verf Credential
	Stat AcceptStat
	Data *generator.Generator[[]byte]
}

// Denied is the body of a reply the server refuses to process (e.g. an
// authentication failure). Serialization of denied replies is not
// implemented; a handler returning one gets a RuntimeError and the
// connection closes.
type Denied struct {
	Stat int32
}

// Response is the RpcResponse variant: exactly one of Accepted or Denied
// is set.
type Response struct {
	Accepted *Accepted
	Denied   *Denied
}

// Handler dispatches one decoded RPC call to a Response. A handler that
// does not need the remaining argument bytes is responsible for reading
// and discarding them.
type Handler func(req *Request, tok cancel.Token) (*Response, error)

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// fragmentReader wraps a raw ByteSource so that reads transparently span
// record-marking fragment boundaries, consuming a new 4-byte fragment
// header whenever the current fragment is exhausted. Reading past the
// final fragment's length raises MalformedRequest("buffer underflow").
type fragmentReader struct {
	raw          ByteSource
	lastFragment bool
	length       uint32
}

func (f *fragmentReader) read(byteCnt uint32) ([]byte, error) {
	buffer := make([]byte, 0, byteCnt)
	for uint32(len(buffer)) < byteCnt {
		if f.length == 0 {
			if f.lastFragment {
				return nil, neterr.NewMalformedRequest("buffer underflow")
			}
			hdr, err := f.raw(4)
			if err != nil {
				return nil, err
			}
			encoded := xdr.ParseUint32(hdr)
			f.lastFragment = encoded&(1<<31) != 0
			f.length = encoded &^ (1 << 31)
		}
		currentRead := minU32(byteCnt-uint32(len(buffer)), f.length)
		chunk, err := f.raw(currentRead)
		if err != nil {
			return nil, err
		}
		f.length -= currentRead
		buffer = append(buffer, chunk...)
	}
	return buffer, nil
}

// frameChunk prepends a 4-byte record-marking fragment header to data.
func frameChunk(data []byte, last bool) []byte {
	hdr := uint32(len(data))
	if last {
		hdr |= 1 << 31
	}
	e := xdr.NewEncoder()
	e.PutUint32(hdr)
	return append(e.Bytes(), data...)
}

// readCredential reads a {flavor, opaque body} pair directly from raw,
// not fragment-wrapped: credentials are part of the header, which must
// fit in the first fragment.
func readCredential(raw ByteSource) (Credential, error) {
	flavorBytes, err := raw(4)
	if err != nil {
		return Credential{}, err
	}
	body, err := xdr.VariableOpaque(raw, maxCredLength)
	if err != nil {
		return Credential{}, err
	}
	return Credential{Flavor: xdr.ParseUint32(flavorBytes), Body: body}, nil
}

// credentialBodyWireLen computes how many bytes a credential's opaque
// body occupies on the wire once padded to a 4-byte boundary. The
// length-prefix u32 itself is accounted for separately, as one of the
// ten fixed header fields (see headerBytesConsumed below).
func credentialBodyWireLen(body []byte) uint32 {
	return xdr.RoundUpPow2(uint32(len(body)), 2)
}

// ServeRequest reads one complete RPC call from raw, dispatches it to
// handler, and returns the fully framed reply bytes ready to write to
// the connection, as one or more record-marking fragments already
// concatenated. Callers needing to stream chunk-by-chunk can use
// ServeRequestChunks instead. Returns Aborted-class errors from raw
// unchanged; a malformed request maps to neterr.MalformedRequest.
func ServeRequest(raw ByteSource, handler Handler, tok cancel.Token) ([]byte, error) {
	chunks, err := ServeRequestChunks(raw, handler, tok)
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}

// ServeRequestChunks is ServeRequest but returns each framed fragment
// separately, one fragment per reply-body chunk. The whole reply is
// collected before it returns; no fragment is available to the caller
// while the handler's reply body is still producing.
func ServeRequestChunks(raw ByteSource, handler Handler, tok cancel.Token) ([][]byte, error) {
	firstHdr, err := raw(4)
	if err != nil {
		return nil, err
	}
	encoded := xdr.ParseUint32(firstHdr)
	lastFragment := encoded&(1<<31) != 0
	length := encoded &^ (1 << 31)

	xidBytes, err := raw(4)
	if err != nil {
		return nil, err
	}
	xid := xdr.ParseUint32(xidBytes)

	msgTypeBytes, err := raw(4)
	if err != nil {
		return nil, err
	}
	if xdr.ParseInt32(msgTypeBytes) != messageCall {
		return nil, neterr.NewMalformedRequest("expected message_type = 0")
	}

	rpcVersBytes, err := raw(4)
	if err != nil {
		return nil, err
	}
	rpcVers := xdr.ParseUint32(rpcVersBytes)
	if rpcVers != 2 {
		return nil, neterr.NewMalformedRequest("expected rpcvers = 2")
	}

	progBytes, err := raw(4)
	if err != nil {
		return nil, err
	}
	versBytes, err := raw(4)
	if err != nil {
		return nil, err
	}
	procBytes, err := raw(4)
	if err != nil {
		return nil, err
	}

	cred, err := readCredential(raw)
	if err != nil {
		return nil, err
	}
	verf, err := readCredential(raw)
	if err != nil {
		return nil, err
	}

	headerBytesConsumed := uint32(4*10) + credentialBodyWireLen(cred.Body) + credentialBodyWireLen(verf.Body)
	var remaining uint32
	if length > headerBytesConsumed {
		remaining = length - headerBytesConsumed
	}

	fr := &fragmentReader{raw: raw, lastFragment: lastFragment, length: remaining}

	req := &Request{
		Xid:     xid,
		RpcVers: rpcVers,
		Prog:    xdr.ParseUint32(progBytes),
		Vers:    xdr.ParseUint32(versBytes),
		Proc:    xdr.ParseUint32(procBytes),
		Cred:    cred,
		Verf:    verf,
		Data:    fr.read,
	}

	resp, err := handler(req, tok)
	if err != nil {
		return nil, err
	}

	if resp.Denied != nil {
		return nil, neterr.NewRuntimeError("denied rpc replies are not implemented")
	}
	if resp.Accepted == nil {
		return nil, neterr.NewRuntimeError("rpc handler returned neither accepted nor denied")
	}
	accepted := resp.Accepted
	if len(accepted.Verf.Body) != 0 {
		return nil, neterr.NewRuntimeError("non-empty accepted verifier bodies are not implemented")
	}

	header := xdr.NewEncoder()
	header.PutUint32(xid)
	header.PutInt32(messageReply)
	header.PutInt32(0) // reply_stat MSG_ACCEPTED
	header.PutUint32(accepted.Verf.Flavor)
	header.PutUint32(uint32(len(accepted.Verf.Body)))
	header.PutInt32(int32(accepted.Stat))
	headerBytes := header.Bytes()

	var out [][]byte
	headerSent := false
	var previousChunk []byte
	havePrevious := false

	if accepted.Data != nil {
		for {
			chunk, ok, err := accepted.Data.Advance(tok)
			if err != nil {
				return nil, err
			}
			if !ok {
				break
			}
			if !headerSent {
				chunk = append(append([]byte{}, headerBytes...), chunk...)
				headerSent = true
			}
			if havePrevious {
				out = append(out, frameChunk(previousChunk, false))
			}
			previousChunk = chunk
			havePrevious = true
		}
	}
	if !headerSent {
		previousChunk = headerBytes
		havePrevious = true
	}
	if havePrevious && len(previousChunk) > 0 {
		out = append(out, frameChunk(previousChunk, true))
	}

	return out, nil
}
