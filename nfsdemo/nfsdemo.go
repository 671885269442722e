// Package nfsdemo is a minimal ONC-RPC PortMapper that answers GETPORT
// calls, exercising rpcserver end to end the way the NFS mount handshake
// would: a client asks "what port serves prog X vers Y", and gets back a
// fixed big-endian u32 port.
package nfsdemo

import (
	"github.com/joeycumines/go-netloop/cancel"
	"github.com/joeycumines/go-netloop/generator"
	"github.com/joeycumines/go-netloop/netconn"
	"github.com/joeycumines/go-netloop/rpcserver"
	"github.com/joeycumines/go-netloop/xdr"
)

// ProcGetPort is the PortMapper PMAPPROC_GETPORT procedure number.
const ProcGetPort = 3

// PortMapperProg/Vers identify the portmap/rpcbind service itself, the
// program a client dials first to resolve any other program's port.
const (
	PortMapperProg = 100000
	PortMapperVers = 2
)

// Mapping is a (program, version, protocol) to port entry the server
// consults when answering GETPORT.
type Mapping struct {
	Prog uint32
	Vers uint32
	Prot uint32
	Port uint32
}

// Registry answers GETPORT lookups from a fixed table of mappings,
// returning 0 (the conventional "not registered" answer) for an unknown
// (prog, vers, prot).
type Registry struct {
	mappings []Mapping
}

// NewRegistry builds a Registry from an initial mapping table.
func NewRegistry(mappings ...Mapping) *Registry {
	return &Registry{mappings: mappings}
}

// Lookup returns the registered port for (prog, vers, prot), or 0.
func (r *Registry) Lookup(prog, vers, prot uint32) uint32 {
	for _, m := range r.mappings {
		if m.Prog == prog && m.Vers == vers && m.Prot == prot {
			return m.Port
		}
	}
	return 0
}

// Handler builds an rpcserver.Handler that serves PMAPPROC_GETPORT calls
// against reg, and replies ProcUnavail to anything else.
func Handler(reg *Registry) rpcserver.Handler {
	return func(req *rpcserver.Request, tok cancel.Token) (*rpcserver.Response, error) {
		if req.Prog != PortMapperProg || req.Proc != ProcGetPort {
			return &rpcserver.Response{
				Accepted: &rpcserver.Accepted{Stat: rpcserver.ProcUnavail},
			}, nil
		}

		args, err := req.Data(16)
		if err != nil {
			return nil, err
		}
		prog := xdr.ParseUint32(args[0:4])
		vers := xdr.ParseUint32(args[4:8])
		prot := xdr.ParseUint32(args[8:12])
		// args[12:16] is the caller-supplied port, unused by GETPORT.

		port := reg.Lookup(prog, vers, prot)

		reply := xdr.NewEncoder()
		reply.PutUint32(port)

		return &rpcserver.Response{
			Accepted: &rpcserver.Accepted{
				Stat: rpcserver.Success,
				Data: generator.FromSlice([][]byte{reply.Bytes()}),
			},
		}, nil
	}
}

// Serve runs the PortMapper protocol over conn until the handler's
// caller-supplied token fires or the peer disconnects, replying to one
// RPC call per record-marking message.
func Serve(conn *netconn.Conn, tok cancel.Token, reg *Registry) error {
	handler := Handler(reg)
	for {
		reply, err := rpcserver.ServeRequestChunks(func(n uint32) ([]byte, error) {
			return conn.Read(n, tok)
		}, handler, tok)
		if err != nil {
			return err
		}
		for _, chunk := range reply {
			if err := conn.Write(chunk, tok); err != nil {
				return err
			}
		}
	}
}
