package agent

import "github.com/chunkvault/chunkvault/internal/wire"

// rpcFault is a classified handler failure, mirroring rpc.Error on the
// agent side (kept separate so internal/agent does not import
// internal/rpc's Client-facing types into its handler internals).
type rpcFault struct {
	kind    string
	message string
}

func (f *rpcFault) Error() string { return f.kind + ": " + f.message }

func writeUnary(enc *wire.Writer[*wire.RPCResponse], payload []byte) error {
	return enc.Write(&wire.RPCResponse{Payload: payload, Final: true})
}

func writeError(enc *wire.Writer[*wire.RPCResponse], kind, message string) error {
	return enc.Write(&wire.RPCResponse{Final: true, ErrKind: kind, ErrMessage: message})
}

// writeFault classifies err into a response: an *rpcFault carries its own
// kind, anything else becomes ErrKindOther.
func writeFault(enc *wire.Writer[*wire.RPCResponse], err error) error {
	if f, ok := err.(*rpcFault); ok {
		return writeError(enc, f.kind, f.message)
	}
	return writeError(enc, wire.ErrKindOther, err.Error())
}
