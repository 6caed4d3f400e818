package wire

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// ShareHeader begins a share's section of a SyncFileList request
// stream (spec.md §4.5, §4.9).
type ShareHeader struct {
	Share string
}

func (h *ShareHeader) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, h.Share)
	return b, nil
}

func (h *ShareHeader) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		val, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		h.Share = string(val)
		return n, nil
	})
}

// RefreshCacheItem is one element of the client→server SyncFileList
// stream: either a ShareHeader or a FileManifest, never both (spec.md
// §4.9).
type RefreshCacheItem struct {
	Header   *ShareHeader
	Manifest *FileManifest
}

func (r *RefreshCacheItem) Marshal() ([]byte, error) {
	var b []byte
	if r.Header != nil {
		body, err := r.Header.Marshal()
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 1, body)
	}
	if r.Manifest != nil {
		body, err := r.Manifest.Marshal()
		if err != nil {
			return nil, err
		}
		b = appendMessage(b, 2, body)
	}
	return b, nil
}

func (r *RefreshCacheItem) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.Header = &ShareHeader{}
			if err := r.Header.Unmarshal(val); err != nil {
				return 0, err
			}
			return n, nil
		case 2:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.Manifest = &FileManifest{}
			if err := r.Manifest.Unmarshal(val); err != nil {
				return 0, err
			}
			return n, nil
		default:
			return -1, nil
		}
	})
}

// GetChunkHashRequest asks the agent for the whole-file and per-chunk
// hashes of a file (spec.md §4.8).
type GetChunkHashRequest struct {
	Filename []byte
}

func (g *GetChunkHashRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, g.Filename)
	return b, nil
}

func (g *GetChunkHashRequest) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		val, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		g.Filename = append([]byte(nil), val...)
		return n, nil
	})
}

// GetChunkHashResponse answers GetChunkHashRequest.
type GetChunkHashResponse struct {
	WholeHash   []byte
	ChunkHashes [][]byte
}

func (g *GetChunkHashResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, g.WholeHash)
	b = appendRepeatedBytes(b, 2, g.ChunkHashes)
	return b, nil
}

func (g *GetChunkHashResponse) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			g.WholeHash = append([]byte(nil), val...)
			return n, nil
		case 2:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			g.ChunkHashes = append(g.ChunkHashes, append([]byte(nil), val...))
			return n, nil
		default:
			return -1, nil
		}
	})
}

// GetChunkRequest requests a (possibly partial) set of chunks of a
// file (spec.md §4.8). An empty ChunksID means "all chunks".
type GetChunkRequest struct {
	Filename []byte
	ChunksID []uint32
}

func (g *GetChunkRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, g.Filename)
	for _, id := range g.ChunksID {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(id))
	}
	return b, nil
}

func (g *GetChunkRequest) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			g.Filename = append([]byte(nil), val...)
			return n, nil
		case 2:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			g.ChunksID = append(g.ChunksID, uint32(val))
			return n, nil
		default:
			return -1, nil
		}
	})
}

// ChunkFrameKind distinguishes the four frame kinds of the GetChunk
// streaming response (spec.md §4.8).
type ChunkFrameKind int32

const (
	ChunkFrameHeader ChunkFrameKind = iota
	ChunkFrameData
	ChunkFrameFooter
	ChunkFrameEof
)

// ChunkFrame is one frame of the GetChunk response stream. Exactly one
// of the kind-specific fields is meaningful, selected by Kind.
type ChunkFrame struct {
	Kind      ChunkFrameKind
	ChunkID   uint32 // Header
	Data      []byte // Data
	ChunkHash []byte // Footer
	FileHash  []byte // Eof
}

func (f *ChunkFrame) Marshal() ([]byte, error) {
	var b []byte
	b = appendInt64(b, 1, int64(f.Kind))
	switch f.Kind {
	case ChunkFrameHeader:
		b = appendUint32(b, 2, f.ChunkID)
	case ChunkFrameData:
		b = appendBytes(b, 3, f.Data)
	case ChunkFrameFooter:
		b = appendBytes(b, 4, f.ChunkHash)
	case ChunkFrameEof:
		b = appendBytes(b, 5, f.FileHash)
	}
	return b, nil
}

func (f *ChunkFrame) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			f.Kind = ChunkFrameKind(val)
			return n, nil
		case 2:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			f.ChunkID = uint32(val)
			return n, nil
		case 3:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			f.Data = append([]byte(nil), val...)
			return n, nil
		case 4:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			f.ChunkHash = append([]byte(nil), val...)
			return n, nil
		case 5:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			f.FileHash = append([]byte(nil), val...)
			return n, nil
		default:
			return -1, nil
		}
	})
}

// AuthenticateRequest/Response, PingRequest/Response, ExecRequest/
// Response and CloseBackupRequest/Response implement the remaining
// RPCs of spec.md §4.9/§6.

type AuthenticateRequest struct {
	Token   string
	Version uint32
}

func (a *AuthenticateRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, a.Token)
	b = appendUint32(b, 2, a.Version)
	return b, nil
}

func (a *AuthenticateRequest) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			a.Token = string(val)
			return n, nil
		case 2:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			a.Version = uint32(val)
			return n, nil
		default:
			return -1, nil
		}
	})
}

type AuthenticateResponse struct {
	SessionID string
}

func (a *AuthenticateResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, a.SessionID)
	return b, nil
}

func (a *AuthenticateResponse) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		val, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		a.SessionID = string(val)
		return n, nil
	})
}

type PingRequest struct {
	Hostname string
}

func (p *PingRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, p.Hostname)
	return b, nil
}

func (p *PingRequest) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		val, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		p.Hostname = string(val)
		return n, nil
	})
}

type PingResponse struct {
	Found bool
}

func (p *PingResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendBool(b, 1, p.Found)
	return b, nil
}

func (p *PingResponse) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		val, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		p.Found = val != 0
		return n, nil
	})
}

type ExecRequest struct {
	Command string
}

func (e *ExecRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, e.Command)
	return b, nil
}

func (e *ExecRequest) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if num != 1 {
			return -1, nil
		}
		val, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		e.Command = string(val)
		return n, nil
	})
}

type ExecResponse struct {
	Exit   int32
	Stdout []byte
	Stderr []byte
}

func (e *ExecResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendInt64(b, 1, int64(e.Exit))
	b = appendBytes(b, 2, e.Stdout)
	b = appendBytes(b, 3, e.Stderr)
	return b, nil
}

func (e *ExecResponse) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			e.Exit = int32(val)
			return n, nil
		case 2:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			e.Stdout = append([]byte(nil), val...)
			return n, nil
		case 3:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			e.Stderr = append([]byte(nil), val...)
			return n, nil
		default:
			return -1, nil
		}
	})
}

type CloseBackupRequest struct{}

func (*CloseBackupRequest) Marshal() ([]byte, error) { return nil, nil }
func (*CloseBackupRequest) Unmarshal([]byte) error   { return nil }

type CloseBackupResponse struct{}

func (*CloseBackupResponse) Marshal() ([]byte, error) { return nil, nil }
func (*CloseBackupResponse) Unmarshal([]byte) error   { return nil }

// RPCRequest is the envelope every client→agent call is wrapped in
// over the wire: a method name, the session carried as out-of-band
// metadata (spec.md §6 "x-session-id"), and the method-specific
// request marshaled into Payload. Authenticate and Ping carry an empty
// SessionID. A unary call sends exactly one RPCRequest with Final
// true. A client-streaming call (SyncFileList) sends zero or more
// Final=false requests, each Payload one marshaled stream element,
// followed by one Final=true request with an empty Payload.
type RPCRequest struct {
	SessionID string
	Method    string
	Payload   []byte
	Final     bool
}

func (r *RPCRequest) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, r.SessionID)
	b = appendString(b, 2, r.Method)
	b = appendBytes(b, 3, r.Payload)
	b = appendBool(b, 4, r.Final)
	return b, nil
}

func (r *RPCRequest) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.SessionID = string(val)
			return n, nil
		case 2:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.Method = string(val)
			return n, nil
		case 3:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.Payload = append([]byte(nil), val...)
			return n, nil
		case 4:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.Final = val != 0
			return n, nil
		default:
			return -1, nil
		}
	})
}

// RPCResponse is the envelope an agent answers with. A unary call gets
// exactly one RPCResponse with Final=true. A streaming call (
// SyncFileList's server→client stream, GetChunk's frame stream) gets
// zero or more Final=false responses, each Payload one marshaled
// stream element, followed by one Final=true response with an empty
// Payload. ErrKind classifies a failure per spec.md §7; an empty
// ErrKind means success.
type RPCResponse struct {
	Payload    []byte
	Final      bool
	ErrKind    string
	ErrMessage string
}

// Error kinds, matching spec.md §7's transport-fatal/invalid-argument
// taxonomy.
const (
	ErrKindUnavailable      = "unavailable"
	ErrKindUnauthenticated  = "unauthenticated"
	ErrKindPermissionDenied = "permission_denied"
	ErrKindInvalidArgument  = "invalid_argument"
	ErrKindOther            = "other"
)

func (r *RPCResponse) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, r.Payload)
	b = appendBool(b, 2, r.Final)
	b = appendString(b, 3, r.ErrKind)
	b = appendString(b, 4, r.ErrMessage)
	return b, nil
}

func (r *RPCResponse) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.Payload = append([]byte(nil), val...)
			return n, nil
		case 2:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.Final = val != 0
			return n, nil
		case 3:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.ErrKind = string(val)
			return n, nil
		case 4:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.ErrMessage = string(val)
			return n, nil
		default:
			return -1, nil
		}
	})
}
