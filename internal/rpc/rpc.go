// Package rpc defines the six-operation client-agent contract of
// spec.md §4.9/§4.10 as a Go interface, so the backup driver (C10) can
// run against a real network client or, per spec.md §9's "dynamic
// polymorphism" note, an importer replaying a local reader with no
// server in the loop.
package rpc

import (
	"context"
	"fmt"
	"io"
	"iter"

	"github.com/chunkvault/chunkvault/internal/wire"
)

// Method names carried in RPCRequest.Method.
const (
	MethodPing           = "Ping"
	MethodAuthenticate   = "Authenticate"
	MethodExecuteCommand = "ExecuteCommand"
	MethodSyncFileList   = "SyncFileList"
	MethodGetChunkHash   = "GetChunkHash"
	MethodGetChunk       = "GetChunk"
	MethodCloseBackup    = "CloseBackup"
)

// Error is a classified RPC failure (spec.md §7). Kind is one of the
// wire.ErrKind* constants.
type Error struct {
	Kind    string
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("rpc: %s: %s", e.Kind, e.Message) }

// IsFatal reports whether the driver must abort the current phase
// rather than counting the error and continuing (spec.md §4.10 step
// 6, §7).
func (e *Error) IsFatal() bool {
	switch e.Kind {
	case wire.ErrKindUnavailable, wire.ErrKindUnauthenticated, wire.ErrKindPermissionDenied:
		return true
	default:
		return false
	}
}

// Client is the six-operation contract an agent exposes to a backup
// driver, mirroring spec.md §4.9 exactly. Every method after
// Authenticate is implicitly scoped to the session established by it;
// implementations are expected to attach the session id themselves
// (e.g. as connection state), so the interface itself carries none.
type Client interface {
	// Ping reports whether the agent's hostname equals hostname.
	Ping(ctx context.Context, hostname string) (found bool, err error)

	// Authenticate exchanges a token for a session. version must be 0.
	Authenticate(ctx context.Context, token string, version uint32) (sessionID string, err error)

	// ExecuteCommand runs command on the agent's host. Process failure
	// is reported through the response, never as err (spec.md §4.9).
	ExecuteCommand(ctx context.Context, command string) (exit int32, stdout, stderr []byte, err error)

	// SyncFileList sends items (a ShareHeader followed by that share's
	// previously-known FileManifests, repeated per share) and returns
	// an iterator of the journal entries the agent computed by
	// rescanning its filesystem.
	SyncFileList(ctx context.Context, items iter.Seq[*wire.RefreshCacheItem]) (iter.Seq2[*wire.JournalEntry, error], error)

	// GetChunkHash computes a file's whole-file and per-chunk hashes.
	GetChunkHash(ctx context.Context, filename []byte) (*wire.GetChunkHashResponse, error)

	// GetChunk streams the requested chunks (empty chunksID means
	// "all") as a sequence of frames per spec.md §4.8.
	GetChunk(ctx context.Context, filename []byte, chunksID []uint32) (iter.Seq2[*wire.ChunkFrame, error], error)

	// CloseBackup invalidates the current session. Idempotent.
	CloseBackup(ctx context.Context) error

	io.Closer
}
