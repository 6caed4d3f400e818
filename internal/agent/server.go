package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"os/exec"

	"github.com/chunkvault/chunkvault/internal/manifest"
	"github.com/chunkvault/chunkvault/internal/rpc"
	"github.com/chunkvault/chunkvault/internal/scanner"
	"github.com/chunkvault/chunkvault/internal/transport"
	"github.com/chunkvault/chunkvault/internal/wire"
)

// Authenticator delegates Authenticate's token verification (spec.md
// §4.9) to whatever identity provider the deployment uses.
type Authenticator interface {
	Verify(token string) (bool, error)
}

// ShareConfig is one named share this agent will scan and stream chunks
// from: its filesystem root and the include/exclude globs applied by
// internal/scanner.
type ShareConfig struct {
	Root     string
	Includes []string
	Excludes []string
}

// Server is the agent side of spec.md §4.9: a session table plus the six
// RPC handlers, dispatched over the internal/wire RPCRequest/RPCResponse
// envelope protocol.
type Server struct {
	Hostname    string
	Auth        Authenticator
	Shares      map[string]ShareConfig
	WithACL     bool
	WithXattr   bool
	BytesPerSec int64 // GetChunk throttle; 0 disables

	sessions *sessionTable
	log      *slog.Logger
}

// NewServer returns a Server ready to Serve connections.
func NewServer(hostname string, auth Authenticator, shares map[string]ShareConfig, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		Hostname: hostname,
		Auth:     auth,
		Shares:   shares,
		sessions: newSessionTable(),
		log:      log,
	}
}

// Listen binds addr under tlsConfig (mTLS, per internal/pki.NewServerTLSConfig)
// and serves connections until ctx is canceled.
func (s *Server) Listen(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	ln, err := tls.Listen("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accepting connection: %w", err)
			}
		}
		go func() {
			defer conn.Close()
			if err := s.Serve(ctx, conn); err != nil {
				s.log.Warn("connection ended", "error", err)
			}
		}()
	}
}

// Serve runs the request/response dispatch loop for one connection until
// it closes or ctx is canceled. Each request is handled to completion
// before the next is read (spec.md §4.9 never pipelines calls within a
// session).
func (s *Server) Serve(ctx context.Context, conn net.Conn) error {
	dec, err := wire.NewReader[*wire.RPCRequest](conn, false, func() *wire.RPCRequest { return &wire.RPCRequest{} })
	if err != nil {
		return fmt.Errorf("opening request stream: %w", err)
	}
	enc := wire.NewWriter[*wire.RPCResponse](conn, false)

	for {
		req, err := dec.Next()
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, req, dec, enc); err != nil {
			return fmt.Errorf("dispatching %s: %w", req.Method, err)
		}
	}
}

// dispatch routes one request to its handler, by method name (the six
// RPCs of spec.md §4.9, matched against the shared internal/rpc.Method*
// constants so the wire-level name never drifts from the Client
// interface's contract).
func (s *Server) dispatch(ctx context.Context, req *wire.RPCRequest, dec *wire.Reader[*wire.RPCRequest], enc *wire.Writer[*wire.RPCResponse]) error {
	switch req.Method {
	case rpc.MethodPing:
		return s.handlePing(req, enc)
	case rpc.MethodAuthenticate:
		return s.handleAuthenticate(req, enc)
	case rpc.MethodExecuteCommand:
		return s.checkedUnary(req, enc, s.handleExecuteCommand)
	case rpc.MethodGetChunkHash:
		return s.checkedUnary(req, enc, s.handleGetChunkHash)
	case rpc.MethodGetChunk:
		return s.checkedStream(ctx, req, enc, s.handleGetChunk)
	case rpc.MethodSyncFileList:
		return s.handleSyncFileList(ctx, req, dec, enc)
	case rpc.MethodCloseBackup:
		s.sessions.invalidate(req.SessionID)
		return writeUnary(enc, nil)
	default:
		return writeError(enc, wire.ErrKindInvalidArgument, fmt.Sprintf("unknown method %q", req.Method))
	}
}

func (s *Server) requireSession(sessionID string) error {
	if _, ok := s.sessions.lookup(sessionID); !ok {
		return &rpcFault{kind: wire.ErrKindPermissionDenied, message: "unknown or expired session"}
	}
	return nil
}

// checkedUnary wraps a unary handler with the session check every RPC but
// Ping/Authenticate/CloseBackup requires.
func (s *Server) checkedUnary(req *wire.RPCRequest, enc *wire.Writer[*wire.RPCResponse], handler func(*wire.RPCRequest) ([]byte, error)) error {
	if err := s.requireSession(req.SessionID); err != nil {
		return writeFault(enc, err)
	}
	payload, err := handler(req)
	if err != nil {
		return writeFault(enc, err)
	}
	return writeUnary(enc, payload)
}

func (s *Server) checkedStream(ctx context.Context, req *wire.RPCRequest, enc *wire.Writer[*wire.RPCResponse], handler func(context.Context, *wire.RPCRequest, func([]byte) error) error) error {
	if err := s.requireSession(req.SessionID); err != nil {
		return writeFault(enc, err)
	}
	emit := func(payload []byte) error {
		return enc.Write(&wire.RPCResponse{Payload: payload})
	}
	if err := handler(ctx, req, emit); err != nil {
		return writeFault(enc, err)
	}
	return enc.Write(&wire.RPCResponse{Final: true})
}

func (s *Server) handlePing(req *wire.RPCRequest, enc *wire.Writer[*wire.RPCResponse]) error {
	var ping wire.PingRequest
	if err := ping.Unmarshal(req.Payload); err != nil {
		return writeError(enc, wire.ErrKindInvalidArgument, err.Error())
	}
	resp := &wire.PingResponse{Found: ping.Hostname == s.Hostname}
	payload, err := resp.Marshal()
	if err != nil {
		return err
	}
	return writeUnary(enc, payload)
}

func (s *Server) handleAuthenticate(req *wire.RPCRequest, enc *wire.Writer[*wire.RPCResponse]) error {
	var auth wire.AuthenticateRequest
	if err := auth.Unmarshal(req.Payload); err != nil {
		return writeError(enc, wire.ErrKindInvalidArgument, err.Error())
	}
	if auth.Version != 0 {
		return writeError(enc, wire.ErrKindInvalidArgument, fmt.Sprintf("unsupported protocol version %d", auth.Version))
	}
	ok, err := s.Auth.Verify(auth.Token)
	if err != nil {
		return writeError(enc, wire.ErrKindOther, err.Error())
	}
	if !ok {
		return writeError(enc, wire.ErrKindUnauthenticated, "invalid token")
	}
	sess := s.sessions.create()
	resp := &wire.AuthenticateResponse{SessionID: sess.ID}
	payload, err := resp.Marshal()
	if err != nil {
		return err
	}
	return writeUnary(enc, payload)
}

// handleExecuteCommand never surfaces a transport error for the process's
// own failure: spawn failure is reported as exit=-1, stderr=<message>
// (spec.md §4.9).
func (s *Server) handleExecuteCommand(req *wire.RPCRequest) ([]byte, error) {
	var execReq wire.ExecRequest
	if err := execReq.Unmarshal(req.Payload); err != nil {
		return nil, &rpcFault{kind: wire.ErrKindInvalidArgument, message: err.Error()}
	}

	cmd := exec.Command("sh", "-c", execReq.Command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	resp := &wire.ExecResponse{}
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			resp.Exit = int32(exitErr.ExitCode())
			resp.Stdout = stdout.Bytes()
			resp.Stderr = stderr.Bytes()
		} else {
			resp.Exit = -1
			resp.Stderr = []byte(err.Error())
		}
	} else {
		resp.Exit = 0
		resp.Stdout = stdout.Bytes()
		resp.Stderr = stderr.Bytes()
	}
	return resp.Marshal()
}

func (s *Server) handleGetChunkHash(req *wire.RPCRequest) ([]byte, error) {
	var gch wire.GetChunkHashRequest
	if err := gch.Unmarshal(req.Payload); err != nil {
		return nil, &rpcFault{kind: wire.ErrKindInvalidArgument, message: err.Error()}
	}
	hashes, err := scanner.HashFile(string(gch.Filename))
	if err != nil {
		return nil, &rpcFault{kind: wire.ErrKindOther, message: err.Error()}
	}
	resp := &wire.GetChunkHashResponse{WholeHash: hashes.WholeHash[:]}
	for _, h := range hashes.ChunkHashes {
		resp.ChunkHashes = append(resp.ChunkHashes, h[:])
	}
	return resp.Marshal()
}

func (s *Server) handleGetChunk(ctx context.Context, req *wire.RPCRequest, emit func([]byte) error) error {
	var gc wire.GetChunkRequest
	if err := gc.Unmarshal(req.Payload); err != nil {
		return &rpcFault{kind: wire.ErrKindInvalidArgument, message: err.Error()}
	}
	err := transport.EmitChunks(ctx, string(gc.Filename), gc.ChunksID, s.BytesPerSec, func(frame *wire.ChunkFrame) error {
		body, err := frame.Marshal()
		if err != nil {
			return err
		}
		return emit(body)
	})
	if err != nil {
		return &rpcFault{kind: wire.ErrKindOther, message: err.Error()}
	}
	return nil
}

// handleSyncFileList consumes the client-streaming RefreshCacheItem
// request (read directly from dec, since it is not unary) and replies
// with the server-streaming JournalEntry response (spec.md §4.9).
func (s *Server) handleSyncFileList(ctx context.Context, first *wire.RPCRequest, dec *wire.Reader[*wire.RPCRequest], enc *wire.Writer[*wire.RPCResponse]) error {
	if err := s.requireSession(first.SessionID); err != nil {
		return writeFault(enc, err)
	}

	var streamErr error
	items := func(yield func(*wire.RefreshCacheItem) bool) {
		req := first
		for {
			if req.Final {
				return
			}
			item := &wire.RefreshCacheItem{}
			if err := item.Unmarshal(req.Payload); err != nil {
				streamErr = &rpcFault{kind: wire.ErrKindInvalidArgument, message: err.Error()}
				return
			}
			if !yield(item) {
				return
			}
			next, err := dec.Next()
			if err != nil {
				streamErr = err
				return
			}
			req = next
		}
	}

	emit := func(entry *wire.JournalEntry) error {
		body, err := entry.Marshal()
		if err != nil {
			return err
		}
		return enc.Write(&wire.RPCResponse{Payload: body})
	}

	err := s.syncFileList(ctx, items, emit)
	if err == nil {
		err = streamErr
	}
	if err != nil {
		return writeFault(enc, err)
	}
	return enc.Write(&wire.RPCResponse{Final: true})
}

func (s *Server) syncFileList(ctx context.Context, items iter.Seq[*wire.RefreshCacheItem], emit func(*wire.JournalEntry) error) error {
	var cfg ShareConfig
	idx := manifest.NewIndex()
	haveShare := false
	seen := map[string]bool{}

	flush := func() error {
		if !haveShare {
			return nil
		}
		return s.syncOneShare(ctx, cfg, idx, emit)
	}

	for item := range items {
		if item.Header != nil {
			share := item.Header.Share
			if seen[share] {
				return &rpcFault{kind: wire.ErrKindInvalidArgument, message: fmt.Sprintf("share %q repeated in the same SyncFileList stream", share)}
			}
			if err := flush(); err != nil {
				return err
			}
			found, ok := s.Shares[share]
			if !ok {
				return &rpcFault{kind: wire.ErrKindInvalidArgument, message: fmt.Sprintf("unknown share %q", share)}
			}
			seen[share] = true
			cfg = found
			idx = manifest.NewIndex()
			haveShare = true
			continue
		}
		if item.Manifest == nil {
			return &rpcFault{kind: wire.ErrKindInvalidArgument, message: "RefreshCacheItem carries neither Header nor Manifest"}
		}
		if !haveShare {
			return &rpcFault{kind: wire.ErrKindInvalidArgument, message: "FileManifest before any Header"}
		}
		idx.LoadManifest(oneManifest(item.Manifest))
	}
	return flush()
}

func oneManifest(m *wire.FileManifest) iter.Seq[*wire.FileManifest] {
	return func(yield func(*wire.FileManifest) bool) {
		yield(m)
	}
}

// syncOneShare rescans cfg.Root (spec.md §4.7), emitting Add/Modify
// entries for anything unknown or changed relative to idx, then Remove
// entries for whatever idx still has unmarked once the scan completes.
func (s *Server) syncOneShare(ctx context.Context, cfg ShareConfig, idx *manifest.Index, emit func(*wire.JournalEntry) error) error {
	opts := scanner.Options{Includes: cfg.Includes, Excludes: cfg.Excludes, WithACL: s.WithACL, WithXattr: s.WithXattr}

	walkErr := scanner.Walk(cfg.Root, opts, func(e scanner.Entry) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if e.Manifest == nil {
			return nil
		}

		existing, found := idx.GetEntry(e.RelPath)
		idx.Mark(e.RelPath)

		modified := idx.IsModified(e.RelPath, e.Manifest.Stat.Mtime, e.Manifest.Stat.Size)
		if !modified {
			return nil
		}
		kind := wire.JournalModify
		if !found || existing == nil {
			kind = wire.JournalAdd
		}
		return emit(&wire.JournalEntry{Kind: kind, Manifest: e.Manifest, State: e.State, StateMessages: e.Messages})
	})
	if walkErr != nil {
		return &rpcFault{kind: wire.ErrKindOther, message: walkErr.Error()}
	}

	for path, entry := range idx.Unviewed() {
		if entry.Manifest == nil {
			continue
		}
		if err := emit(&wire.JournalEntry{Kind: wire.JournalRemove, Manifest: &wire.FileManifest{Path: []byte(path)}}); err != nil {
			return err
		}
	}
	return nil
}
