package rpc

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"iter"
	"net"
	"sync"
	"time"

	"github.com/chunkvault/chunkvault/internal/wire"
)

// noDeadline clears a connection deadline (net.Conn's documented idiom).
var noDeadline time.Time

// NetClient is the network-backed Client: one RPCRequest/RPCResponse
// envelope per call, sequential over a single TLS connection (spec.md
// §4.9 — calls are never pipelined within a session, so one mutex is
// enough). Deadlines come from ctx via SetDeadline, not a background
// goroutine.
type NetClient struct {
	conn      net.Conn
	enc       *wire.Writer[*wire.RPCRequest]
	dec       *wire.Reader[*wire.RPCResponse]
	mu        sync.Mutex
	sessionID string
}

// Dial opens a TLS connection to addr and returns a NetClient with no
// session established yet; call Authenticate before any other method.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (*NetClient, error) {
	d := &tls.Dialer{Config: tlsConfig}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return newNetClient(conn), nil
}

func newNetClient(conn net.Conn) *NetClient {
	return &NetClient{
		conn: conn,
		enc:  wire.NewWriter[*wire.RPCRequest](conn, false),
		dec:  mustReader(conn),
	}
}

func mustReader(conn net.Conn) *wire.Reader[*wire.RPCResponse] {
	r, err := wire.NewReader[*wire.RPCResponse](conn, false, func() *wire.RPCResponse { return &wire.RPCResponse{} })
	if err != nil {
		panic("rpc: NewReader over a net.Conn cannot fail without compression: " + err.Error())
	}
	return r
}

func (c *NetClient) Close() error { return c.conn.Close() }

// withDeadline applies ctx's deadline (if any) to the connection for
// the duration of one call; the caller must clear it afterward.
func (c *NetClient) withDeadline(ctx context.Context, fn func() error) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
		defer c.conn.SetDeadline(noDeadline)
	}
	return fn()
}

// unaryCall writes a single Final request and reads a single Final
// response, translating an ErrKind-populated response into an *Error.
func (c *NetClient) unaryCall(ctx context.Context, method string, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var resp *wire.RPCResponse
	err := c.withDeadline(ctx, func() error {
		if err := c.enc.Write(&wire.RPCRequest{SessionID: c.sessionID, Method: method, Payload: payload, Final: true}); err != nil {
			return fmt.Errorf("writing %s request: %w", method, err)
		}
		r, err := c.dec.Next()
		if err != nil {
			return fmt.Errorf("reading %s response: %w", method, err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if resp.ErrKind != "" {
		return nil, &Error{Kind: resp.ErrKind, Message: resp.ErrMessage}
	}
	return resp.Payload, nil
}

func (c *NetClient) Ping(ctx context.Context, hostname string) (bool, error) {
	payload, err := (&wire.PingRequest{Hostname: hostname}).Marshal()
	if err != nil {
		return false, err
	}
	raw, err := c.unaryCall(ctx, MethodPing, payload)
	if err != nil {
		return false, err
	}
	var resp wire.PingResponse
	if err := resp.Unmarshal(raw); err != nil {
		return false, fmt.Errorf("unmarshaling Ping response: %w", err)
	}
	return resp.Found, nil
}

func (c *NetClient) Authenticate(ctx context.Context, token string, version uint32) (string, error) {
	payload, err := (&wire.AuthenticateRequest{Token: token, Version: version}).Marshal()
	if err != nil {
		return "", err
	}
	raw, err := c.unaryCall(ctx, MethodAuthenticate, payload)
	if err != nil {
		return "", err
	}
	var resp wire.AuthenticateResponse
	if err := resp.Unmarshal(raw); err != nil {
		return "", fmt.Errorf("unmarshaling Authenticate response: %w", err)
	}
	c.mu.Lock()
	c.sessionID = resp.SessionID
	c.mu.Unlock()
	return resp.SessionID, nil
}

func (c *NetClient) ExecuteCommand(ctx context.Context, command string) (int32, []byte, []byte, error) {
	payload, err := (&wire.ExecRequest{Command: command}).Marshal()
	if err != nil {
		return 0, nil, nil, err
	}
	raw, err := c.unaryCall(ctx, MethodExecuteCommand, payload)
	if err != nil {
		return 0, nil, nil, err
	}
	var resp wire.ExecResponse
	if err := resp.Unmarshal(raw); err != nil {
		return 0, nil, nil, fmt.Errorf("unmarshaling ExecuteCommand response: %w", err)
	}
	return resp.Exit, resp.Stdout, resp.Stderr, nil
}

func (c *NetClient) GetChunkHash(ctx context.Context, filename []byte) (*wire.GetChunkHashResponse, error) {
	payload, err := (&wire.GetChunkHashRequest{Filename: filename}).Marshal()
	if err != nil {
		return nil, err
	}
	raw, err := c.unaryCall(ctx, MethodGetChunkHash, payload)
	if err != nil {
		return nil, err
	}
	resp := &wire.GetChunkHashResponse{}
	if err := resp.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("unmarshaling GetChunkHash response: %w", err)
	}
	return resp, nil
}

func (c *NetClient) CloseBackup(ctx context.Context) error {
	_, err := c.unaryCall(ctx, MethodCloseBackup, nil)
	return err
}

// SyncFileList sends items as a client-streaming request (each item
// one Final=false RPCRequest, terminated by one Final=true request
// with no payload) and returns the agent's response stream as an
// iterator, deferring decode errors into the sequence itself per
// iter.Seq2's error-carrying convention.
func (c *NetClient) SyncFileList(ctx context.Context, items iter.Seq[*wire.RefreshCacheItem]) (iter.Seq2[*wire.JournalEntry, error], error) {
	c.mu.Lock()

	writeErr := c.withDeadline(ctx, func() error {
		for item := range items {
			payload, err := item.Marshal()
			if err != nil {
				return fmt.Errorf("marshaling RefreshCacheItem: %w", err)
			}
			if err := c.enc.Write(&wire.RPCRequest{SessionID: c.sessionID, Method: MethodSyncFileList, Payload: payload}); err != nil {
				return fmt.Errorf("writing SyncFileList item: %w", err)
			}
		}
		return c.enc.Write(&wire.RPCRequest{SessionID: c.sessionID, Method: MethodSyncFileList, Final: true})
	})
	if writeErr != nil {
		c.mu.Unlock()
		return nil, writeErr
	}

	return func(yield func(*wire.JournalEntry, error) bool) {
		defer c.mu.Unlock()
		for {
			resp, err := c.dec.Next()
			if err != nil {
				yield(nil, fmt.Errorf("reading SyncFileList response: %w", err))
				return
			}
			if resp.ErrKind != "" {
				yield(nil, &Error{Kind: resp.ErrKind, Message: resp.ErrMessage})
				return
			}
			if resp.Final {
				return
			}
			entry := &wire.JournalEntry{}
			if err := entry.Unmarshal(resp.Payload); err != nil {
				yield(nil, fmt.Errorf("unmarshaling JournalEntry: %w", err))
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
	}, nil
}

// GetChunk sends the unary GetChunkRequest and returns the agent's
// chunk-frame stream as an iterator, per spec.md §4.8.
func (c *NetClient) GetChunk(ctx context.Context, filename []byte, chunksID []uint32) (iter.Seq2[*wire.ChunkFrame, error], error) {
	c.mu.Lock()

	payload, err := (&wire.GetChunkRequest{Filename: filename, ChunksID: chunksID}).Marshal()
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	writeErr := c.withDeadline(ctx, func() error {
		return c.enc.Write(&wire.RPCRequest{SessionID: c.sessionID, Method: MethodGetChunk, Payload: payload, Final: true})
	})
	if writeErr != nil {
		c.mu.Unlock()
		return nil, writeErr
	}

	return func(yield func(*wire.ChunkFrame, error) bool) {
		defer c.mu.Unlock()
		for {
			resp, err := c.dec.Next()
			if err != nil {
				yield(nil, fmt.Errorf("reading GetChunk response: %w", err))
				return
			}
			if resp.ErrKind != "" {
				yield(nil, &Error{Kind: resp.ErrKind, Message: resp.ErrMessage})
				return
			}
			if resp.Final {
				return
			}
			frame := &wire.ChunkFrame{}
			if err := frame.Unmarshal(resp.Payload); err != nil {
				yield(nil, fmt.Errorf("unmarshaling ChunkFrame: %w", err))
				return
			}
			if !yield(frame, nil) {
				return
			}
		}
	}, nil
}

var _ io.Closer = (*NetClient)(nil)
