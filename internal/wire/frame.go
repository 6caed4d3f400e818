// Package wire implements the length-delimited, protobuf-wire-format
// framing used for every on-disk record (manifests, journals, refcnt
// entries, chunk sidecars) and every RPC message exchanged between an
// agent and the server.
//
// Messages are encoded by hand with google.golang.org/protobuf's
// low-level protowire primitives rather than generated by protoc: the
// shapes in messages.go are real protobuf wire format (any protoc
// client with a matching .proto could decode them), but there is no
// .proto source of truth checked in here.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zlib"
	"google.golang.org/protobuf/encoding/protowire"
)

// Message is implemented by every record this package frames.
type Message interface {
	Marshal() ([]byte, error)
	Unmarshal([]byte) error
}

// maxVarintBytes bounds the length-prefix varint, matching the
// continuation-bit decoding rule in spec.md §4.2 (10 bytes covers a
// full uint64).
const maxVarintBytes = 10

// Reader reads a sequence of length-delimited Messages, optionally
// unwrapping a zlib stream first.
type Reader[T Message] struct {
	br     *bufio.Reader
	closer io.Closer
	newT   func() T
	err    error
}

// Open opens path and returns a Reader over it.
func Open[T Message](path string, compressed bool, newT func() T) (*Reader[T], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return NewReader[T](f, compressed, newT)
}

// NewReader wraps an arbitrary io.Reader. If r also implements
// io.Closer, Reader.Close closes it.
func NewReader[T Message](r io.Reader, compressed bool, newT func() T) (*Reader[T], error) {
	src := r
	if compressed {
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("opening zlib stream: %w", err)
		}
		src = zr
	}
	closer, _ := r.(io.Closer)
	return &Reader[T]{br: bufio.NewReader(src), closer: closer, newT: newT}, nil
}

// Next reads the next message. It returns io.EOF, unwrapped, only when
// the stream ends cleanly on a message boundary; any other truncation
// is a real error.
func (r *Reader[T]) Next() (T, error) {
	var zero T
	length, err := r.readVarint()
	if err != nil {
		if err == io.EOF {
			return zero, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return zero, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
		}
		return zero, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return zero, fmt.Errorf("%w: reading message body: %v", ErrTruncatedFrame, err)
		}
		return zero, fmt.Errorf("reading message body: %w", err)
	}
	msg := r.newT()
	if err := msg.Unmarshal(buf); err != nil {
		return zero, fmt.Errorf("unmarshaling message: %w", err)
	}
	return msg, nil
}

// All returns an iterator over every message in the stream, stopping
// (without error) at the first clean EOF. Use Err after the loop to
// check for a non-EOF failure.
func (r *Reader[T]) All() iter.Seq[T] {
	return func(yield func(T) bool) {
		for {
			msg, err := r.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					r.err = err
				}
				return
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Err returns the last non-EOF error observed by All, if any.
func (r *Reader[T]) Err() error {
	return r.err
}

func (r *Reader[T]) readVarint() (uint64, error) {
	var buf []byte
	for i := 0; i < maxVarintBytes; i++ {
		b, err := r.br.ReadByte()
		if err != nil {
			if err == io.EOF && i == 0 {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("reading length prefix: %w", err)
		}
		buf = append(buf, b)
		if b < 0x80 {
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			return v, nil
		}
	}
	return 0, ErrTruncatedFrame
}

// Close releases the underlying reader, if closeable.
func (r *Reader[T]) Close() error {
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

// ErrTruncatedFrame is returned when a length prefix never terminates
// within maxVarintBytes, or a message body is cut short.
var ErrTruncatedFrame = errors.New("wire: truncated frame")

// Writer appends length-delimited Messages to a destination, optionally
// zlib-compressing and/or writing through a temp file that is renamed
// into place on Flush (atomic mode).
type Writer[T Message] struct {
	dst       io.Writer
	zw        *zlib.Writer
	closer    io.Closer
	tmpPath   string
	finalPath string
	atomic    bool
	done      bool
}

// Create opens path for framed writing, creating parent directories as
// needed. In atomic mode, writes go to "<path>.tmp.<uuid>" and Flush
// renames it over path; Cancel removes the temp file without promoting
// it.
func Create[T Message](path string, compress, atomic bool) (*Writer[T], error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating parent directory: %w", err)
		}
	}
	target := path
	if atomic {
		target = fmt.Sprintf("%s.tmp.%s", path, uuid.NewString())
	}
	f, err := os.Create(target)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", target, err)
	}
	w := &Writer[T]{dst: f, closer: f, tmpPath: target, finalPath: path, atomic: atomic}
	if compress {
		w.zw = zlib.NewWriter(f)
		w.dst = w.zw
	}
	return w, nil
}

// NewWriter wraps an arbitrary io.Writer for framed writing — used for
// the RPC connection, where there is no path to create and Flush must
// not rename anything. If w also implements io.Closer, Flush closes
// it; compress wraps it in a zlib stream exactly as Create does for
// files, but callers streaming over a connection should normally pass
// false so each envelope reaches the peer without being buffered
// behind a zlib writer's internal window.
func NewWriter[T Message](w io.Writer, compress bool) *Writer[T] {
	closer, _ := w.(io.Closer)
	wr := &Writer[T]{dst: w, closer: closer}
	if compress {
		wr.zw = zlib.NewWriter(w)
		wr.dst = wr.zw
	}
	return wr
}

// Write appends one message to the stream.
func (w *Writer[T]) Write(msg T) error {
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	lenPrefix := protowire.AppendVarint(nil, uint64(len(body)))
	if _, err := w.dst.Write(lenPrefix); err != nil {
		return fmt.Errorf("writing length prefix: %w", err)
	}
	if _, err := w.dst.Write(body); err != nil {
		return fmt.Errorf("writing message body: %w", err)
	}
	return nil
}

// Flush finalizes the compressor (if any) and, in atomic mode, renames
// the temp file over the target path.
func (w *Writer[T]) Flush() error {
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			return fmt.Errorf("finalizing zlib stream: %w", err)
		}
	}
	if err := w.closer.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", w.tmpPath, err)
	}
	w.done = true
	if w.atomic {
		if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
			return fmt.Errorf("renaming %s to %s: %w", w.tmpPath, w.finalPath, err)
		}
	}
	return nil
}

// Cancel discards the stream without promoting it: in atomic mode the
// temp file is removed, never touching finalPath.
func (w *Writer[T]) Cancel() error {
	if w.done {
		return nil
	}
	if w.zw != nil {
		_ = w.zw.Close()
	}
	_ = w.closer.Close()
	w.done = true
	if w.atomic {
		if err := os.Remove(w.tmpPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", w.tmpPath, err)
		}
	}
	return nil
}

// SaveStream is sugar for the common "write every message from stream,
// then flush" case; on any write error it cancels rather than leaving
// a partial file in place.
func SaveStream[T Message](path string, stream iter.Seq[T], compress, atomic bool) error {
	w, err := Create[T](path, compress, atomic)
	if err != nil {
		return err
	}
	for msg := range stream {
		if err := w.Write(msg); err != nil {
			_ = w.Cancel()
			return err
		}
	}
	return w.Flush()
}
