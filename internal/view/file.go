package view

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zlib"

	"github.com/chunkvault/chunkvault/internal/pool"
)

// chunkReader is a streaming io.Reader over a manifest entry's ordered
// chunk list: it opens each chunk's compressed data file lazily, in
// order, decompressing through zlib, and advances to the next chunk on
// EOF of the current one (spec.md §4.12 "opening a file returns a
// streaming reader that concatenates the decompressed chunks in
// order").
type chunkReader struct {
	poolPath string
	hashes   [][32]byte
	next     int

	file *os.File
	zr   io.ReadCloser
}

// Open returns a streaming reader over the file at path (relative to
// the backup's shares) within (host, backup), reading chunk content
// from the pool. The caller must Close the returned reader.
func (v *View) Open(host string, backup uint32, path string) (io.ReadCloser, error) {
	m, err := v.Stat(host, backup, path)
	if err != nil {
		return nil, err
	}
	hashes := make([][32]byte, len(m.Chunks))
	for i, h := range m.Chunks {
		copy(hashes[i][:], h)
	}
	return &chunkReader{poolPath: v.poolPath, hashes: hashes}, nil
}

func (r *chunkReader) openNext() error {
	r.closeCurrent()
	if r.next >= len(r.hashes) {
		return io.EOF
	}
	chunk := pool.ForHash(r.poolPath, r.hashes[r.next])
	f, err := os.Open(chunk.DataPath())
	if err != nil {
		return fmt.Errorf("opening chunk %x: %w", r.hashes[r.next], err)
	}
	zr, err := zlib.NewReader(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("decompressing chunk %x: %w", r.hashes[r.next], err)
	}
	r.file = f
	r.zr = zr
	r.next++
	return nil
}

func (r *chunkReader) closeCurrent() {
	if r.zr != nil {
		r.zr.Close()
		r.zr = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}

// Read implements io.Reader, transparently advancing across chunk
// boundaries.
func (r *chunkReader) Read(p []byte) (int, error) {
	for {
		if r.zr == nil {
			if err := r.openNext(); err != nil {
				return 0, err
			}
		}
		n, err := r.zr.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == io.EOF {
			r.closeCurrent()
			continue
		}
		if err != nil {
			return 0, err
		}
	}
}

// Close releases any currently open chunk file.
func (r *chunkReader) Close() error {
	r.closeCurrent()
	return nil
}
