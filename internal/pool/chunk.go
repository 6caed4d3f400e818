package pool

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/crypto/sha3"

	"github.com/chunkvault/chunkvault/internal/wire"
)

// MaxChunkSize is the uncompressed size above which Chunk.Write logs a
// warning rather than erroring (spec.md §4.3).
const MaxChunkSize = 16 * 1024 * 1024

// EmptyContentHash is SHA3-256 of the empty byte string, the reserved
// hash of an empty file (spec.md §3, §8).
var EmptyContentHash = sha3.Sum256(nil)

// ErrHashMismatch is returned by CheckChunkInformation when a chunk's
// recomputed hash does not match its claimed identity.
var ErrHashMismatch = errors.New("pool: chunk content hash mismatch")

// Chunk is a handle onto one element of the pool: either an existing
// chunk (Hash set) or a new one being staged (Hash unset until Write
// completes).
type Chunk struct {
	poolPath     string
	hash         [32]byte
	hasHash      bool
	minFreeBytes uint64
}

// ForHash returns a handle to the chunk identified by hash.
func ForHash(poolPath string, hash [32]byte) *Chunk {
	return &Chunk{poolPath: poolPath, hash: hash, hasHash: true}
}

// New returns a handle to a not-yet-hashed chunk. Its identity is
// determined by Write; until then DataPath/InfoPath are meaningless.
func New(poolPath string) *Chunk {
	return &Chunk{poolPath: poolPath}
}

// WithMinFreeBytes sets the free-space floor Write enforces before
// staging a new chunk (spec.md §4.3); zero (the default) disables the
// check. Returns c for chaining off New.
func (c *Chunk) WithMinFreeBytes(minFreeBytes uint64) *Chunk {
	c.minFreeBytes = minFreeBytes
	return c
}

// Hash returns the chunk's content hash. Only meaningful after Write
// completes or for a Chunk built with ForHash.
func (c *Chunk) Hash() [32]byte { return c.hash }

// shardPath returns "<poolPath>/ab/cd/ef/abcdef...-sha256" (no
// extension): the sharded location of a chunk identified by hash.
func shardPath(poolPath string, hash [32]byte) string {
	hexHash := hex.EncodeToString(hash[:])
	return filepath.Join(poolPath, hexHash[0:2], hexHash[2:4], hexHash[4:6], hexHash+"-sha256")
}

// DataPath is the on-disk path of the chunk's compressed content.
func (c *Chunk) DataPath() string {
	return shardPath(c.poolPath, c.hash) + ".zz"
}

// InfoPath is the on-disk path of the chunk's sidecar metadata.
func (c *Chunk) InfoPath() string {
	return shardPath(c.poolPath, c.hash) + ".info"
}

// Exists reports whether the chunk's data file is present.
func (c *Chunk) Exists() bool {
	_, err := os.Stat(c.DataPath())
	return err == nil
}

// Write streams data into the pool: it hashes and zlib-compresses in
// one pass into a temp file, then (a) if a chunk with the resulting
// hash already exists, discards the temp file (first-writer-wins,
// duplicates coalesce); (b) otherwise writes the sidecar and atomically
// renames the temp file into place. debugFilename is used only in
// error messages.
func (c *Chunk) Write(data io.Reader, debugFilename string) (*wire.ChunkInfo, error) {
	stagingDir := filepath.Join(c.poolPath, "_new")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	if c.minFreeBytes > 0 {
		if err := CheckFreeSpace(c.poolPath, c.minFreeBytes); err != nil {
			return nil, fmt.Errorf("staging chunk for %s: %w", debugFilename, err)
		}
	}
	tmp, err := os.CreateTemp(stagingDir, "chunk-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging file for %s: %w", debugFilename, err)
	}
	tmpPath := tmp.Name()
	removeTmp := true
	defer func() {
		if removeTmp {
			_ = os.Remove(tmpPath)
		}
	}()

	hasher := sha3.New256()
	zw := zlib.NewWriter(tmp)
	n, err := io.Copy(io.MultiWriter(hasher, zw), data)
	if err != nil {
		_ = zw.Close()
		_ = tmp.Close()
		return nil, fmt.Errorf("writing chunk for %s: %w", debugFilename, err)
	}
	if err := zw.Close(); err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("finalizing compression for %s: %w", debugFilename, err)
	}
	compressedSize, err := tmp.Seek(0, io.SeekCurrent)
	if err != nil {
		_ = tmp.Close()
		return nil, fmt.Errorf("measuring compressed size for %s: %w", debugFilename, err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("closing staging file for %s: %w", debugFilename, err)
	}

	if n > MaxChunkSize {
		// Not fatal: spec.md §4.3 calls this a warning, not an error.
		fmt.Fprintf(os.Stderr, "pool: warning: chunk for %s exceeds %d bytes (%d)\n", debugFilename, MaxChunkSize, n)
	}

	copy(c.hash[:], hasher.Sum(nil))
	c.hasHash = true

	info := &wire.ChunkInfo{Sha256: c.hash[:], Size: uint64(n), CompressedSize: uint64(compressedSize)}

	if c.Exists() {
		// Duplicate content: someone else already wrote this hash.
		return info, nil
	}

	dataPath := c.DataPath()
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating chunk directory: %w", err)
	}
	if err := os.Rename(tmpPath, dataPath); err != nil {
		return nil, fmt.Errorf("placing chunk into pool: %w", err)
	}
	removeTmp = false

	if err := writeChunkInfo(c.InfoPath(), info); err != nil {
		return nil, err
	}
	return info, nil
}

func writeChunkInfo(path string, info *wire.ChunkInfo) error {
	body, err := info.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling chunk info: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating sidecar directory: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("writing sidecar %s: %w", path, err)
	}
	return nil
}

// Information reads the chunk's sidecar metadata.
func (c *Chunk) Information() (*wire.ChunkInfo, error) {
	data, err := os.ReadFile(c.InfoPath())
	if err != nil {
		return nil, fmt.Errorf("reading sidecar %s: %w", c.InfoPath(), err)
	}
	info := &wire.ChunkInfo{}
	if err := info.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("parsing sidecar %s: %w", c.InfoPath(), err)
	}
	return info, nil
}

// CheckInformation re-decompresses and rehashes the chunk's content,
// returning ErrHashMismatch if the recomputed hash disagrees with the
// chunk's identity.
func (c *Chunk) CheckInformation() error {
	f, err := os.Open(c.DataPath())
	if err != nil {
		return fmt.Errorf("opening %s: %w", c.DataPath(), err)
	}
	defer f.Close()

	zr, err := zlib.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening zlib stream for %s: %w", c.DataPath(), err)
	}
	defer zr.Close()

	hasher := sha3.New256()
	if _, err := io.Copy(hasher, zr); err != nil {
		return fmt.Errorf("reading %s: %w", c.DataPath(), err)
	}
	var got [32]byte
	copy(got[:], hasher.Sum(nil))
	if got != c.hash {
		return fmt.Errorf("%w: %x", ErrHashMismatch, c.hash)
	}
	return nil
}

// Remove deletes the chunk's data and sidecar files. Used only by
// unused-cleanup (spec.md §4.4/§4.11).
func (c *Chunk) Remove() error {
	if err := os.Remove(c.DataPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", c.DataPath(), err)
	}
	if err := os.Remove(c.InfoPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing %s: %w", c.InfoPath(), err)
	}
	return nil
}

// MoveTo relocates the chunk's data and sidecar files under targetDir,
// preserving the sharded layout relative to targetDir. Falls back to
// copy-then-delete when rename fails across a device boundary.
func (c *Chunk) MoveTo(targetDir string) error {
	newData := shardPath(targetDir, c.hash) + ".zz"
	newInfo := shardPath(targetDir, c.hash) + ".info"
	if err := os.MkdirAll(filepath.Dir(newData), 0o755); err != nil {
		return fmt.Errorf("creating target directory: %w", err)
	}
	if err := moveFile(c.DataPath(), newData); err != nil {
		return err
	}
	if err := moveFile(c.InfoPath(), newInfo); err != nil {
		return err
	}
	return nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", dst, err)
	}
	return os.Remove(src)
}
