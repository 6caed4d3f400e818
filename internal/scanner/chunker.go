package scanner

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/sha3"
)

// ChunkSize is the fixed cut boundary for file content (spec.md §3,
// §6): every chunk is at most this many plaintext bytes.
const ChunkSize = 16 * 1024 * 1024

// BufferSize is the read buffer used while hashing (spec.md §6);
// chosen independently of ChunkSize so the per-chunk boundary can fall
// mid-buffer.
const BufferSize = 128 * 1024

// ChunkHashes holds the result of hashing a file's content: the
// per-chunk SHA3-256 hashes in order, and the whole-file SHA3-256.
type ChunkHashes struct {
	WholeHash   [32]byte
	ChunkHashes [][32]byte
}

// HashFile reads path once, in BufferSize blocks, feeding both a
// whole-file hasher and a per-chunk hasher that resets every ChunkSize
// bytes of input. A read buffer does not align with ChunkSize, so the
// boundary arithmetic folds the tail of one buffer into the chunk that
// is still open and carries the remainder into the next chunk (spec.md
// §4.7). An empty file yields zero chunks and the reserved empty hash.
func HashFile(path string) (ChunkHashes, error) {
	f, err := os.Open(path)
	if err != nil {
		return ChunkHashes{}, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()
	return HashReader(f)
}

// HashReader is HashFile's core, split out for testability over
// in-memory readers.
func HashReader(r io.Reader) (ChunkHashes, error) {
	whole := sha3.New256()
	chunk := sha3.New256()

	buf := make([]byte, BufferSize)
	var chunkRemaining int64 = ChunkSize
	var chunkHasBytes bool
	var result ChunkHashes

	for {
		n, err := r.Read(buf)
		if n > 0 {
			whole.Write(buf[:n])

			offset := 0
			for offset < n {
				take := int64(n - offset)
				if take > chunkRemaining {
					take = chunkRemaining
				}
				chunk.Write(buf[offset : offset+int(take)])
				chunkHasBytes = true
				chunkRemaining -= take
				offset += int(take)

				if chunkRemaining == 0 {
					var h [32]byte
					copy(h[:], chunk.Sum(nil))
					result.ChunkHashes = append(result.ChunkHashes, h)
					chunk = sha3.New256()
					chunkRemaining = ChunkSize
					chunkHasBytes = false
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return ChunkHashes{}, fmt.Errorf("reading content: %w", err)
		}
	}

	// A trailing partial chunk only exists if bytes were written into
	// it since the last full chunk was emitted (or since the start, for
	// a file smaller than one chunk). A file whose size is an exact
	// multiple of ChunkSize emits no trailing chunk; an empty file
	// emits none either.
	if chunkHasBytes {
		var h [32]byte
		copy(h[:], chunk.Sum(nil))
		result.ChunkHashes = append(result.ChunkHashes, h)
	}

	copy(result.WholeHash[:], whole.Sum(nil))
	return result, nil
}
