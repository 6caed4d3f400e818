package transport

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/sha3"

	"github.com/chunkvault/chunkvault/internal/scanner"
	"github.com/chunkvault/chunkvault/internal/wire"
)

// frameDataWriter adapts emit into an io.Writer so its Data frames can be
// rate-limited through ThrottledWriter like any other byte stream.
type frameDataWriter struct {
	emit func(*wire.ChunkFrame) error
}

func (w *frameDataWriter) Write(p []byte) (int, error) {
	if err := w.emit(&wire.ChunkFrame{Kind: wire.ChunkFrameData, Data: append([]byte(nil), p...)}); err != nil {
		return 0, err
	}
	return len(p), nil
}

// EmitChunks is the agent side of GetChunk (spec.md §4.8): it reads path
// once, in scanner.BufferSize blocks, re-deriving the same chunk boundaries
// scanner.HashReader would, and calls emit once per frame of the response
// sequence — a Header/Data.../Footer triple per requested chunk (chunksID
// empty means every chunk). A trailing Eof carrying the whole-file hash is
// emitted only when the request covered the whole file — either the
// implicit "every chunk" form, or an explicit chunksID that, in order,
// names every chunk of the file from 0 — since only then has the caller
// actually seen (and can verify) the complete content. A genuine partial
// request (a proper subset, reused via dedup against the pool) omits Eof
// entirely, per spec.md §4.8/§8. bytesPerSec, if positive, throttles Data
// frame emission.
func EmitChunks(ctx context.Context, path string, chunksID []uint32, bytesPerSec int64, emit func(*wire.ChunkFrame) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	all := len(chunksID) == 0
	wanted := make(map[uint32]bool, len(chunksID))
	for _, id := range chunksID {
		wanted[id] = true
	}

	dataWriter := NewThrottledWriter(ctx, &frameDataWriter{emit: emit}, bytesPerSec)

	whole := sha3.New256()
	chunkHasher := sha3.New256()
	buf := make([]byte, scanner.BufferSize)
	var chunkRemaining int64 = scanner.ChunkSize
	var chunkHasBytes bool
	var chunkIndex uint32
	headerSent := false

	sendHeader := func() error {
		headerSent = all || wanted[chunkIndex]
		if headerSent {
			return emit(&wire.ChunkFrame{Kind: wire.ChunkFrameHeader, ChunkID: chunkIndex})
		}
		return nil
	}
	if err := sendHeader(); err != nil {
		return err
	}

	finishChunk := func() error {
		if headerSent {
			var h [32]byte
			copy(h[:], chunkHasher.Sum(nil))
			if err := emit(&wire.ChunkFrame{Kind: wire.ChunkFrameFooter, ChunkHash: h[:]}); err != nil {
				return err
			}
		}
		chunkHasher = sha3.New256()
		chunkRemaining = scanner.ChunkSize
		chunkHasBytes = false
		chunkIndex++
		return sendHeader()
	}

	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			whole.Write(buf[:n])
			offset := 0
			for offset < n {
				take := int64(n - offset)
				if take > chunkRemaining {
					take = chunkRemaining
				}
				piece := buf[offset : offset+int(take)]
				chunkHasher.Write(piece)
				chunkHasBytes = true
				if headerSent {
					if _, werr := dataWriter.Write(piece); werr != nil {
						return fmt.Errorf("emitting chunk %d data: %w", chunkIndex, werr)
					}
				}
				chunkRemaining -= take
				offset += int(take)
				if chunkRemaining == 0 {
					if err := finishChunk(); err != nil {
						return err
					}
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("reading %s: %w", path, rerr)
		}
	}

	// Trailing partial chunk, mirroring scanner.HashReader's boundary rule:
	// only emit a Footer if bytes were actually folded into this chunk since
	// the last one closed.
	totalChunks := chunkIndex
	if chunkHasBytes {
		if headerSent {
			var h [32]byte
			copy(h[:], chunkHasher.Sum(nil))
			if err := emit(&wire.ChunkFrame{Kind: wire.ChunkFrameFooter, ChunkHash: h[:]}); err != nil {
				return err
			}
		}
		totalChunks++
	}

	if !coversWholeFile(all, chunksID, totalChunks) {
		return nil
	}

	var fileHash [32]byte
	copy(fileHash[:], whole.Sum(nil))
	return emit(&wire.ChunkFrame{Kind: wire.ChunkFrameEof, FileHash: fileHash[:]})
}

// coversWholeFile reports whether a GetChunk request actually named every
// chunk of the file: either the implicit "all" form, or an explicit
// chunksID that lists exactly 0..totalChunks-1, in order.
func coversWholeFile(all bool, chunksID []uint32, totalChunks uint32) bool {
	if all {
		return true
	}
	if uint32(len(chunksID)) != totalChunks {
		return false
	}
	for i, id := range chunksID {
		if id != uint32(i) {
			return false
		}
	}
	return true
}
