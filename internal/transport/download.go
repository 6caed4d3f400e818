package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/chunkvault/chunkvault/internal/pool"
	"github.com/chunkvault/chunkvault/internal/rpc"
	"github.com/chunkvault/chunkvault/internal/wire"
)

// ErrWholeHashMismatch means the file changed between the GetChunkHash call
// and the GetChunk stream finishing (the agent's Eof frame disagrees with
// its own earlier GetChunkHash response) — a TOCTOU the driver must retry
// or fail the file on (spec.md §4.8 step 4, §7).
var ErrWholeHashMismatch = errors.New("transport: whole-file hash changed between GetChunkHash and GetChunk")

// ErrChunkHashMismatch means a downloaded chunk's recomputed content hash
// disagrees with the Footer frame that closed it.
var ErrChunkHashMismatch = errors.New("transport: downloaded chunk content hash disagrees with its footer")

// ErrUnexpectedFrame means the GetChunk response stream violated the
// Header/Data*/Footer/Eof framing (spec.md §4.8).
var ErrUnexpectedFrame = errors.New("transport: chunk frame received out of order")

// DownloadFile is the driver side of spec.md §4.8's download algorithm: it
// asks the agent for filename's whole-file and per-chunk hashes, skips any
// chunk already present in poolPath (content-addressed dedup), fetches only
// the missing ones, and writes each into the pool. Each written chunk's
// content hash is checked against the Footer that closed it. The
// whole-file hash is checked only when the stream carries an Eof frame,
// by comparing the Eof's hash with the one GetChunkHash returned; when
// some chunks were already in the pool the agent sends no Eof and the
// whole-file hash is not checked. The returned chunkHashes are in file order regardless of
// which chunks were already deduplicated. minFreeBytes, if nonzero, is
// enforced before staging each chunk (spec.md §4.3); zero disables the
// check.
func DownloadFile(ctx context.Context, c rpc.Client, poolPath string, minFreeBytes uint64, filename []byte) (wholeHash [32]byte, chunkHashes [][32]byte, err error) {
	hashResp, err := c.GetChunkHash(ctx, filename)
	if err != nil {
		return wholeHash, nil, fmt.Errorf("GetChunkHash %s: %w", filename, err)
	}
	copy(wholeHash[:], hashResp.WholeHash)

	chunkHashes = make([][32]byte, len(hashResp.ChunkHashes))
	var missing []uint32
	for i, h := range hashResp.ChunkHashes {
		copy(chunkHashes[i][:], h)
		if !pool.ForHash(poolPath, chunkHashes[i]).Exists() {
			missing = append(missing, uint32(i))
		}
	}
	if len(missing) == 0 {
		return wholeHash, chunkHashes, nil
	}
	// missing is built in ascending index order, so it names every chunk
	// of the file, in order, exactly when its length equals the file's
	// total chunk count — the same "covers the whole file" condition
	// EmitChunks uses to decide whether to emit Eof at all (spec.md §4.8).
	expectEof := len(missing) == len(hashResp.ChunkHashes)

	frames, err := c.GetChunk(ctx, filename, missing)
	if err != nil {
		return wholeHash, nil, fmt.Errorf("GetChunk %s: %w", filename, err)
	}

	var current *bytes.Buffer
	var currentID uint32
	inChunk := false
	sawEof := false

	for frame, ferr := range frames {
		if ferr != nil {
			return wholeHash, nil, fmt.Errorf("reading chunk stream for %s: %w", filename, ferr)
		}
		switch frame.Kind {
		case wire.ChunkFrameHeader:
			if inChunk {
				return wholeHash, nil, fmt.Errorf("%w: Header for chunk %d while chunk %d still open", ErrUnexpectedFrame, frame.ChunkID, currentID)
			}
			current = &bytes.Buffer{}
			currentID = frame.ChunkID
			inChunk = true

		case wire.ChunkFrameData:
			if !inChunk {
				return wholeHash, nil, fmt.Errorf("%w: Data with no open chunk", ErrUnexpectedFrame)
			}
			current.Write(frame.Data)

		case wire.ChunkFrameFooter:
			if !inChunk {
				return wholeHash, nil, fmt.Errorf("%w: Footer with no open chunk", ErrUnexpectedFrame)
			}
			info, werr := pool.New(poolPath).WithMinFreeBytes(minFreeBytes).Write(current, fmt.Sprintf("%s#%d", filename, currentID))
			if werr != nil {
				return wholeHash, nil, fmt.Errorf("writing chunk %d of %s: %w", currentID, filename, werr)
			}
			if !bytes.Equal(info.Sha256, frame.ChunkHash) {
				return wholeHash, nil, fmt.Errorf("%w: chunk %d of %s", ErrChunkHashMismatch, currentID, filename)
			}
			if int(currentID) < len(chunkHashes) {
				copy(chunkHashes[currentID][:], info.Sha256)
			}
			inChunk = false
			current = nil

		case wire.ChunkFrameEof:
			if inChunk {
				return wholeHash, nil, fmt.Errorf("%w: Eof while chunk %d still open", ErrUnexpectedFrame, currentID)
			}
			sawEof = true
			if !bytes.Equal(frame.FileHash, hashResp.WholeHash) {
				return wholeHash, nil, fmt.Errorf("%w: %s", ErrWholeHashMismatch, filename)
			}
		}
	}
	if expectEof && !sawEof {
		return wholeHash, nil, fmt.Errorf("%w: stream for %s ended without Eof", ErrUnexpectedFrame, filename)
	}
	return wholeHash, chunkHashes, nil
}
