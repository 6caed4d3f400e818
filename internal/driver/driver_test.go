package driver_test

import (
	"bytes"
	"context"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/sha3"

	"github.com/chunkvault/chunkvault/internal/driver"
	"github.com/chunkvault/chunkvault/internal/pool"
	"github.com/chunkvault/chunkvault/internal/rpc"
	"github.com/chunkvault/chunkvault/internal/wire"
)

// fakeAgent is an in-process stand-in for a real agent connection,
// implementing rpc.Client over a fixed set of files held in memory.
// Each file is a list of one or more chunks, hashed with the same
// SHA3-256 pool.New uses, so a driver run against it exercises real
// pool writes and real hash verification rather than stubbed-out
// comparisons. GetChunk only emits a trailing Eof frame when chunksID
// names every chunk of the file, in order — mirroring
// internal/transport.EmitChunks's own rule — so tests can exercise the
// genuine partial-chunk-reuse path DownloadFile's dedup is built for.
type fakeAgent struct {
	token        string
	files        map[string][][]byte
	syncEntries  map[string][]*wire.JournalEntry
	closed       bool
	backupClosed bool
}

var _ rpc.Client = (*fakeAgent)(nil)

func newFakeAgent(token string) *fakeAgent {
	return &fakeAgent{
		token:       token,
		files:       map[string][][]byte{},
		syncEntries: map[string][]*wire.JournalEntry{},
	}
}

func (f *fakeAgent) Ping(ctx context.Context, hostname string) (bool, error) {
	return true, nil
}

func (f *fakeAgent) Authenticate(ctx context.Context, token string, version uint32) (string, error) {
	if token != f.token {
		return "", &rpc.Error{Kind: wire.ErrKindUnauthenticated, Message: "bad token"}
	}
	return "session-1", nil
}

func (f *fakeAgent) ExecuteCommand(ctx context.Context, command string) (int32, []byte, []byte, error) {
	return 0, nil, nil, nil
}

// SyncFileList drains items to find the share header, then replays
// whatever journal entries the test registered for that share — an
// empty registration models a no-op incremental run.
func (f *fakeAgent) SyncFileList(ctx context.Context, items iter.Seq[*wire.RefreshCacheItem]) (iter.Seq2[*wire.JournalEntry, error], error) {
	var share string
	for item := range items {
		if item.Header != nil {
			share = item.Header.Share
		}
	}
	entries := f.syncEntries[share]
	return func(yield func(*wire.JournalEntry, error) bool) {
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}, nil
}

func (f *fakeAgent) GetChunkHash(ctx context.Context, filename []byte) (*wire.GetChunkHashResponse, error) {
	chunks := f.files[string(filename)]
	whole := wholeHash(chunks)
	resp := &wire.GetChunkHashResponse{WholeHash: whole[:]}
	for _, c := range chunks {
		h := sha3.Sum256(c)
		resp.ChunkHashes = append(resp.ChunkHashes, append([]byte(nil), h[:]...))
	}
	return resp, nil
}

// GetChunk streams Header/Data/Footer for each requested chunk, in
// request order, and appends a trailing Eof only when chunksID names
// every chunk of the file in order — the same rule EmitChunks applies
// server-side — so a genuinely partial request never yields one.
func (f *fakeAgent) GetChunk(ctx context.Context, filename []byte, chunksID []uint32) (iter.Seq2[*wire.ChunkFrame, error], error) {
	chunks := f.files[string(filename)]
	whole := wholeHash(chunks)
	covers := len(chunksID) == len(chunks)
	if covers {
		for i, id := range chunksID {
			if id != uint32(i) {
				covers = false
				break
			}
		}
	}
	return func(yield func(*wire.ChunkFrame, error) bool) {
		for _, id := range chunksID {
			h := sha3.Sum256(chunks[id])
			if !yield(&wire.ChunkFrame{Kind: wire.ChunkFrameHeader, ChunkID: id}, nil) {
				return
			}
			if !yield(&wire.ChunkFrame{Kind: wire.ChunkFrameData, Data: chunks[id]}, nil) {
				return
			}
			if !yield(&wire.ChunkFrame{Kind: wire.ChunkFrameFooter, ChunkID: id, ChunkHash: append([]byte(nil), h[:]...)}, nil) {
				return
			}
		}
		if covers {
			yield(&wire.ChunkFrame{Kind: wire.ChunkFrameEof, FileHash: append([]byte(nil), whole[:]...)}, nil)
		}
	}, nil
}

// wholeHash mirrors EmitChunks's whole-file hash: SHA3-256 over the
// file's bytes in order, independent of chunk boundaries.
func wholeHash(chunks [][]byte) [32]byte {
	hasher := sha3.New256()
	for _, c := range chunks {
		hasher.Write(c)
	}
	var h [32]byte
	copy(h[:], hasher.Sum(nil))
	return h
}

func (f *fakeAgent) CloseBackup(ctx context.Context) error {
	f.backupClosed = true
	return nil
}

func (f *fakeAgent) Close() error {
	f.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func addEntry(path string, size uint64) *wire.JournalEntry {
	return &wire.JournalEntry{
		Kind: wire.JournalAdd,
		Manifest: &wire.FileManifest{
			Path: []byte(path),
			Stat: &wire.Stat{Type: wire.FileTypeRegular, Size: size},
		},
	}
}

// TestDriver_Run_PristineBackup mirrors spec.md §8.2 scenario 1: a
// first backup of one share with one new file populates the pool,
// the host-level refcnt and the per-backup refcnt alike.
func TestDriver_Run_PristineBackup(t *testing.T) {
	root := t.TempDir()
	poolPath := filepath.Join(root, "pool")
	hostDir := filepath.Join(root, "hosts", "alpha")

	content := []byte("hello world")
	client := newFakeAgent("s3cret-token")
	client.files["file.txt"] = [][]byte{content}
	client.syncEntries["etc"] = []*wire.JournalEntry{addEntry("file.txt", uint64(len(content)))}

	drv := driver.New(driver.Options{
		Hostname:     "alpha",
		BackupNumber: 0,
		PoolPath:     poolPath,
		HostDir:      hostDir,
		Shares:       []string{"etc"},
		Client:       client,
		Log:          testLogger(),
	})

	if err := drv.Run(context.Background(), "s3cret-token"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !client.backupClosed {
		t.Fatal("expected the driver to call CloseBackup on the agent")
	}

	rec := drv.Record()
	if rec == nil || !rec.Completed {
		t.Fatalf("expected a completed backup record, got %+v", rec)
	}
	if rec.New == nil || rec.New.Count != 1 {
		t.Fatalf("expected 1 new file, got %+v", rec.New)
	}
	if rec.ErrorCount != 0 {
		t.Fatalf("expected no errors, got %d", rec.ErrorCount)
	}

	h := sha3.Sum256(content)
	if !pool.ForHash(poolPath, h).Exists() {
		t.Fatalf("expected chunk %x to be written into the pool", h)
	}

	refcnt := drv.Refcnt()
	if refcnt == nil {
		t.Fatal("expected a non-nil per-backup refcnt store")
	}
	entry, ok := refcnt.Entries()[h]
	if !ok || entry.RefCount != 1 {
		t.Fatalf("expected per-backup ref_count 1 for chunk %x, got %+v", h, entry)
	}

	hostStore, err := pool.Load(hostDir)
	if err != nil {
		t.Fatalf("loading host-level refcnt: %v", err)
	}
	hostEntry, ok := hostStore.Entries()[h]
	if !ok || hostEntry.RefCount != 1 {
		t.Fatalf("expected host-level ref_count 1 for chunk %x, got %+v", h, hostEntry)
	}
}

// TestDriver_Run_IncrementalNoop mirrors spec.md §8.2 scenario 2: a
// second backup of the same share, with no filelist changes reported,
// still walks the seeded manifest during compaction and so doubles
// the host-level refcnt for every unchanged chunk — the invariant
// Driver.Refcnt callers rely on when folding host into pool.
func TestDriver_Run_IncrementalNoop(t *testing.T) {
	root := t.TempDir()
	poolPath := filepath.Join(root, "pool")
	hostDir := filepath.Join(root, "hosts", "alpha")

	content := []byte("hello world")
	client := newFakeAgent("s3cret-token")
	client.files["file.txt"] = [][]byte{content}
	client.syncEntries["etc"] = []*wire.JournalEntry{addEntry("file.txt", uint64(len(content)))}

	first := driver.New(driver.Options{
		Hostname:     "alpha",
		BackupNumber: 0,
		PoolPath:     poolPath,
		HostDir:      hostDir,
		Shares:       []string{"etc"},
		Client:       client,
		Log:          testLogger(),
	})
	if err := first.Run(context.Background(), "s3cret-token"); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// Second backup: no filelist changes (no SyncFileList registration
	// for "etc" means an empty journal stream), so every surviving
	// chunk comes from the seeded manifest alone.
	second := driver.New(driver.Options{
		Hostname:      "alpha",
		BackupNumber:  1,
		PoolPath:      poolPath,
		HostDir:       hostDir,
		PrevBackupDir: filepath.Join(hostDir, "0"),
		Shares:        []string{"etc"},
		Client:        newFakeAgent("s3cret-token"),
		Log:           testLogger(),
	})
	if err := second.Run(context.Background(), "s3cret-token"); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	rec := second.Record()
	if rec == nil || !rec.Completed {
		t.Fatalf("expected a completed backup record, got %+v", rec)
	}
	if rec.New != nil && rec.New.Count != 0 {
		t.Fatalf("expected no new files on the no-op run, got %+v", rec.New)
	}
	if rec.Existing == nil || rec.Existing.Count != 1 {
		t.Fatalf("expected 1 carried-over file, got %+v", rec.Existing)
	}

	h := sha3.Sum256(content)
	hostStore, err := pool.Load(hostDir)
	if err != nil {
		t.Fatalf("loading host-level refcnt: %v", err)
	}
	hostEntry, ok := hostStore.Entries()[h]
	if !ok || hostEntry.RefCount != 2 {
		t.Fatalf("expected host-level ref_count to double to 2 for chunk %x, got %+v", h, hostEntry)
	}
}

// TestDriver_Run_PartialChunkDedup mirrors spec.md §4.8/§8's boundary law:
// when the pool already holds a proper subset of a file's chunks,
// DownloadFile must request only the missing ones and the agent's
// response legitimately omits Eof (internal/transport.EmitChunks only
// emits it when the request covers the whole file). Before the
// emit.go/download.go fix this scenario either forced a spurious full
// refetch or tripped download.go's unconditional sawEof check; this test
// exercises the real partial-reuse path end to end through the driver.
func TestDriver_Run_PartialChunkDedup(t *testing.T) {
	root := t.TempDir()
	poolPath := filepath.Join(root, "pool")
	hostDir := filepath.Join(root, "hosts", "alpha")

	chunkA := bytes.Repeat([]byte("a"), 64)
	chunkB := bytes.Repeat([]byte("b"), 64)
	content := append(append([]byte(nil), chunkA...), chunkB...)

	// Pre-seed chunkA into the pool, as if an earlier file already
	// contributed it, so this backup's download sees a proper subset
	// of the file's chunks as missing.
	if _, err := pool.New(poolPath).Write(bytes.NewReader(chunkA), "seed"); err != nil {
		t.Fatalf("pre-seeding chunk A: %v", err)
	}

	client := newFakeAgent("s3cret-token")
	client.files["file.txt"] = [][]byte{chunkA, chunkB}
	client.syncEntries["etc"] = []*wire.JournalEntry{addEntry("file.txt", uint64(len(content)))}

	drv := driver.New(driver.Options{
		Hostname:     "alpha",
		BackupNumber: 0,
		PoolPath:     poolPath,
		HostDir:      hostDir,
		Shares:       []string{"etc"},
		Client:       client,
		Log:          testLogger(),
	})

	if err := drv.Run(context.Background(), "s3cret-token"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec := drv.Record()
	if rec == nil || !rec.Completed {
		t.Fatalf("expected a completed backup record, got %+v", rec)
	}
	if rec.ErrorCount != 0 {
		t.Fatalf("expected no errors on a partial-dedup download, got %d", rec.ErrorCount)
	}

	hA := sha3.Sum256(chunkA)
	hB := sha3.Sum256(chunkB)
	if !pool.ForHash(poolPath, hA).Exists() {
		t.Fatalf("expected pre-seeded chunk %x to remain in the pool", hA)
	}
	if !pool.ForHash(poolPath, hB).Exists() {
		t.Fatalf("expected the genuinely missing chunk %x to be written into the pool", hB)
	}

	refcnt := drv.Refcnt()
	if _, ok := refcnt.Entries()[hA]; !ok {
		t.Fatalf("expected per-backup refcnt to reference the deduplicated chunk %x", hA)
	}
	if _, ok := refcnt.Entries()[hB]; !ok {
		t.Fatalf("expected per-backup refcnt to reference the fetched chunk %x", hB)
	}
}

func TestDriver_Run_AuthenticationFailure(t *testing.T) {
	root := t.TempDir()
	poolPath := filepath.Join(root, "pool")
	hostDir := filepath.Join(root, "hosts", "alpha")

	client := newFakeAgent("s3cret-token")
	drv := driver.New(driver.Options{
		Hostname:     "alpha",
		BackupNumber: 0,
		PoolPath:     poolPath,
		HostDir:      hostDir,
		Shares:       []string{"etc"},
		Client:       client,
		Log:          testLogger(),
	})

	if err := drv.Run(context.Background(), "wrong-token"); err == nil {
		t.Fatal("expected an error for a mismatched token")
	}
	if drv.Record() != nil {
		t.Fatal("expected no backup record when authentication never reaches InitBackupDirectory")
	}
}
