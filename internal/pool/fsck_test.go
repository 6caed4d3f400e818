package pool

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zlib"

	"github.com/chunkvault/chunkvault/internal/manifest"
	"github.com/chunkvault/chunkvault/internal/wire"
)

func sliceSeq(entries []*wire.FileManifest) func(func(*wire.FileManifest) bool) {
	return func(yield func(*wire.FileManifest) bool) {
		for _, e := range entries {
			if !yield(e) {
				return
			}
		}
	}
}

func writeManifest(t *testing.T, backupDir, share string, entries []*wire.FileManifest) {
	t.Helper()
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		t.Fatalf("mkdir backup dir: %v", err)
	}
	path := manifest.New(backupDir, share).ManifestPath()
	if err := wire.SaveStream[*wire.FileManifest](path, sliceSeq(entries), true, true); err != nil {
		t.Fatalf("writing manifest for share %q: %v", share, err)
	}
}

func fileEntry(path string, chunks ...[32]byte) *wire.FileManifest {
	m := &wire.FileManifest{Path: []byte(path), Stat: &wire.Stat{Type: wire.FileTypeRegular}}
	for _, h := range chunks {
		m.Chunks = append(m.Chunks, append([]byte(nil), h[:]...))
	}
	return m
}

func refEntry(h [32]byte) *wire.RefcntEntry {
	return &wire.RefcntEntry{Sha256: append([]byte(nil), h[:]...), RefCount: 1}
}

func writeChunk(t *testing.T, poolPath string, content []byte, debugName string) [32]byte {
	t.Helper()
	info, err := New(poolPath).Write(bytes.NewReader(content), debugName)
	if err != nil {
		t.Fatalf("writing chunk %s: %v", debugName, err)
	}
	var h [32]byte
	copy(h[:], info.Sha256)
	return h
}

func TestCheck_CleanPool(t *testing.T) {
	poolPath := t.TempDir()
	h := writeChunk(t, poolPath, []byte("hello world"), "file")

	refcnt := NewStore(poolPath)
	refcnt.Apply(refEntry(h), Increase, nil)

	report, err := Check(context.Background(), poolPath, refcnt, 4)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.HasErrors() {
		t.Fatalf("expected no errors, got %+v", report)
	}
	if report.ChunksScanned != 1 {
		t.Fatalf("expected 1 chunk scanned, got %d", report.ChunksScanned)
	}
	if len(report.OrphanChunks) != 0 {
		t.Fatalf("expected no orphans, got %v", report.OrphanChunks)
	}
}

func TestCheck_OrphanChunk(t *testing.T) {
	poolPath := t.TempDir()
	writeChunk(t, poolPath, []byte("untracked"), "orphan")

	refcnt := NewStore(poolPath)
	report, err := Check(context.Background(), poolPath, refcnt, 4)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(report.OrphanChunks) != 1 {
		t.Fatalf("expected 1 orphan chunk, got %v", report.OrphanChunks)
	}
	if report.HasErrors() {
		t.Fatal("an orphan alone should not count as an error")
	}
}

func TestCheck_MissingChunk(t *testing.T) {
	poolPath := t.TempDir()
	var h [32]byte
	h[0] = 0xAB

	refcnt := NewStore(poolPath)
	refcnt.Apply(refEntry(h), Increase, nil)

	report, err := Check(context.Background(), poolPath, refcnt, 4)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(report.MissingChunks) != 1 {
		t.Fatalf("expected 1 missing chunk, got %v", report.MissingChunks)
	}
	if !report.HasErrors() {
		t.Fatal("a missing chunk should count as an error")
	}
}

func TestCheck_CorruptChunk(t *testing.T) {
	poolPath := t.TempDir()
	h := writeChunk(t, poolPath, []byte("original content"), "file")

	// Overwrite the chunk's data file in place with different (still
	// validly zlib-compressed) content, so its decompressed hash no
	// longer matches the hash encoded in its sharded filename.
	chunk := ForHash(poolPath, h)
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	zw.Write([]byte("tampered content"))
	zw.Close()
	if err := os.WriteFile(chunk.DataPath(), buf.Bytes(), 0o644); err != nil {
		t.Fatalf("tampering with chunk data: %v", err)
	}

	refcnt := NewStore(poolPath)
	refcnt.Apply(refEntry(h), Increase, nil)

	report, err := Check(context.Background(), poolPath, refcnt, 4)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(report.CorruptChunks) != 1 {
		t.Fatalf("expected 1 corrupt chunk, got %v", report.CorruptChunks)
	}
	if !report.HasErrors() {
		t.Fatal("a corrupt chunk should count as an error")
	}
}

func TestRemoveOrphans(t *testing.T) {
	poolPath := t.TempDir()
	h := writeChunk(t, poolPath, []byte("delete me"), "orphan")

	var removed []string
	RemoveOrphans(poolPath, [][32]byte{h}, func(hash [32]byte, err error) {
		if err != nil {
			t.Fatalf("removing orphan %x: %v", hash, err)
		}
		removed = append(removed, "ok")
	})
	if len(removed) != 1 {
		t.Fatalf("expected exactly one removal callback, got %d", len(removed))
	}
	if ForHash(poolPath, h).Exists() {
		t.Fatal("expected the orphaned chunk to be deleted")
	}
}

func TestCleanStaging(t *testing.T) {
	poolPath := t.TempDir()
	stagingDir := filepath.Join(poolPath, "_new")
	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		t.Fatalf("mkdir staging dir: %v", err)
	}
	stale := filepath.Join(stagingDir, "chunk-12345")
	if err := os.WriteFile(stale, []byte("half-written"), 0o644); err != nil {
		t.Fatalf("writing stale staging file: %v", err)
	}

	if err := CleanStaging(poolPath); err != nil {
		t.Fatalf("CleanStaging: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("expected the stale staging file to be removed")
	}
}

func TestCleanStaging_NoStagingDir(t *testing.T) {
	poolPath := t.TempDir()
	if err := CleanStaging(poolPath); err != nil {
		t.Fatalf("CleanStaging on a pool with no staging dir: %v", err)
	}
}

// TestCheckBackupRefcnt_NoMismatch mirrors spec.md §8 scenario 5: a
// backup's stored refcnt agrees exactly with what walking its share
// manifests would rebuild.
func TestCheckBackupRefcnt_NoMismatch(t *testing.T) {
	backupDir := t.TempDir()
	var h [32]byte
	h[0] = 0x01
	writeManifest(t, backupDir, "etc", []*wire.FileManifest{fileEntry("a", h)})

	stored := NewStore(backupDir)
	stored.Apply(refEntry(h), Increase, nil)

	mismatches, err := CheckBackupRefcnt(backupDir, []string{"etc"}, stored, true)
	if err != nil {
		t.Fatalf("CheckBackupRefcnt: %v", err)
	}
	if len(mismatches) != 0 {
		t.Fatalf("expected no mismatches, got %+v", mismatches)
	}
}

// TestCheckBackupRefcnt_UndercountIsRewritten exercises the mismatch
// path: the stored per-backup refcnt undercounts a chunk referenced
// twice (once per file) in the share manifest. Not dry-run, so the
// mismatch is rewritten into stored.
func TestCheckBackupRefcnt_UndercountIsRewritten(t *testing.T) {
	backupDir := t.TempDir()
	var h [32]byte
	h[0] = 0x02
	writeManifest(t, backupDir, "etc", []*wire.FileManifest{
		fileEntry("a", h),
		fileEntry("b", h),
	})

	stored := NewStore(backupDir)
	stored.Apply(refEntry(h), Increase, nil) // stored says 1, manifests say 2

	mismatches, err := CheckBackupRefcnt(backupDir, []string{"etc"}, stored, false)
	if err != nil {
		t.Fatalf("CheckBackupRefcnt: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].Expected != 2 || mismatches[0].Stored != 1 {
		t.Fatalf("expected one mismatch expected=2 stored=1, got %+v", mismatches)
	}
	if stored.refs[h].RefCount != 2 {
		t.Fatalf("expected the rewrite to correct ref_count to 2, got %d", stored.refs[h].RefCount)
	}
}

// TestCheckHostRefcnt_AggregatesBackups confirms the Host-level check
// sums its backups' stored refcnts rather than re-walking manifests.
func TestCheckHostRefcnt_AggregatesBackups(t *testing.T) {
	var h [32]byte
	h[0] = 0x03

	backup0 := NewStore(t.TempDir())
	backup0.Apply(refEntry(h), Increase, nil)
	backup1 := NewStore(t.TempDir())
	backup1.Apply(refEntry(h), Increase, nil)

	hostDir := t.TempDir()
	hostStore := NewStore(hostDir)
	// Host store undercounts: only one backup's worth folded in so far.
	hostStore.Apply(refEntry(h), Increase, nil)

	mismatches, err := CheckHostRefcnt([]*Store{backup0, backup1}, hostStore, false)
	if err != nil {
		t.Fatalf("CheckHostRefcnt: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].Expected != 2 {
		t.Fatalf("expected one mismatch expected=2, got %+v", mismatches)
	}
	if hostStore.refs[h].RefCount != 2 {
		t.Fatalf("expected host refcnt rewritten to 2, got %d", hostStore.refs[h].RefCount)
	}
}

// TestCheckPoolRefcnt_OrphanedStoredEntryIsCleared covers the other
// mismatch direction: the pool refcnt holds a chunk no host reports
// anymore, so the expected count is zero and the entry is dropped.
func TestCheckPoolRefcnt_OrphanedStoredEntryIsCleared(t *testing.T) {
	var h [32]byte
	h[0] = 0x04

	poolDir := t.TempDir()
	poolStore := NewStore(poolDir)
	poolStore.Apply(refEntry(h), Increase, nil)

	mismatches, err := CheckPoolRefcnt(nil, poolStore, false)
	if err != nil {
		t.Fatalf("CheckPoolRefcnt: %v", err)
	}
	if len(mismatches) != 1 || mismatches[0].Expected != 0 || mismatches[0].Stored != 1 {
		t.Fatalf("expected one mismatch expected=0 stored=1, got %+v", mismatches)
	}
	if _, ok := poolStore.refs[h]; ok {
		t.Fatal("expected the orphaned entry to be removed from the store")
	}
}
