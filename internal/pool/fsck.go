package pool

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/chunkvault/chunkvault/internal/manifest"
	"github.com/chunkvault/chunkvault/internal/wire"
)

// Report is the outcome of Check: every integrity problem found, plus
// aggregate counts, per spec.md §4.11.
type Report struct {
	ChunksScanned   int
	OrphanChunks    [][32]byte // present on disk, absent from the pool refcnt store
	MissingChunks   [][32]byte // present in the pool refcnt store, absent from disk
	CorruptChunks   [][32]byte // present, but content hash does not match its name
	UnreferencedSum uint64     // bytes reclaimable by RemoveUnusedFiles
}

// HasErrors reports whether the check found anything beyond orphaned
// pending writes.
func (r *Report) HasErrors() bool {
	return len(r.MissingChunks) > 0 || len(r.CorruptChunks) > 0
}

// Check walks every chunk under poolPath, verifying each against
// poolRefcnt (the top-level pool REFCNT store) with up to concurrency
// chunks checksummed in parallel. A chunk on disk but absent from
// poolRefcnt (and not itself marked unused) is reported as orphaned; a
// poolRefcnt entry with no corresponding file is reported as missing;
// a chunk whose recomputed hash disagrees with its sharded path name
// is reported as corrupt (spec.md §4.11).
func Check(ctx context.Context, poolPath string, poolRefcnt *Store, concurrency int64) (*Report, error) {
	report := &Report{}
	onDisk := map[[32]byte]bool{}

	err := filepath.WalkDir(poolPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".zz") {
			return nil
		}
		hash, ok := parseShardedName(poolPath, path)
		if !ok {
			return nil
		}
		onDisk[hash] = true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking pool: %w", err)
	}
	report.ChunksScanned = len(onDisk)

	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(concurrency)
	corruptCh := make(chan [32]byte, len(onDisk))

	for hash := range onDisk {
		hash := hash
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if err := ForHash(poolPath, hash).CheckInformation(); err != nil {
				if errors.Is(err, ErrHashMismatch) {
					corruptCh <- hash
					return nil
				}
				return err
			}
			return nil
		})
	}
	waitErr := g.Wait()
	close(corruptCh)
	for h := range corruptCh {
		report.CorruptChunks = append(report.CorruptChunks, h)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("checking chunk contents: %w", waitErr)
	}

	for hash := range onDisk {
		if _, known := poolRefcnt.refs[hash]; !known {
			if _, unused := poolRefcnt.unused[hash]; !unused {
				report.OrphanChunks = append(report.OrphanChunks, hash)
			}
		}
	}
	for hash, entry := range poolRefcnt.refs {
		if !onDisk[hash] {
			report.MissingChunks = append(report.MissingChunks, hash)
			_ = entry
		}
	}
	for _, u := range poolRefcnt.unused {
		report.UnreferencedSum += u.Size
	}

	return report, nil
}

// RefcntMismatch is one chunk whose expected reference count —
// rebuilt from share manifests (Backup level) or aggregated from a
// lower level's stored refcnt (Host/Pool level) — disagrees with what
// a stored refcnt holds (spec.md §4.11).
type RefcntMismatch struct {
	Hash     [32]byte
	Expected int64
	Stored   int64
}

// RebuildBackupRefcnt reconstructs one backup's expected refcnt by
// walking every one of shares' compacted manifests under backupDir and
// incrementing a chunk's count once per surviving manifest entry that
// references it — the same +1-per-chunk rule driver.Compact's onEntry
// callback applies while folding a backup's own refcnt (spec.md §4.10
// step 8, §4.11).
func RebuildBackupRefcnt(backupDir string, shares []string) (map[[32]byte]int64, error) {
	counts := map[[32]byte]int64{}
	for _, share := range shares {
		idx, err := manifest.New(backupDir, share).LoadIndex()
		if err != nil {
			return nil, fmt.Errorf("loading manifest for share %q in %s: %w", share, backupDir, err)
		}
		for _, entry := range idx.Walk() {
			if entry.Manifest == nil {
				continue
			}
			for _, h := range entry.Manifest.Chunks {
				var hash [32]byte
				copy(hash[:], h)
				counts[hash]++
			}
		}
	}
	return counts, nil
}

// AggregateRefcnt sums ref_count across multiple stores: the Host
// check's expected refcnt is the sum of its backups' stored refcnts;
// the Pool check's is the sum of its hosts' (spec.md §4.11).
func AggregateRefcnt(stores []*Store) map[[32]byte]int64 {
	counts := map[[32]byte]int64{}
	for _, s := range stores {
		for h, e := range s.refs {
			counts[h] += e.RefCount
		}
	}
	return counts
}

// CompareRefcnt diffs an expected refcnt (rebuilt from manifests, or
// aggregated from a lower level) against a stored Store, entry-wise,
// reporting every chunk whose count disagrees (spec.md §4.11).
func CompareRefcnt(expected map[[32]byte]int64, stored *Store) []RefcntMismatch {
	var mismatches []RefcntMismatch
	seen := map[[32]byte]bool{}
	for h, want := range expected {
		seen[h] = true
		var got int64
		if e, ok := stored.refs[h]; ok {
			got = e.RefCount
		}
		if got != want {
			mismatches = append(mismatches, RefcntMismatch{Hash: h, Expected: want, Stored: got})
		}
	}
	for h, e := range stored.refs {
		if seen[h] {
			continue
		}
		if e.RefCount != 0 {
			mismatches = append(mismatches, RefcntMismatch{Hash: h, Expected: 0, Stored: e.RefCount})
		}
	}
	return mismatches
}

// RewriteRefcnt overwrites stored's ref_count for every mismatch with
// its expected value (deleting entries whose expected count is zero)
// and persists the store — applied when a refcnt check runs outside
// dry-run mode (spec.md §4.11).
func RewriteRefcnt(stored *Store, mismatches []RefcntMismatch) error {
	for _, m := range mismatches {
		if m.Expected == 0 {
			delete(stored.refs, m.Hash)
			continue
		}
		e, ok := stored.refs[m.Hash]
		if !ok {
			e = &wire.RefcntEntry{Sha256: append([]byte(nil), m.Hash[:]...)}
			stored.refs[m.Hash] = e
		}
		e.RefCount = m.Expected
	}
	return stored.save()
}

// CheckBackupRefcnt is the Backup-level refcnt-integrity check of
// spec.md §4.11: rebuild backupDir's expected refcnt by walking its
// share manifests and compare it entry-wise to stored, the per-backup
// REFCNT store already persisted at backupDir. When dryRun is false,
// mismatches are rewritten into stored and persisted.
func CheckBackupRefcnt(backupDir string, shares []string, stored *Store, dryRun bool) ([]RefcntMismatch, error) {
	expected, err := RebuildBackupRefcnt(backupDir, shares)
	if err != nil {
		return nil, err
	}
	mismatches := CompareRefcnt(expected, stored)
	if !dryRun && len(mismatches) > 0 {
		if err := RewriteRefcnt(stored, mismatches); err != nil {
			return nil, fmt.Errorf("rewriting backup refcnt: %w", err)
		}
	}
	return mismatches, nil
}

// CheckHostRefcnt is the Host-level check: the host's expected refcnt
// is the sum of backupStores (one per backup under the host), compared
// against stored, the host-level REFCNT store. When dryRun is false,
// mismatches are rewritten into stored and persisted.
func CheckHostRefcnt(backupStores []*Store, stored *Store, dryRun bool) ([]RefcntMismatch, error) {
	mismatches := CompareRefcnt(AggregateRefcnt(backupStores), stored)
	if !dryRun && len(mismatches) > 0 {
		if err := RewriteRefcnt(stored, mismatches); err != nil {
			return nil, fmt.Errorf("rewriting host refcnt: %w", err)
		}
	}
	return mismatches, nil
}

// CheckPoolRefcnt is the Pool-level check: the pool's expected refcnt
// is the sum of hostStores (one per host), compared against stored,
// the top-level pool REFCNT store. When dryRun is false, mismatches
// are rewritten into stored and persisted.
func CheckPoolRefcnt(hostStores []*Store, stored *Store, dryRun bool) ([]RefcntMismatch, error) {
	mismatches := CompareRefcnt(AggregateRefcnt(hostStores), stored)
	if !dryRun && len(mismatches) > 0 {
		if err := RewriteRefcnt(stored, mismatches); err != nil {
			return nil, fmt.Errorf("rewriting pool refcnt: %w", err)
		}
	}
	return mismatches, nil
}

// parseShardedName recovers the 32-byte hash encoded in a chunk's
// sharded path name ("<poolPath>/ab/cd/ef/abcdef...-sha256.zz").
func parseShardedName(poolPath, path string) ([32]byte, bool) {
	var hash [32]byte
	rel, err := filepath.Rel(poolPath, path)
	if err != nil {
		return hash, false
	}
	base := filepath.Base(rel)
	base = strings.TrimSuffix(base, ".zz")
	name, _, found := strings.Cut(base, "-sha256")
	if !found || len(name) != 64 {
		return hash, false
	}
	decoded, err := hex.DecodeString(name)
	if err != nil || len(decoded) != 32 {
		return hash, false
	}
	copy(hash[:], decoded)
	return hash, true
}

// RemoveOrphans deletes every chunk Check reported as orphaned
// (present on disk, referenced by nothing). Unlike RemoveUnusedFiles
// (which processes entries the refcnt store itself already tracks as
// unused), this handles chunks that were never tracked at all —
// typically leftovers from an interrupted write that skipped sidecar
// creation.
func RemoveOrphans(poolPath string, orphans [][32]byte, cb func(hash [32]byte, err error)) {
	for _, h := range orphans {
		err := ForHash(poolPath, h).Remove()
		if cb != nil {
			cb(h, err)
		}
	}
}

// CleanStaging removes every file under <poolPath>/_new, whatever its
// age: remnants of a process that died mid-Write before renaming its
// temp file into place, and equally the temp file of a Write running
// at the same time.
func CleanStaging(poolPath string) error {
	stagingDir := filepath.Join(poolPath, "_new")
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading staging directory: %w", err)
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(stagingDir, e.Name())); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale staging file %s: %w", e.Name(), err)
		}
	}
	return nil
}
