package pool

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chunkvault/chunkvault/internal/wire"
)

// Sense selects whether Apply/ApplyAllFrom increases or decreases a
// refcount (spec.md §4.4).
type Sense int

const (
	Increase Sense = iota
	Decrease
)

// Statistics is the derived aggregate over a refcnt store (spec.md
// §4.4).
type Statistics struct {
	NbRef          uint64
	LongestChain   uint64
	NbChunk        uint64
	Size           uint64
	CompressedSize uint64
	UnusedSize     uint64
}

// Store is the in-memory form of one refcnt directory's REFCNT+unused
// pair (spec.md §3, §4.4). Three exist: per backup, per host, per pool.
type Store struct {
	dir    string
	refs   map[[32]byte]*wire.RefcntEntry
	unused map[[32]byte]*wire.UnusedEntry
}

// NewStore returns an empty, unpersisted Store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir, refs: map[[32]byte]*wire.RefcntEntry{}, unused: map[[32]byte]*wire.UnusedEntry{}}
}

// Load reads dir's REFCNT and unused files, if present. A missing file
// is treated as empty.
func Load(dir string) (*Store, error) {
	s := NewStore(dir)
	if err := s.loadRefs(); err != nil {
		return nil, err
	}
	if err := s.loadUnused(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) refcntPath() string { return filepath.Join(s.dir, "REFCNT") }
func (s *Store) unusedPath() string { return filepath.Join(s.dir, "unused") }

func (s *Store) loadRefs() error {
	r, err := wire.Open(s.refcntPath(), true, func() *wire.RefcntEntry { return &wire.RefcntEntry{} })
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer r.Close()
	for entry := range r.All() {
		var h [32]byte
		copy(h[:], entry.Sha256)
		s.refs[h] = entry
	}
	return r.Err()
}

func (s *Store) loadUnused() error {
	r, err := wire.Open(s.unusedPath(), true, func() *wire.UnusedEntry { return &wire.UnusedEntry{} })
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer r.Close()
	for entry := range r.All() {
		var h [32]byte
		copy(h[:], entry.Sha256)
		s.unused[h] = entry
	}
	return r.Err()
}

// Apply folds one incoming entry into the store: new count = current +
// delta (Increase) or max(0, current - delta) (Decrease). A nonzero
// incoming size/compressed_size that disagrees with a nonzero stored
// value is logged (not fatal, spec.md §4.4) and the stored value wins;
// a zero incoming size never overwrites a known one.
func (s *Store) Apply(entry *wire.RefcntEntry, sense Sense, logf func(string, ...any)) {
	var h [32]byte
	copy(h[:], entry.Sha256)

	cur, ok := s.refs[h]
	if !ok {
		cur = &wire.RefcntEntry{Sha256: append([]byte(nil), entry.Sha256...)}
	}

	delta := entry.RefCount
	switch sense {
	case Increase:
		cur.RefCount += delta
	case Decrease:
		cur.RefCount -= delta
		if cur.RefCount < 0 {
			cur.RefCount = 0
		}
	}

	if entry.Size != 0 {
		if cur.Size != 0 && cur.Size != entry.Size && logf != nil {
			logf("refcnt: size drift for %x: stored=%d incoming=%d", h, cur.Size, entry.Size)
		}
		if cur.Size == 0 {
			cur.Size = entry.Size
		}
	}
	if entry.CompressedSize != 0 {
		if cur.CompressedSize != 0 && cur.CompressedSize != entry.CompressedSize && logf != nil {
			logf("refcnt: compressed size drift for %x: stored=%d incoming=%d", h, cur.CompressedSize, entry.CompressedSize)
		}
		if cur.CompressedSize == 0 {
			cur.CompressedSize = entry.CompressedSize
		}
	}

	s.refs[h] = cur
}

// Finish fills in any missing size/compressed_size from the pool's
// chunk sidecars, then partitions entries: ref_count>0 stays in refs
// and contributes to Statistics; ref_count<=0 migrates to unused.
// Returns the resulting Statistics.
func (s *Store) Finish(poolPath string) (Statistics, error) {
	var stats Statistics
	for h, entry := range s.refs {
		if entry.Size == 0 || entry.CompressedSize == 0 {
			info, err := ForHash(poolPath, h).Information()
			if err == nil {
				if entry.Size == 0 {
					entry.Size = info.Size
				}
				if entry.CompressedSize == 0 {
					entry.CompressedSize = info.CompressedSize
				}
			}
		}

		if entry.RefCount <= 0 {
			delete(s.refs, h)
			s.unused[h] = &wire.UnusedEntry{Sha256: entry.Sha256, Size: entry.Size, CompressedSize: entry.CompressedSize}
			continue
		}

		stats.NbRef += uint64(entry.RefCount)
		if uint64(entry.RefCount) > stats.LongestChain {
			stats.LongestChain = uint64(entry.RefCount)
		}
		stats.NbChunk++
		stats.Size += entry.Size
		stats.CompressedSize += entry.CompressedSize
	}
	for _, u := range s.unused {
		stats.UnusedSize += u.Size
	}
	return stats, nil
}

// Save persists REFCNT (only ref_count>0 entries) and unused, both
// zlib-compressed and atomically renamed into place. Exported for the
// per-backup refcnt level (internal/driver), which owns its Store
// directly rather than through ApplyAllFrom.
func (s *Store) Save() error {
	return s.save()
}

// save persists REFCNT (only ref_count>0 entries) and unused, both
// zlib-compressed and atomically renamed into place.
func (s *Store) save() error {
	refStream := func(yield func(*wire.RefcntEntry) bool) {
		for _, e := range s.refs {
			if e.RefCount <= 0 {
				continue
			}
			if !yield(e) {
				return
			}
		}
	}
	if err := wire.SaveStream[*wire.RefcntEntry](s.refcntPath(), iter.Seq[*wire.RefcntEntry](refStream), true, true); err != nil {
		return fmt.Errorf("saving REFCNT: %w", err)
	}

	unusedStream := func(yield func(*wire.UnusedEntry) bool) {
		for _, e := range s.unused {
			if !yield(e) {
				return
			}
		}
	}
	if err := wire.SaveStream[*wire.UnusedEntry](s.unusedPath(), iter.Seq[*wire.UnusedEntry](unusedStream), true, true); err != nil {
		return fmt.Errorf("saving unused: %w", err)
	}
	return nil
}

// ApplyAllFrom loads targetDir's current Store, folds every entry of
// source through Apply with sense, calls Finish against poolPath,
// persists REFCNT/unused, and appends a Statistics snapshot to
// <targetDir>/statistics.yml and <targetDir>/history.yml. Callers are
// responsible for holding the pool lock for the duration.
func ApplyAllFrom(targetDir string, source *Store, sense Sense, date time.Time, poolPath string, logf func(string, ...any)) (Statistics, error) {
	target, err := Load(targetDir)
	if err != nil {
		return Statistics{}, fmt.Errorf("loading target refcnt store: %w", err)
	}
	for _, e := range source.refs {
		target.Apply(e, sense, logf)
	}
	stats, err := target.Finish(poolPath)
	if err != nil {
		return Statistics{}, err
	}
	if err := target.save(); err != nil {
		return Statistics{}, err
	}
	if err := appendStatisticsSnapshot(targetDir, stats, date); err != nil {
		return Statistics{}, err
	}
	return stats, nil
}

type statisticsRecord struct {
	Date           time.Time `yaml:"date"`
	NbRef          uint64    `yaml:"nb_ref"`
	LongestChain   uint64    `yaml:"longest_chain"`
	NbChunk        uint64    `yaml:"nb_chunk"`
	Size           uint64    `yaml:"size"`
	CompressedSize uint64    `yaml:"compressed_size"`
	UnusedSize     uint64    `yaml:"unused_size"`
}

func appendStatisticsSnapshot(dir string, stats Statistics, date time.Time) error {
	rec := statisticsRecord{
		Date: date, NbRef: stats.NbRef, LongestChain: stats.LongestChain,
		NbChunk: stats.NbChunk, Size: stats.Size, CompressedSize: stats.CompressedSize,
		UnusedSize: stats.UnusedSize,
	}
	if err := writeYAML(filepath.Join(dir, "statistics.yml"), rec); err != nil {
		return err
	}
	return appendHistory(filepath.Join(dir, "history.yml"), rec)
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func appendHistory(path string, rec statisticsRecord) error {
	var history []statisticsRecord
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &history); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	history = append(history, rec)
	// Keep history ordered by date, per spec.md §4.4.
	for i := len(history) - 1; i > 0 && history[i].Date.Before(history[i-1].Date); i-- {
		history[i], history[i-1] = history[i-1], history[i]
	}
	return writeYAML(path, history)
}

// RemoveUnusedFiles iterates every unused entry: if archiveDir is
// non-empty, moves the chunk's files there; otherwise deletes them.
// Removed entries are dropped from the unused set, which is then
// persisted. cb, if non-nil, is called once per processed entry.
func RemoveUnusedFiles(poolPath, archiveDir string, s *Store, cb func(hash [32]byte, err error)) error {
	for h := range s.unused {
		chunk := ForHash(poolPath, h)
		var err error
		if archiveDir != "" {
			err = chunk.MoveTo(archiveDir)
		} else {
			err = chunk.Remove()
		}
		if cb != nil {
			cb(h, err)
		}
		if err != nil {
			continue
		}
		delete(s.unused, h)
	}
	return s.save()
}

// Entries exposes the current refcnt entries, keyed by hash. An entry
// whose ref_count dropped to zero stays here until Finish moves it to
// unused.
func (s *Store) Entries() map[[32]byte]*wire.RefcntEntry { return s.refs }

// Unused exposes the current unused entries, keyed by hash.
func (s *Store) Unused() map[[32]byte]*wire.UnusedEntry { return s.unused }
