package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/chunkvault/chunkvault/internal/wire"
)

// Set is the four-file lifecycle of one share within one backup
// directory: "<share>.manifest", "<share>.filelist", "<share>.journal",
// "<share>.log" (spec.md §3, §4.5).
type Set struct {
	dir   string
	share string
}

// New returns a Set rooted at backupDir for share.
func New(backupDir, share string) *Set {
	return &Set{dir: backupDir, share: share}
}

func (s *Set) path(ext string) string {
	return filepath.Join(s.dir, s.share+ext)
}

func (s *Set) ManifestPath() string { return s.path(".manifest") }
func (s *Set) FilelistPath() string { return s.path(".filelist") }
func (s *Set) JournalPath() string  { return s.path(".journal") }
func (s *Set) LogPath() string      { return s.path(".log") }

// Exists reports whether this share is established in this backup
// directory: its manifest is present and no journal is in progress
// (spec.md §3).
func (s *Set) Exists() bool {
	if _, err := os.Stat(s.JournalPath()); err == nil {
		return false
	}
	_, err := os.Stat(s.ManifestPath())
	return err == nil
}

// Seed copies prevDir's compacted manifest for this share into s's
// backup directory, establishing the starting point for the new
// backup (spec.md §4.5 step 1). A missing source manifest (share did
// not exist in the previous backup) is not an error: the new Set
// simply starts empty.
func Seed(prevDir, newDir, share string) error {
	src := New(prevDir, share).ManifestPath()
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading previous manifest %s: %w", src, err)
	}
	dst := New(newDir, share).ManifestPath()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return fmt.Errorf("seeding manifest %s: %w", dst, err)
	}
	return nil
}

// FilelistWriter streams JournalEntry records into "<share>.filelist"
// from the client's filelist-sync response (spec.md §4.5 step 2).
func (s *Set) FilelistWriter() (*wire.Writer[*wire.JournalEntry], error) {
	return wire.Create[*wire.JournalEntry](s.FilelistPath(), true, true)
}

// JournalAppender maintains "<share>.journal" as each file's chunks are
// downloaded (spec.md §4.5 step 3). Because wire.Writer always starts a
// fresh stream, it keeps every entry in memory and rewrites the whole
// journal on each Append.
type JournalAppender struct {
	set     *Set
	entries []*wire.JournalEntry
}

// NewJournalAppender loads any existing journal entries (resuming a
// partially-written journal) and returns an appender over them.
func NewJournalAppender(s *Set) (*JournalAppender, error) {
	entries, err := readJournal(s.JournalPath())
	if err != nil {
		return nil, err
	}
	return &JournalAppender{set: s, entries: entries}, nil
}

// Append records one journal entry and immediately persists the full
// journal (atomic, compressed) so a crash mid-backup leaves a valid,
// loadable journal rather than a partial frame.
func (a *JournalAppender) Append(entry *wire.JournalEntry) error {
	a.entries = append(a.entries, entry)
	stream := func(yield func(*wire.JournalEntry) bool) {
		for _, e := range a.entries {
			if !yield(e) {
				return
			}
		}
	}
	if err := wire.SaveStream[*wire.JournalEntry](a.set.JournalPath(), stream, true, true); err != nil {
		return fmt.Errorf("persisting journal: %w", err)
	}
	return nil
}

// Entries returns every entry appended so far, in append order.
func (a *JournalAppender) Entries() []*wire.JournalEntry { return a.entries }

func readJournal(path string) ([]*wire.JournalEntry, error) {
	r, err := wire.Open(path, true, func() *wire.JournalEntry { return &wire.JournalEntry{} })
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	defer r.Close()
	var entries []*wire.JournalEntry
	for e := range r.All() {
		entries = append(entries, e)
	}
	return entries, r.Err()
}

func readManifest(path string) ([]*wire.FileManifest, error) {
	r, err := wire.Open(path, true, func() *wire.FileManifest { return &wire.FileManifest{} })
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening manifest %s: %w", path, err)
	}
	defer r.Close()
	var entries []*wire.FileManifest
	for e := range r.All() {
		entries = append(entries, e)
	}
	return entries, r.Err()
}

// LoadIndex reads the compacted manifest, then folds the in-progress
// journal on top of it (spec.md §4.5 "load_index").
func (s *Set) LoadIndex() (*Index, error) {
	manifestEntries, err := readManifest(s.ManifestPath())
	if err != nil {
		return nil, err
	}
	idx := NewIndex()
	idx.LoadManifest(sliceSeq(manifestEntries))

	journalEntries, err := readJournal(s.JournalPath())
	if err != nil {
		return nil, err
	}
	for _, j := range journalEntries {
		idx.Fold(j)
	}
	return idx, nil
}

func sliceSeq[T any](s []T) func(func(T) bool) {
	return func(yield func(T) bool) {
		for _, v := range s {
			if !yield(v) {
				return
			}
		}
	}
}

// ErrDuplicatePath is returned by Compact if its transform produces
// two surviving entries with the same path (would violate the index's
// path-uniqueness invariant).
var ErrDuplicatePath = errors.New("manifest: duplicate path after transform")

// Compact loads the index (manifest + journal), optionally rewrites
// each surviving entry through transform (nil means identity), writes
// the result to "<share>.new", then atomically: renames journal to
// ".log", deletes the filelist, deletes the manifest, and renames
// ".new" to ".manifest" (spec.md §4.5 step 4).
//
// onEntry, if non-nil, is called once per surviving entry after
// transform — used by the driver to fold chunk counts into the
// in-progress refcnt (spec.md §4.10 step 8).
func (s *Set) Compact(transform func(*wire.FileManifest) *wire.FileManifest, onEntry func(*wire.FileManifest)) error {
	idx, err := s.LoadIndex()
	if err != nil {
		return err
	}

	newPath := s.path(".new")
	seen := map[string]bool{}
	var surviving []*wire.FileManifest
	for _, e := range idx.entries {
		m := e.Manifest
		if transform != nil {
			m = transform(m)
		}
		if m == nil {
			continue
		}
		key := string(m.Path)
		if seen[key] {
			return fmt.Errorf("%w: %q", ErrDuplicatePath, key)
		}
		seen[key] = true
		if onEntry != nil {
			onEntry(m)
		}
		surviving = append(surviving, m)
	}
	if err := wire.SaveStream[*wire.FileManifest](newPath, sliceSeq(surviving), true, true); err != nil {
		return fmt.Errorf("writing compacted manifest: %w", err)
	}

	journalPath, logPath := s.JournalPath(), s.LogPath()
	if _, err := os.Stat(journalPath); err == nil {
		if err := os.Rename(journalPath, logPath); err != nil {
			return fmt.Errorf("rotating journal to log: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("statting journal: %w", err)
	}

	if err := os.Remove(s.FilelistPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing filelist: %w", err)
	}
	if err := os.Remove(s.ManifestPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing old manifest: %w", err)
	}
	if err := os.Rename(newPath, s.ManifestPath()); err != nil {
		return fmt.Errorf("promoting compacted manifest: %w", err)
	}
	return nil
}
