// Package manifest implements the per-share manifest/filelist/journal
// lifecycle and compaction (C5), and the in-memory path index folded
// from a manifest plus its journal (C6).
package manifest

import (
	"iter"

	"github.com/chunkvault/chunkvault/internal/wire"
)

// IndexEntry pairs a manifest entry with the "seen during this scan"
// flag used to detect removed files (spec.md §4.6).
type IndexEntry struct {
	MarkViewed bool
	Manifest   *wire.FileManifest
}

// Index is the in-memory map<path, IndexEntry> folded from a manifest
// and its journal. Path uniqueness is a strict invariant: Fold
// replaces on Add/Modify and erases on Remove.
type Index struct {
	entries map[string]*IndexEntry
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{entries: map[string]*IndexEntry{}}
}

// LoadManifest seeds the index from every entry of a compacted
// manifest stream, each starting unmarked.
func (idx *Index) LoadManifest(entries iter.Seq[*wire.FileManifest]) {
	for m := range entries {
		idx.entries[string(m.Path)] = &IndexEntry{Manifest: m}
	}
}

// Fold applies one journal entry: Add/Modify insert-or-replace,
// Remove erases. Error-state entries are dropped, per spec.md §3/§7.
func (idx *Index) Fold(j *wire.JournalEntry) {
	if j.State == wire.StateError || j.Manifest == nil {
		return
	}
	path := string(j.Manifest.Path)
	switch j.Kind {
	case wire.JournalAdd, wire.JournalModify:
		idx.entries[path] = &IndexEntry{Manifest: j.Manifest}
	case wire.JournalRemove:
		delete(idx.entries, path)
	}
}

// Mark sets the mark-viewed flag for path, used by the scanner to
// later compute which entries went unseen (and are therefore removed).
func (idx *Index) Mark(path string) {
	if e, ok := idx.entries[path]; ok {
		e.MarkViewed = true
	}
}

// GetEntry returns the entry at path, if any.
func (idx *Index) GetEntry(path string) (*IndexEntry, bool) {
	e, ok := idx.entries[path]
	return e, ok
}

// Walk iterates every (path, entry) pair. Order is unspecified.
func (idx *Index) Walk() iter.Seq2[string, *IndexEntry] {
	return func(yield func(string, *IndexEntry) bool) {
		for path, e := range idx.entries {
			if !yield(path, e) {
				return
			}
		}
	}
}

// Unviewed returns every entry whose MarkViewed flag is still false —
// the set of files the current scan never encountered, hence removed
// since the previous backup.
func (idx *Index) Unviewed() iter.Seq2[string, *IndexEntry] {
	return func(yield func(string, *IndexEntry) bool) {
		for path, e := range idx.entries {
			if e.MarkViewed {
				continue
			}
			if !yield(path, e) {
				return
			}
		}
	}
}

// IsModified reports whether path must be re-fetched: true if there is
// no index entry, or the stat's mtime or size differs from what is
// recorded (spec.md §4.6).
func (idx *Index) IsModified(path string, mtime int64, size uint64) bool {
	e, ok := idx.entries[path]
	if !ok || e.Manifest == nil || e.Manifest.Stat == nil {
		return true
	}
	return e.Manifest.Stat.Mtime != mtime || e.Manifest.Stat.Size != size
}

// Len reports the number of entries currently indexed.
func (idx *Index) Len() int { return len(idx.entries) }
