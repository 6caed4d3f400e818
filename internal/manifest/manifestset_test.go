package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chunkvault/chunkvault/internal/wire"
)

func TestSeed_CopiesPreviousManifest(t *testing.T) {
	root := t.TempDir()
	prevDir := filepath.Join(root, "0")
	newDir := filepath.Join(root, "1")
	if err := os.MkdirAll(prevDir, 0o755); err != nil {
		t.Fatalf("mkdir prevDir: %v", err)
	}

	if err := wire.SaveStream[*wire.FileManifest](New(prevDir, "etc").ManifestPath(), sliceSeq([]*wire.FileManifest{manifestEntry("a", 1, 10)}), true, true); err != nil {
		t.Fatalf("writing fixture manifest: %v", err)
	}

	if err := Seed(prevDir, newDir, "etc"); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	idx, err := New(newDir, "etc").LoadIndex()
	if err != nil {
		t.Fatalf("LoadIndex on seeded manifest: %v", err)
	}
	if idx.Len() != 1 {
		t.Fatalf("expected 1 seeded entry, got %d", idx.Len())
	}
}

func TestSeed_MissingPreviousManifestIsNotAnError(t *testing.T) {
	root := t.TempDir()
	prevDir := filepath.Join(root, "0")
	newDir := filepath.Join(root, "1")

	if err := Seed(prevDir, newDir, "etc"); err != nil {
		t.Fatalf("Seed with no previous manifest: %v", err)
	}
	if New(newDir, "etc").Exists() {
		t.Fatal("expected no manifest to exist after seeding from a share with no history")
	}
}

func TestSet_Exists(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "etc")
	if s.Exists() {
		t.Fatal("expected Exists to be false before any manifest is written")
	}

	if err := wire.SaveStream[*wire.FileManifest](s.ManifestPath(), sliceSeq(nil), true, true); err != nil {
		t.Fatalf("writing empty manifest: %v", err)
	}
	if !s.Exists() {
		t.Fatal("expected Exists to be true once a manifest is present")
	}

	if err := os.WriteFile(s.JournalPath(), []byte{}, 0o644); err != nil {
		t.Fatalf("writing journal marker: %v", err)
	}
	if s.Exists() {
		t.Fatal("expected Exists to be false while a journal is in progress")
	}
}

func TestJournalAppender_PersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "etc")

	appender, err := NewJournalAppender(s)
	if err != nil {
		t.Fatalf("NewJournalAppender: %v", err)
	}
	entry := &wire.JournalEntry{Kind: wire.JournalAdd, Manifest: manifestEntry("a", 1, 10)}
	if err := appender.Append(entry); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if len(appender.Entries()) != 1 {
		t.Fatalf("expected 1 entry in memory, got %d", len(appender.Entries()))
	}

	reloaded, err := NewJournalAppender(New(dir, "etc"))
	if err != nil {
		t.Fatalf("reloading journal appender: %v", err)
	}
	if len(reloaded.Entries()) != 1 {
		t.Fatalf("expected the persisted journal to carry 1 entry, got %d", len(reloaded.Entries()))
	}
}

func TestSet_Compact_PromotesSurvivorsAndRotatesJournal(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "etc")

	if err := wire.SaveStream[*wire.FileManifest](s.ManifestPath(), sliceSeq([]*wire.FileManifest{manifestEntry("unchanged", 1, 10)}), true, true); err != nil {
		t.Fatalf("writing fixture manifest: %v", err)
	}

	appender, err := NewJournalAppender(s)
	if err != nil {
		t.Fatalf("NewJournalAppender: %v", err)
	}
	if err := appender.Append(&wire.JournalEntry{Kind: wire.JournalAdd, Manifest: manifestEntry("new", 2, 20)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if _, err := os.Create(s.FilelistPath()); err != nil {
		t.Fatalf("creating filelist marker: %v", err)
	}

	var seen []string
	onEntry := func(m *wire.FileManifest) { seen = append(seen, string(m.Path)) }
	if err := s.Compact(nil, onEntry); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	if len(seen) != 2 {
		t.Fatalf("expected onEntry called for 2 survivors, got %v", seen)
	}
	if _, err := os.Stat(s.FilelistPath()); !os.IsNotExist(err) {
		t.Fatal("expected the filelist to be removed after compaction")
	}
	if _, err := os.Stat(s.JournalPath()); !os.IsNotExist(err) {
		t.Fatal("expected the journal to be rotated away after compaction")
	}
	if _, err := os.Stat(s.LogPath()); err != nil {
		t.Fatalf("expected the rotated journal at .log: %v", err)
	}

	idx, err := New(dir, "etc").LoadIndex()
	if err != nil {
		t.Fatalf("LoadIndex after compaction: %v", err)
	}
	if idx.Len() != 2 {
		t.Fatalf("expected 2 entries in the recompacted manifest, got %d", idx.Len())
	}
}

func TestSet_Compact_DuplicatePathAfterTransformFails(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "etc")
	if err := wire.SaveStream[*wire.FileManifest](s.ManifestPath(), sliceSeq([]*wire.FileManifest{
		manifestEntry("a", 1, 10),
		manifestEntry("b", 2, 20),
	}), true, true); err != nil {
		t.Fatalf("writing fixture manifest: %v", err)
	}

	collapseToSamePath := func(m *wire.FileManifest) *wire.FileManifest {
		m.Path = []byte("collapsed")
		return m
	}
	err := s.Compact(collapseToSamePath, nil)
	if err == nil {
		t.Fatal("expected Compact to fail when transform collapses two entries onto one path")
	}
}
