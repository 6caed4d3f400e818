package manifest

import (
	"testing"

	"github.com/chunkvault/chunkvault/internal/wire"
)

func manifestEntry(path string, mtime int64, size uint64) *wire.FileManifest {
	return &wire.FileManifest{
		Path: []byte(path),
		Stat: &wire.Stat{Type: wire.FileTypeRegular, Mtime: mtime, Size: size},
	}
}

func TestIndex_LoadManifest(t *testing.T) {
	idx := NewIndex()
	entries := []*wire.FileManifest{manifestEntry("a", 1, 10), manifestEntry("b", 2, 20)}
	idx.LoadManifest(sliceSeq(entries))

	if idx.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", idx.Len())
	}
	e, ok := idx.GetEntry("a")
	if !ok || e.Manifest.Stat.Size != 10 {
		t.Fatalf("expected entry 'a' with size 10, got %+v", e)
	}
}

func TestIndex_Fold_AddModifyRemove(t *testing.T) {
	idx := NewIndex()
	idx.Fold(&wire.JournalEntry{Kind: wire.JournalAdd, Manifest: manifestEntry("a", 1, 10)})
	if idx.Len() != 1 {
		t.Fatalf("expected 1 entry after Add, got %d", idx.Len())
	}

	idx.Fold(&wire.JournalEntry{Kind: wire.JournalModify, Manifest: manifestEntry("a", 2, 99)})
	e, _ := idx.GetEntry("a")
	if e.Manifest.Stat.Size != 99 {
		t.Fatalf("expected Modify to replace the entry, got size %d", e.Manifest.Stat.Size)
	}

	idx.Fold(&wire.JournalEntry{Kind: wire.JournalRemove, Manifest: manifestEntry("a", 2, 99)})
	if idx.Len() != 0 {
		t.Fatalf("expected Remove to erase the entry, got %d remaining", idx.Len())
	}
}

func TestIndex_Fold_DropsErrorState(t *testing.T) {
	idx := NewIndex()
	idx.Fold(&wire.JournalEntry{Kind: wire.JournalAdd, State: wire.StateError, Manifest: manifestEntry("a", 1, 10)})
	if idx.Len() != 0 {
		t.Fatalf("expected an error-state entry to be dropped, got %d", idx.Len())
	}
}

func TestIndex_MarkAndUnviewed(t *testing.T) {
	idx := NewIndex()
	idx.LoadManifest(sliceSeq([]*wire.FileManifest{manifestEntry("a", 1, 10), manifestEntry("b", 2, 20)}))
	idx.Mark("a")

	var unviewed []string
	for path := range idx.Unviewed() {
		unviewed = append(unviewed, path)
	}
	if len(unviewed) != 1 || unviewed[0] != "b" {
		t.Fatalf("expected only 'b' unviewed, got %v", unviewed)
	}
}

func TestIndex_IsModified(t *testing.T) {
	idx := NewIndex()
	idx.LoadManifest(sliceSeq([]*wire.FileManifest{manifestEntry("a", 100, 10)}))

	if idx.IsModified("a", 100, 10) {
		t.Fatal("expected an unchanged mtime/size to report unmodified")
	}
	if !idx.IsModified("a", 101, 10) {
		t.Fatal("expected a different mtime to report modified")
	}
	if !idx.IsModified("a", 100, 11) {
		t.Fatal("expected a different size to report modified")
	}
	if !idx.IsModified("missing", 0, 0) {
		t.Fatal("expected an absent path to report modified")
	}
}
