package pool

import (
	"bytes"
	"errors"
	"testing"
)

func TestChunk_Write_RoundTrip(t *testing.T) {
	poolPath := t.TempDir()
	content := []byte("round trip content")

	info, err := New(poolPath).Write(bytes.NewReader(content), "file")
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	var h [32]byte
	copy(h[:], info.Sha256)
	if !ForHash(poolPath, h).Exists() {
		t.Fatal("expected the chunk to exist after Write")
	}

	// Writing the same content again must coalesce onto the same
	// chunk rather than erroring (first-writer-wins dedup).
	if _, err := New(poolPath).Write(bytes.NewReader(content), "file-again"); err != nil {
		t.Fatalf("second Write of identical content: %v", err)
	}
}

// TestChunk_Write_EnforcesMinFreeBytes confirms WithMinFreeBytes wires
// CheckFreeSpace into the staging path (spec.md §4.3): an unreasonably
// high floor must reject the write before it ever creates a temp file,
// regardless of which filesystem the test runs on.
func TestChunk_Write_EnforcesMinFreeBytes(t *testing.T) {
	poolPath := t.TempDir()

	_, err := New(poolPath).WithMinFreeBytes(1 << 62).Write(bytes.NewReader([]byte("x")), "file")
	if err == nil {
		t.Fatal("expected Write to fail when minFreeBytes exceeds any real filesystem's free space")
	}
	if !errors.Is(err, ErrDiskFull) {
		t.Fatalf("expected ErrDiskFull, got %v", err)
	}
}

// TestChunk_Write_MinFreeBytesDisabledByDefault confirms a zero
// (unset) minFreeBytes never probes free space at all, preserving
// every caller that does not opt in.
func TestChunk_Write_MinFreeBytesDisabledByDefault(t *testing.T) {
	poolPath := t.TempDir()
	if _, err := New(poolPath).Write(bytes.NewReader([]byte("x")), "file"); err != nil {
		t.Fatalf("Write with no free-space floor set: %v", err)
	}
}
