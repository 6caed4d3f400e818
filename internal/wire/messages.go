package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// File type enumeration, matching spec.md §3.
const (
	FileTypeUnknown         int32 = 0
	FileTypeRegular         int32 = 1
	FileTypeSymlink         int32 = 2
	FileTypeDirectory       int32 = 3
	FileTypeBlockDevice     int32 = 4
	FileTypeCharacterDevice int32 = 5
	FileTypeFifo            int32 = 6
	FileTypeSocket          int32 = 7
)

// Journal entry kind, matching spec.md §3.
const (
	JournalAdd    int32 = 0
	JournalModify int32 = 1
	JournalRemove int32 = 2
)

// Journal entry state, matching spec.md §3.
const (
	StateMetadata              int32 = 0
	StatePartialMetadata       int32 = 1
	StateChunks                int32 = 2
	StateChunksPartialMetadata int32 = 3
	StateError                 int32 = 4
)

// Stat carries the per-entry filesystem metadata of spec.md §3.
type Stat struct {
	Owner          uint32
	Group          uint32
	Size           uint64
	CompressedSize uint64
	Mtime          int64
	Ctime          int64
	Atime          int64
	Mode           uint32
	Type           int32
	Dev            uint64
	Ino            uint64
	Rdev           uint64
	Nlink          uint64
}

func (s *Stat) Marshal() ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	var b []byte
	b = appendUint32(b, 1, s.Owner)
	b = appendUint32(b, 2, s.Group)
	b = appendUint64(b, 3, s.Size)
	b = appendUint64(b, 4, s.CompressedSize)
	b = appendInt64(b, 5, s.Mtime)
	b = appendInt64(b, 6, s.Ctime)
	b = appendInt64(b, 7, s.Atime)
	b = appendUint32(b, 8, s.Mode)
	b = appendInt64(b, 9, int64(s.Type))
	b = appendUint64(b, 10, s.Dev)
	b = appendUint64(b, 11, s.Ino)
	b = appendUint64(b, 12, s.Rdev)
	b = appendUint64(b, 13, s.Nlink)
	return b, nil
}

func (s *Stat) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if typ != protowire.VarintType {
			return -1, nil
		}
		val, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		switch num {
		case 1:
			s.Owner = uint32(val)
		case 2:
			s.Group = uint32(val)
		case 3:
			s.Size = val
		case 4:
			s.CompressedSize = val
		case 5:
			s.Mtime = int64(val)
		case 6:
			s.Ctime = int64(val)
		case 7:
			s.Atime = int64(val)
		case 8:
			s.Mode = uint32(val)
		case 9:
			s.Type = int32(val)
		case 10:
			s.Dev = val
		case 11:
			s.Ino = val
		case 12:
			s.Rdev = val
		case 13:
			s.Nlink = val
		default:
			return -1, nil
		}
		return n, nil
	})
}

// Acl holds the raw POSIX ACL xattr payloads, captured verbatim from
// "system.posix_acl_access" / "system.posix_acl_default" (see
// internal/scanner and DESIGN.md for why no separate ACL encoding
// exists).
type Acl struct {
	Access  []byte
	Default []byte
}

func (a *Acl) Marshal() ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	var b []byte
	b = appendBytes(b, 1, a.Access)
	b = appendBytes(b, 2, a.Default)
	return b, nil
}

func (a *Acl) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		val, n := protowire.ConsumeBytes(v)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		switch num {
		case 1:
			a.Access = append([]byte(nil), val...)
		case 2:
			a.Default = append([]byte(nil), val...)
		default:
			return -1, nil
		}
		return n, nil
	})
}

// FileManifest is one filesystem entry, matching spec.md §3.
type FileManifest struct {
	Path     []byte
	Stat     *Stat
	Symlink  []byte
	Xattrs   map[string][]byte
	Acl      *Acl
	Chunks   [][]byte
	Hash     []byte
	Metadata map[string][]byte
}

func (m *FileManifest) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, m.Path)
	statBody, err := m.Stat.Marshal()
	if err != nil {
		return nil, err
	}
	b = appendMessage(b, 2, statBody)
	b = appendBytes(b, 3, m.Symlink)
	b = appendStringBytesMap(b, 4, m.Xattrs)
	aclBody, err := m.Acl.Marshal()
	if err != nil {
		return nil, err
	}
	b = appendMessage(b, 5, aclBody)
	b = appendRepeatedBytes(b, 6, m.Chunks)
	b = appendBytes(b, 7, m.Hash)
	b = appendStringBytesMap(b, 8, m.Metadata)
	return b, nil
}

func (m *FileManifest) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.Path = append([]byte(nil), val...)
			return n, nil
		case 2:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.Stat = &Stat{}
			if err := m.Stat.Unmarshal(val); err != nil {
				return 0, fmt.Errorf("stat: %w", err)
			}
			return n, nil
		case 3:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.Symlink = append([]byte(nil), val...)
			return n, nil
		case 4:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			key, value, err := consumeStringBytesMapEntry(val)
			if err != nil {
				return 0, fmt.Errorf("xattrs: %w", err)
			}
			if m.Xattrs == nil {
				m.Xattrs = map[string][]byte{}
			}
			m.Xattrs[key] = value
			return n, nil
		case 5:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.Acl = &Acl{}
			if err := m.Acl.Unmarshal(val); err != nil {
				return 0, fmt.Errorf("acl: %w", err)
			}
			return n, nil
		case 6:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.Chunks = append(m.Chunks, append([]byte(nil), val...))
			return n, nil
		case 7:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			m.Hash = append([]byte(nil), val...)
			return n, nil
		case 8:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			key, value, err := consumeStringBytesMapEntry(val)
			if err != nil {
				return 0, fmt.Errorf("metadata: %w", err)
			}
			if m.Metadata == nil {
				m.Metadata = map[string][]byte{}
			}
			m.Metadata[key] = value
			return n, nil
		default:
			if typ == protowire.BytesType {
				_, n := protowire.ConsumeBytes(v)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				return n, nil
			}
			return -1, nil
		}
	})
}

// JournalEntry is a single pending mutation against a manifest,
// matching spec.md §3.
type JournalEntry struct {
	Kind          int32
	Manifest      *FileManifest
	State         int32
	StateMessages []string
}

func (j *JournalEntry) Marshal() ([]byte, error) {
	var b []byte
	b = appendInt64(b, 1, int64(j.Kind))
	manifestBody, err := j.Manifest.Marshal()
	if err != nil {
		return nil, err
	}
	b = appendMessage(b, 2, manifestBody)
	b = appendInt64(b, 3, int64(j.State))
	b = appendRepeatedString(b, 4, j.StateMessages)
	return b, nil
}

func (j *JournalEntry) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			j.Kind = int32(val)
			return n, nil
		case 2:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			j.Manifest = &FileManifest{}
			if err := j.Manifest.Unmarshal(val); err != nil {
				return 0, fmt.Errorf("manifest: %w", err)
			}
			return n, nil
		case 3:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			j.State = int32(val)
			return n, nil
		case 4:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			j.StateMessages = append(j.StateMessages, string(val))
			return n, nil
		default:
			return -1, nil
		}
	})
}

// ChunkInfo is the sidecar record next to each pool chunk (spec.md §3).
type ChunkInfo struct {
	Sha256         []byte
	Size           uint64
	CompressedSize uint64
}

func (c *ChunkInfo) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, c.Sha256)
	b = appendUint64(b, 2, c.Size)
	b = appendUint64(b, 3, c.CompressedSize)
	return b, nil
}

func (c *ChunkInfo) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			c.Sha256 = append([]byte(nil), val...)
			return n, nil
		case 2:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			c.Size = val
			return n, nil
		case 3:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			c.CompressedSize = val
			return n, nil
		default:
			return -1, nil
		}
	})
}

// RefcntEntry is one row of a REFCNT file (spec.md §3).
type RefcntEntry struct {
	Sha256         []byte
	RefCount       int64
	Size           uint64
	CompressedSize uint64
}

func (r *RefcntEntry) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, r.Sha256)
	b = appendInt64(b, 2, r.RefCount)
	b = appendUint64(b, 3, r.Size)
	b = appendUint64(b, 4, r.CompressedSize)
	return b, nil
}

func (r *RefcntEntry) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.Sha256 = append([]byte(nil), val...)
			return n, nil
		case 2:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.RefCount = int64(val)
			return n, nil
		case 3:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.Size = val
			return n, nil
		case 4:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.CompressedSize = val
			return n, nil
		default:
			return -1, nil
		}
	})
}

// UnusedEntry is one row of an "unused" file: a RefcntEntry without a
// ref_count field (spec.md §3).
type UnusedEntry struct {
	Sha256         []byte
	Size           uint64
	CompressedSize uint64
}

func (u *UnusedEntry) Marshal() ([]byte, error) {
	var b []byte
	b = appendBytes(b, 1, u.Sha256)
	b = appendUint64(b, 2, u.Size)
	b = appendUint64(b, 3, u.CompressedSize)
	return b, nil
}

func (u *UnusedEntry) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			u.Sha256 = append([]byte(nil), val...)
			return n, nil
		case 2:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			u.Size = val
			return n, nil
		case 3:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			u.CompressedSize = val
			return n, nil
		default:
			return -1, nil
		}
	})
}

// BackupCounts is one (kind) bucket of a BackupRecord: file count plus
// plain/compressed byte totals.
type BackupCounts struct {
	Count          uint64
	Size           uint64
	CompressedSize uint64
}

func (c *BackupCounts) marshalInto(b []byte, num protowire.Number) []byte {
	if c == nil {
		return b
	}
	var body []byte
	body = appendUint64(body, 1, c.Count)
	body = appendUint64(body, 2, c.Size)
	body = appendUint64(body, 3, c.CompressedSize)
	return appendMessage(b, num, body)
}

func (c *BackupCounts) unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		val, n := protowire.ConsumeVarint(v)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		switch num {
		case 1:
			c.Count = val
		case 2:
			c.Size = val
		case 3:
			c.CompressedSize = val
		default:
			return -1, nil
		}
		return n, nil
	})
}

// BackupRecord summarizes one completed or in-progress backup (spec.md
// §3).
type BackupRecord struct {
	Number    uint32
	Completed bool
	StartDate int64
	EndDate   int64 // zero means unset
	FileCount uint64
	New       *BackupCounts
	Existing  *BackupCounts
	Modified  *BackupCounts
	Removed   *BackupCounts
	ErrorCount uint64
	SpeedBytesPerSec uint64
}

func (r *BackupRecord) Marshal() ([]byte, error) {
	var b []byte
	b = appendUint32(b, 1, r.Number)
	b = appendBool(b, 2, r.Completed)
	b = appendInt64(b, 3, r.StartDate)
	b = appendInt64(b, 4, r.EndDate)
	b = appendUint64(b, 5, r.FileCount)
	b = r.New.marshalInto(b, 6)
	b = r.Existing.marshalInto(b, 7)
	b = r.Modified.marshalInto(b, 8)
	b = r.Removed.marshalInto(b, 9)
	b = appendUint64(b, 10, r.ErrorCount)
	b = appendUint64(b, 11, r.SpeedBytesPerSec)
	return b, nil
}

func (r *BackupRecord) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1, 3, 4, 5, 10, 11:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case 1:
				r.Number = uint32(val)
			case 3:
				r.StartDate = int64(val)
			case 4:
				r.EndDate = int64(val)
			case 5:
				r.FileCount = val
			case 10:
				r.ErrorCount = val
			case 11:
				r.SpeedBytesPerSec = val
			}
			return n, nil
		case 2:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.Completed = val != 0
			return n, nil
		case 6, 7, 8, 9:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			counts := &BackupCounts{}
			if err := counts.unmarshal(val); err != nil {
				return 0, err
			}
			switch num {
			case 6:
				r.New = counts
			case 7:
				r.Existing = counts
			case 8:
				r.Modified = counts
			case 9:
				r.Removed = counts
			}
			return n, nil
		default:
			return -1, nil
		}
	})
}

// PoolEvent is a paired start/end record for a fsck or unused-cleanup
// run (spec.md §4.11).
type PoolEvent struct {
	Type      string
	Phase     string // "start" | "end"
	Timestamp int64
	Counts    map[string]int64
}

func (e *PoolEvent) Marshal() ([]byte, error) {
	var b []byte
	b = appendString(b, 1, e.Type)
	b = appendString(b, 2, e.Phase)
	b = appendInt64(b, 3, e.Timestamp)
	b = appendStringInt64Map(b, 4, e.Counts)
	return b, nil
}

func (e *PoolEvent) Unmarshal(b []byte) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, v []byte) (int, error) {
		switch num {
		case 1:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			e.Type = string(val)
			return n, nil
		case 2:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			e.Phase = string(val)
			return n, nil
		case 3:
			val, n := protowire.ConsumeVarint(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			e.Timestamp = int64(val)
			return n, nil
		case 4:
			val, n := protowire.ConsumeBytes(v)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			key, value, err := consumeStringInt64MapEntry(val)
			if err != nil {
				return 0, err
			}
			if e.Counts == nil {
				e.Counts = map[string]int64{}
			}
			e.Counts[key] = value
			return n, nil
		default:
			return -1, nil
		}
	})
}
