// Package scanner implements the directory walk (C7): an explicit
// visit queue rather than call-stack recursion, include/exclude glob
// filtering, and per-file metadata/xattr/ACL capture. Chunk hashing
// (also C7, computed lazily) lives in chunker.go.
package scanner

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sys/unix"

	"github.com/chunkvault/chunkvault/internal/wire"
)

// Options configures one walk of a share root.
type Options struct {
	Includes []string // glob patterns, relative to the share root; empty means "match everything"
	Excludes []string // glob patterns, relative to the share root; always veto
	WithACL  bool
	WithXattr bool
}

// Entry is one visited filesystem entry: its manifest (metadata only —
// Chunks/Hash are filled in later by the chunk transport) and any
// capture errors, expressed the same way a journal entry carries them.
type Entry struct {
	RelPath  string
	IsDir    bool
	Manifest *wire.FileManifest
	State    int32
	Messages []string
}

// queueItem is one pending directory to visit, tracked explicitly so
// the walk never recurses on the Go call stack (spec.md §4.7).
type queueItem struct {
	absPath string
	relPath string
}

// Walk visits every entry under root matching Includes/Excludes,
// calling visit once per file or directory. Each level is
// independently fallible: an error reading one directory's entries,
// or capturing one file's metadata, is folded into that Entry's State
// rather than aborting the walk (spec.md §4.7).
func Walk(root string, opts Options, visit func(Entry) error) error {
	queue := []queueItem{{absPath: root, relPath: ""}}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		dirEntries, err := os.ReadDir(item.absPath)
		if err != nil {
			if item.relPath != "" {
				if verr := visit(Entry{
					RelPath: item.relPath,
					IsDir:   true,
					State:   wire.StateError,
					Messages: []string{err.Error()},
				}); verr != nil {
					return verr
				}
			}
			continue
		}

		sort.Slice(dirEntries, func(i, j int) bool { return dirEntries[i].Name() < dirEntries[j].Name() })

		for _, de := range dirEntries {
			absChild := filepath.Join(item.absPath, de.Name())
			relChild := de.Name()
			if item.relPath != "" {
				relChild = item.relPath + "/" + de.Name()
			}

			if !matches(relChild, de.IsDir(), opts) {
				continue
			}

			entry, err := capture(absChild, relChild, de.IsDir(), opts)
			if err != nil {
				if verr := visit(Entry{
					RelPath:  relChild,
					IsDir:    de.IsDir(),
					State:    wire.StateError,
					Messages: []string{err.Error()},
				}); verr != nil {
					return verr
				}
				continue
			}
			if err := visit(entry); err != nil {
				return err
			}

			if de.IsDir() {
				queue = append(queue, queueItem{absPath: absChild, relPath: relChild})
			}
		}
	}
	return nil
}

// matches applies the include/exclude policy of spec.md §4.7: excludes
// always veto; when includes are non-empty, a path must match one of
// them. A directory that matches no include pattern itself is still
// let through when some include pattern starts with the directory's
// path followed by "/" (so "src/**" opens "src"). A pattern that begins
// with a wildcard, such as "**/*.go", opens no directory it does not
// match itself, so nothing beneath such a directory is visited.
func matches(relPath string, isDir bool, opts Options) bool {
	for _, pattern := range opts.Excludes {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return false
		}
	}
	if len(opts.Includes) == 0 {
		return true
	}
	for _, pattern := range opts.Includes {
		if ok, _ := doublestar.Match(pattern, relPath); ok {
			return true
		}
		if isDir && strings.HasPrefix(pattern, relPath+"/") {
			return true
		}
	}
	return false
}

// capture builds an Entry's manifest metadata for one filesystem
// object: lstat-based stats (symlinks are never followed), symlink
// target, and, if requested, xattrs and POSIX ACLs. Any per-field
// capture failure demotes State to PartialMetadata but keeps whatever
// was already captured (spec.md §4.7, §7).
func capture(absPath, relPath string, isDir bool, opts Options) (Entry, error) {
	fi, err := os.Lstat(absPath)
	if err != nil {
		return Entry{}, err
	}

	stat, fileType := statFromFileInfo(fi)
	manifest := &wire.FileManifest{
		Path: []byte(relPath),
		Stat: stat,
	}
	manifest.Stat.Type = fileType

	entry := Entry{RelPath: relPath, IsDir: isDir, Manifest: manifest, State: wire.StateMetadata}

	if fileType == wire.FileTypeSymlink {
		target, err := os.Readlink(absPath)
		if err != nil {
			entry.State = wire.StatePartialMetadata
			entry.Messages = append(entry.Messages, "readlink: "+err.Error())
		} else {
			manifest.Symlink = []byte(target)
		}
	}

	if opts.WithXattr {
		xattrs, err := readXattrs(absPath)
		if err != nil {
			entry.State = wire.StatePartialMetadata
			entry.Messages = append(entry.Messages, "xattrs: "+err.Error())
		} else {
			manifest.Xattrs = xattrs
		}
	}

	if opts.WithACL {
		acl, err := readACL(absPath)
		if err != nil {
			entry.State = wire.StatePartialMetadata
			entry.Messages = append(entry.Messages, "acl: "+err.Error())
		} else if acl != nil {
			manifest.Acl = acl
		}
	}

	return entry, nil
}

// readXattrs enumerates and reads every extended attribute on path,
// excluding the ACL-specific names (captured separately by readACL).
func readXattrs(path string) (map[string][]byte, error) {
	size, err := unix.Llistxattr(path, nil)
	if err != nil {
		if err == unix.ENOTSUP || err == unix.EOPNOTSUPP {
			return nil, nil
		}
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := unix.Llistxattr(path, buf)
	if err != nil {
		return nil, err
	}

	result := map[string][]byte{}
	for _, name := range splitNulTerminated(buf[:n]) {
		if name == aclAccessXattr || name == aclDefaultXattr {
			continue
		}
		vsize, err := unix.Lgetxattr(path, name, nil)
		if err != nil {
			continue
		}
		vbuf := make([]byte, vsize)
		vn, err := unix.Lgetxattr(path, name, vbuf)
		if err != nil {
			continue
		}
		result[name] = append([]byte(nil), vbuf[:vn]...)
	}
	return result, nil
}

const (
	aclAccessXattr  = "system.posix_acl_access"
	aclDefaultXattr = "system.posix_acl_default"
)

// readACL reads the raw POSIX ACL xattr payloads. Real ACLs are
// represented on Linux exactly as these two xattrs; there is no
// separate libacl-style decoding step (see DESIGN.md).
func readACL(path string) (*wire.Acl, error) {
	access, err := readOneXattr(path, aclAccessXattr)
	if err != nil {
		return nil, err
	}
	def, err := readOneXattr(path, aclDefaultXattr)
	if err != nil {
		return nil, err
	}
	if access == nil && def == nil {
		return nil, nil
	}
	return &wire.Acl{Access: access, Default: def}, nil
}

func readOneXattr(path, name string) ([]byte, error) {
	size, err := unix.Lgetxattr(path, name, nil)
	if err != nil {
		if err == unix.ENODATA || err == unix.ENOTSUP || err == unix.EOPNOTSUPP {
			return nil, nil
		}
		return nil, err
	}
	if size == 0 {
		return nil, nil
	}
	buf := make([]byte, size)
	n, err := unix.Lgetxattr(path, name, buf)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), buf[:n]...), nil
}

func splitNulTerminated(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
