// Package view implements the read-only virtual filesystem tree of
// spec.md §4.12 (C12): hostname → backup# → share → path, materialized
// from manifest sets without ever copying chunk data out of the pool.
package view

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/chunkvault/chunkvault/internal/manifest"
	"github.com/chunkvault/chunkvault/internal/wire"
)

// ErrNotFound is returned by Stat/List/Open for any path that resolves
// to neither a recorded manifest entry nor a synthesized directory.
var ErrNotFound = errors.New("view: not found")

const defaultCacheSize = 2048

// cacheKey identifies one materialized manifest vector: a single
// backup's single share.
type cacheKey struct {
	host    string
	backup  uint32
	share   string
}

// View is a read-only tree over a pool's hosts directory (spec.md
// §4.12). It never mutates anything under hostsRoot or poolPath.
type View struct {
	hostsRoot string
	poolPath  string
	cache     *lru.Cache[cacheKey, []*wire.FileManifest]
}

// New returns a View rooted at hostsRoot (the pool's "hosts" directory,
// one subdirectory per host) with chunk content read from poolPath.
func New(hostsRoot, poolPath string) (*View, error) {
	c, err := lru.New[cacheKey, []*wire.FileManifest](defaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("view: creating manifest cache: %w", err)
	}
	return &View{hostsRoot: hostsRoot, poolPath: poolPath, cache: c}, nil
}

// Hosts lists every host directory under the view's root.
func (v *View) Hosts() ([]string, error) {
	entries, err := os.ReadDir(v.hostsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing hosts: %w", err)
	}
	var hosts []string
	for _, e := range entries {
		if e.IsDir() {
			hosts = append(hosts, e.Name())
		}
	}
	sort.Strings(hosts)
	return hosts, nil
}

func (v *View) hostDir(host string) string { return filepath.Join(v.hostsRoot, host) }

func (v *View) backupDir(host string, backup uint32) string {
	return filepath.Join(v.hostDir(host), strconv.FormatUint(uint64(backup), 10))
}

// Backups lists every backup number recorded for host, ascending.
func (v *View) Backups(host string) ([]uint32, error) {
	entries, err := os.ReadDir(v.hostDir(host))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing backups for %s: %w", host, err)
	}
	var backups []uint32
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		n, err := strconv.ParseUint(e.Name(), 10, 32)
		if err != nil {
			continue
		}
		backups = append(backups, uint32(n))
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i] < backups[j] })
	return backups, nil
}

// Shares lists the share names recorded for one backup, as written by
// internal/driver's writeSharesYAML.
func (v *View) Shares(host string, backup uint32) ([]string, error) {
	path := filepath.Join(v.backupDir(host, backup), "shares.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var shares []string
	if err := yaml.Unmarshal(data, &shares); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	sort.Strings(shares)
	return shares, nil
}

// manifestVector returns the materialized, cached list of surviving
// manifest entries for one (host, backup, share), loading and caching
// it on a miss (spec.md §4.12 "Cache").
func (v *View) manifestVector(host string, backup uint32, share string) ([]*wire.FileManifest, error) {
	key := cacheKey{host: host, backup: backup, share: share}
	if vec, ok := v.cache.Get(key); ok {
		return vec, nil
	}
	idx, err := manifest.New(v.backupDir(host, backup), share).LoadIndex()
	if err != nil {
		return nil, fmt.Errorf("loading manifest for %s/%d/%s: %w", host, backup, share, err)
	}
	var vec []*wire.FileManifest
	for _, entry := range idx.Walk() {
		vec = append(vec, entry.Manifest)
	}
	v.cache.Add(key, vec)
	return vec, nil
}

// resolveShare finds the longest share name that is either equal to
// remainder or a path-component prefix of it (spec.md §4.12 "the view
// resolves the longest-prefix share that matches the remainder of the
// path"). rest is remainder with the matched share and one separating
// slash stripped.
func resolveShare(shares []string, remainder string) (share, rest string, ok bool) {
	best := -1
	for _, s := range shares {
		if s == remainder {
			if len(s) > best {
				best, share, rest = len(s), s, ""
			}
			continue
		}
		if strings.HasPrefix(remainder, s+"/") {
			if len(s) > best {
				best, share, rest = len(s), s, strings.TrimPrefix(remainder, s+"/")
			}
		}
	}
	return share, rest, best >= 0
}

// virtualChildren returns the distinct next path components among
// every share whose name starts with prefix (prefix == "" means the
// top level), for synthesizing directories that correspond to no
// recorded share themselves but lead to one (spec.md §4.12: "any path
// prefix not matching any share still lists virtual directories for
// the deeper share components").
func virtualChildren(shares []string, prefix string) []string {
	seen := map[string]bool{}
	var names []string
	for _, s := range shares {
		rest := s
		if prefix != "" {
			if s == prefix {
				continue
			}
			if !strings.HasPrefix(s, prefix+"/") {
				continue
			}
			rest = strings.TrimPrefix(s, prefix+"/")
		}
		head := rest
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			head = rest[:i]
		}
		if head == "" || seen[head] {
			continue
		}
		seen[head] = true
		names = append(names, head)
	}
	sort.Strings(names)
	return names
}

// hasSharePrefix reports whether prefix is itself a share, or a strict
// path-component prefix of at least one share.
func hasSharePrefix(shares []string, prefix string) bool {
	if prefix == "" {
		return len(shares) > 0
	}
	for _, s := range shares {
		if s == prefix || strings.HasPrefix(s, prefix+"/") {
			return true
		}
	}
	return false
}

// Entry is one listed child of a directory: either a real manifest
// entry or a synthesized directory standing in for an intermediate
// path component that was never itself recorded.
type Entry struct {
	Name     string
	Manifest *wire.FileManifest
}

func synthesizedDir(name string) *wire.FileManifest {
	return &wire.FileManifest{
		Path: []byte(name),
		Stat: &wire.Stat{Type: wire.FileTypeDirectory, Mode: uint32(fs.ModeDir | 0o755)},
	}
}

// List returns the children of path, which is relative to the
// backup's shares (i.e. excludes "/host/backup#"). path == "" lists
// the backup's top-level share components.
func (v *View) List(host string, backup uint32, path string) ([]Entry, error) {
	path = strings.Trim(path, "/")
	shares, err := v.Shares(host, backup)
	if err != nil {
		return nil, err
	}

	share, rest, ok := resolveShare(shares, path)
	if !ok {
		if !hasSharePrefix(shares, path) {
			return nil, fmt.Errorf("%w: %s/%d/%s", ErrNotFound, host, backup, path)
		}
		var entries []Entry
		for _, name := range virtualChildren(shares, path) {
			entries = append(entries, Entry{Name: name, Manifest: synthesizedDir(name)})
		}
		return entries, nil
	}

	tree, err := buildTree(v, host, backup, share)
	if err != nil {
		return nil, err
	}
	node, ok := tree.lookup(rest)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d/%s", ErrNotFound, host, backup, path)
	}
	return node.childEntries(), nil
}

// Stat resolves path to its manifest entry, real or synthesized.
func (v *View) Stat(host string, backup uint32, path string) (*wire.FileManifest, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return synthesizedDir(""), nil
	}
	shares, err := v.Shares(host, backup)
	if err != nil {
		return nil, err
	}
	share, rest, ok := resolveShare(shares, path)
	if !ok {
		if hasSharePrefix(shares, path) {
			name := path
			if i := strings.LastIndexByte(path, '/'); i >= 0 {
				name = path[i+1:]
			}
			return synthesizedDir(name), nil
		}
		return nil, fmt.Errorf("%w: %s/%d/%s", ErrNotFound, host, backup, path)
	}
	tree, err := buildTree(v, host, backup, share)
	if err != nil {
		return nil, err
	}
	node, ok := tree.lookup(rest)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%d/%s", ErrNotFound, host, backup, path)
	}
	return node.manifest(), nil
}
