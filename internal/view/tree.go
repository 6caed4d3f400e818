package view

import (
	"sort"
	"strings"

	"github.com/chunkvault/chunkvault/internal/wire"
)

// treeNode is one path component of a share's materialized manifest
// vector, organized as a trie so that intermediate components with no
// manifest entry of their own (spec.md §4.12 "directory entries
// synthesized when intermediate components are not themselves
// recorded") can still be listed.
type treeNode struct {
	name  string
	entry *wire.FileManifest
	kids  map[string]*treeNode
}

func newTreeNode(name string) *treeNode {
	return &treeNode{name: name, kids: map[string]*treeNode{}}
}

// manifest returns this node's own recorded entry, or a synthesized
// directory standing in for it.
func (n *treeNode) manifest() *wire.FileManifest {
	if n.entry != nil {
		return n.entry
	}
	return synthesizedDir(n.name)
}

// childEntries returns this node's immediate children as Entries,
// sorted by name.
func (n *treeNode) childEntries() []Entry {
	entries := make([]Entry, 0, len(n.kids))
	for name, child := range n.kids {
		entries = append(entries, Entry{Name: name, Manifest: child.manifest()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries
}

// lookup descends path's components from n, creating no new nodes.
func (n *treeNode) lookup(path string) (*treeNode, bool) {
	if path == "" {
		return n, true
	}
	cur := n
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		next, ok := cur.kids[part]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// insert places m at path (its path relative to the share root),
// creating intermediate nodes as needed.
func (n *treeNode) insert(path string, m *wire.FileManifest) {
	cur := n
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		next, ok := cur.kids[part]
		if !ok {
			next = newTreeNode(part)
			cur.kids[part] = next
		}
		cur = next
		if i == len(parts)-1 {
			cur.entry = m
		}
	}
}

// buildTree materializes one share's manifest vector into a trie,
// rooted at share's basename so a synthesized Stat("") on the share
// root carries a sensible name.
func buildTree(v *View, host string, backup uint32, share string) (*treeNode, error) {
	vec, err := v.manifestVector(host, backup, share)
	if err != nil {
		return nil, err
	}
	rootName := share
	if i := strings.LastIndexByte(share, '/'); i >= 0 {
		rootName = share[i+1:]
	}
	root := newTreeNode(rootName)
	root.entry = &wire.FileManifest{Path: []byte(share), Stat: &wire.Stat{Type: wire.FileTypeDirectory}}
	for _, m := range vec {
		root.insert(string(m.Path), m)
	}
	return root, nil
}
