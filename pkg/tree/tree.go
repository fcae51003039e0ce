// Package tree builds a nested view of the flat file listing.
package tree

import (
	"sort"
	"strings"

	"github.com/fruitsalade/workbench/pkg/protocol"
)

// Node is a file or directory in the nested view. Directories are implied
// by file paths; File is set for files only.
type Node struct {
	Name     string
	Path     string
	IsDir    bool
	Size     int64
	File     *protocol.FileEntry
	Children []*Node
}

// Build nests entries under a root node with Path "". Directory sizes are
// the sum of their files. Children are sorted with directories first, then
// by name.
func Build(entries []protocol.FileEntry) *Node {
	root := &Node{IsDir: true}
	dirs := map[string]*Node{"": root}

	for i := range entries {
		e := &entries[i]
		parts := strings.Split(strings.Trim(e.Path, "/"), "/")
		parent := root
		for j, part := range parts[:len(parts)-1] {
			dirPath := strings.Join(parts[:j+1], "/")
			dir, ok := dirs[dirPath]
			if !ok {
				dir = &Node{Name: part, Path: dirPath, IsDir: true}
				dirs[dirPath] = dir
				parent.Children = append(parent.Children, dir)
			}
			parent = dir
		}
		parent.Children = append(parent.Children, &Node{
			Name: parts[len(parts)-1],
			Path: strings.Join(parts, "/"),
			Size: e.Size,
			File: e,
		})
	}

	finish(root)
	return root
}

func finish(n *Node) int64 {
	if !n.IsDir {
		return n.Size
	}
	var total int64
	for _, c := range n.Children {
		total += finish(c)
	}
	n.Size = total
	sort.Slice(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		if a.IsDir != b.IsDir {
			return a.IsDir
		}
		return a.Name < b.Name
	})
	return total
}

// FindByPath resolves a path in the tree (recursive).
func FindByPath(root *Node, path string) *Node {
	if root == nil {
		return nil
	}
	path = strings.Trim(path, "/")
	if root.Path == path {
		return root
	}
	for _, child := range root.Children {
		if child.Path == path || (child.IsDir && strings.HasPrefix(path, child.Path+"/")) {
			return FindByPath(child, path)
		}
	}
	return nil
}

// CountFiles counts the files below root.
func CountFiles(root *Node) int {
	if root == nil {
		return 0
	}
	if !root.IsDir {
		return 1
	}
	count := 0
	for _, child := range root.Children {
		count += CountFiles(child)
	}
	return count
}

// Walk calls fn for every node below root in display order. depth is 0
// for root's children.
func Walk(root *Node, fn func(n *Node, depth int)) {
	if root == nil {
		return
	}
	walk(root, 0, fn)
}

func walk(n *Node, depth int, fn func(*Node, int)) {
	for _, child := range n.Children {
		fn(child, depth)
		if child.IsDir {
			walk(child, depth+1, fn)
		}
	}
}
