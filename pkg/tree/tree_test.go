package tree

import (
	"strings"
	"testing"

	"github.com/fruitsalade/workbench/pkg/protocol"
)

func entries(paths ...string) []protocol.FileEntry {
	out := make([]protocol.FileEntry, 0, len(paths))
	for _, p := range paths {
		name := p[strings.LastIndex(p, "/")+1:]
		out = append(out, protocol.FileEntry{Name: name, Path: p, Type: protocol.EntryTypeFile, Size: int64(len(p))})
	}
	return out
}

func TestBuildNests(t *testing.T) {
	root := Build(entries("z.txt", "a/x.txt", "a/b/y.txt", "c/w.txt"))

	if len(root.Children) != 3 {
		t.Fatalf("expected 3 top-level children, got %d", len(root.Children))
	}
	// Directories first, then files.
	if root.Children[0].Name != "a" || root.Children[1].Name != "c" || root.Children[2].Name != "z.txt" {
		t.Errorf("unexpected order: %s %s %s", root.Children[0].Name, root.Children[1].Name, root.Children[2].Name)
	}

	a := root.Children[0]
	if !a.IsDir || a.Path != "a" {
		t.Fatalf("unexpected node %+v", a)
	}
	if a.Children[0].Path != "a/b" || a.Children[1].Path != "a/x.txt" {
		t.Errorf("unexpected children of a: %s, %s", a.Children[0].Path, a.Children[1].Path)
	}
	if want := int64(len("a/x.txt") + len("a/b/y.txt")); a.Size != want {
		t.Errorf("dir size = %d, want %d", a.Size, want)
	}
}

func TestBuildEmpty(t *testing.T) {
	root := Build(nil)
	if root == nil || !root.IsDir || len(root.Children) != 0 {
		t.Fatalf("unexpected root %+v", root)
	}
	if CountFiles(root) != 0 {
		t.Error("expected no files")
	}
}

func TestFindByPath(t *testing.T) {
	root := Build(entries("a/b/y.txt", "ab.txt"))

	if n := FindByPath(root, "a/b/y.txt"); n == nil || n.File == nil || n.File.Name != "y.txt" {
		t.Errorf("file not found: %+v", n)
	}
	if n := FindByPath(root, "/a/b/"); n == nil || !n.IsDir {
		t.Errorf("dir not found: %+v", n)
	}
	if n := FindByPath(root, "ab.txt"); n == nil || n.IsDir {
		t.Errorf("sibling with shared prefix not found: %+v", n)
	}
	if FindByPath(root, "a/missing") != nil {
		t.Error("expected nil for missing path")
	}
	if FindByPath(root, "") != root {
		t.Error("empty path should resolve to root")
	}
}

func TestCountFiles(t *testing.T) {
	root := Build(entries("a.txt", "d/b.txt", "d/e/c.txt"))
	if got := CountFiles(root); got != 3 {
		t.Errorf("CountFiles = %d, want 3", got)
	}
	if got := CountFiles(FindByPath(root, "d")); got != 2 {
		t.Errorf("CountFiles(d) = %d, want 2", got)
	}
}

func TestWalkOrderAndDepth(t *testing.T) {
	root := Build(entries("top.txt", "d/inner.txt"))

	var got []string
	Walk(root, func(n *Node, depth int) {
		got = append(got, strings.Repeat("-", depth)+n.Name)
	})
	want := []string{"d", "-inner.txt", "top.txt"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Walk = %v, want %v", got, want)
	}
}
