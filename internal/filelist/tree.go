// Package filelist parses ADC file listings and computes the structural
// difference between two of them.
package filelist

import (
	"strings"
)

// Node is either a *File or a *Directory.
type Node interface {
	Name() string
	Size() int64
	// Key identifies the entry for set comparisons: files by content hash,
	// directories by name.
	Key() string
	Parent() *Directory
	setParent(d *Directory)
}

type File struct {
	name   string
	size   int64
	tth    string
	parent *Directory
}

func NewFile(name string, size int64, tth string) *File {
	return &File{name: name, size: size, tth: tth}
}

func (f *File) Name() string          { return f.name }
func (f *File) Size() int64           { return f.size }
func (f *File) TTH() string           { return f.tth }
func (f *File) Key() string           { return "F:" + f.tth }
func (f *File) Parent() *Directory    { return f.parent }
func (f *File) setParent(d *Directory) { f.parent = d }

type Directory struct {
	name     string
	size     int64
	children []Node
	parent   *Directory
}

// NewDirectory builds a directory from its children. Children sharing a key
// are collapsed onto the first one, and the size is the sum of what remains.
func NewDirectory(name string, children ...Node) *Directory {
	d := &Directory{name: name}
	seen := make(map[string]struct{}, len(children))
	for _, child := range children {
		if child == nil {
			continue
		}
		if _, dup := seen[child.Key()]; dup {
			continue
		}
		seen[child.Key()] = struct{}{}
		child.setParent(d)
		d.children = append(d.children, child)
		d.size += child.Size()
	}
	return d
}

func (d *Directory) Name() string          { return d.name }
func (d *Directory) Size() int64           { return d.size }
func (d *Directory) Key() string           { return "D:" + d.name }
func (d *Directory) Parent() *Directory    { return d.parent }
func (d *Directory) setParent(p *Directory) { d.parent = p }

// Children returns the de-duplicated children in document order.
func (d *Directory) Children() []Node {
	out := make([]Node, len(d.children))
	copy(out, d.children)
	return out
}

// Walk visits every node below d depth first, d excluded.
func (d *Directory) Walk(fn func(Node)) {
	for _, child := range d.children {
		fn(child)
		if sub, ok := child.(*Directory); ok {
			sub.Walk(fn)
		}
	}
}

// Path joins the names from below the root down to n. The root itself
// renders as "/".
func Path(n Node) string {
	var names []string
	for cur := n; cur != nil && cur.Parent() != nil; {
		names = append(names, cur.Name())
		cur = cur.Parent()
	}
	if len(names) == 0 {
		return "/"
	}
	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return "/" + strings.Join(names, "/")
}

// Same reports whether a and b are the same entry under the relaxed identity:
// files by content hash, directories by name.
func Same(a, b Node) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Key() == b.Key()
}
