package filelist

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

// Diff is the structural delta between two listings. Removed entries come
// from the old tree, added entries from the new one.
type Diff struct {
	Removed []Node
	Added   []Node
}

func (d Diff) Empty() bool {
	return len(d.Removed) == 0 && len(d.Added) == 0
}

// Compute diffs two trees starting at their roots.
//
// Subtrees are only descended when both sides are directories with the same
// name and a different total size; an equal size is taken as "unchanged",
// so a same-size content swap goes unreported. At each level the removed and
// added entries are the set differences of the children by Key; the
// remaining children of both sides are sorted by name and compared pairwise
// by position.
func Compute(old, new Node) Diff {
	acc := &accumulator{
		removedKeys: mapset.NewThreadUnsafeSet[string](),
		addedKeys:   mapset.NewThreadUnsafeSet[string](),
	}
	acc.walk(old, new)
	return Diff{Removed: acc.removed, Added: acc.added}
}

type accumulator struct {
	removedKeys mapset.Set[string]
	addedKeys   mapset.Set[string]
	removed     []Node
	added       []Node
}

func (a *accumulator) walk(old, new Node) {
	if isNil(old) || isNil(new) || !Same(old, new) || old.Size() == new.Size() {
		return
	}
	oldDir, ok := old.(*Directory)
	if !ok {
		return
	}
	newDir, ok := new.(*Directory)
	if !ok {
		return
	}

	oldKeys := keySet(oldDir.children)
	newKeys := keySet(newDir.children)
	removedKeys := oldKeys.Difference(newKeys)
	addedKeys := newKeys.Difference(oldKeys)

	var oldRest, newRest []Node
	for _, child := range oldDir.children {
		if removedKeys.Contains(child.Key()) {
			if a.removedKeys.Add(child.Key()) {
				a.removed = append(a.removed, child)
			}
			continue
		}
		oldRest = append(oldRest, child)
	}
	for _, child := range newDir.children {
		if addedKeys.Contains(child.Key()) {
			if a.addedKeys.Add(child.Key()) {
				a.added = append(a.added, child)
			}
			continue
		}
		newRest = append(newRest, child)
	}

	sortByName(oldRest)
	sortByName(newRest)
	for i := 0; i < len(oldRest) && i < len(newRest); i++ {
		a.walk(oldRest[i], newRest[i])
	}
}

func keySet(nodes []Node) mapset.Set[string] {
	keys := mapset.NewThreadUnsafeSetWithSize[string](len(nodes))
	for _, n := range nodes {
		keys.Add(n.Key())
	}
	return keys
}

func sortByName(nodes []Node) {
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].Name() < nodes[j].Name()
	})
}

func isNil(n Node) bool {
	switch v := n.(type) {
	case nil:
		return true
	case *File:
		return v == nil
	case *Directory:
		return v == nil
	}
	return false
}
