package tileset

import "github.com/tilestream/tilestream/pkg/uri"

// CountNodes counts n and all of its well-formed descendants.
func CountNodes(n TileNode) int {
	count := 1
	for _, child := range n.Children {
		count += CountNodes(child)
	}
	return count
}

// Walk visits n and its descendants depth first in document order. Returning
// false from fn skips that node's children.
func Walk(n TileNode, fn func(node TileNode, depth int) bool) {
	walk(n, 0, fn)
}

func walk(n TileNode, depth int, fn func(TileNode, int) bool) {
	if !fn(n, depth) {
		return
	}
	for _, child := range n.Children {
		walk(child, depth+1, fn)
	}
}

// bearsContent reports whether a node's content is dispatched instead of its
// children being walked.
func bearsContent(n TileNode, leavesOnly bool) bool {
	return n.ContentURI != nil && (!leavesOnly || !n.HasChildren)
}

// OutlineEntry is one piece of content a load of the document would fetch.
type OutlineEntry struct {
	URI      string
	Depth    int
	External bool
}

// Outline lists, in document order, the content a Load would request for
// root, with URIs resolved against base the way the loader resolves them.
// External tilesets are listed but not followed.
func Outline(root TileNode, base string, leavesOnly bool) []OutlineEntry {
	var entries []OutlineEntry
	Walk(root, func(n TileNode, depth int) bool {
		if !bearsContent(n, leavesOnly) {
			return true
		}
		full := uri.Resolve(base, *n.ContentURI, true)
		entries = append(entries, OutlineEntry{
			URI:      full,
			Depth:    depth,
			External: uri.Extension(full) == ".json",
		})
		return false
	})
	return entries
}
