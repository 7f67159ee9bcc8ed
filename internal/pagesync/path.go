package pagesync

import (
	"strings"
)

// Location is where a document lands in the remote page tree.
type Location struct {
	// RelativePath is the document path after the root title.
	RelativePath string
	// Ancestors are the folder titles between the root page and the
	// document, outermost first.
	Ancestors []string
	// LeafName is the document's own page title.
	LeafName string
}

// ResolvePath places a document path under rootTitle. Only the text after
// the first occurrence of rootTitle counts; a path that does not contain it
// resolves to an empty Location.
func ResolvePath(path, rootTitle string) Location {
	rel := RelativePath(path, rootTitle)
	segments := splitSegments(rel)
	loc := Location{RelativePath: rel}
	if len(segments) == 0 {
		return loc
	}
	if len(segments) > 1 {
		loc.Ancestors = append([]string(nil), segments[:len(segments)-1]...)
	}
	loc.LeafName = LeafTitle(segments[len(segments)-1])
	return loc
}

func RelativePath(path, rootTitle string) string {
	if rootTitle == "" {
		return ""
	}
	idx := strings.Index(path, rootTitle)
	if idx < 0 {
		return ""
	}
	return strings.TrimLeft(path[idx+len(rootTitle):], `/\`)
}

// LeafTitle returns the last segment of name without its final extension:
// LeafTitle("notes/a.b.md") == "a.b".
func LeafTitle(name string) string {
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[:idx]
	}
	return name
}

func splitSegments(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\'
	})
}
