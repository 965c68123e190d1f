package folder

import (
	"sort"
	"strings"

	"github.com/lunamail/syncd/internal/models"
)

// Flatten turns a folder tree into an ordered list of folder paths,
// deepest-first, so per-folder sync of children completes before their
// ancestors are summarized. Nameless nodes are filtered out.
func Flatten(tree models.FolderTree) []models.FolderPath {
	var paths []models.FolderPath
	walk(tree, nil, &paths)

	// walk collects pre-order (ancestors first); reverse for deepest-first.
	for i, j := 0, len(paths)-1; i < j; i, j = i+1, j-1 {
		paths[i], paths[j] = paths[j], paths[i]
	}
	return paths
}

func walk(tree models.FolderTree, prefix models.FolderPath, out *[]models.FolderPath) {
	names := make([]string, 0, len(tree))
	for name := range tree {
		if name == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := tree[name]
		path := append(append(models.FolderPath{}, prefix...), models.PathSegment{
			Name:      name,
			Delimiter: f.Delimiter,
		})
		*out = append(*out, path)
		if len(f.Children) > 0 {
			walk(f.Children, path, out)
		}
	}
}

// Merge deep-merges the freshly observed server hierarchy over the
// previously persisted tree. Structure follows the server: folders the
// server no longer reports are dropped, new ones appear with a zero
// watermark. Each surviving folder keeps its stored Highest watermark and
// UIDValidity epoch.
func Merge(prev, observed models.FolderTree) models.FolderTree {
	merged := make(models.FolderTree, len(observed))
	for name, obs := range observed {
		node := &models.Folder{
			Delimiter: obs.Delimiter,
			Total:     obs.Total,
			Unseen:    obs.Unseen,
		}

		var prevChildren models.FolderTree
		if prev != nil {
			if p, ok := prev[name]; ok {
				node.Highest = p.Highest
				node.UIDValidity = p.UIDValidity
				prevChildren = p.Children
			}
		}

		if len(obs.Children) > 0 {
			node.Children = Merge(prevChildren, obs.Children)
		}
		merged[name] = node
	}
	return merged
}

// Find returns the tree node at path, or nil when absent.
func Find(tree models.FolderTree, path models.FolderPath) *models.Folder {
	var node *models.Folder
	for _, seg := range path {
		if tree == nil {
			return nil
		}
		f, ok := tree[seg.Name]
		if !ok {
			return nil
		}
		node = f
		tree = f.Children
	}
	return node
}

// DefaultInbox picks the account's primary inbox: a literal "INBOX" when
// present, otherwise a case-insensitive scan over top-level folder names.
func DefaultInbox(tree models.FolderTree) (string, bool) {
	if _, ok := tree["INBOX"]; ok {
		return "INBOX", true
	}

	names := make([]string, 0, len(tree))
	for name := range tree {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if strings.EqualFold(name, "inbox") {
			return name, true
		}
	}
	return "", false
}
