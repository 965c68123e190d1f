// Package thread reconstructs reply-chains from message metadata. It is a
// pure function over the local mail store: no network, no persistence.
package thread

import (
	"sort"

	"github.com/lunamail/syncd/internal/models"
)

// Build computes the reply forest for one account's records and returns a
// map from each thread root's key to the ordered, flattened list of all its
// descendant keys. Roots without descendants are omitted.
//
// A parent/child edge exists only when the child's in-reply-to resolves to
// the message-id of an already-indexed record. The walk is iterative with a
// visited set, so malformed reference cycles terminate instead of
// recursing forever; a message can end up under at most one root.
func Build(records []models.ThreadRecord) map[string][]string {
	// Sort by date (oldest first), then key, so edge order and therefore
	// descendant order is stable across runs.
	sorted := append([]models.ThreadRecord(nil), records...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Date.Equal(sorted[j].Date) {
			return sorted[i].Date.Before(sorted[j].Date)
		}
		return sorted[i].Key < sorted[j].Key
	})

	byMessageID := make(map[string]string, len(sorted))
	for _, r := range sorted {
		if r.MessageID == "" {
			continue
		}
		if _, ok := byMessageID[r.MessageID]; !ok {
			byMessageID[r.MessageID] = r.Key
		}
	}

	childrenOf := make(map[string][]string)
	var roots []string
	for _, r := range sorted {
		if r.InReplyTo != "" {
			if parent, ok := byMessageID[r.InReplyTo]; ok && parent != r.Key {
				childrenOf[parent] = append(childrenOf[parent], r.Key)
				continue
			}
		}
		// No resolvable parent: this message is a thread root.
		roots = append(roots, r.Key)
	}

	out := make(map[string][]string)
	for _, root := range roots {
		descendants := expand(root, childrenOf)
		if len(descendants) > 0 {
			out[root] = descendants
		}
	}
	return out
}

// expand walks childrenOf transitively from root, breadth-first, skipping
// anything already visited.
func expand(root string, childrenOf map[string][]string) []string {
	visited := map[string]bool{root: true}
	var descendants []string

	queue := append([]string(nil), childrenOf[root]...)
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if visited[key] {
			continue
		}
		visited[key] = true
		descendants = append(descendants, key)
		queue = append(queue, childrenOf[key]...)
	}
	return descendants
}
