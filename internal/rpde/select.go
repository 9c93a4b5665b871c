package rpde

import "sort"

// Select sorts a snapshot of items in feed order and returns the page q asks
// for. It is for sources that hold their items in memory.
func Select(items []Item, ordering Ordering, q Query) []Item {
	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if ordering == OrderingChangeNumber {
			return a.ChangeNumber < b.ChangeNumber
		}
		if a.Modified != b.Modified {
			return a.Modified < b.Modified
		}
		return a.ID < b.ID
	})

	out := make([]Item, 0, q.Limit)
	for _, item := range sorted {
		if !q.After.after(ordering, item) {
			continue
		}
		if len(out) == q.Limit {
			break
		}
		out = append(out, item)
	}
	return out
}
