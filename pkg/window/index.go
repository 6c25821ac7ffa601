package window

import (
	"slices"
	"sort"
	"time"
)

type indexItem struct {
	ID  string    // window identity
	End time.Time // window end, the ordering key
}

// closeIndex keeps window ids ordered by window end so the store can find
// everything due for closing without scanning the whole window map. The
// slice stays sorted from earliest end to latest.
type closeIndex struct {
	items []indexItem
}

func newCloseIndex() *closeIndex {
	return &closeIndex{items: make([]indexItem, 0)}
}

// Add inserts a window. Window bounds never change, so duplicates are the
// caller's bug and silently ignored here.
func (i *closeIndex) Add(id string, end time.Time) {
	for _, item := range i.items {
		if item.ID == id {
			return
		}
	}
	i.items = append(i.items, indexItem{ID: id, End: end})
	sort.Slice(i.items, func(a, b int) bool {
		return i.items[a].End.Before(i.items[b].End)
	})
}

// Peek returns ids of windows whose end is at or before t, keeping them in
// the index. Used to mark windows CLOSING once the watermark passes.
func (i *closeIndex) Peek(t time.Time) []string {
	idx := sort.Search(len(i.items), func(j int) bool {
		return i.items[j].End.After(t)
	})
	ids := make([]string, idx)
	for j := 0; j < idx; j++ {
		ids[j] = i.items[j].ID
	}
	return ids
}

// Expire removes and returns ids of windows whose end is at or before t.
func (i *closeIndex) Expire(t time.Time) []string {
	idx := sort.Search(len(i.items), func(j int) bool {
		return i.items[j].End.After(t)
	})
	expired := make([]string, idx)
	for j := 0; j < idx; j++ {
		expired[j] = i.items[j].ID
	}
	i.items = i.items[idx:]
	return expired
}

// Remove deletes a single window from the index.
func (i *closeIndex) Remove(id string) {
	for idx, item := range i.items {
		if item.ID == id {
			i.items = slices.Delete(i.items, idx, idx+1)
			break
		}
	}
}

func (i *closeIndex) Len() int { return len(i.items) }
