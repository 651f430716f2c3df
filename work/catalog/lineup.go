package catalog

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"kptv-player/work/types"
)

// UncategorizedName labels channels whose category is unknown or missing.
const UncategorizedName = "Uncategorized"

// Entry is one navigable channel with its display context.
type Entry struct {
	Channel  types.Channel
	Category types.Category
	Index    int // 1-based position inside the category
	Total    int // channels in the category
}

// Label renders the "position/total" string shown next to the category name.
func (e Entry) Label() string {
	return fmt.Sprintf("%d/%d", e.Index, e.Total)
}

// Lineup is the navigation order of the catalog: categories by sort key (ties by
// insertion order), channels inside a category by name. Uncategorized channels
// come last and empty categories are left out. Navigation wraps at both levels.
type Lineup struct {
	entries []Entry
	starts  []int // first entry of each category group
	group   []int // group of each entry
	byID    map[string]int
}

// NewLineup builds the lineup of the active categories.
func NewLineup(categories []types.Category, channels []types.Channel) *Lineup {
	cats := make([]types.Category, 0, len(categories))
	for _, c := range categories {
		if c.Active {
			cats = append(cats, c)
		}
	}
	sort.SliceStable(cats, func(i, j int) bool { return cats[i].SortOrder < cats[j].SortOrder })

	known := make(map[string]bool, len(categories))
	for _, c := range categories {
		known[c.ID] = true
	}

	grouped := make(map[string][]types.Channel, len(cats)+1)
	var orphans []types.Channel
	for _, ch := range channels {
		if ch.CategoryID == "" || !known[ch.CategoryID] {
			orphans = append(orphans, ch)
			continue
		}
		grouped[ch.CategoryID] = append(grouped[ch.CategoryID], ch)
	}

	l := &Lineup{byID: make(map[string]int, len(channels))}
	for _, c := range cats {
		l.addGroup(c, grouped[c.ID])
	}
	l.addGroup(types.Category{Name: UncategorizedName, SortOrder: math.MaxInt, Active: true}, orphans)
	return l
}

func (l *Lineup) addGroup(cat types.Category, channels []types.Channel) {
	sorted := make([]types.Channel, 0, len(channels))
	seen := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if _, dup := l.byID[ch.ID]; dup || seen[ch.ID] {
			continue
		}
		seen[ch.ID] = true
		sorted = append(sorted, ch)
	}
	if len(sorted) == 0 {
		return
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].Name) < strings.ToLower(sorted[j].Name)
	})

	g := len(l.starts)
	l.starts = append(l.starts, len(l.entries))
	for i, ch := range sorted {
		l.byID[ch.ID] = len(l.entries)
		l.entries = append(l.entries, Entry{Channel: ch, Category: cat, Index: i + 1, Total: len(sorted)})
		l.group = append(l.group, g)
	}
}

// Len returns the number of channels in the lineup.
func (l *Lineup) Len() int { return len(l.entries) }

// Categories returns the number of non-empty categories.
func (l *Lineup) Categories() int { return len(l.starts) }

// At returns the entry at index i.
func (l *Lineup) At(i int) Entry { return l.entries[i] }

// Entries returns a copy of the whole lineup in navigation order.
func (l *Lineup) Entries() []Entry { return append([]Entry(nil), l.entries...) }

// Find returns the index of the channel with the given ID.
func (l *Lineup) Find(channelID string) (int, bool) {
	i, ok := l.byID[channelID]
	return i, ok
}

// Next returns the index after i, wrapping from the last channel of the last
// category to the first channel of the first.
func (l *Lineup) Next(i int) int {
	return (i + 1) % len(l.entries)
}

// Previous returns the index before i, wrapping the other way.
func (l *Lineup) Previous(i int) int {
	return (i - 1 + len(l.entries)) % len(l.entries)
}

// NextCategory returns the first channel of the category after i's.
func (l *Lineup) NextCategory(i int) int {
	g := (l.group[i] + 1) % len(l.starts)
	return l.starts[g]
}

// PreviousCategory returns the first channel of the category before i's.
func (l *Lineup) PreviousCategory(i int) int {
	g := (l.group[i] - 1 + len(l.starts)) % len(l.starts)
	return l.starts[g]
}
