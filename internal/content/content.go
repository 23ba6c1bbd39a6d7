// Package content lists and fetches the ordered campaign items from object
// storage (or a local directory).
package content

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

var ErrNotFound = errors.New("content: item not found")

// Item is one deliverable. Index is the 1-based ordinal taken from the file
// name, not its position in the listing.
type Item struct {
	Index int
	Ref   string // object key or file path
	Name  string // base name
}

type Source interface {
	List(ctx context.Context) ([]Item, error)
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// IndexFromName returns the first run of digits in the base name.
// Names without digits or with index 0 are rejected.
func IndexFromName(name string) (int, bool) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	start := strings.IndexFunc(base, unicode.IsDigit)
	if start < 0 {
		return 0, false
	}
	end := start
	for end < len(base) && base[end] >= '0' && base[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(base[start:end])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// normalize sorts items by index and keeps the lexically first ref when two
// refs share an index.
func normalize(items []Item) []Item {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Index != items[j].Index {
			return items[i].Index < items[j].Index
		}
		return items[i].Ref < items[j].Ref
	})
	out := items[:0]
	for i, it := range items {
		if i > 0 && it.Index == items[i-1].Index {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Total is the highest index in a sorted listing; gaps do not shrink it.
func Total(items []Item) int {
	if len(items) == 0 {
		return 0
	}
	return items[len(items)-1].Index
}

// Find returns the item with the given index from a sorted listing.
func Find(items []Item, index int) (Item, error) {
	i := sort.Search(len(items), func(i int) bool { return items[i].Index >= index })
	if i < len(items) && items[i].Index == index {
		return items[i], nil
	}
	return Item{}, fmt.Errorf("%w: index %d", ErrNotFound, index)
}

var imageExt = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true, ".gif": true}

// IsImage reports whether name has a deliverable image extension.
func IsImage(name string) bool {
	return imageExt[strings.ToLower(path.Ext(name))]
}
