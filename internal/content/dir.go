package content

import (
	"context"
	"os"
	"path/filepath"

	"readbot/internal/apperr"
)

// DirSource serves items from a local directory (development and tests).
type DirSource struct {
	Dir string
}

func (d DirSource) List(ctx context.Context) ([]Item, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, apperr.External("dir", "list", err)
	}
	var items []Item
	for _, e := range entries {
		if e.IsDir() || !IsImage(e.Name()) {
			continue
		}
		idx, ok := IndexFromName(e.Name())
		if !ok {
			continue
		}
		items = append(items, Item{Index: idx, Ref: filepath.Join(d.Dir, e.Name()), Name: e.Name()})
	}
	return normalize(items), ctx.Err()
}

func (d DirSource) Fetch(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(ref)
	if err != nil {
		return nil, apperr.External("dir", "read", err)
	}
	return b, nil
}
