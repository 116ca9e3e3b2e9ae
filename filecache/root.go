package filecache

import (
	"os"
	"path/filepath"
)

// AddUnderRoot stores files (absolute paths, all under root) keyed by
// their path relative to root, so a later ReviveUnderRoot can restore
// them without the caller needing to know the path list in advance.
// This supports the spawn' operation, whose declared writes aren't
// known until after the tool has run.
func (c *Cache) AddUnderRoot(key, root string, files []string) error {
	names := make([]string, len(files))
	data := make([][]byte, len(files))
	for i, f := range files {
		rel, err := filepath.Rel(root, f)
		if err != nil {
			return err
		}
		names[i] = rel
		b, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		data[i] = b
	}
	return c.Add(key, names, data)
}

// ReviveUnderRoot restores a manifest stored via AddUnderRoot back
// under root, returning the absolute paths it restored.
func (c *Cache) ReviveUnderRoot(key, root string) (ok bool, files []string, err error) {
	m, err := c.Find(key)
	if err != nil {
		if err == ErrNotFound {
			return false, nil, nil
		}
		return false, nil, err
	}
	targets := make([]string, len(m.Names))
	for i, name := range m.Names {
		targets[i] = filepath.Join(root, name)
	}
	ok, _, err = c.Revive(key, targets)
	if err != nil || !ok {
		return ok, nil, err
	}
	return true, targets, nil
}
