package filecache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Stats summarizes the current state of the cache.
type Stats struct {
	Entries       int
	Bytes         int64
	UnusedEntries int
}

type entryInfo struct {
	key   string
	dir   string
	atime time.Time
	size  int64
	links int
}

// walk lists every entry directory under the cache root along with
// its size and access time in a single pass that tolerates missing
// files rather than failing the whole walk.
func (c *Cache) walk() ([]entryInfo, error) {
	var out []entryInfo
	shards, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(c.dir, shard.Name())
		keys, err := os.ReadDir(shardDir)
		if err != nil {
			continue
		}
		for _, k := range keys {
			if !k.IsDir() {
				continue
			}
			dir := filepath.Join(shardDir, k.Name())
			info, ok := c.statEntry(k.Name(), dir)
			if ok {
				out = append(out, info)
			}
		}
	}
	return out, nil
}

func (c *Cache) statEntry(key, dir string) (entryInfo, bool) {
	members, err := os.ReadDir(dir)
	if err != nil {
		return entryInfo{}, false
	}
	info := entryInfo{key: key, dir: dir}
	minLinks := -1
	for _, m := range members {
		fi, err := m.Info()
		if err != nil {
			continue
		}
		switch m.Name() {
		case manifestFile:
			// not counted toward blob size
		case atimeFile:
			info.atime = fi.ModTime()
		default:
			info.size += fi.Size()
			if n := linkCount(fi); minLinks == -1 || n < minLinks {
				minLinks = n
			}
		}
	}
	if info.atime.IsZero() {
		info.atime = time.Now()
	}
	info.links = minLinks
	return info, true
}

// DeleteUnused removes entries whose blobs share no hardlink with any
// live file outside the cache, approximated via the link-count
// heuristic: a stored blob whose link count is still 1 has never been
// revived via hardlink into a live build output, or every such output
// has since been removed.
func (c *Cache) DeleteUnused() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.walk()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.links > 1 {
			continue
		}
		if err := os.RemoveAll(e.dir); err != nil {
			return n, fmt.Errorf("filecache: DeleteUnused: %w", err)
		}
		n++
	}
	return n, nil
}

// Trim evicts least-recently-used entries (oldest atime marker file
// first — an explicit marker rather than filesystem atime, since
// mount options like noatime/relatime make the latter unreliable)
// until the cache size is at most maxBytes*(100-pct)/100.
func (c *Cache) Trim(maxBytes int64, pct int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.lock.lock(); err != nil {
		return err
	}
	defer c.lock.unlock()

	entries, err := c.walk()
	if err != nil {
		return err
	}
	var total int64
	for _, e := range entries {
		total += e.size
	}
	target := maxBytes * int64(100-pct) / 100
	if total <= target {
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].atime.Before(entries[j].atime) })
	for _, e := range entries {
		if total <= target {
			break
		}
		if err := os.RemoveAll(e.dir); err != nil {
			return fmt.Errorf("filecache: Trim: %w", err)
		}
		total -= e.size
	}
	return nil
}

// Stats reports aggregate cache statistics.
func (c *Cache) Stats() (Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entries, err := c.walk()
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	s.Entries = len(entries)
	for _, e := range entries {
		s.Bytes += e.size
		if e.links <= 1 {
			s.UnusedEntries++
		}
	}
	return s, nil
}
