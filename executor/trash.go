package executor

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// trash stages Delete operations into a side directory and removes
// them in the background, so a build that deletes a large tree
// doesn't stall the driver thread waiting on the filesystem. A single
// goroutine ranges over a channel, shut down with close(ch)+wg.Wait.
type trash struct {
	dir string
	ch  chan trashJob
	wg  sync.WaitGroup
}

type trashJob struct {
	path string
	ack  chan struct{}
}

func newTrash(dir string) (*trash, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	t := &trash{dir: dir, ch: make(chan trashJob, 64)}
	t.wg.Add(1)
	go t.drain()
	return t, nil
}

func (t *trash) drain() {
	defer t.wg.Done()
	for j := range t.ch {
		if j.path != "" {
			os.RemoveAll(j.path)
		}
		if j.ack != nil {
			close(j.ack)
		}
	}
}

// remove moves path into the trash directory and queues its removal.
// The rename itself (and thus the caller-visible disappearance of
// path) is synchronous; only the physical reclaim happens later.
func (t *trash) remove(path string) error {
	suffix, err := randSuffix()
	if err != nil {
		return fmt.Errorf("trash: %w", err)
	}
	staged := filepath.Join(t.dir, filepath.Base(path)+"."+suffix)
	if err := os.Rename(path, staged); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		// cross-device or other rename failure: fall back to a
		// synchronous remove so the caller-visible contract (path is
		// gone once remove returns) still holds.
		return os.RemoveAll(path)
	}
	t.ch <- trashJob{path: staged}
	return nil
}

// Purge blocks until every removal queued so far has completed.
func (t *trash) Purge() {
	ack := make(chan struct{})
	t.ch <- trashJob{ack: ack}
	<-ack
}

func (t *trash) Close() {
	close(t.ch)
	t.wg.Wait()
}

func randSuffix() (string, error) {
	var raw [10]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base32.HexEncoding.WithPadding(base32.NoPadding).EncodeToString(raw[:]), nil
}
