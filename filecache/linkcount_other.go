//go:build !unix

package filecache

import "io/fs"

// linkCount degrades to "always treat as referenced" on platforms
// without a portable Nlink field, matching the same non-unix
// degradation platformLock accepts in lock_other.go.
func linkCount(fi fs.FileInfo) int {
	return 2
}
