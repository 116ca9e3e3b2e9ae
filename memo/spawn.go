package memo

import (
	"io"
	"io/fs"
	"path/filepath"

	"github.com/fdopen/b0/fiber"
	"github.com/fdopen/b0/op"
	"github.com/fdopen/b0/toolenv"
)

// SpawnOptions carries the optional inputs to Spawn/SpawnWritesRoot.
// Env/UnstampedVars normally come from a toolenv.Env via its Merged
// method.
type SpawnOptions struct {
	Stamp  string
	Reads  []string
	Writes []string

	Env           map[string]string
	UnstampedVars []string

	Cwd string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	SuccessExits []int

	// ResponseFile overrides the memoizer's Env.ResponseFile scheme for
	// this spawn. Nil means: use Env.ResponseFile, falling back to
	// Args0 if that is also nil.
	ResponseFile toolenv.ResponseFile

	// PostExec runs after a successful exit and before the reviver
	// records the operation. For SpawnWritesRoot, it runs after the
	// writes-root walk has already installed o.Writes.
	PostExec func(o *op.Operation) error
}

func (m *Memoizer) resolveCwd(cwd string) string {
	if cwd == "" {
		return m.Cwd
	}
	if filepath.IsAbs(cwd) {
		return cwd
	}
	return filepath.Join(m.Cwd, cwd)
}

func (m *Memoizer) spawnPayload(tool string, args []string, opts SpawnOptions) *op.Spawn {
	rf := opts.ResponseFile
	if rf == nil {
		rf = m.Env.ResponseFile
	}
	if rf == nil {
		rf = toolenv.Args0{}
	}
	return &op.Spawn{
		Tool:          tool,
		Args:          args,
		Env:           opts.Env,
		UnstampedVars: opts.UnstampedVars,
		Cwd:           m.resolveCwd(opts.Cwd),
		Stamp:         opts.Stamp,
		Stdin:         opts.Stdin,
		Stdout:        opts.Stdout,
		Stderr:        opts.Stderr,
		SuccessExits:  opts.SuccessExits,
		ResponseFile:  rf,
	}
}

func spawnContinuation(p *op.Spawn, fut *fiber.Future[int]) op.Continuation {
	return func(o *op.Operation) {
		if o.Status.Kind == op.Done {
			fut.Set(p.ExitCode)
		} else {
			fut.SetNever()
		}
	}
}

// Spawn runs tool as a child process once every path in opts.Reads is
// ready, delivering its exit code through the returned future.
func (m *Memoizer) Spawn(tool string, args []string, opts SpawnOptions) *fiber.Future[int] {
	fut := fiber.New[int]()
	p := m.spawnPayload(tool, args, opts)
	p.PostExec = opts.PostExec
	o := m.newOp(opts.Reads, p)
	o.Writes = opts.Writes
	o.K = spawnContinuation(p, fut)
	m.submit(o)
	return fut
}

// SpawnWritesRoot is spawn' (spawn-prime): like Spawn, but the
// operation's writes are unknown in advance. After a successful exit,
// it walks writesRoot and installs every non-directory entry found there as
// o.Writes before the reviver records the operation — so revival and
// recording key off paths relative to writesRoot rather than a
// caller-supplied target list.
func (m *Memoizer) SpawnWritesRoot(tool string, args []string, writesRoot string, opts SpawnOptions) *fiber.Future[int] {
	fut := fiber.New[int]()
	p := m.spawnPayload(tool, args, opts)
	root := writesRoot
	if !filepath.IsAbs(root) {
		root = filepath.Join(p.Cwd, root)
	}
	p.WritesRoot = root
	userPostExec := opts.PostExec
	p.PostExec = func(o *op.Operation) error {
		files, err := walkWritesRoot(root)
		if err != nil {
			return err
		}
		o.Writes = files
		if userPostExec != nil {
			return userPostExec(o)
		}
		return nil
	}
	o := m.newOp(opts.Reads, p)
	o.K = spawnContinuation(p, fut)
	m.submit(o)
	return fut
}

// walkWritesRoot lists every non-directory entry under root, for a spawn'
// operation's post-exec write discovery.
func walkWritesRoot(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
