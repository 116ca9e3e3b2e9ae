package toolenv

import (
	"bytes"
	"os"
)

// ResponseFile describes how to serialize a long argv to a file and
// rewrite the command line to read it back, for tools whose OS
// command-line length limit can't hold the real argument list.
type ResponseFile interface {
	// Write serializes args to a file under dir and returns the
	// replacement argv (the original tool name is not included) plus
	// a cleanup func to run once the spawn completes.
	Write(dir string, args []string) (rewritten []string, cleanup func(), err error)
}

// Args0 is the default response-file scheme: arguments are written
// NUL-separated to a temp file and the tool is invoked as
// `tool -args0 <file>`.
type Args0 struct{}

func (Args0) Write(dir string, args []string) ([]string, func(), error) {
	f, err := os.CreateTemp(dir, "args0-*")
	if err != nil {
		return nil, nil, err
	}
	var buf bytes.Buffer
	for _, a := range args {
		buf.WriteString(a)
		buf.WriteByte(0)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, nil, err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, nil, err
	}
	name := f.Name()
	return []string{"-args0", name}, func() { os.Remove(name) }, nil
}

// None disables response-file rewriting: the tool always receives the
// full argv, for tools that don't support one.
type None struct{}

func (None) Write(dir string, args []string) ([]string, func(), error) {
	return args, func() {}, nil
}

// ByName resolves the scheme named in memconfig.Config.ResponseFile.
func ByName(name string) (ResponseFile, bool) {
	switch name {
	case "", "args0":
		return Args0{}, true
	case "none":
		return None{}, true
	default:
		return nil, false
	}
}
