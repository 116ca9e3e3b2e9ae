// Package memconfig is the ambient configuration layer surrounding a
// memoizer instance: a YAML-loadable Config plus the
// B0_DIR/B0_CACHE_DIR/B0_LOG_FILE environment variables a driver
// wrapper typically reads before constructing the core.
package memconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"sigs.k8s.io/yaml"

	"github.com/fdopen/b0/hash"
	"github.com/fdopen/b0/toolenv"
)

// Config is the on-disk/environment configuration for a memoizer
// instance.
type Config struct {
	CacheDir      string   `json:"cacheDir"`
	Jobs          int      `json:"jobs"`
	HashAlgorithm string   `json:"hashAlgorithm"`
	CompressBlobs bool     `json:"compressBlobs"`
	UnstampedVars []string `json:"unstampedVars"`
	ResponseFile  string   `json:"responseFile"`
	LogFile       string   `json:"logFile"`
}

// Default returns the baseline configuration: one worker per CPU, the
// default non-cryptographic hash, and the standard unstamped-vars and
// response-file defaults.
func Default() Config {
	return Config{
		Jobs:          runtime.NumCPU(),
		HashAlgorithm: "siphash64",
		UnstampedVars: []string{"TMPDIR", "TEMP", "TMP"},
		ResponseFile:  "args0",
	}
}

// FromEnv overlays B0_DIR, B0_CACHE_DIR, and B0_LOG_FILE onto
// Default(). B0_DIR roots the default cache location at
// "<B0_DIR>/.cache"; B0_CACHE_DIR overrides it outright.
func FromEnv() Config {
	c := Default()
	b0Dir := os.Getenv("B0_DIR")
	if b0Dir == "" {
		b0Dir = "."
	}
	c.CacheDir = filepath.Join(b0Dir, ".cache")
	if dir := os.Getenv("B0_CACHE_DIR"); dir != "" {
		c.CacheDir = dir
	}
	if logFile := os.Getenv("B0_LOG_FILE"); logFile != "" {
		c.LogFile = logFile
	}
	return c
}

// Load reads a YAML config file and merges it over Default().
func Load(path string) (Config, error) {
	c := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("memconfig: %w", err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("memconfig: %s: %w", path, err)
	}
	return c, nil
}

// Algorithm resolves HashAlgorithm to a concrete hash.Algorithm.
func (c Config) Algorithm() (hash.Algorithm, error) {
	algo, ok := hash.ByName(c.HashAlgorithm)
	if !ok {
		return nil, fmt.Errorf("memconfig: unknown hash algorithm %q", c.HashAlgorithm)
	}
	return algo, nil
}

// ToolEnv resolves UnstampedVars and ResponseFile into a toolenv.Env,
// reading the named unstamped variables out of the current process
// environment.
func (c Config) ToolEnv() (toolenv.Env, error) {
	rf, ok := toolenv.ByName(c.ResponseFile)
	if !ok {
		return toolenv.Env{}, fmt.Errorf("memconfig: unknown response file scheme %q", c.ResponseFile)
	}
	unstamped := make(map[string]string, len(c.UnstampedVars))
	for _, name := range c.UnstampedVars {
		if v, ok := os.LookupEnv(name); ok {
			unstamped[name] = v
		}
	}
	return toolenv.Env{
		UnstampedVars: unstamped,
		ResponseFile:  rf,
	}, nil
}
