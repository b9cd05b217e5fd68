package host

import (
	"os"
	"path/filepath"
	"time"
)

// Option configures a Host at creation time.
type Option func(*config)

type config struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32
	fetchTimeout     time.Duration
	runTimeout       time.Duration
	fetcher          Fetcher
	onExit           func(error)
}

func defaultConfig() config {
	return config{
		fetchTimeout: 30 * time.Second,
	}
}

// WithDiskCache enables a persistent compilation cache so repeated loads
// of the same module skip compilation. Optionally provide a directory;
// otherwise ~/.cache/wasio or XDG_CACHE_HOME/wasio is used.
func WithDiskCache(dir ...string) Option {
	return func(c *config) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps the module's linear memory. Each page is 64KB.
func WithMemoryLimit(pages uint32) Option {
	return func(c *config) {
		c.memoryLimitPages = pages
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16
	MemoryLimit16MB  uint32 = 256
	MemoryLimit64MB  uint32 = 1024
	MemoryLimit256MB uint32 = 4096
)

// WithRunTimeout bounds the entry point's execution time. The deadline
// starts at Start; when it passes, the module is terminated and the
// exit function receives a timeout error. Zero means no limit, which
// suits long-running server modules.
func WithRunTimeout(d time.Duration) Option {
	return func(c *config) {
		c.runTimeout = d
	}
}

// WithFetchTimeout bounds network fetches of module bytes.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *config) {
		c.fetchTimeout = d
	}
}

// WithFetcher replaces the default file/URL fetcher.
func WithFetcher(f Fetcher) Option {
	return func(c *config) {
		c.fetcher = f
	}
}

// WithExitFunc registers a callback invoked when the entry point returns
// or traps. A nil error means a clean exit.
func WithExitFunc(fn func(error)) Option {
	return func(c *config) {
		c.onExit = fn
	}
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "wasio")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "wasio")
	}
	return filepath.Join(os.TempDir(), "wasio-cache")
}
