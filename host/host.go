// Package host runs a single WebAssembly module inside a wazero runtime
// with its standard streams virtualized through host-call hooks.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap"
)

// ErrAlreadyLoaded is returned by Load when the host already owns a
// running module instance. A host runs at most one module per lifetime.
var ErrAlreadyLoaded = errors.New("module already loaded")

// Streams receives the module's stream traffic. The host calls these
// synchronously from the module's own goroutine while a hook executes;
// implementations must not block on the outside world.
type Streams interface {
	// Stdout receives bytes the module wrote to the primary stream.
	Stdout(p []byte)
	// Stderr receives bytes the module wrote to the diagnostic stream.
	Stderr(p []byte)
	// Stdin returns up to max queued input bytes, consuming them.
	// An empty result means no input is available right now.
	Stdin(max int) []byte
}

// Host owns a wazero runtime and at most one module instance.
type Host struct {
	runtime    wazero.Runtime
	cache      wazero.CompilationCache
	fetcher    Fetcher
	onExit     func(error)
	runTimeout time.Duration

	runCtx context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	mod    api.Module
	start  api.Function
	closed bool
}

// New creates a Host whose module stdio is wired to streams.
func New(ctx context.Context, streams Streams, opts ...Option) (*Host, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.fetcher == nil {
		cfg.fetcher = newSourceFetcher(cfg.fetchTimeout)
	}

	var cache wazero.CompilationCache
	var err error

	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	rt := wazero.NewRuntimeWithConfig(runCtx, rtConfig)

	stdio := newStdioModule(streams)
	if err := stdio.instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		if cache != nil {
			cache.Close(ctx)
		}
		cancel()
		return nil, fmt.Errorf("instantiate stdio module: %w", err)
	}

	return &Host{
		runtime:    rt,
		cache:      cache,
		fetcher:    cfg.fetcher,
		onExit:     cfg.onExit,
		runTimeout: cfg.runTimeout,
		runCtx:     runCtx,
		cancel:     cancel,
	}, nil
}

// Load fetches, compiles, and instantiates the module named by locator.
// The entry point is not invoked until Start. Failures of any stage are
// returned as *LoadError.
func (h *Host) Load(ctx context.Context, locator string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return &LoadError{Locator: locator, Err: errors.New("host closed")}
	}
	if h.mod != nil {
		return &LoadError{Locator: locator, Err: ErrAlreadyLoaded}
	}

	bin, err := h.fetcher.Fetch(ctx, locator)
	if err != nil {
		return &LoadError{Locator: locator, Err: err}
	}

	compiled, err := h.runtime.CompileModule(ctx, bin)
	if err != nil {
		return &LoadError{Locator: locator, Err: fmt.Errorf("compile: %w", err)}
	}

	// Start functions are suppressed so that a long-running entry point
	// does not block instantiation; Start invokes it on its own goroutine.
	moduleConfig := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions()

	mod, err := h.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		return &LoadError{Locator: locator, Err: fmt.Errorf("instantiate: %w", err)}
	}

	start := mod.ExportedFunction("_start")
	if start == nil {
		mod.Close(ctx)
		return &LoadError{Locator: locator, Err: errors.New("module does not export _start")}
	}

	h.mod = mod
	h.start = start

	Logger().Debug("module loaded", zap.String("locator", locator))
	return nil
}

// Start invokes the loaded module's entry point on a dedicated goroutine.
// The entry point's outcome is reported through the exit function; traps
// never propagate to the caller.
func (h *Host) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return errors.New("host closed")
	}
	if h.start == nil {
		return errors.New("no module loaded")
	}

	start := h.start
	h.start = nil

	// A deadline here terminates even an entry point stuck in a loop:
	// the runtime is built with close-on-context-done.
	callCtx := h.runCtx
	cancel := context.CancelFunc(func() {})
	if h.runTimeout > 0 {
		callCtx, cancel = context.WithTimeout(h.runCtx, h.runTimeout)
	}

	go h.run(callCtx, cancel, start)
	return nil
}

func (h *Host) run(ctx context.Context, cancel context.CancelFunc, start api.Function) {
	defer cancel()

	_, err := start.Call(ctx)

	var exitErr *sys.ExitError
	switch {
	case err == nil:
		Logger().Debug("entry point returned")
	case errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
		Logger().Debug("module exited cleanly")
		err = nil
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		Logger().Warn("entry point timed out", zap.Duration("timeout", h.runTimeout))
		err = fmt.Errorf("timeout after %v", h.runTimeout)
	case h.runCtx.Err() != nil:
		// Teardown cancelled the run context; not a module fault.
		Logger().Debug("entry point cancelled")
		err = nil
	default:
		Logger().Warn("entry point failed", zap.Error(err))
	}

	if h.onExit != nil {
		h.onExit(err)
	}
}

// Close terminates a running entry point and releases all runtime
// resources. It is idempotent.
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	h.cancel()

	ctx := context.Background()

	var errs []error
	if h.mod != nil {
		if err := h.mod.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		h.mod = nil
	}
	if err := h.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if h.cache != nil {
		if err := h.cache.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
