package host

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalStartModule is a hand-encoded wasm binary with a single empty
// exported _start function and no imports.
var minimalStartModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type: () -> ()
	0x03, 0x02, 0x01, 0x00, // function: one func of type 0
	0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00, // export "_start"
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b, // code: empty body
}

// loopingStartModule exports a _start that spins forever; only a
// context deadline can stop it.
var loopingStartModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic, version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type: () -> ()
	0x03, 0x02, 0x01, 0x00, // function: one func of type 0
	0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00, // export "_start"
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x0b, // code: loop { br 0 }
}

// emptyModule is just the wasm preamble: valid, but exports nothing.
var emptyModule = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func writeModule(t *testing.T, bin []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mod.wasm")
	require.NoError(t, os.WriteFile(path, bin, 0o644))
	return path
}

func newTestHost(t *testing.T, streams Streams, opts ...Option) *Host {
	t.Helper()
	h, err := New(context.Background(), streams, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func TestLoadFetchFailure(t *testing.T) {
	h := newTestHost(t, &fakeStreams{})

	err := h.Load(context.Background(), filepath.Join(t.TempDir(), "absent.wasm"))

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, loadErr.Locator, "absent.wasm")
}

func TestLoadInvalidBinary(t *testing.T) {
	h := newTestHost(t, &fakeStreams{})
	path := writeModule(t, []byte("not wasm at all"))

	err := h.Load(context.Background(), path)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
}

func TestLoadMissingEntryPoint(t *testing.T) {
	h := newTestHost(t, &fakeStreams{})
	path := writeModule(t, emptyModule)

	err := h.Load(context.Background(), path)

	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.Contains(t, err.Error(), "_start")
}

func TestLoadOnce(t *testing.T) {
	h := newTestHost(t, &fakeStreams{})
	path := writeModule(t, minimalStartModule)

	require.NoError(t, h.Load(context.Background(), path))

	err := h.Load(context.Background(), path)
	var loadErr *LoadError
	require.ErrorAs(t, err, &loadErr)
	assert.ErrorIs(t, err, ErrAlreadyLoaded)
}

func TestStartReportsCleanExit(t *testing.T) {
	exited := make(chan error, 1)
	h := newTestHost(t, &fakeStreams{}, WithExitFunc(func(err error) {
		exited <- err
	}))
	path := writeModule(t, minimalStartModule)

	require.NoError(t, h.Load(context.Background(), path))
	require.NoError(t, h.Start())

	select {
	case err := <-exited:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("entry point never finished")
	}
}

func TestRunTimeoutTerminatesModule(t *testing.T) {
	exited := make(chan error, 1)
	h := newTestHost(t, &fakeStreams{},
		WithRunTimeout(200*time.Millisecond),
		WithExitFunc(func(err error) {
			exited <- err
		}))
	path := writeModule(t, loopingStartModule)

	require.NoError(t, h.Load(context.Background(), path))
	require.NoError(t, h.Start())

	select {
	case err := <-exited:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout after")
	case <-time.After(10 * time.Second):
		t.Fatal("looping entry point was never terminated")
	}
}

func TestStartWithoutLoad(t *testing.T) {
	h := newTestHost(t, &fakeStreams{})
	assert.Error(t, h.Start())
}

func TestCloseIdempotent(t *testing.T) {
	h, err := New(context.Background(), &fakeStreams{})
	require.NoError(t, err)

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	loadErr := h.Load(context.Background(), "anything.wasm")
	assert.True(t, errors.As(loadErr, new(*LoadError)))
}
