package bridge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wasio-dev/wasio/host"
)

// startOnlyModule is a hand-encoded wasm binary exporting an empty
// _start function; enough to exercise the full load path.
var startOnlyModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x0a, 0x01, 0x06, 0x5f, 0x73, 0x74, 0x61, 0x72, 0x74, 0x00, 0x00,
	0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
}

type staticFetcher struct {
	bin []byte
}

func (f staticFetcher) Fetch(ctx context.Context, locator string) ([]byte, error) {
	return f.bin, nil
}

func TestSessionBootsRealHost(t *testing.T) {
	events := make(chan Event, 16)
	emitter := EmitterFunc(func(e Event) { events <- e })

	ctrl, err := NewSession(context.Background(), emitter,
		WithHostOptions(host.WithFetcher(staticFetcher{bin: startOnlyModule})))
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.HandleMessage(context.Background(),
		stdinMsg("mem://start-only", "ignored\n")))

	select {
	case e := <-events:
		assert.Equal(t, EventInit, e.Type)
		assert.Equal(t, "mem://start-only", e.SourceLocator)
	case <-time.After(5 * time.Second):
		t.Fatal("no init event")
	}
}

func TestSessionLoadFailureSurfacesAsStderr(t *testing.T) {
	events := make(chan Event, 16)
	emitter := EmitterFunc(func(e Event) { events <- e })

	ctrl, err := NewSession(context.Background(), emitter)
	require.NoError(t, err)
	defer ctrl.Close()

	require.NoError(t, ctrl.HandleMessage(context.Background(),
		stdinMsg(t.TempDir()+"/absent.wasm", "x")))

	select {
	case e := <-events:
		require.Equal(t, EventStderr, e.Type)
		assert.Contains(t, e.Data, "failed to load")
	case <-time.After(5 * time.Second):
		t.Fatal("no stderr event")
	}
}
