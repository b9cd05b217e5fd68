// Package bridge mediates between an outside message channel and a
// sandboxed module's virtual stdio: it owns the line-buffering policy
// for outbound streams, the pending-input queue for the inbound stream,
// and the per-session load lifecycle.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wasio-dev/wasio/host"
)

// ErrSessionClosed is returned for messages arriving after Close.
var ErrSessionClosed = errors.New("session closed")

// Loader starts and stops the module execution backing a session.
// *host.Host satisfies it.
type Loader interface {
	Load(ctx context.Context, locator string) error
	Start() error
	Close() error
}

type state int

const (
	stateIdle state = iota
	stateLoading
	stateReady
	stateFaulted
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateLoading:
		return "loading"
	case stateReady:
		return "ready"
	case stateFaulted:
		return "faulted"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// Controller owns one bridge session: one module instance, one inbound
// queue, one accumulator per outbound stream. All buffers are fields,
// never package state, so concurrent sessions cannot cross-talk.
type Controller struct {
	emitter Emitter
	loader  Loader
	metrics *Metrics

	stdout lineBuffer
	stdin  inboundQueue

	mu      sync.Mutex
	state   state
	locator string
}

// New creates a Controller delivering events to emitter and driving
// loader. NewSession wires a Controller to a real execution host.
func New(emitter Emitter, loader Loader, opts ...Option) *Controller {
	c := &Controller{
		emitter: emitter,
		loader:  loader,
		state:   stateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Option configures a Controller.
type Option func(*Controller)

// WithMetrics attaches prometheus counters to the session.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// HandleMessage processes one inbound message. Input data is queued
// before the load sequence is triggered, so the module's first read
// observes it. The first message's sourceLocator boots the module;
// locators on later messages are ignored. Load failures are translated
// into stderr events, never returned: the session stays able to queue
// input, but will not retry the load.
func (c *Controller) HandleMessage(ctx context.Context, msg Message) error {
	if msg.Type != MessageStdin {
		return fmt.Errorf("unsupported message type %q", msg.Type)
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return ErrSessionClosed
	}

	c.stdin.AppendString(msg.Data)
	c.metrics.addStdinBytes(len(msg.Data))

	if c.state != stateIdle {
		c.mu.Unlock()
		return nil
	}
	c.state = stateLoading
	c.locator = msg.SourceLocator
	loader := c.loader
	c.mu.Unlock()

	if msg.SourceLocator == "" {
		c.fault("first message carries no sourceLocator")
		return nil
	}

	Logger().Info("loading module", zap.String("locator", msg.SourceLocator))

	if err := loader.Load(ctx, msg.SourceLocator); err != nil {
		Logger().Warn("module load failed",
			zap.String("locator", msg.SourceLocator),
			zap.Error(err))
		cause := err
		var loadErr *host.LoadError
		if errors.As(err, &loadErr) {
			cause = loadErr.Err
		}
		c.fault(fmt.Sprintf("failed to load %s: %v", msg.SourceLocator, cause))
		return nil
	}

	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	c.state = stateReady
	c.mu.Unlock()

	c.metrics.loadSucceeded()
	// init precedes any module output: the entry point starts only
	// after the event is out.
	c.emit(Event{Type: EventInit, SourceLocator: msg.SourceLocator})

	if err := loader.Start(); err != nil {
		c.fault(fmt.Sprintf("failed to start %s: %v", msg.SourceLocator, err))
	}
	return nil
}

// fault moves the session to Faulted and reports the reason as a
// diagnostic event. Queued input stays queued; no automatic retry.
func (c *Controller) fault(reason string) {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return
	}
	c.state = stateFaulted
	c.mu.Unlock()

	c.metrics.loadFailed()
	c.emit(Event{Type: EventStderr, Data: reason})
}

// Stdout receives primary-stream bytes from the write hook. Content is
// released only once it contains a line terminator.
func (c *Controller) Stdout(p []byte) {
	released, ok := c.stdout.Append(p)
	if !ok {
		return
	}
	c.emit(Event{Type: EventStdout, Data: released})
}

// Stderr receives diagnostic-stream bytes from the write hook,
// unbuffered: one event per write call.
func (c *Controller) Stderr(p []byte) {
	c.emit(Event{Type: EventStderr, Data: string(p)})
}

// Stdin hands up to max queued input bytes to the read hook.
func (c *Controller) Stdin(max int) []byte {
	return c.stdin.Take(max)
}

// reportExit translates an entry-point trap into a diagnostic event.
func (c *Controller) reportExit(err error) {
	c.mu.Lock()
	locator := c.locator
	c.mu.Unlock()

	if err == nil {
		Logger().Debug("module finished", zap.String("locator", locator))
		return
	}
	c.emit(Event{Type: EventStderr, Data: fmt.Sprintf("module %s stopped: %v", locator, err)})
}

func (c *Controller) emit(e Event) {
	c.mu.Lock()
	closed := c.state == stateClosed
	c.mu.Unlock()
	if closed {
		return
	}
	c.metrics.eventEmitted(e.Type)
	c.emitter.Emit(e)
}

// Close tears the session down: the module's thread of control is
// terminated, buffers are released, and further messages are rejected.
// It is idempotent and reachable from any state.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	loader := c.loader
	c.mu.Unlock()

	c.stdout.Reset()
	c.stdin.Reset()

	if loader != nil {
		return loader.Close()
	}
	return nil
}
