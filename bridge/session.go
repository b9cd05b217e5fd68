package bridge

import (
	"context"

	"github.com/wasio-dev/wasio/host"
)

// SessionOption configures NewSession.
type SessionOption func(*sessionConfig)

type sessionConfig struct {
	controllerOpts []Option
	hostOpts       []host.Option
}

// WithSessionMetrics attaches prometheus counters to the session.
func WithSessionMetrics(m *Metrics) SessionOption {
	return func(c *sessionConfig) {
		c.controllerOpts = append(c.controllerOpts, WithMetrics(m))
	}
}

// WithHostOptions forwards options to the execution host.
func WithHostOptions(opts ...host.Option) SessionOption {
	return func(c *sessionConfig) {
		c.hostOpts = append(c.hostOpts, opts...)
	}
}

// NewSession wires a Controller to its execution host. The returned
// controller is Idle; the first stdin message boots the module. Close
// the controller to tear the whole session down.
func NewSession(ctx context.Context, emitter Emitter, opts ...SessionOption) (*Controller, error) {
	var cfg sessionConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	c := New(emitter, nil, cfg.controllerOpts...)

	hostOpts := append(cfg.hostOpts, host.WithExitFunc(c.reportExit))
	h, err := host.New(ctx, c, hostOpts...)
	if err != nil {
		return nil, err
	}
	c.loader = h
	return c, nil
}
