package lifecycle

import (
	"context"
	"sync/atomic"

	"github.com/capitabee/donezo-sub000/internal/state"
)

// Monitor tracks the liveness of an open task workspace. For Night
// tasks the engine polls IsAlive to detect the worker closing the
// workspace before the dwell time is up.
type Monitor interface {
	IsAlive() bool
	Close() error
}

// Opener opens the external workspace for a task when it is started.
type Opener interface {
	Open(ctx context.Context, def state.TaskDefinitionRecord) (Monitor, error)
}

type noopMonitor struct {
	closed atomic.Bool
}

func (m *noopMonitor) IsAlive() bool { return !m.closed.Load() }

func (m *noopMonitor) Close() error {
	m.closed.Store(true)
	return nil
}

// NoopOpener hands out monitors that stay alive until the engine
// closes them. Used when no workspace integration is configured.
type NoopOpener struct{}

func (NoopOpener) Open(context.Context, state.TaskDefinitionRecord) (Monitor, error) {
	return &noopMonitor{}, nil
}
