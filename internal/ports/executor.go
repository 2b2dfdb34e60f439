package ports

import (
	"context"

	"github.com/eleven-am/clusterddl/internal/domain"
)

// Executor applies a task's statement on the local host. A non-nil error marks the
// host's outcome as failed with the error text as detail.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) error
}

type ExecutorFunc func(ctx context.Context, task domain.Task) error

func (f ExecutorFunc) Execute(ctx context.Context, task domain.Task) error {
	return f(ctx, task)
}
