package executor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
)

// executeWithRecovery turns a panicking delegate into an ordinary execution failure.
func executeWithRecovery(ctx context.Context, delegate ports.Executor, task domain.Task, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task execution panicked",
				"task", task.Name,
				"panic_value", r,
				"stack_trace", string(debug.Stack()))
			err = fmt.Errorf("panic during execution: %v", r)
		}
	}()

	return delegate.Execute(ctx, task)
}
