package healing

import (
	"context"
	"fmt"
	"time"
)

// Executor is the boundary through which all remediation side effects
// happen on the target infrastructure. Implementations must honor the
// context deadline and must be safe to call repeatedly for actions that
// declare idempotent semantics.
type Executor interface {
	Execute(ctx context.Context, actionType, serviceName string, params map[string]string) error
}

// SimulatedExecutor fakes remediation for development and tests: it
// sleeps briefly, then succeeds unless the action type is listed in Fail.
type SimulatedExecutor struct {
	Delay time.Duration
	// Fail maps action types to a forced error.
	Fail map[string]error
}

// Execute implements Executor.
func (s *SimulatedExecutor) Execute(ctx context.Context, actionType, serviceName string, params map[string]string) error {
	delay := s.Delay
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	if s.Fail != nil {
		if err, ok := s.Fail[actionType]; ok {
			return fmt.Errorf("simulated %s on %s: %w", actionType, serviceName, err)
		}
	}
	return nil
}
