// Package shutdown runs the ordered, time-bounded cleanup of the robot process.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Step is one named cleanup action.
type Step struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Coordinator runs cleanup steps once the process is asked to stop.
//
// Steps run sequentially in the given order and share one deadline. A failing
// step is logged and the remaining steps still run. Steps left when the deadline
// passes are skipped.
type Coordinator struct {
	timeout time.Duration
	logger  *log.Logger
}

// NewCoordinator creates a coordinator. A zero timeout means 15s; a nil logger means log.Default().
func NewCoordinator(timeout time.Duration, logger *log.Logger) *Coordinator {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		timeout: timeout,
		logger:  logger,
	}
}

// WaitForShutdown blocks until ctx is cancelled (typically by signal.NotifyContext)
// and then runs steps. It returns the joined step errors, plus a timeout error if
// the deadline passed.
func (c *Coordinator) WaitForShutdown(ctx context.Context, steps ...Step) error {
	<-ctx.Done()
	c.logger.Println("INFO: Shutdown signal received, starting graceful shutdown")
	return c.Run(steps...)
}

// Run executes steps immediately with the coordinator's deadline.
func (c *Coordinator) Run(steps ...Step) error {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var errs []error
	for i, step := range steps {
		if cleanupCtx.Err() != nil {
			c.logger.Printf("WARN: Skipping %s, shutdown deadline passed", step.Name)
			errs = append(errs, fmt.Errorf("%s: skipped: %w", step.Name, cleanupCtx.Err()))
			continue
		}

		c.logger.Printf("INFO: Shutdown %d/%d: %s", i+1, len(steps), step.Name)
		if err := step.Fn(cleanupCtx); err != nil {
			c.logger.Printf("ERROR: Shutdown step %s failed: %v", step.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
		}
	}

	if errors.Is(cleanupCtx.Err(), context.DeadlineExceeded) {
		c.logger.Printf("ERROR: Shutdown timeout exceeded (%v)", c.timeout)
		errs = append(errs, fmt.Errorf("shutdown timeout exceeded: %w", cleanupCtx.Err()))
	}

	if len(errs) == 0 {
		c.logger.Println("INFO: Graceful shutdown completed successfully")
		return nil
	}

	c.logger.Printf("ERROR: Graceful shutdown completed with %d error(s)", len(errs))
	return errors.Join(errs...)
}
