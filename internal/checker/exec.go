package checker

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// ExecChecker runs an external crane-compatible tool once per lookup.
type ExecChecker struct {
	command string
	timeout time.Duration
	logger  *zap.Logger
}

// NewExec creates an ExecChecker invoking command. A zero timeout lets the tool run
// for as long as the caller's context allows.
func NewExec(command string, timeout time.Duration, logger *zap.Logger) *ExecChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExecChecker{
		command: command,
		timeout: timeout,
		logger:  logger,
	}
}

// Check runs "<command> manifest <image>" with both output streams discarded.
// The image is passed verbatim as a single argument. If ctx ends before the tool
// exits, the process is killed and the lookup is reported as failed.
func (c *ExecChecker) Check(ctx context.Context, image string) (Outcome, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	// Nil Stdout/Stderr are connected to the null device.
	cmd := exec.CommandContext(ctx, c.command, "manifest", image)

	if err := cmd.Start(); err != nil {
		c.logger.Error("failed to spawn subprocess",
			zap.String("command", c.command),
			zap.String("image", image),
			zap.Error(err),
		)
		return LookupFailed, lookupFailed("start %s: %w", c.command, err)
	}

	err := cmd.Wait()
	if err == nil {
		return Exists, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.logger.Warn("lookup interrupted",
			zap.String("command", c.command),
			zap.String("image", image),
			zap.Error(ctxErr),
		)
		return LookupFailed, lookupFailed("wait for %s: %w", c.command, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		c.logger.Debug("lookup reported image missing",
			zap.String("command", c.command),
			zap.String("image", image),
			zap.Int("exit_code", exitErr.ExitCode()),
		)
		return NotFound, nil
	}
	c.logger.Error("subprocess wait failed",
		zap.String("command", c.command),
		zap.String("image", image),
		zap.Error(err),
	)
	return LookupFailed, lookupFailed("wait for %s: %w", c.command, err)
}
