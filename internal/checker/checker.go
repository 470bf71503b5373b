// Package checker answers whether an image reference resolves to a manifest in a registry.
//
// The default backend shells out to crane ("<command> manifest <image>") and trusts its
// exit status: zero means the image exists, anything else means it does not. A nonzero
// exit therefore also covers transient failures such as network or auth errors; callers
// cannot tell those apart from true absence. Only a failure to run the lookup at all
// (the executable is missing, the lookup was cancelled) is reported as LookupFailed.
package checker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/image-registry-checker/internal/config"
)

// Outcome is the three-valued result of a lookup.
type Outcome int

const (
	// Exists means the lookup succeeded and a manifest was found.
	Exists Outcome = iota
	// NotFound means the lookup ran but reported failure.
	NotFound
	// LookupFailed means the lookup could not be performed.
	LookupFailed
)

// String returns the snake_case label used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case Exists:
		return "exists"
	case NotFound:
		return "not_found"
	case LookupFailed:
		return "lookup_failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ErrLookupFailed is wrapped by every error returned alongside LookupFailed.
var ErrLookupFailed = errors.New("image lookup failed")

// Checker reports whether an image exists.
// The returned error is non-nil exactly when the outcome is LookupFailed.
type Checker interface {
	Check(ctx context.Context, image string) (Outcome, error)
}

// New builds the Checker selected by cfg.Backend, instrumented with metrics and tracing.
func New(cfg config.CheckerConfig, logger *zap.Logger) (Checker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Backend {
	case config.BackendExec, "":
		if cfg.Command == "" {
			return nil, errors.New("checker command must not be empty")
		}
		logger.Info("using exec lookup backend",
			zap.String("command", cfg.Command),
			zap.Duration("timeout", cfg.Timeout),
		)
		return Instrument(NewExec(cfg.Command, cfg.Timeout, logger), config.BackendExec), nil
	case config.BackendRegistry:
		logger.Info("using registry lookup backend", zap.Duration("timeout", cfg.Timeout))
		return Instrument(NewRegistry(cfg.Timeout, logger), config.BackendRegistry), nil
	default:
		return nil, fmt.Errorf("unknown checker backend %q", cfg.Backend)
	}
}

// lookupFailed prefixes ErrLookupFailed to the formatted error; %w verbs in format keep their chains.
func lookupFailed(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrLookupFailed}, args...)...)
}
