package checker

import (
	"context"
	"net/http"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"go.uber.org/zap"
)

// RegistryChecker resolves manifests in-process with anonymous registry access,
// following the same contract as crane manifest: any registry error counts as NotFound.
type RegistryChecker struct {
	timeout   time.Duration
	logger    *zap.Logger
	nameOpts  []name.Option
	transport http.RoundTripper
}

// RegistryOption customises a RegistryChecker.
type RegistryOption func(*RegistryChecker)

// WithInsecure allows plain-HTTP registries.
func WithInsecure() RegistryOption {
	return func(c *RegistryChecker) {
		c.nameOpts = append(c.nameOpts, name.Insecure)
	}
}

// WithTransport overrides the HTTP transport used to reach registries.
func WithTransport(rt http.RoundTripper) RegistryOption {
	return func(c *RegistryChecker) {
		c.transport = rt
	}
}

// NewRegistry creates a RegistryChecker. A zero timeout defers to the caller's context.
func NewRegistry(timeout time.Duration, logger *zap.Logger, opts ...RegistryOption) *RegistryChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &RegistryChecker{
		timeout: timeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check issues a HEAD request for the image manifest.
func (c *RegistryChecker) Check(ctx context.Context, image string) (Outcome, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	ref, err := name.ParseReference(image, c.nameOpts...)
	if err != nil {
		c.logger.Debug("invalid image reference", zap.String("image", image), zap.Error(err))
		return NotFound, nil
	}

	opts := []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuth(authn.Anonymous),
	}
	if c.transport != nil {
		opts = append(opts, remote.WithTransport(c.transport))
	}

	desc, err := remote.Head(ref, opts...)
	if err == nil {
		c.logger.Debug("manifest found",
			zap.String("image", ref.Name()),
			zap.String("digest", desc.Digest.String()),
		)
		return Exists, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		c.logger.Warn("lookup interrupted", zap.String("image", image), zap.Error(ctxErr))
		return LookupFailed, lookupFailed("head %s: %w", ref.Name(), ctxErr)
	}
	c.logger.Debug("lookup reported image missing", zap.String("image", ref.Name()), zap.Error(err))
	return NotFound, nil
}
