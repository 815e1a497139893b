package graph

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Resolver resolves offered capabilities from the store, falling back to
// the local source according to its FallbackPolicy.
type Resolver struct {
	store  Query
	local  Query
	policy FallbackPolicy
	logger *zap.Logger
}

// NewResolver creates a resolver. store may be nil when no capability store
// is configured; local may be nil when no description is held.
func NewResolver(store, local Query, policy FallbackPolicy, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:  store,
		local:  local,
		policy: policy,
		logger: logger.With(zap.String("component", "capability_resolver")),
	}
}

// Policy returns the active fallback policy.
func (r *Resolver) Policy() FallbackPolicy { return r.policy }

// Resolve returns the offered descriptions of capability for providerID.
func (r *Resolver) Resolve(ctx context.Context, providerID, capabilityName string) (Resolution, error) {
	if r.store != nil {
		caps, err := r.store.OfferedCapabilities(ctx, providerID, capabilityName)
		switch {
		case err != nil:
			if !r.policy.OnError {
				return Resolution{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
			r.logger.Warn("capability store failed, using local description",
				zap.String("provider_id", providerID),
				zap.String("capability", capabilityName),
				zap.Error(err),
			)
		case len(caps) > 0:
			return Resolution{Capabilities: caps, Source: SourceGraph}, nil
		default:
			if !r.policy.OnEmpty {
				return Resolution{}, fmt.Errorf("%w: %s", ErrNotDescribed, capabilityName)
			}
			r.logger.Debug("capability store has no entry, using local description",
				zap.String("provider_id", providerID),
				zap.String("capability", capabilityName),
			)
		}
	}

	if r.local != nil {
		caps, err := r.local.OfferedCapabilities(ctx, providerID, capabilityName)
		if err == nil && len(caps) > 0 {
			return Resolution{Capabilities: caps, Source: SourceLocal}, nil
		}
	}
	return Resolution{}, fmt.Errorf("%w: %s", ErrNotDescribed, capabilityName)
}
