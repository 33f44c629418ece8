package auth

import (
	"fmt"

	"github.com/lighthouse-core/lighthouse/core"
)

// Authorizer enforces role-based permission checks, rate limits, and batch
// size caps for an authenticated identity (spec §4.2).
type Authorizer struct {
	limiter *RateLimiter
	logger  core.Logger
}

// NewAuthorizer creates an Authorizer backed by its own RateLimiter.
func NewAuthorizer(logger core.Logger) *Authorizer {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Authorizer{limiter: NewRateLimiter(), logger: logger}
}

// Authorize checks that identity holds perm, is within its rate limit, and
// (for batch operations) batchSize does not exceed its role's cap. batchSize
// of 0 skips the batch-size check.
func (a *Authorizer) Authorize(identity *core.AgentIdentity, perm core.Permission, batchSize int) error {
	if identity == nil {
		return fmt.Errorf("%w: no authenticated identity", core.ErrAuth)
	}
	if !identity.HasPermission(perm) {
		a.logger.Warn("authorization denied: missing permission", map[string]interface{}{
			"agent_id": identity.AgentID, "role": identity.Role, "permission": perm,
		})
		return fmt.Errorf("%w: role %q lacks permission %q", core.ErrAuthorization, identity.Role, perm)
	}
	if !a.limiter.Allow(identity.AgentID, identity.Role) {
		a.logger.Warn("authorization denied: rate limit exceeded", map[string]interface{}{
			"agent_id": identity.AgentID, "role": identity.Role,
		})
		return fmt.Errorf("%w: %w", core.ErrAuthorization, core.ErrRateLimitExceeded)
	}
	if batchSize > 0 {
		cap := core.RoleMaxBatchSize[identity.Role]
		if batchSize > cap {
			a.logger.Warn("authorization denied: batch size exceeds role cap", map[string]interface{}{
				"agent_id": identity.AgentID, "role": identity.Role, "batch_size": batchSize, "cap": cap,
			})
			return fmt.Errorf("%w: batch size %d exceeds role cap %d", core.ErrAuthorization, batchSize, cap)
		}
	}
	return nil
}
