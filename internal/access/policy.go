// Package access decides whether an identity may subscribe to a channel.
package access

import (
	"context"
	"log/slog"

	"github.com/agentbox/agentbox/internal/channel"
)

// OwnershipReader is the read-only reference data the policy consults.
type OwnershipReader interface {
	UserOwnsSandbox(ctx context.Context, userID, sandboxID string) (bool, error)
	UserCreatedTestSession(ctx context.Context, userID, sessionID string) (bool, error)
	UserOwnsTask(ctx context.Context, userID, taskID string) (bool, error)
}

// Policy answers subscribe-time authorization questions. It holds no state of
// its own beyond the ownership reader and is safe for concurrent use.
type Policy struct {
	owners OwnershipReader
}

func NewPolicy(owners OwnershipReader) *Policy {
	return &Policy{owners: owners}
}

// CanAccess reports whether identity may subscribe to channelName. The
// function is total: malformed names, unknown prefixes, and lookup errors all
// resolve to a deny, never an error. Results are computed fresh on every call
// so nothing leaks across identities.
func (p *Policy) CanAccess(ctx context.Context, channelName, identity string) bool {
	if identity == "" {
		return false
	}
	prefix, entityID, err := channel.Parse(channelName)
	if err != nil {
		return false
	}

	var (
		allowed bool
		lookErr error
	)
	switch prefix {
	case channel.PrefixSandbox:
		allowed, lookErr = p.owners.UserOwnsSandbox(ctx, identity, entityID)
	case channel.PrefixTest:
		allowed, lookErr = p.owners.UserCreatedTestSession(ctx, identity, entityID)
	case channel.PrefixTask:
		allowed, lookErr = p.owners.UserOwnsTask(ctx, identity, entityID)
	case channel.PrefixMonitor:
		// Diagnostics channels are scoped to the identity itself.
		allowed = entityID == identity
	default:
		return false
	}
	if lookErr != nil {
		slog.WarnContext(ctx, "access lookup failed, denying",
			slog.String("channel", channelName), slog.Any("err", lookErr))
		return false
	}
	return allowed
}
