// Package permission decides whether an invocation may proceed and writes
// the audit trail. Auditing is unconditional: every Evaluate call appends
// exactly one entry, whatever the outcome.
package permission

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/quelabs/quecore/internal/observability"
	"github.com/quelabs/quecore/pkg/registry"
)

// Decision is the outcome of a permission evaluation.
type Decision string

const (
	// DecisionAllow lets the invocation proceed to the engine.
	DecisionAllow Decision = "allow"
	// DecisionDeny rejects the invocation outright.
	DecisionDeny Decision = "deny"
	// DecisionRequireConfirmation pauses the invocation until the driver
	// obtains approval and resubmits with a confirmation token. It is not
	// an error.
	DecisionRequireConfirmation Decision = "require_confirmation"
)

// CallerContext identifies who is invoking and carries any confirmation
// proof the driver obtained.
type CallerContext struct {
	CallerID  string
	RequestID string
	// Trusted marks callers that may run sensitive tools unconfirmed.
	Trusted bool
	// ConfirmationToken, when present, is redeemed against RequestID.
	ConfirmationToken string
}

// Gate evaluates permission policy for resolved descriptors.
type Gate struct {
	tokens *TokenStore
	audit  observability.AuditRecorder
	logger zerolog.Logger

	mu       sync.RWMutex
	policies map[string]*CallerPolicy

	decisionHook func(Decision)
}

// NewGate creates a permission gate. The audit recorder is mandatory;
// policy without a trail is not a supported configuration.
func NewGate(tokens *TokenStore, audit observability.AuditRecorder, logger zerolog.Logger) *Gate {
	if tokens == nil {
		tokens = NewTokenStore(DefaultTokenTTL)
	}
	return &Gate{
		tokens:   tokens,
		audit:    audit,
		logger:   logger.With().Str("component", "permission-gate").Logger(),
		policies: make(map[string]*CallerPolicy),
	}
}

// Tokens exposes the token store for drivers that issue confirmations.
func (g *Gate) Tokens() *TokenStore {
	return g.tokens
}

// SetCallerPolicy installs (or, with nil, clears) a caller's tool policy.
func (g *Gate) SetCallerPolicy(callerID string, policy *CallerPolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if policy == nil {
		delete(g.policies, callerID)
		return
	}
	g.policies[callerID] = policy
}

// SetDecisionHook registers a callback invoked once per decision, used for
// metrics. Must be set before Evaluate traffic starts.
func (g *Gate) SetDecisionHook(hook func(Decision)) {
	g.decisionHook = hook
}

// Evaluate decides Allow, Deny, or RequireConfirmation for the descriptor
// and caller, appending exactly one audit entry.
//
// Policy order: caller deny list, then permission level. Public always
// allows. Sensitive allows trusted callers; untrusted ones need a
// confirmation. Privileged always needs a confirmation. A valid token for
// this exact request ID satisfies a needed confirmation.
func (g *Gate) Evaluate(desc registry.ToolDescriptor, caller CallerContext) Decision {
	decision, reason := g.decide(desc, caller)

	g.audit.Record(observability.AuditEntry{
		Tool:      desc.Name,
		CallerID:  caller.CallerID,
		Decision:  string(decision),
		RequestID: caller.RequestID,
		Reason:    reason,
	})

	if g.decisionHook != nil {
		g.decisionHook(decision)
	}

	event := g.logger.Debug()
	if decision != DecisionAllow {
		event = g.logger.Info()
	}
	event.
		Str("tool", desc.Name).
		Str("caller_id", caller.CallerID).
		Str("request_id", caller.RequestID).
		Str("decision", string(decision)).
		Str("reason", reason).
		Msg("Permission evaluated")

	return decision
}

func (g *Gate) decide(desc registry.ToolDescriptor, caller CallerContext) (Decision, string) {
	g.mu.RLock()
	policy := g.policies[caller.CallerID]
	g.mu.RUnlock()

	if !policy.Allows(desc.Name) {
		return DecisionDeny, "blocked by caller policy"
	}

	switch desc.Permission {
	case registry.PermissionPublic:
		return DecisionAllow, "public tool"

	case registry.PermissionSensitive:
		if caller.Trusted {
			return DecisionAllow, "sensitive tool, trusted caller"
		}
		if g.tokens.Consume(caller.ConfirmationToken, caller.RequestID) {
			return DecisionAllow, "sensitive tool, confirmed"
		}
		return DecisionRequireConfirmation, "sensitive tool, untrusted caller"

	case registry.PermissionPrivileged:
		if g.tokens.Consume(caller.ConfirmationToken, caller.RequestID) {
			return DecisionAllow, "privileged tool, confirmed"
		}
		return DecisionRequireConfirmation, "privileged tool requires confirmation"

	default:
		// Unknown levels never slip through.
		return DecisionDeny, "unrecognized permission level"
	}
}
