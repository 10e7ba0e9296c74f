package bus

// Controller event topics.
const (
	TopicCommandDenied    = "command.denied"
	TopicHygieneRejected  = "hygiene.rejected"
	TopicPatchApplied     = "verify.patch_applied"
	TopicApplyError       = "verify.apply_error"
	TopicTestPassed       = "verify.test_passed"
	TopicTestFailed       = "verify.test_failed"
	TopicRolledBack       = "verify.rolled_back"
	TopicVerifyResult     = "verify.result"
	TopicSessionLeased    = "pool.session_leased"
	TopicSessionReleased  = "pool.session_released"
	TopicSessionDestroyed = "pool.session_destroyed"
	TopicEscapeDetected   = "pool.escape_detected"
	TopicLeaseTimeout     = "pool.lease_timeout"
	TopicBanditSelected   = "policy.arm_selected"
	TopicNodeStateChanged = "plan.node_state_changed"
	TopicPlanTerminal     = "plan.terminal"
)

// NodeStateChangedEvent is published when a plan node transitions.
type NodeStateChangedEvent struct {
	NodeID   string
	OldState string
	NewState string
}

// VerificationEvent is published on each verification outcome.
type VerificationEvent struct {
	ActionID  string
	SessionID string
	Outcome   string
	Duration  int64 // milliseconds
}

// SelectionEvent is published when the bandit picks an arm.
type SelectionEvent struct {
	ArmID  string
	Sample float64
	Mode   string
}
