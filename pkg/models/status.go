package models

// Task statuses used throughout the codebase.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskCancelled  = "cancelled"
)

// Approval statuses and types.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"

	ApprovalTypeSpec          = "spec"
	ApprovalTypeMerge         = "merge"
	ApprovalTypeIssueCreation = "issue_creation"
	ApprovalTypeDeploy        = "deploy"
)

// Agent statuses.
const (
	AgentIdle    = "idle"
	AgentRunning = "running"
	AgentError   = "error"
	AgentStopped = "stopped"
)

// Repository autonomy modes.
const (
	AutonomyFull   = "full"
	AutonomyGuided = "guided"
)

// Default limits and tuning values.
const (
	DefaultPriority            = 5
	MinPriority                = 1
	MaxPriority                = 10
	DefaultMaxRetries          = 3
	DefaultApprovalThreshold   = 0.8
	DefaultHeartbeatIntervalS  = 15
	DefaultStaleTimeoutS       = 60
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultTaskListLimit       = 1000
	DefaultSSEChannelBuffer    = 256
)

// ValidApprovalType reports whether t is a known approval type.
func ValidApprovalType(t string) bool {
	switch t {
	case ApprovalTypeSpec, ApprovalTypeMerge, ApprovalTypeIssueCreation, ApprovalTypeDeploy:
		return true
	}
	return false
}
