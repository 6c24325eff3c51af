// Package types holds the shared record shapes of the runtime: events on
// the durable log, decisions, and the enumerations both tracks dispatch on.
package types

import "time"

// Action is the tagged variant every decision resolves to. State deltas and
// routing both dispatch on it as a pure function of the tag.
type Action string

const (
	ActionPlanNext        Action = "plan_next"
	ActionStabilize       Action = "stabilize"
	ActionEscalateDeep    Action = "escalate_deep"
	ActionEscalateDream   Action = "escalate_dream"
	ActionHaltAndFallback Action = "halt_and_fallback"
	ActionAwaitApproval   Action = "await_approval"
	ActionDeepPublish     Action = "deep_publish"
	ActionRollback        Action = "rollback"
	ActionDreamReflect    Action = "dream_reflect"
)

// Event types appearing on the log. Producers may append any of these; the
// two track filters below decide which ones each track consumes.
const (
	EventInput         = "input"
	EventIteration     = "iteration"
	EventDeepRequest   = "deep_request"
	EventDreamRequest  = "dream_request"
	EventHealth        = "health"
	EventWebProbe      = "web_probe"
	EventFileFeed      = "file_feed"
	EventVSCodeObserve = "vscode_observer"
	EventSocial        = "social"
	EventDeviceCapture = "device_capture"
	EventManual        = "manual"
	EventShallow       = "shallow"
	EventAPIBridge     = "api_bridge"
	EventMCPBridge     = "mcp_bridge"
	EventRisk          = "risk"
	EventGuard         = "guard"
	EventTrace         = "trace"
	EventEvidence      = "evidence"
	EventProposal      = "proposal"
	EventDream         = "dream"
	EventDeepRelease   = "deep_release"
	EventDreamRelease  = "dream_release"
)

// BrainEventTypes is the set of pending event types the brain track pulls.
var BrainEventTypes = []string{
	EventInput, EventIteration, EventDeepRequest, EventDreamRequest,
	EventHealth, EventWebProbe, EventFileFeed, EventVSCodeObserve,
	EventSocial, EventDeviceCapture, EventManual, EventShallow,
}

// WorkerEventTypes is the set of pending event types the worker track pulls.
var WorkerEventTypes = []string{
	EventIteration, EventDeepRequest, EventDreamRequest,
}

// Event is one durable row in the append-only log. Only the two done flags
// are ever mutated, each exclusively by its owning track.
type Event struct {
	ID         int64
	TS         time.Time
	Source     string
	EventType  string
	Content    string
	Meta       map[string]any
	BrainDone  bool
	WorkerDone bool
}

// Decision is the per-track outcome for one handled event.
type Decision struct {
	ID      int64
	EventID int64
	TS      time.Time
	Action  Action
	Reason  string
	Summary string
	Meta    map[string]any
}

// CommitStatus labels a commit-window audit row.
type CommitStatus string

const (
	CommitCommitted         CommitStatus = "committed"
	CommitRebaseCommitted   CommitStatus = "rebase_committed"
	CommitDriftUnresolved   CommitStatus = "drift_unresolved"
	CommitDriftRebaseNeeded CommitStatus = "drift_rebase_required"
	CommitDriftRace         CommitStatus = "drift_commit_race"
	CommitBlockedEvalGate   CommitStatus = "blocked_eval_gate"
	CommitDreamNoCommit     CommitStatus = "dream_no_commit"
)

// CommitWindow records the outcome of one MVCC commit attempt.
type CommitWindow struct {
	ID              int64
	EventID         int64
	Actor           string
	BaseVersion     int64
	ObservedVersion int64
	Status          CommitStatus
	Note            string
	TS              time.Time
}

// HealthRecord is one heartbeat or component status row.
type HealthRecord struct {
	ID        int64
	TS        time.Time
	Component string
	Status    string
	Detail    string
}

// ProviderRoute records one routing resolution for an event.
type ProviderRoute struct {
	ID          int64
	EventID     int64
	TaskType    string
	ChosenGroup string
	Reason      string
	LatencyMS   int64
	CostUSD     float64
	Status      string
	TS          time.Time
}

// RiskLevel of a governance assessment.
type RiskLevel string

const (
	RiskLow  RiskLevel = "low"
	RiskMid  RiskLevel = "mid"
	RiskHigh RiskLevel = "high"
)
