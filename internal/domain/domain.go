package domain

// Run statuses.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
	RunHeld      = "held"
)

// Domain statuses.
const (
	DomainPending   = "pending"
	DomainRunning   = "running"
	DomainComplete  = "complete"
	DomainFailed    = "failed"
	DomainEscalated = "escalated"
	DomainBlocked   = "blocked"
)

// Consensus decisions.
const (
	DecisionApproved    = "approved"
	DecisionRejected    = "rejected"
	DecisionHumanReview = "human_review"
)

// Run is one workflow instance moving through the gate sequence.
type Run struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Task         string   `json:"task"`
	Domains      []string `json:"domains,omitempty"`
	CurrentGate  int      `json:"current_gate"`
	Status       string   `json:"status" enum:"pending,running,completed,failed,cancelled,held"`
	TokensUsed   int64    `json:"tokens_used"`
	TokenLimit   int64    `json:"token_limit"`
	CostUsedUSD  float64  `json:"cost_used_usd"`
	CostLimitUSD float64  `json:"cost_limit_usd"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
	CompletedAt  *string  `json:"completed_at,omitempty" format:"date-time"`
}

// GateRecord is one completed gate with its stored completion payload.
type GateRecord struct {
	RunID       string `json:"run_id"`
	Gate        int    `json:"gate"`
	Name        string `json:"name"`
	DataJSON    string `json:"data_json,omitempty"`
	CompletedAt string `json:"completed_at" format:"date-time"`
}

// DomainState is one independently verifiable slice of a run's task.
type DomainState struct {
	RunID      string     `json:"run_id"`
	Name       string     `json:"name"`
	Layer      int        `json:"layer"`
	DependsOn  []string   `json:"depends_on,omitempty"`
	Status     string     `json:"status" enum:"pending,running,complete,failed,escalated,blocked"`
	Retry      RetryState `json:"retry"`
	LastResult string     `json:"last_result,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	UpdatedAt  string     `json:"updated_at" format:"date-time"`
}

// RetryState tracks the bounded fix-and-recheck cycle for one domain.
type RetryState struct {
	Count          int     `json:"count"`
	MaxRetries     int     `json:"max_retries"`
	LastError      string  `json:"last_error,omitempty"`
	BackoffSeconds float64 `json:"backoff_seconds"`
}

// ReviewerVote is one reviewer's independent judgment of a domain's output.
type ReviewerVote struct {
	ReviewerID string  `json:"reviewer_id"`
	Approved   bool    `json:"approved"`
	Score      float64 `json:"score" minimum:"0" maximum:"1"`
	Notes      string  `json:"notes,omitempty"`
}

// ConsensusReview aggregates reviewer votes for one domain completion.
type ConsensusReview struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	Domain       string         `json:"domain"`
	Votes        []ReviewerVote `json:"votes"`
	Decision     string         `json:"decision" enum:"approved,rejected,human_review"`
	AverageScore float64        `json:"average_score"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

// Escalation statuses. Closed marks an escalation mooted by its run reaching
// a terminal state before any human decision arrived.
const (
	EscalationOpen     = "open"
	EscalationApproved = "approved"
	EscalationRejected = "rejected"
	EscalationClosed   = "closed"
)

// EscalationRequest is a durable, resumable pause awaiting a human decision.
type EscalationRequest struct {
	ID         string  `json:"id"`
	RunID      string  `json:"run_id"`
	Domain     string  `json:"domain"`
	Reason     string  `json:"reason"`
	Status     string  `json:"status" enum:"open,approved,rejected,closed"`
	Feedback   string  `json:"feedback,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	ResolvedAt *string `json:"resolved_at,omitempty" format:"date-time"`
}

// Event is one row of the append-only run event log.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Seq     int64  `json:"seq"`
	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	Domain  string `json:"domain,omitempty"`
	Payload string `json:"payload_json"`
}

// Event types emitted on state transitions.
const (
	EventRunStarted        = "run.started"
	EventRunCompleted      = "run.completed"
	EventRunFailed         = "run.failed"
	EventRunCancelled      = "run.cancelled"
	EventGateAdvanced      = "gate.advanced"
	EventGateReset         = "gate.reset"
	EventDomainStarted     = "domain.started"
	EventDomainProgress    = "domain.progress"
	EventDomainComplete    = "domain.complete"
	EventDomainFailed      = "domain.failed"
	EventReviewRecorded    = "review.recorded"
	EventEscalationCreated = "escalation.created"
	EventEscalationResumed = "escalation.resumed"
	EventBudgetExceeded    = "budget.exceeded"
)
