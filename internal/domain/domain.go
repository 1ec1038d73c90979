package domain

// Status enumerations. All status writes go through the engine's
// transition functions; nothing else may assign these.

type LFAStatus string

const (
	LFADraft       LFAStatus = "draft"
	LFALocked      LFAStatus = "locked"
	LFAInExecution LFAStatus = "in_execution"
)

type ExecutionStatus string

const (
	ExecutionActive    ExecutionStatus = "active"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionAbandoned ExecutionStatus = "abandoned"
)

type LevelStatus string

const (
	LevelLocked     LevelStatus = "locked"
	LevelInProgress LevelStatus = "in_progress"
	LevelCompleted  LevelStatus = "completed"
)

type ActionStatus string

const (
	ActionLocked             ActionStatus = "locked"
	ActionInProgress         ActionStatus = "in_progress"
	ActionPendingValidation  ActionStatus = "pending_validation"
	ActionCompleted          ActionStatus = "completed"
	ActionCorrectiveRequired ActionStatus = "corrective_required"
	ActionEscalated          ActionStatus = "escalated"
)

type CorrectiveStatus string

const (
	CorrectivePending    CorrectiveStatus = "pending"
	CorrectiveAccepted   CorrectiveStatus = "accepted"
	CorrectiveInProgress CorrectiveStatus = "in_progress"
	CorrectiveCompleted  CorrectiveStatus = "completed"
	CorrectiveFailed     CorrectiveStatus = "failed"
)

// LFA is the approved program design an execution enacts. Authoring and
// review happen elsewhere; this service only consumes the locked artifact.
type LFA struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Status         LFAStatus `json:"status" enum:"draft,locked,in_execution"`
	CreatedAt      string    `json:"created_at" format:"date-time"`
	UpdatedAt      string    `json:"updated_at" format:"date-time"`
	LockedAt       *string   `json:"locked_at,omitempty" format:"date-time"`
}

// ExecutionStats is the aggregate summary recomputed by the stats sweep.
type ExecutionStats struct {
	TotalLevels                  int     `json:"total_levels"`
	CompletedLevels              int     `json:"completed_levels"`
	TotalActions                 int     `json:"total_actions"`
	CompletedActions             int     `json:"completed_actions"`
	ActionsWithCorrections       int     `json:"actions_with_corrections"`
	EscalatedActions             int     `json:"escalated_actions"`
	AverageAchievementPercentage float64 `json:"average_achievement_percentage"`
	OnTimeCompletionRate         float64 `json:"on_time_completion_rate"`
}

// Execution is the root aggregate, one per locked LFA.
type Execution struct {
	ID                       string          `json:"id"`
	LFAID                    string          `json:"lfa_id"`
	LFAName                  string          `json:"lfa_name"`
	OrganizationID           string          `json:"organization_id"`
	Status                   ExecutionStatus `json:"status" enum:"active,paused,completed,abandoned"`
	CurrentLevelNumber       int             `json:"current_level_number"`
	OverallCompletionPercent int             `json:"overall_completion_percentage"`
	TotalXPEarned            int             `json:"total_xp_earned"`
	Stats                    ExecutionStats  `json:"stats"`
	StartedAt                *string         `json:"started_at,omitempty" format:"date-time"`
	CreatedAt                string          `json:"created_at" format:"date-time"`
}

type LevelTimeline struct {
	ExpectedStartDate string  `json:"expected_start_date" format:"date-time"`
	ExpectedEndDate   string  `json:"expected_end_date" format:"date-time"`
	ActualStartDate   *string `json:"actual_start_date,omitempty" format:"date-time"`
	ActualEndDate     *string `json:"actual_end_date,omitempty" format:"date-time"`
}

type LevelProgress struct {
	TotalActions         int `json:"total_actions"`
	CompletedActions     int `json:"completed_actions"`
	CompletionPercentage int `json:"completion_percentage"`
}

type LevelGamification struct {
	BaseXP            int `json:"base_xp"`
	CompletionBonusXP int `json:"completion_bonus_xp"`
	XPEarned          int `json:"xp_earned"`
}

// ExecutionLevel is one ordered phase of an execution. Levels complete
// in strictly increasing LevelNumber order; at most one is in_progress.
type ExecutionLevel struct {
	ID               string             `json:"id"`
	ExecutionID      string             `json:"execution_id"`
	LFAID            string             `json:"lfa_id"`
	LevelNumber      int                `json:"level_number"`
	Name             string             `json:"name"`
	Description      string             `json:"description,omitempty"`
	Status           LevelStatus        `json:"status" enum:"locked,in_progress,completed"`
	Timeline         LevelTimeline      `json:"timeline"`
	Progress         LevelProgress      `json:"progress"`
	Gamification     *LevelGamification `json:"gamification,omitempty"`
	MappedImpactIDs  []string           `json:"mapped_impact_ids,omitempty"`
	MappedOutcomeIDs []string           `json:"mapped_outcome_ids,omitempty"`
	CreatedAt        string             `json:"created_at" format:"date-time"`
}

type ActionStep struct {
	StepNumber  int    `json:"step_number"`
	Description string `json:"description"`
}

// ActionTimeline carries scheduling context. DaysRemaining and
// IsOverdue are informational; nothing in the state machine reads them.
type ActionTimeline struct {
	Deadline              string  `json:"deadline" format:"date-time"`
	EstimatedDurationDays int     `json:"estimated_duration_days"`
	ActualStartDate       *string `json:"actual_start_date,omitempty" format:"date-time"`
	ActualCompletionDate  *string `json:"actual_completion_date,omitempty" format:"date-time"`
	DaysRemaining         int     `json:"days_remaining"`
	IsOverdue             bool    `json:"is_overdue"`
}

// SuccessCriteria is fixed at plan time. Result submissions must match
// the indicator and baseline exactly.
type SuccessCriteria struct {
	Indicator         string  `json:"indicator"`
	IndicatorID       *string `json:"indicator_id,omitempty"`
	IndicatorType     string  `json:"indicator_type" enum:"impact,outcome"`
	MeasurementMethod string  `json:"measurement_method,omitempty"`
	Baseline          float64 `json:"baseline"`
	Target            float64 `json:"target"`
	MinimumAcceptable float64 `json:"minimum_acceptable"`
	DataSource        *string `json:"data_source,omitempty"`
	SampleSize        *int    `json:"sample_size,omitempty"`
}

type ActionGamification struct {
	BaseXP      int  `json:"base_xp"`
	XPEarned    *int `json:"xp_earned,omitempty"`
	PotentialXP int  `json:"potential_xp"`
}

type CorrectiveTracking struct {
	AttemptsUsed          int  `json:"attempts_used"`
	MaxAttempts           int  `json:"max_attempts"`
	CanHaveMoreCorrective bool `json:"can_have_more_corrective"`
}

// ExecutionAction is the atomic unit of planned work. Within a level,
// actions activate in SequenceNumber order and only one is ever
// in_progress or pending_validation at a time.
type ExecutionAction struct {
	ID                  string             `json:"id"`
	ExecutionID         string             `json:"execution_id"`
	ExecutionLevelID    string             `json:"execution_level_id"`
	LFAID               string             `json:"lfa_id"`
	LevelNumber         int                `json:"level_number"`
	SequenceNumber      int                `json:"sequence_number"`
	Description         string             `json:"description"`
	DetailedSteps       []ActionStep       `json:"detailed_steps,omitempty"`
	Timeline            ActionTimeline     `json:"timeline"`
	SuccessCriteria     SuccessCriteria    `json:"success_criteria"`
	Status              ActionStatus       `json:"status" enum:"locked,in_progress,pending_validation,completed,corrective_required,escalated"`
	Gamification        ActionGamification `json:"gamification"`
	Corrective          CorrectiveTracking `json:"corrective"`
	PredecessorActionID *string            `json:"predecessor_action_id,omitempty"`
	CreatedAt           string             `json:"created_at" format:"date-time"`
}

type ResultValues struct {
	Baseline float64 `json:"baseline"`
	Current  float64 `json:"current"`
	Target   float64 `json:"target"`
}

type CalculatedResults struct {
	Improvement           float64 `json:"improvement"`
	TargetImprovement     float64 `json:"target_improvement"`
	AchievementPercentage float64 `json:"achievement_percentage"`
}

type EvaluationResult struct {
	Result     string `json:"result" enum:"excellent,satisfactory,below_target,unsatisfactory"`
	NextAction string `json:"next_action" enum:"UNLOCK,CORRECTIVE_REQUIRED,CORRECTIVE_MANDATORY"`
	Message    string `json:"message"`
}

// ActionResult is one submitted measurement. Immutable once created;
// results accumulate across corrective attempts.
type ActionResult struct {
	ID                 string            `json:"id"`
	ExecutionID        string            `json:"execution_id"`
	ExecutionActionID  string            `json:"execution_action_id"`
	LFAID              string            `json:"lfa_id"`
	Indicator          string            `json:"indicator"`
	Values             ResultValues      `json:"values"`
	Calculated         CalculatedResults `json:"calculated"`
	Evaluation         EvaluationResult  `json:"evaluation"`
	IsCorrectiveResult bool              `json:"is_corrective_result"`
	CorrectiveActionID *string           `json:"corrective_action_id,omitempty"`
	SubmittedBy        string            `json:"submitted_by"`
	SubmittedByName    string            `json:"submitted_by_name,omitempty"`
	SubmittedAt        string            `json:"submitted_at" format:"date-time"`
}

type AIDiagnosis struct {
	RootCause           string   `json:"root_cause"`
	ContributingFactors []string `json:"contributing_factors"`
	Confidence          float64  `json:"confidence"`
}

type CorrectiveTimeline struct {
	Deadline              string  `json:"deadline" format:"date-time"`
	EstimatedDurationDays int     `json:"estimated_duration_days"`
	ActualCompletionDate  *string `json:"actual_completion_date,omitempty" format:"date-time"`
}

type CorrectiveGamification struct {
	BaseXP   int  `json:"base_xp"`
	XPEarned *int `json:"xp_earned,omitempty"`
}

// CorrectiveAction is one bounded retry attempt for an action that
// missed its target. Attempt numbers per parent are contiguous from 1.
type CorrectiveAction struct {
	ID                 string                 `json:"id"`
	ParentActionID     string                 `json:"parent_action_id"`
	TriggeringResultID string                 `json:"triggering_result_id"`
	ExecutionID        string                 `json:"execution_id"`
	LFAID              string                 `json:"lfa_id"`
	AttemptNumber      int                    `json:"attempt_number"`
	Description        string                 `json:"description"`
	Rationale          string                 `json:"rationale,omitempty"`
	SpecificSteps      []ActionStep           `json:"specific_steps,omitempty"`
	Timeline           CorrectiveTimeline     `json:"timeline"`
	SuccessCriteria    SuccessCriteria        `json:"success_criteria"`
	Status             CorrectiveStatus       `json:"status" enum:"pending,accepted,in_progress,completed,failed"`
	Gamification       CorrectiveGamification `json:"gamification"`
	AIDiagnosis        *AIDiagnosis           `json:"ai_diagnosis,omitempty"`
	UserCustomized     bool                   `json:"user_customized"`
	CreatedAt          string                 `json:"created_at" format:"date-time"`
	AcceptedAt         *string                `json:"accepted_at,omitempty" format:"date-time"`
	CompletedAt        *string                `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	ExecutionID string `json:"execution_id,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
