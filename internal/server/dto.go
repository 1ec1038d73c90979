package server

import (
	"impactrun/internal/domain"
	"impactrun/internal/engine"
)

// Request payloads

type CreateLFARequest struct {
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
}

type CreateExecutionRequest struct {
	LFAID string `json:"lfa_id"`
}

type SubmitResultsRequest struct {
	Indicator string  `json:"indicator"`
	Baseline  float64 `json:"baseline"`
	Current   float64 `json:"current"`
}

type CompleteCorrectiveRequest struct {
	Current float64 `json:"current"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type SubmitResultsResponse struct {
	Result     domain.ActionResult      `json:"result"`
	Action     domain.ExecutionAction   `json:"action"`
	Corrective *domain.CorrectiveAction `json:"corrective,omitempty"`
}

type CorrectiveOutcomeResponse struct {
	Corrective     domain.CorrectiveAction  `json:"corrective"`
	Action         domain.ExecutionAction   `json:"action"`
	Result         domain.ActionResult      `json:"result"`
	Resolved       bool                     `json:"resolved"`
	NextCorrective *domain.CorrectiveAction `json:"next_corrective,omitempty"`
}

type CurrentActionResponse struct {
	State    string                  `json:"state" enum:"action_available,level_completed,execution_completed"`
	Level    *domain.ExecutionLevel  `json:"level,omitempty"`
	Action   *domain.ExecutionAction `json:"action,omitempty"`
	Previous *domain.ExecutionAction `json:"previous,omitempty"`
}

type paginatedExecutions struct {
	Items      []domain.Execution `json:"items"`
	Total      int                `json:"total"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	// Key is shown once at creation; only its hash is stored.
	Key       string `json:"key"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

func submitResultsResponse(out engine.SubmitOutcome) SubmitResultsResponse {
	return SubmitResultsResponse{
		Result:     out.Result,
		Action:     out.Action,
		Corrective: out.Corrective,
	}
}

func correctiveOutcomeResponse(out engine.CorrectiveOutcome) CorrectiveOutcomeResponse {
	return CorrectiveOutcomeResponse{
		Corrective:     out.Corrective,
		Action:         out.Action,
		Result:         out.Result,
		Resolved:       out.Resolved,
		NextCorrective: out.NextCorrective,
	}
}

func currentActionResponse(info engine.CurrentActionInfo) CurrentActionResponse {
	return CurrentActionResponse{
		State:    info.State,
		Level:    info.Level,
		Action:   info.Action,
		Previous: info.Previous,
	}
}
