// Package impactrun is a small HTTP client for the ImpactRun API. It
// covers the execution workflow: starting executions, submitting
// measurements and working corrective attempts. Types here mirror the
// wire format and deliberately avoid importing server internals so the
// package stands alone for external consumers.
package impactrun

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type Client struct {
	baseURL string
	apiKey  string
	token   string
	http    *http.Client
}

type Option func(*Client)

// WithAPIKey authenticates requests with an X-Api-Key header.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithBearerToken authenticates requests with a JWT bearer token.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New returns a client for the API rooted at baseURL, e.g.
// "http://127.0.0.1:8080/v0".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is the decoded error envelope returned by the API.
type APIError struct {
	Status  int
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("impactrun: %s (%d): %s", e.Code, e.Status, e.Message)
}

type LFA struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Status         string `json:"status"`
}

type Execution struct {
	ID                       string `json:"id"`
	LFAID                    string `json:"lfa_id"`
	Status                   string `json:"status"`
	CurrentLevelNumber       int    `json:"current_level_number"`
	OverallCompletionPercent int    `json:"overall_completion_percentage"`
	TotalXPEarned            int    `json:"total_xp_earned"`
}

type Action struct {
	ID              string `json:"id"`
	LevelNumber     int    `json:"level_number"`
	SequenceNumber  int    `json:"sequence_number"`
	Description     string `json:"description"`
	Status          string `json:"status"`
	SuccessCriteria struct {
		Indicator string  `json:"indicator"`
		Baseline  float64 `json:"baseline"`
		Target    float64 `json:"target"`
	} `json:"success_criteria"`
}

type Corrective struct {
	ID            string `json:"id"`
	AttemptNumber int    `json:"attempt_number"`
	Status        string `json:"status"`
	Description   string `json:"description"`
}

type Result struct {
	ID         string `json:"id"`
	Calculated struct {
		AchievementPercentage float64 `json:"achievement_percentage"`
	} `json:"calculated"`
	Evaluation struct {
		Result     string `json:"result"`
		NextAction string `json:"next_action"`
	} `json:"evaluation"`
}

type CurrentAction struct {
	State  string  `json:"state"`
	Action *Action `json:"action,omitempty"`
}

type SubmitOutcome struct {
	Result     Result      `json:"result"`
	Action     Action      `json:"action"`
	Corrective *Corrective `json:"corrective,omitempty"`
}

type CorrectiveOutcome struct {
	Corrective     Corrective  `json:"corrective"`
	Action         Action      `json:"action"`
	Result         Result      `json:"result"`
	Resolved       bool        `json:"resolved"`
	NextCorrective *Corrective `json:"next_corrective,omitempty"`
}

func (c *Client) CreateLFA(ctx context.Context, organizationID, name string) (LFA, error) {
	var out LFA
	err := c.do(ctx, http.MethodPost, "/lfas", map[string]string{
		"organization_id": organizationID,
		"name":            name,
	}, &out)
	return out, err
}

func (c *Client) LockLFA(ctx context.Context, lfaID string) (LFA, error) {
	var out LFA
	err := c.do(ctx, http.MethodPost, "/lfas/"+lfaID+"/lock", nil, &out)
	return out, err
}

func (c *Client) CreateExecution(ctx context.Context, lfaID string) (Execution, error) {
	var out Execution
	err := c.do(ctx, http.MethodPost, "/executions", map[string]string{"lfa_id": lfaID}, &out)
	return out, err
}

func (c *Client) GetExecution(ctx context.Context, executionID string) (Execution, error) {
	var out Execution
	err := c.do(ctx, http.MethodGet, "/executions/"+executionID, nil, &out)
	return out, err
}

func (c *Client) CurrentAction(ctx context.Context, executionID string) (CurrentAction, error) {
	var out CurrentAction
	err := c.do(ctx, http.MethodGet, "/executions/"+executionID+"/current-action", nil, &out)
	return out, err
}

func (c *Client) SubmitResults(ctx context.Context, actionID, indicator string, baseline, current float64) (SubmitOutcome, error) {
	var out SubmitOutcome
	err := c.do(ctx, http.MethodPost, "/actions/"+actionID+"/results", map[string]any{
		"indicator": indicator,
		"baseline":  baseline,
		"current":   current,
	}, &out)
	return out, err
}

func (c *Client) ValidateAction(ctx context.Context, actionID string) (Action, error) {
	var out Action
	err := c.do(ctx, http.MethodPost, "/actions/"+actionID+"/validate", nil, &out)
	return out, err
}

func (c *Client) ReopenAction(ctx context.Context, actionID string) (Action, error) {
	var out Action
	err := c.do(ctx, http.MethodPost, "/actions/"+actionID+"/reopen", nil, &out)
	return out, err
}

func (c *Client) AcceptCorrective(ctx context.Context, correctiveID string) (Corrective, error) {
	var out Corrective
	err := c.do(ctx, http.MethodPost, "/correctives/"+correctiveID+"/accept", nil, &out)
	return out, err
}

func (c *Client) CompleteCorrective(ctx context.Context, correctiveID string, current float64) (CorrectiveOutcome, error) {
	var out CorrectiveOutcome
	err := c.do(ctx, http.MethodPost, "/correctives/"+correctiveID+"/complete", map[string]any{
		"current": current,
	}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Code != "" {
			apiErr := envelope.Error
			apiErr.Status = res.StatusCode
			return &apiErr
		}
		return fmt.Errorf("impactrun: unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
