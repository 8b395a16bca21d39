package server

import (
	"encoding/json"

	"github.com/Boomerang-Apps/storyline/internal/domain"
)

// StartRunRequest creates a run and drives it as far as it can go.
type StartRunRequest struct {
	ID                 string              `json:"id,omitempty"`
	Name               string              `json:"name"`
	Task               string              `json:"task"`
	Domains            []string            `json:"domains,omitempty"`
	Dependencies       map[string][]string `json:"dependencies,omitempty"`
	AcceptanceCriteria []string            `json:"acceptance_criteria,omitempty"`
	TokenLimit         int64               `json:"token_limit,omitempty"`
	CostLimitUSD       float64             `json:"cost_limit_usd,omitempty"`
}

// AdvanceRequest carries the gate data for a manual gate advance.
type AdvanceRequest struct {
	GateData map[string]any `json:"gate_data"`
}

// ResumeRequest is a human's answer to an open escalation.
type ResumeRequest struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// RunSummary is the list view of a run.
type RunSummary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Status      string   `json:"status"`
	CurrentGate int      `json:"current_gate"`
	Domains     []string `json:"domains,omitempty"`
	TokensUsed  int64    `json:"tokens_used"`
	CostUsedUSD float64  `json:"cost_used_usd"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
}

func runSummary(r domain.Run) RunSummary {
	return RunSummary{
		ID:          r.ID,
		Name:        r.Name,
		Status:      r.Status,
		CurrentGate: r.CurrentGate,
		Domains:     r.Domains,
		TokensUsed:  r.TokensUsed,
		CostUsedUSD: r.CostUsedUSD,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

func mapRuns(runs []domain.Run) []RunSummary {
	out := make([]RunSummary, 0, len(runs))
	for _, r := range runs {
		out = append(out, runSummary(r))
	}
	return out
}

// EventResponse exposes one event row with its payload decoded when valid.
type EventResponse struct {
	ID      int64           `json:"id"`
	TS      string          `json:"ts"`
	Seq     int64           `json:"seq"`
	Type    string          `json:"type"`
	RunID   string          `json:"run_id"`
	Domain  string          `json:"domain,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage(e.Payload)
	}
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Seq:     e.Seq,
		Type:    e.Type,
		RunID:   e.RunID,
		Domain:  e.Domain,
		Payload: payload,
	}
}

func mapEvents(events []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse(e))
	}
	return out
}
